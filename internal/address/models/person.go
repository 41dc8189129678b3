package models

import (
	"time"

	"addrhist/pkg/domain"
)

// Person owns an address history. Nothing beyond its identity is tracked.
type Person struct {
	ID        domain.PersonID `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewPerson(id domain.PersonID, now time.Time) *Person {
	return &Person{ID: id, CreatedAt: now.UTC()}
}
