package models

import (
	"time"

	"addrhist/pkg/domain"
)

// EventAddressChanged is the type of the event emitted after an append.
const EventAddressChanged = "address.changed"

// AddressChanged records a committed append. ClosedSegmentID is nil when the
// person had no open segment.
type AddressChanged struct {
	Type            string            `json:"type"`
	PersonID        domain.PersonID   `json:"person_id"`
	SegmentID       domain.SegmentID  `json:"segment_id"`
	StartDate       domain.Date       `json:"start_date"`
	ClosedSegmentID *domain.SegmentID `json:"closed_segment_id,omitempty"`
	RequestID       string            `json:"request_id,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
}
