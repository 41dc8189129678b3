package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"addrhist/pkg/domain"
	dErrors "addrhist/pkg/domain-errors"
)

// Field limits for address segments.
const (
	MaxStreetLength = 128
	MaxCityLength   = 128
	MaxStateLength  = 2
	MaxZipLength    = 10
)

// Segment is one physical address occupied by a person over [StartDate, EndDate).
//
// Invariants:
//   - StreetOne, City, State and ZipCode are non-empty and within their limits
//   - StartDate is set
//   - EndDate == nil means the segment is open (the current address)
//   - the only mutation after creation is Close, which sets EndDate once
type Segment struct {
	ID        domain.SegmentID
	PersonID  domain.PersonID
	StreetOne string
	StreetTwo string
	City      string
	State     string
	ZipCode   string
	StartDate domain.Date
	EndDate   *domain.Date
	CreatedAt time.Time
}

// SegmentInput is the address payload of an append.
type SegmentInput struct {
	StreetOne string
	StreetTwo string
	City      string
	State     string
	ZipCode   string
	StartDate domain.Date
}

// Normalize trims surrounding whitespace. Values are otherwise stored as given.
func (in *SegmentInput) Normalize() {
	in.StreetOne = strings.TrimSpace(in.StreetOne)
	in.StreetTwo = strings.TrimSpace(in.StreetTwo)
	in.City = strings.TrimSpace(in.City)
	in.State = strings.TrimSpace(in.State)
	in.ZipCode = strings.TrimSpace(in.ZipCode)
}

// ExceedsLimit reports whether value is longer than limit characters.
// Length is counted in runes, matching the VARCHAR columns.
func ExceedsLimit(value string, limit int) bool {
	return utf8.RuneCountInString(value) > limit
}

// NewSegment validates in and returns an open segment owned by personID.
func NewSegment(id domain.SegmentID, personID domain.PersonID, in SegmentInput, now time.Time) (*Segment, error) {
	if err := checkField("street_one", in.StreetOne, MaxStreetLength, true); err != nil {
		return nil, err
	}
	if err := checkField("street_two", in.StreetTwo, MaxStreetLength, false); err != nil {
		return nil, err
	}
	if err := checkField("city", in.City, MaxCityLength, true); err != nil {
		return nil, err
	}
	if err := checkField("state", in.State, MaxStateLength, true); err != nil {
		return nil, err
	}
	if err := checkField("zip_code", in.ZipCode, MaxZipLength, true); err != nil {
		return nil, err
	}
	if in.StartDate.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "start_date is required")
	}
	return &Segment{
		ID:        id,
		PersonID:  personID,
		StreetOne: in.StreetOne,
		StreetTwo: in.StreetTwo,
		City:      in.City,
		State:     in.State,
		ZipCode:   in.ZipCode,
		StartDate: in.StartDate,
		CreatedAt: now.UTC(),
	}, nil
}

func checkField(name, value string, limit int, required bool) error {
	if required && value == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, name+" is required")
	}
	if ExceedsLimit(value, limit) {
		return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("%s must be %d characters or less", name, limit))
	}
	return nil
}

// IsOpen reports whether the segment has no end date.
func (s *Segment) IsOpen() bool {
	return s.EndDate == nil
}

// Covers reports whether date falls inside [StartDate, EndDate).
func (s *Segment) Covers(date domain.Date) bool {
	if date.Before(s.StartDate) {
		return false
	}
	return s.EndDate == nil || date.Before(*s.EndDate)
}

// Close ends an open segment on endDate.
func (s *Segment) Close(endDate domain.Date) error {
	if !s.IsOpen() {
		return dErrors.New(dErrors.CodeInvariantViolation, "segment is already closed")
	}
	s.EndDate = endDate.Ptr()
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Segment) Clone() *Segment {
	c := *s
	if s.EndDate != nil {
		c.EndDate = s.EndDate.Ptr()
	}
	return &c
}
