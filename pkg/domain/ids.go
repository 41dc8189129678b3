package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "addrhist/pkg/domain-errors"
)

// PersonID identifies the owner of an address history.
type PersonID uuid.UUID

// SegmentID identifies a single address segment.
type SegmentID uuid.UUID

func (id PersonID) String() string  { return uuid.UUID(id).String() }
func (id PersonID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id SegmentID) String() string { return uuid.UUID(id).String() }
func (id SegmentID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// NewPersonID returns a fresh random person identifier.
func NewPersonID() PersonID { return PersonID(uuid.New()) }

// NewSegmentID returns a fresh random segment identifier.
func NewSegmentID() SegmentID { return SegmentID(uuid.New()) }

// ParsePersonID parses external input into a PersonID.
// Empty, malformed and nil UUIDs are rejected with CodeInvalidInput.
func ParsePersonID(s string) (PersonID, error) {
	u, err := parseUUID(s, "person id")
	if err != nil {
		return PersonID{}, err
	}
	return PersonID(u), nil
}

// ParseSegmentID parses external input into a SegmentID.
func ParseSegmentID(s string) (SegmentID, error) {
	u, err := parseUUID(s, "segment id")
	if err != nil {
		return SegmentID{}, err
	}
	return SegmentID(u), nil
}

// maxIDLength bounds the input before it reaches uuid.Parse; the longest
// accepted form is the 45 character urn:uuid: prefix.
const maxIDLength = 64

func parseUUID(s, label string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	if len(s) > maxIDLength || !utf8.ValidString(s) {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	return u, nil
}

func (id PersonID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *PersonID) UnmarshalText(b []byte) error {
	parsed, err := ParsePersonID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id SegmentID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *SegmentID) UnmarshalText(b []byte) error {
	parsed, err := ParseSegmentID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
