package handler

import (
	"fmt"
	"strings"

	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
	dErrors "addrhist/pkg/domain-errors"
)

// SetAddressRequest is the body of PUT /persons/{personId}/address.
type SetAddressRequest struct {
	StreetOne string       `json:"street_one"`
	StreetTwo string       `json:"street_two"`
	City      string       `json:"city"`
	State     string       `json:"state"`
	ZipCode   string       `json:"zip_code"`
	StartDate *domain.Date `json:"start_date"`
}

// Validate trims the fields and checks presence and length. All problems are
// reported together.
func (r *SetAddressRequest) Validate() error {
	sanitize(r)

	var problems []string
	check := func(field, value string, limit int, required bool) {
		switch {
		case required && value == "":
			problems = append(problems, field+" is required")
		case models.ExceedsLimit(value, limit):
			problems = append(problems, fmt.Sprintf("%s must be %d characters or less", field, limit))
		}
	}
	check("street_one", r.StreetOne, models.MaxStreetLength, true)
	check("street_two", r.StreetTwo, models.MaxStreetLength, false)
	check("city", r.City, models.MaxCityLength, true)
	check("state", r.State, models.MaxStateLength, true)
	check("zip_code", r.ZipCode, models.MaxZipLength, true)
	if r.StartDate == nil || r.StartDate.IsZero() {
		problems = append(problems, "start_date is required")
	}

	if len(problems) > 0 {
		return dErrors.New(dErrors.CodeValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ToInput converts a validated request to the service input.
func (r *SetAddressRequest) ToInput() models.SegmentInput {
	in := models.SegmentInput{
		StreetOne: r.StreetOne,
		StreetTwo: r.StreetTwo,
		City:      r.City,
		State:     r.State,
		ZipCode:   r.ZipCode,
	}
	if r.StartDate != nil {
		in.StartDate = *r.StartDate
	}
	return in
}
