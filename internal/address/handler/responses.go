package handler

import (
	"time"

	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
)

// AddressResponse is one address segment. Field order is part of the contract.
type AddressResponse struct {
	StreetOne string       `json:"street_one"`
	StreetTwo string       `json:"street_two,omitempty"`
	City      string       `json:"city"`
	State     string       `json:"state"`
	ZipCode   string       `json:"zip_code"`
	StartDate domain.Date  `json:"start_date"`
	EndDate   *domain.Date `json:"end_date,omitempty"`
}

type PersonResponse struct {
	ID        domain.PersonID `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
}

type HistoryResponse struct {
	PersonID domain.PersonID   `json:"person_id"`
	Segments []AddressResponse `json:"segments"`
}

func toAddressResponse(s *models.Segment) AddressResponse {
	return AddressResponse{
		StreetOne: s.StreetOne,
		StreetTwo: s.StreetTwo,
		City:      s.City,
		State:     s.State,
		ZipCode:   s.ZipCode,
		StartDate: s.StartDate,
		EndDate:   s.EndDate,
	}
}

func toPersonResponse(p *models.Person) PersonResponse {
	return PersonResponse{ID: p.ID, CreatedAt: p.CreatedAt.UTC()}
}

func toHistoryResponse(personID domain.PersonID, history []*models.Segment) HistoryResponse {
	segments := make([]AddressResponse, 0, len(history))
	for _, s := range history {
		segments = append(segments, toAddressResponse(s))
	}
	return HistoryResponse{PersonID: personID, Segments: segments}
}
