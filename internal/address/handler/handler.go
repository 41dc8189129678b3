package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"addrhist/internal/address/models"
	"addrhist/internal/platform/metrics"
	"addrhist/internal/platform/middleware"
	"addrhist/pkg/domain"
	dErrors "addrhist/pkg/domain-errors"
	"addrhist/pkg/platform/httputil"
	"addrhist/pkg/platform/middleware/metadata"
	"addrhist/pkg/platform/middleware/requesttime"
)

const requestTimeout = 30 * time.Second

// Service defines the address history operations exposed over HTTP.
type Service interface {
	CreatePerson(ctx context.Context) (*models.Person, error)
	GetPerson(ctx context.Context, personID domain.PersonID) (*models.Person, error)
	Resolve(ctx context.Context, personID domain.PersonID, asOf *domain.Date) (*models.Segment, error)
	History(ctx context.Context, personID domain.PersonID) ([]*models.Segment, error)
	Append(ctx context.Context, personID domain.PersonID, in models.SegmentInput) (*models.Segment, error)
}

// Handler handles person and address endpoints.
type Handler struct {
	logger  *slog.Logger
	address Service
	metrics *metrics.Metrics
	clock   requesttime.Clock
}

type Option func(*Handler)

// WithClock replaces the clock that stamps each request; the address lookup
// date defaults to the stamped day.
func WithClock(clock requesttime.Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// New creates a new address Handler. metrics may be nil.
func New(address Service, logger *slog.Logger, metrics *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		logger:  logger,
		address: address,
		metrics: metrics,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the person routes under both /persons and /api/persons.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger, h.metrics))
		r.Use(middleware.RequestID)
		r.Use(requesttime.WithClock(h.clock))
		r.Use(metadata.ClientMetadata)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.LatencyMiddleware(h.metrics))

		r.Route("/persons", h.personRoutes)
		r.Route("/api/persons", h.personRoutes)
	})
}

func (h *Handler) personRoutes(r chi.Router) {
	r.Post("/", h.handleCreatePerson)
	r.Get("/{personId}", h.handleGetPerson)
	r.Get("/{personId}/address", h.handleGetAddress)
	r.Put("/{personId}/address", h.handleSetAddress)
	r.Get("/{personId}/address/history", h.handleGetHistory)
}

func (h *Handler) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	person, err := h.address.CreatePerson(ctx)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to create person", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toPersonResponse(person))
}

func (h *Handler) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	personID, ok := h.personID(w, r)
	if !ok {
		return
	}
	person, err := h.address.GetPerson(ctx, personID)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to get person", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPersonResponse(person))
}

// handleGetAddress returns the address the person lived at on ?date, or today
// when the parameter is absent.
func (h *Handler) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	personID, ok := h.personID(w, r)
	if !ok {
		return
	}

	var asOf *domain.Date
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := domain.ParseDate(raw)
		if err != nil {
			h.logger.WarnContext(ctx, "invalid address date",
				"request_id", requestID,
				"date", raw,
			)
			httputil.WriteError(w, err)
			return
		}
		asOf = &d
	}

	segment, err := h.address.Resolve(ctx, personID, asOf)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to resolve address", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAddressResponse(segment))
}

func (h *Handler) handleSetAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	personID, ok := h.personID(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[SetAddressRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	segment, err := h.address.Append(ctx, personID, req.ToInput())
	if err != nil {
		h.writeServiceError(ctx, w, "failed to set address", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAddressResponse(segment))
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	personID, ok := h.personID(w, r)
	if !ok {
		return
	}
	history, err := h.address.History(ctx, personID)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to load address history", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toHistoryResponse(personID, history))
}

func (h *Handler) personID(w http.ResponseWriter, r *http.Request) (domain.PersonID, bool) {
	raw := chi.URLParam(r, "personId")
	personID, err := domain.ParsePersonID(raw)
	if err != nil {
		h.logger.WarnContext(r.Context(), "invalid person id",
			"request_id", middleware.GetRequestID(r.Context()),
			"person_id", raw,
		)
		httputil.WriteError(w, err)
		return domain.PersonID{}, false
	}
	return personID, true
}

// writeServiceError logs client errors at warn and everything else at error
// before writing the response.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	requestID := middleware.GetRequestID(ctx)
	if de, ok := dErrors.As(err); ok && httputil.StatusFor(de.Code) < http.StatusInternalServerError {
		h.logger.WarnContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
	} else {
		h.logger.ErrorContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}
