package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"addrhist/internal/address/metrics"
	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
	dErrors "addrhist/pkg/domain-errors"
	"addrhist/pkg/platform/sentinel"
	"addrhist/pkg/requestcontext"
)

// Store is the persistence port for persons and their address segments.
// It performs no business validation.
type Store interface {
	CreatePerson(ctx context.Context, person *models.Person) error
	FindPerson(ctx context.Context, id domain.PersonID) (*models.Person, error)
	// LockPerson takes the per-person write lock of the surrounding
	// transaction and fails with sentinel.ErrNotFound for unknown persons.
	LockPerson(ctx context.Context, id domain.PersonID) error
	// ListByPerson returns the history ordered by models.CompareSegments.
	ListByPerson(ctx context.Context, id domain.PersonID) ([]*models.Segment, error)
	CreateSegment(ctx context.Context, segment *models.Segment) error
	UpdateEndDate(ctx context.Context, id domain.SegmentID, endDate domain.Date) error
}

// HistoryCache is a read-through cache of ordered histories.
type HistoryCache interface {
	Load(ctx context.Context, personID domain.PersonID, load func(ctx context.Context) ([]*models.Segment, error)) ([]*models.Segment, error)
	Invalidate(ctx context.Context, personID domain.PersonID) error
}

// EventPublisher receives committed address changes.
type EventPublisher interface {
	Publish(ctx context.Context, event models.AddressChanged) error
}

// Service orchestrates address history reads and appends.
type Service struct {
	store     Store
	tx        TxRunner
	cache     HistoryCache
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	policy    models.BaselinePolicy
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithCache(cache HistoryCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithBaselinePolicy selects which segment a new start date is compared to.
func WithBaselinePolicy(policy models.BaselinePolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// New constructs a Service. tx must serialize writers per person.
func New(store Store, tx TxRunner, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tx:     tx,
		logger: slog.Default(),
		tracer: otel.Tracer("addrhist/internal/address/service"),
		policy: models.BaselineLatest,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePerson registers a new person with an empty history.
func (s *Service) CreatePerson(ctx context.Context) (*models.Person, error) {
	person := models.NewPerson(domain.NewPersonID(), requestcontext.Now(ctx))
	if err := s.store.CreatePerson(ctx, person); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create person")
	}
	s.logger.InfoContext(ctx, "person created",
		"request_id", requestcontext.RequestID(ctx),
		"person_id", person.ID,
	)
	return person, nil
}

// GetPerson returns the person or a not-found error.
func (s *Service) GetPerson(ctx context.Context, personID domain.PersonID) (*models.Person, error) {
	person, err := s.store.FindPerson(ctx, personID)
	if err != nil {
		return nil, personError(err)
	}
	return person, nil
}

// Resolve returns the segment covering asOf. A nil asOf means today, taken
// from the request clock.
func (s *Service) Resolve(ctx context.Context, personID domain.PersonID, asOf *domain.Date) (*models.Segment, error) {
	ctx, span := s.tracer.Start(ctx, "address.Resolve",
		trace.WithAttributes(attribute.String("person_id", personID.String())))
	defer span.End()
	if s.metrics != nil {
		defer s.metrics.ObserveResolve(time.Now())
	}

	date := requestcontext.Today(ctx)
	if asOf != nil && !asOf.IsZero() {
		date = *asOf
	}
	span.SetAttributes(attribute.String("as_of", date.String()))

	history, err := s.History(ctx, personID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if len(history) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "person does not have an address, please create one")
	}

	segment := models.Covering(history, date)
	if segment == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("person does not have an address on %s", date))
	}
	return segment, nil
}

// History returns the person's full ordered address history.
func (s *Service) History(ctx context.Context, personID domain.PersonID) ([]*models.Segment, error) {
	if _, err := s.store.FindPerson(ctx, personID); err != nil {
		return nil, personError(err)
	}

	var (
		history []*models.Segment
		err     error
	)
	if s.cache != nil {
		history, err = s.cache.Load(ctx, personID, func(ctx context.Context) ([]*models.Segment, error) {
			return s.store.ListByPerson(ctx, personID)
		})
	} else {
		history, err = s.store.ListByPerson(ctx, personID)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load address history")
	}
	return history, nil
}

// Append adds a new open segment for the person, closing the current open
// segment on the new start date. Both writes commit together or not at all.
func (s *Service) Append(ctx context.Context, personID domain.PersonID, in models.SegmentInput) (*models.Segment, error) {
	ctx, span := s.tracer.Start(ctx, "address.Append",
		trace.WithAttributes(attribute.String("person_id", personID.String())))
	defer span.End()
	if s.metrics != nil {
		defer s.metrics.ObserveAppend(time.Now())
	}
	requestID := requestcontext.RequestID(ctx)

	in.Normalize()
	segment, err := models.NewSegment(domain.NewSegmentID(), personID, in, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("start_date", segment.StartDate.String()))

	var closed *models.Segment
	err = s.tx.RunInTx(ctx, personID, func(ctx context.Context) error {
		closed = nil
		if err := s.store.LockPerson(ctx, personID); err != nil {
			return personError(err)
		}

		history, err := s.store.ListByPerson(ctx, personID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load address history")
		}

		if baseline, ok := models.Baseline(history, s.policy); ok && !segment.StartDate.After(baseline) {
			return dErrors.New(dErrors.CodeInvalidOrdering, models.OrderingMessage(segment.StartDate))
		}

		if open := models.OpenSegment(history); open != nil {
			if err := open.Close(segment.StartDate); err != nil {
				return err
			}
			if err := s.store.UpdateEndDate(ctx, open.ID, segment.StartDate); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to close current address segment")
			}
			closed = open
		}

		if err := s.store.CreateSegment(ctx, segment); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeConflict, "address history changed concurrently, retry the request")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create address segment")
		}
		return nil
	})
	if err != nil {
		recordError(span, err)
		if dErrors.HasCode(err, dErrors.CodeInvalidOrdering) {
			s.incrementOrderingRejected()
			s.logger.WarnContext(ctx, "address segment rejected",
				"request_id", requestID,
				"person_id", personID,
				"start_date", segment.StartDate,
				"baseline_policy", s.policy,
			)
			return nil, err
		}
		if _, ok := dErrors.As(err); ok {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append address segment")
	}

	s.invalidate(ctx, personID)
	s.incrementAppended(closed != nil)

	event := models.AddressChanged{
		Type:       models.EventAddressChanged,
		PersonID:   personID,
		SegmentID:  segment.ID,
		StartDate:  segment.StartDate,
		RequestID:  requestID,
		OccurredAt: requestcontext.Now(ctx).UTC(),
	}
	if closed != nil {
		closedID := closed.ID
		event.ClosedSegmentID = &closedID
	}
	s.publish(ctx, event)

	s.logger.InfoContext(ctx, "address segment appended",
		"request_id", requestID,
		"person_id", personID,
		"segment_id", segment.ID,
		"start_date", segment.StartDate,
		"closed_previous", closed != nil,
	)
	return segment, nil
}

func (s *Service) invalidate(ctx context.Context, personID domain.PersonID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, personID); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate address history cache",
			"request_id", requestcontext.RequestID(ctx),
			"person_id", personID,
			"error", err,
		)
	}
}

// publish is best effort: the append is already committed.
func (s *Service) publish(ctx context.Context, event models.AddressChanged) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish address change",
			"request_id", event.RequestID,
			"person_id", event.PersonID,
			"segment_id", event.SegmentID,
			"error", err,
		)
	}
}

func (s *Service) incrementAppended(closedPrevious bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.SegmentsAppended.Inc()
	if closedPrevious {
		s.metrics.SegmentsClosed.Inc()
	}
}

func (s *Service) incrementOrderingRejected() {
	if s.metrics != nil {
		s.metrics.OrderingRejected.Inc()
	}
}

func personError(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "person does not exist")
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load person")
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
