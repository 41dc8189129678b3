package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"addrhist/internal/address/metrics"
	"addrhist/internal/address/models"
	"addrhist/internal/address/service"
	"addrhist/internal/address/store"
	"addrhist/pkg/domain"
	dErrors "addrhist/pkg/domain-errors"
	"addrhist/pkg/requestcontext"
)

// =============================================================================
// Address Service Test Suite
// =============================================================================
// Justification for unit tests: append ordering, closing and rollback are
// invariants over the whole history and are cheaper to enumerate here than
// through the HTTP layer.

type AddressServiceSuite struct {
	suite.Suite
	store   *store.InMemory
	metrics *metrics.Metrics
	service *service.Service
	ctx     context.Context
}

func TestAddressServiceSuite(t *testing.T) {
	suite.Run(t, new(AddressServiceSuite))
}

func (s *AddressServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.metrics = metrics.New(nil)
	s.service = service.New(s.store, service.NewShardedTx(s.store), service.WithMetrics(s.metrics))
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2025, 2, 10, 15, 30, 0, 0, time.UTC))
}

func (s *AddressServiceSuite) newPerson() domain.PersonID {
	person, err := s.service.CreatePerson(s.ctx)
	s.Require().NoError(err)
	return person.ID
}

func input(start string) models.SegmentInput {
	return models.SegmentInput{
		StreetOne: "742 Evergreen Terrace",
		City:      "Springfield",
		State:     "or",
		ZipCode:   "97403",
		StartDate: domain.MustParseDate(start),
	}
}

func date(s string) *domain.Date {
	d := domain.MustParseDate(s)
	return &d
}

// seed appends segments in order, failing the test on any error.
func (s *AddressServiceSuite) seed(personID domain.PersonID, starts ...string) []*models.Segment {
	out := make([]*models.Segment, 0, len(starts))
	for _, start := range starts {
		seg, err := s.service.Append(s.ctx, personID, input(start))
		s.Require().NoError(err)
		out = append(out, seg)
	}
	return out
}

func (s *AddressServiceSuite) history(personID domain.PersonID) []*models.Segment {
	history, err := s.service.History(s.ctx, personID)
	s.Require().NoError(err)
	return history
}

// =============================================================================
// Append Tests
// =============================================================================

func (s *AddressServiceSuite) TestAppend() {
	s.Run("first segment on empty history needs no baseline", func() {
		personID := s.newPerson()

		seg, err := s.service.Append(s.ctx, personID, input("2024-01-01"))
		s.Require().NoError(err)
		s.True(seg.IsOpen())
		s.Equal(personID, seg.PersonID)
		s.Equal("or", seg.State, "state is stored as given")
		s.Len(s.history(personID), 1)
	})

	s.Run("newer segment closes the open one on its start date", func() {
		personID := s.newPerson()
		s.seed(personID, "2024-01-01")

		b, err := s.service.Append(s.ctx, personID, input("2024-06-01"))
		s.Require().NoError(err)

		history := s.history(personID)
		s.Require().Len(history, 2)
		s.Require().NotNil(history[0].EndDate)
		s.Equal("2024-06-01", history[0].EndDate.String())
		s.Equal(b.ID, history[1].ID)
		s.True(history[1].IsOpen())
	})

	s.Run("equal start date is rejected", func() {
		personID := s.newPerson()
		s.seed(personID, "2024-01-01")

		_, err := s.service.Append(s.ctx, personID, input("2024-01-01"))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOrdering))
		s.Equal("start_date - 2024-01-01, should be newer than the last address segment start_date", errMessage(err))
	})

	s.Run("older start date is rejected and history is unchanged", func() {
		personID := s.newPerson()
		s.seed(personID, "2024-01-01")
		before := s.history(personID)

		_, err := s.service.Append(s.ctx, personID, input("2023-12-31"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOrdering))
		s.Equal(before, s.history(personID))
	})

	s.Run("unknown person is not found", func() {
		_, err := s.service.Append(s.ctx, domain.NewPersonID(), input("2024-01-01"))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Equal("person does not exist", errMessage(err))
	})

	s.Run("invalid fields are a validation error", func() {
		personID := s.newPerson()
		in := input("2024-01-01")
		in.StreetOne = "   "
		in.State = "ORE"

		_, err := s.service.Append(s.ctx, personID, in)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Empty(s.history(personID))
	})

	s.Run("history stays contiguous across many appends", func() {
		personID := s.newPerson()
		s.seed(personID, "2020-01-01", "2021-03-15", "2022-07-04", "2024-02-29")

		history := s.history(personID)
		s.Require().Len(history, 4)
		for i := 0; i < len(history)-1; i++ {
			s.Require().NotNil(history[i].EndDate)
			s.True(history[i].EndDate.Equal(history[i+1].StartDate))
			s.True(history[i].StartDate.Before(history[i+1].StartDate))
		}
		s.True(history[3].IsOpen())
	})
}

func (s *AddressServiceSuite) TestAppendThenResolveRoundTrip() {
	personID := s.newPerson()
	in := models.SegmentInput{
		StreetOne: "1 Main St",
		City:      "Springfield",
		State:     "IL",
		ZipCode:   "62704",
		StartDate: domain.MustParseDate("2024-01-01"),
	}

	created, err := s.service.Append(s.ctx, personID, in)
	s.Require().NoError(err)

	got, err := s.service.Resolve(s.ctx, personID, date("2024-01-01"))
	s.Require().NoError(err)
	s.Equal(created, got)
	s.Equal(personID, got.PersonID)
	s.Equal(in.StreetOne, got.StreetOne)
	s.Empty(got.StreetTwo)
	s.Equal(in.City, got.City)
	s.Equal(in.State, got.State)
	s.Equal(in.ZipCode, got.ZipCode)
	s.True(got.StartDate.Equal(in.StartDate))
	s.Nil(got.EndDate)

	s.Run("lower case and multibyte input is returned unchanged", func() {
		other := s.newPerson()
		in := models.SegmentInput{
			StreetOne: "Rua Açaí 12",
			StreetTwo: "Bloco B",
			City:      "São Paulo",
			State:     "sp",
			ZipCode:   "01310-100",
			StartDate: domain.MustParseDate("2024-01-01"),
		}
		_, err := s.service.Append(s.ctx, other, in)
		s.Require().NoError(err)

		got, err := s.service.Resolve(s.ctx, other, nil)
		s.Require().NoError(err)
		s.Equal(in.StreetOne, got.StreetOne)
		s.Equal(in.StreetTwo, got.StreetTwo)
		s.Equal(in.City, got.City)
		s.Equal("sp", got.State)
		s.Equal(in.ZipCode, got.ZipCode)
		s.Nil(got.EndDate)
	})
}

// TestScenarioInsertBetweenSegments covers a start date that is newer than the
// first segment but older than the latest one. The outcome depends on the
// configured baseline policy.
func (s *AddressServiceSuite) TestScenarioInsertBetweenSegments() {
	s.Run("latest policy rejects", func() {
		personID := s.newPerson()
		s.seed(personID, "2024-01-01", "2024-06-01")

		_, err := s.service.Append(s.ctx, personID, input("2024-03-01"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOrdering))
		s.Equal("start_date - 2024-03-01, should be newer than the last address segment start_date", errMessage(err))

		history := s.history(personID)
		s.Require().Len(history, 2)
		s.True(history[1].IsOpen())
	})

	s.Run("first policy accepts and closes the open segment before its start", func() {
		svc := service.New(s.store, service.NewShardedTx(s.store),
			service.WithBaselinePolicy(models.BaselineFirst))
		personID := s.newPerson()
		s.seed(personID, "2024-01-01", "2024-06-01")

		c, err := svc.Append(s.ctx, personID, input("2024-03-01"))
		s.Require().NoError(err)

		history := s.history(personID)
		s.Require().Len(history, 3)
		a, cSeg, b := history[0], history[1], history[2]
		s.Equal("2024-06-01", a.EndDate.String())
		s.Equal(c.ID, cSeg.ID)
		s.True(cSeg.IsOpen())
		s.Require().NotNil(b.EndDate)
		s.Equal("2024-03-01", b.EndDate.String(), "closed segment ends before it starts")
		s.True(b.EndDate.Before(b.StartDate))
	})

	s.Run("first policy still rejects dates not after the first segment", func() {
		svc := service.New(s.store, service.NewShardedTx(s.store),
			service.WithBaselinePolicy(models.BaselineFirst))
		personID := s.newPerson()
		s.seed(personID, "2024-01-01", "2024-06-01")

		_, err := svc.Append(s.ctx, personID, input("2024-01-01"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOrdering))
	})
}

func (s *AddressServiceSuite) TestAppendRollsBackOnFailure() {
	failing := &failingStore{InMemory: s.store, failCreate: true}
	svc := service.New(failing, service.NewShardedTx(s.store))
	personID := s.newPerson()
	s.seed(personID, "2024-01-01")

	_, err := svc.Append(s.ctx, personID, input("2024-06-01"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	history := s.history(personID)
	s.Require().Len(history, 1)
	s.True(history[0].IsOpen(), "close of the previous segment must be rolled back")
}

func (s *AddressServiceSuite) TestConcurrentAppendsLeaveOneOpenSegment() {
	personID := s.newPerson()
	base := domain.MustParseDate("2024-01-01").Time()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := domain.DateOf(base.AddDate(0, 0, i)).String()
			_, _ = s.service.Append(s.ctx, personID, input(start))
		}(i)
	}
	wg.Wait()

	history := s.history(personID)
	s.NotEmpty(history)
	open := 0
	for i, seg := range history {
		if seg.IsOpen() {
			open++
			continue
		}
		s.Require().Less(i, len(history)-1)
		s.True(seg.EndDate.Equal(history[i+1].StartDate))
	}
	s.Equal(1, open)
}

// =============================================================================
// Resolve Tests
// =============================================================================

func (s *AddressServiceSuite) TestResolve() {
	personID := s.newPerson()
	segs := s.seed(personID, "2024-01-01", "2024-06-01")
	a, b := segs[0], segs[1]

	cases := []struct {
		name string
		date string
		want domain.SegmentID
	}{
		{"start date is inclusive", "2024-01-01", a.ID},
		{"inside first segment", "2024-03-15", a.ID},
		{"day before the boundary", "2024-05-31", a.ID},
		{"end date is exclusive", "2024-06-01", b.ID},
		{"open segment extends forever", "2099-12-31", b.ID},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			seg, err := s.service.Resolve(s.ctx, personID, date(tc.date))
			s.Require().NoError(err)
			s.Equal(tc.want, seg.ID)
		})
	}

	s.Run("date before history is not found", func() {
		_, err := s.service.Resolve(s.ctx, personID, date("2023-12-31"))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Equal("person does not have an address on 2023-12-31", errMessage(err))
	})

	s.Run("nil date resolves against the request clock", func() {
		seg, err := s.service.Resolve(s.ctx, personID, nil)
		s.Require().NoError(err)
		s.Equal(b.ID, seg.ID)

		past := requestcontext.WithTime(context.Background(), time.Date(2024, 2, 1, 23, 59, 0, 0, time.UTC))
		seg, err = s.service.Resolve(past, personID, nil)
		s.Require().NoError(err)
		s.Equal(a.ID, seg.ID)
	})

	s.Run("resolve does not mutate history", func() {
		before := s.history(personID)
		_, _ = s.service.Resolve(s.ctx, personID, date("2024-03-15"))
		s.Equal(before, s.history(personID))
	})
}

func (s *AddressServiceSuite) TestResolveNotFound() {
	s.Run("unknown person", func() {
		_, err := s.service.Resolve(s.ctx, domain.NewPersonID(), nil)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Equal("person does not exist", errMessage(err))
	})

	s.Run("empty history", func() {
		personID := s.newPerson()
		_, err := s.service.Resolve(s.ctx, personID, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Equal("person does not have an address, please create one", errMessage(err))
	})
}

// =============================================================================
// Collaborator Tests
// =============================================================================

func (s *AddressServiceSuite) TestCacheAndPublisher() {
	cache := newFakeCache()
	publisher := &fakePublisher{}
	svc := service.New(s.store, service.NewShardedTx(s.store),
		service.WithCache(cache), service.WithPublisher(publisher))
	ctx := requestcontext.WithRequestID(s.ctx, "req-123")
	personID := s.newPerson()

	first, err := svc.Append(ctx, personID, input("2024-01-01"))
	s.Require().NoError(err)

	_, err = svc.Resolve(ctx, personID, nil)
	s.Require().NoError(err)
	_, err = svc.Resolve(ctx, personID, nil)
	s.Require().NoError(err)
	s.Equal(1, cache.loads[personID], "second read is served from cache")

	second, err := svc.Append(ctx, personID, input("2024-06-01"))
	s.Require().NoError(err)
	s.Equal(2, cache.invalidations[personID])

	seg, err := svc.Resolve(ctx, personID, nil)
	s.Require().NoError(err)
	s.Equal(second.ID, seg.ID, "append invalidates the cached history")

	s.Require().Len(publisher.events, 2)
	s.Nil(publisher.events[0].ClosedSegmentID)
	ev := publisher.events[1]
	s.Equal(models.EventAddressChanged, ev.Type)
	s.Equal(personID, ev.PersonID)
	s.Equal(second.ID, ev.SegmentID)
	s.Equal("2024-06-01", ev.StartDate.String())
	s.Require().NotNil(ev.ClosedSegmentID)
	s.Equal(first.ID, *ev.ClosedSegmentID)
	s.Equal("req-123", ev.RequestID)
}

func (s *AddressServiceSuite) TestPublishFailureDoesNotFailAppend() {
	publisher := &fakePublisher{err: errors.New("broker down")}
	svc := service.New(s.store, service.NewShardedTx(s.store), service.WithPublisher(publisher))
	personID := s.newPerson()

	_, err := svc.Append(s.ctx, personID, input("2024-01-01"))
	s.Require().NoError(err)
	s.Len(s.history(personID), 1)
}

func (s *AddressServiceSuite) TestMetrics() {
	personID := s.newPerson()
	s.seed(personID, "2024-01-01", "2024-06-01")
	_, _ = s.service.Append(s.ctx, personID, input("2024-03-01"))

	s.Equal(2.0, testutil.ToFloat64(s.metrics.SegmentsAppended))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.SegmentsClosed))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.OrderingRejected))
}

func (s *AddressServiceSuite) TestTracing() {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	svc := service.New(s.store, service.NewShardedTx(s.store), service.WithTracer(tp.Tracer("test")))
	personID := s.newPerson()

	_, err := svc.Append(s.ctx, personID, input("2024-01-01"))
	s.Require().NoError(err)
	_, err = svc.Append(s.ctx, personID, input("2023-06-01"))
	s.Require().Error(err)
	_, err = svc.Resolve(s.ctx, personID, date("2024-02-01"))
	s.Require().NoError(err)

	spans := recorder.Ended()
	s.Require().Len(spans, 3)

	ok, rejected, resolve := spans[0], spans[1], spans[2]
	s.Equal("address.Append", ok.Name())
	s.Equal(personID.String(), spanAttr(ok, "person_id"))
	s.Equal("2024-01-01", spanAttr(ok, "start_date"))
	s.Equal(codes.Unset, ok.Status().Code)

	s.Equal("address.Append", rejected.Name())
	s.Equal("2023-06-01", spanAttr(rejected, "start_date"))
	s.Equal(codes.Error, rejected.Status().Code)
	s.Contains(rejected.Status().Description, "should be newer than the last address segment start_date")

	s.Equal("address.Resolve", resolve.Name())
	s.Equal(personID.String(), spanAttr(resolve, "person_id"))
	s.Equal("2024-02-01", spanAttr(resolve, "as_of"))
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if kv.Key == attribute.Key(key) {
			return kv.Value.Emit()
		}
	}
	return ""
}

func (s *AddressServiceSuite) TestCancelledContext() {
	personID := s.newPerson()
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.service.Append(ctx, personID, input("2024-01-01"))
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.Empty(s.history(personID))
}

// =============================================================================
// Test doubles
// =============================================================================

func errMessage(err error) string {
	if de, ok := dErrors.As(err); ok {
		return de.Message
	}
	return err.Error()
}

type failingStore struct {
	*store.InMemory
	failCreate bool
}

func (f *failingStore) CreateSegment(ctx context.Context, seg *models.Segment) error {
	if f.failCreate {
		return errors.New("disk full")
	}
	return f.InMemory.CreateSegment(ctx, seg)
}

type fakeCache struct {
	mu            sync.Mutex
	entries       map[domain.PersonID][]*models.Segment
	loads         map[domain.PersonID]int
	invalidations map[domain.PersonID]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:       make(map[domain.PersonID][]*models.Segment),
		loads:         make(map[domain.PersonID]int),
		invalidations: make(map[domain.PersonID]int),
	}
}

func (c *fakeCache) Load(ctx context.Context, personID domain.PersonID, load func(ctx context.Context) ([]*models.Segment, error)) ([]*models.Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if history, ok := c.entries[personID]; ok {
		return history, nil
	}
	history, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.loads[personID]++
	c.entries[personID] = history
	return history, nil
}

func (c *fakeCache) Invalidate(_ context.Context, personID domain.PersonID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, personID)
	c.invalidations[personID]++
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.AddressChanged
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event models.AddressChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}
