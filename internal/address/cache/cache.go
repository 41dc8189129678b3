// Package cache keeps ordered address histories in a shared cache so reads do
// not hit the store on every request. Entries are dropped on append and
// otherwise expire after a TTL.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"addrhist/internal/address/metrics"
	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
	"addrhist/pkg/requestcontext"
)

const (
	keyPrefix          = "addrhist:history:"
	DefaultTTL         = 5 * time.Minute
	DefaultLoadTimeout = 5 * time.Second
)

// Backend is the key-value store behind the history cache. Every key carries a
// generation that Invalidate bumps; a value loaded under an older generation
// is never stored.
type Backend interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Generation returns the key's current generation, 0 if never invalidated.
	Generation(ctx context.Context, key string) (uint64, error)
	// SetIfGeneration stores value only while the key is still at gen.
	SetIfGeneration(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) (stored bool, err error)
	// Invalidate deletes the value and bumps the generation atomically.
	Invalidate(ctx context.Context, key string) error
}

// History is a read-through cache of person histories. Concurrent misses for
// the same person share one store load.
type History struct {
	backend     Backend
	ttl         time.Duration
	loadTimeout time.Duration
	group       singleflight.Group
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*History)

func WithTTL(ttl time.Duration) Option {
	return func(h *History) {
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithLoadTimeout bounds a shared store load, which outlives the request that
// started it.
func WithLoadTimeout(d time.Duration) Option {
	return func(h *History) {
		if d > 0 {
			h.loadTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *History) {
		h.metrics = m
	}
}

func New(backend Backend, opts ...Option) *History {
	h := &History{
		backend:     backend,
		ttl:         DefaultTTL,
		loadTimeout: DefaultLoadTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load returns the cached history or calls load and caches its result.
// Backend failures degrade to a direct load.
func (h *History) Load(ctx context.Context, personID domain.PersonID, load func(ctx context.Context) ([]*models.Segment, error)) ([]*models.Segment, error) {
	key := keyFor(personID)

	raw, ok, err := h.backend.Get(ctx, key)
	if err != nil {
		h.logger.WarnContext(ctx, "history cache read failed",
			"request_id", requestcontext.RequestID(ctx),
			"person_id", personID,
			"error", err,
		)
	}
	if ok {
		history, err := decode(raw)
		if err == nil {
			h.hit()
			return history, nil
		}
		h.logger.WarnContext(ctx, "discarding undecodable history cache entry",
			"person_id", personID,
			"error", err,
		)
	}
	h.miss()

	// The shared load is detached from ctx so one cancelled caller does not
	// fail the others waiting on the same key.
	ch := h.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.loadTimeout)
		defer cancel()

		gen, genErr := h.backend.Generation(loadCtx, key)
		history, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			h.logger.WarnContext(loadCtx, "history cache generation read failed, not caching",
				"person_id", personID,
				"error", genErr,
			)
			return history, nil
		}
		h.store(loadCtx, key, gen, history)
		return history, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneAll(res.Val.([]*models.Segment)), nil
	}
}

// Invalidate drops the person's entry. It is called after an append commits.
// Loads already in flight keep serving their callers but are not stored.
func (h *History) Invalidate(ctx context.Context, personID domain.PersonID) error {
	key := keyFor(personID)
	h.group.Forget(key)
	return h.backend.Invalidate(ctx, key)
}

func (h *History) store(ctx context.Context, key string, gen uint64, history []*models.Segment) {
	raw, err := encode(history)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to encode history for cache", "error", err)
		return
	}
	stored, err := h.backend.SetIfGeneration(ctx, key, gen, raw, h.ttl)
	if err != nil {
		h.logger.WarnContext(ctx, "history cache write failed",
			"request_id", requestcontext.RequestID(ctx),
			"key", key,
			"error", err,
		)
		return
	}
	if !stored {
		h.logger.DebugContext(ctx, "history invalidated during load, not caching",
			"request_id", requestcontext.RequestID(ctx),
			"key", key,
		)
	}
}

func (h *History) hit() {
	if h.metrics != nil {
		h.metrics.CacheHits.Inc()
	}
}

func (h *History) miss() {
	if h.metrics != nil {
		h.metrics.CacheMisses.Inc()
	}
}

func keyFor(personID domain.PersonID) string {
	return keyPrefix + personID.String()
}

func cloneAll(in []*models.Segment) []*models.Segment {
	out := make([]*models.Segment, len(in))
	for i, seg := range in {
		out[i] = seg.Clone()
	}
	return out
}

// entry is the cached wire form of a segment.
type entry struct {
	ID        domain.SegmentID `json:"id"`
	PersonID  domain.PersonID  `json:"person_id"`
	StreetOne string           `json:"street_one"`
	StreetTwo string           `json:"street_two,omitempty"`
	City      string           `json:"city"`
	State     string           `json:"state"`
	ZipCode   string           `json:"zip_code"`
	StartDate domain.Date      `json:"start_date"`
	EndDate   *domain.Date     `json:"end_date,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func encode(history []*models.Segment) ([]byte, error) {
	entries := make([]entry, len(history))
	for i, seg := range history {
		entries[i] = entry{
			ID:        seg.ID,
			PersonID:  seg.PersonID,
			StreetOne: seg.StreetOne,
			StreetTwo: seg.StreetTwo,
			City:      seg.City,
			State:     seg.State,
			ZipCode:   seg.ZipCode,
			StartDate: seg.StartDate,
			EndDate:   seg.EndDate,
			CreatedAt: seg.CreatedAt,
		}
	}
	return json.Marshal(entries)
}

func decode(raw []byte) ([]*models.Segment, error) {
	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	history := make([]*models.Segment, len(entries))
	for i, e := range entries {
		history[i] = &models.Segment{
			ID:        e.ID,
			PersonID:  e.PersonID,
			StreetOne: e.StreetOne,
			StreetTwo: e.StreetTwo,
			City:      e.City,
			State:     e.State,
			ZipCode:   e.ZipCode,
			StartDate: e.StartDate,
			EndDate:   e.EndDate,
			CreatedAt: e.CreatedAt,
		}
	}
	return history, nil
}
