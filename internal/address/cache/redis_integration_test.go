//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addrhist/internal/address/cache"
	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
	"addrhist/pkg/testutil/containers"
)

func TestRedisBackedHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	h := cache.New(cache.NewRedis(rc.Client), cache.WithTTL(time.Minute))
	personID := domain.NewPersonID()
	history := []*models.Segment{{
		ID:        domain.NewSegmentID(),
		PersonID:  personID,
		StreetOne: "1 Main St",
		City:      "Boise",
		State:     "ID",
		ZipCode:   "83702",
		StartDate: domain.MustParseDate("2024-01-01"),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}

	calls := 0
	load := func(context.Context) ([]*models.Segment, error) {
		calls++
		return history, nil
	}

	_, err := h.Load(ctx, personID, load)
	require.NoError(t, err)
	got, err := h.Load(ctx, personID, load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, history, got)

	ttl, err := rc.Client.TTL(ctx, "addrhist:history:"+personID.String()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, h.Invalidate(ctx, personID))
	_, err = h.Load(ctx, personID, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRedisSkipsWriteAfterInvalidate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	backend := cache.NewRedis(rc.Client)
	key := "addrhist:history:" + domain.NewPersonID().String()

	gen, err := backend.Generation(ctx, key)
	require.NoError(t, err)
	require.NoError(t, backend.Invalidate(ctx, key))

	stored, err := backend.SetIfGeneration(ctx, key, gen, []byte("stale"), time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
	_, ok, err := backend.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err = backend.Generation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	stored, err = backend.SetIfGeneration(ctx, key, gen, []byte("fresh"), time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)
	raw, ok, err := backend.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("fresh"), raw)
}
