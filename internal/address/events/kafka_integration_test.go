//go:build integration

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"addrhist/internal/address/events"
	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
	"addrhist/pkg/testutil/containers"
)

func TestKafkaPublishRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const topic = "addrhist.test.address-changed"
	publisher, err := events.NewKafka([]string{rp.Broker}, topic)
	require.NoError(t, err)
	defer publisher.Close()

	require.NoError(t, publisher.EnsureTopic(ctx, 1, 1))
	require.NoError(t, publisher.EnsureTopic(ctx, 1, 1), "existing topic is not an error")

	closed := domain.NewSegmentID()
	sent := models.AddressChanged{
		Type:            models.EventAddressChanged,
		PersonID:        domain.NewPersonID(),
		SegmentID:       domain.NewSegmentID(),
		StartDate:       domain.MustParseDate("2024-06-01"),
		ClosedSegmentID: &closed,
		RequestID:       "req-1",
		OccurredAt:      time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.Publish(ctx, sent))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.Empty(t, fetches.Errors())
	records := fetches.Records()
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, sent.PersonID.String(), string(rec.Key))
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, models.EventAddressChanged, string(rec.Headers[0].Value))

	var got models.AddressChanged
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, sent, got)
}
