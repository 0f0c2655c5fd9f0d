package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "releases", pipeline.Event{ID: "e1", Type: pipeline.EventGamePosted})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "releases", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "releases", msgs[0].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "releases", pub.Messages()[0].Topic)
}

func TestPublisherEventsFiltersByType(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	for _, typ := range []pipeline.EventType{pipeline.EventGamePosted, pipeline.EventLinkBroken, pipeline.EventGamePosted} {
		_, err := pub.Publish(ctx, "releases", pipeline.Event{Type: typ})
		require.NoError(t, err)
	}

	require.Len(t, pub.Events(), 3)
	require.Len(t, pub.Events(pipeline.EventGamePosted), 2)
	require.Empty(t, pub.Events(pipeline.EventLinkResolved))
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "releases", "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "releases", "x")
	require.NoError(t, err)
}
