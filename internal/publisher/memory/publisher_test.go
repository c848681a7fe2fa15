package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0] = "modified"
	require.NotEqual(t, "modified", pub.Messages()[0], "Messages() must return a copy")
}

func TestPublisherFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("topic deleted")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())
}
