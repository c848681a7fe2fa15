package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "adnotifier-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "changes")
	require.NoError(t, err)
	return client, srv
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "changes")
	require.Error(t, err)
}

func TestPublishSendsJSONWithEventType(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	pub, err := New(client, "changes")
	require.NoError(t, err)
	t.Cleanup(pub.Stop)

	_, err = New(client, " ")
	require.Error(t, err)

	id, err := pub.Publish(context.Background(), map[string]any{"user_id": "u1", "records": 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, ChangeEventType, msgs[0].Attributes[EventTypeAttribute])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "u1", decoded["user_id"])
}

func TestPublishRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub, err := New(client, "changes")
	require.NoError(t, err)
	t.Cleanup(pub.Stop)

	_, err = pub.Publish(context.Background(), make(chan int))
	require.Error(t, err)
}

func TestNilPublisher(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	_, err := pub.Publish(context.Background(), "x")
	require.Error(t, err)
	pub.Stop()
}
