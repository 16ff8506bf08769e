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

func newTestPublisher(t *testing.T, topic string) (*Publisher, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "archiver-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, topic)
	require.NoError(t, err)

	pub := New(client, topic)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t, "archive-events")
	id, err := pub.Publish(context.Background(), "", map[string]string{"item_id": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "abc", decoded["item_id"])
}

func TestPublisherRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t, "archive-events")
	_, err := pub.Publish(context.Background(), "archive-events", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestPublisherNotConfigured(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	_, err := pub.Publish(context.Background(), "topic", "x")
	require.Error(t, err)
	require.NoError(t, pub.Close())

	_, err = New(nil, "").Publish(context.Background(), "topic", "x")
	require.Error(t, err)
}
