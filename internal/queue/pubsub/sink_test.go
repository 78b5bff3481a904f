package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/redirect-resolver/internal/queue"
	sink "github.com/JakeFAU/redirect-resolver/internal/queue/pubsub"
)

func newTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "verdicts")
	require.NoError(t, err)
	return srv, topic
}

func TestSinkPublishesPayload(t *testing.T) {
	srv, topic := newTopic(t)
	s := sink.NewSinkWithTopic(topic)
	require.Equal(t, "verdicts", s.Name())

	id, err := s.Put(context.Background(),
		map[string]any{"url_id": 42, "final_url": "http://b.example/"},
		queue.PutOptions{Priority: 5})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return len(srv.Messages()) == 1 }, time.Second, 10*time.Millisecond)
	msg := srv.Messages()[0]
	require.Equal(t, "5", msg.Attributes["priority"])

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "http://b.example/", got["final_url"])
	require.EqualValues(t, 42, got["url_id"])
}

func TestSinkRejectsDelayAndTake(t *testing.T) {
	_, topic := newTopic(t)
	s := sink.NewSinkWithTopic(topic)

	_, err := s.Put(context.Background(), map[string]any{}, queue.PutOptions{Delay: time.Minute})
	require.Error(t, err)

	task, err := s.Take(context.Background(), time.Second)
	require.Nil(t, task)
	require.ErrorIs(t, err, queue.ErrTakeUnsupported)
	require.NoError(t, s.Close())
}
