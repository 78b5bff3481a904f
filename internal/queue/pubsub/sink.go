// Package pubsub implements a put-only tube that publishes payloads to a
// Google Cloud Pub/Sub topic. It is used to fan finalized verdicts out to
// subscribers that do not read the Postgres queue directly.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	pubsub "cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/JakeFAU/redirect-resolver/internal/queue"
)

// Sink publishes every Put as one message.
type Sink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	name   string
}

// NewSink dials Pub/Sub and binds the sink to topicID.
func NewSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*Sink, error) {
	if projectID == "" {
		return nil, fmt.Errorf("queue.project is required for the pubsub backend")
	}
	if topicID == "" {
		return nil, fmt.Errorf("topic is required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Sink{client: client, topic: client.Topic(topicID), name: topicID}, nil
}

// NewSinkWithTopic wraps an existing topic handle. The caller keeps ownership
// of the client.
func NewSinkWithTopic(topic *pubsub.Topic) *Sink {
	return &Sink{topic: topic, name: topic.ID()}
}

// Name returns the topic id.
func (s *Sink) Name() string {
	return s.name
}

// Put marshals data to JSON and publishes it, propagating the trace context
// in message attributes. Delay cannot be honoured by Pub/Sub and is rejected.
func (s *Sink) Put(ctx context.Context, data map[string]any, opts queue.PutOptions) (string, error) {
	if s.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	if opts.Delay > 0 {
		return "", fmt.Errorf("publish with delay %s: delayed puts are not supported", opts.Delay.Round(time.Second))
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: payload, Attributes: map[string]string{
		"priority": strconv.Itoa(opts.Priority),
	}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := s.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", &queue.BackendError{Op: "publish", Err: err}
	}
	return id, nil
}

// Take always fails: the sink has no consumer side.
func (s *Sink) Take(context.Context, time.Duration) (*queue.Task, error) {
	return nil, queue.ErrTakeUnsupported
}

// Close flushes pending publishes and closes the client when the sink owns it.
func (s *Sink) Close() error {
	if s.topic != nil {
		s.topic.Stop()
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
