// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}


// EnsureStream creates the stream or updates its subject list.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects ...string) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// PublishJSON is a fire-and-forget core NATS publish, used for lifecycle
// events nobody has to persist.
func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// PublishStream publishes v to a JetStream subject and waits for the ack.
// msgID is sent as Nats-Msg-Id so the server drops duplicates inside the
// stream's duplicate window; an empty msgID gets a random one.
func (c *Client) PublishStream(ctx context.Context, subject, msgID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	if _, err := c.js.Publish(ctx, subject, b, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// KeyValue opens or creates a KV bucket whose entries expire ttl after their
// last write.
func (c *Client) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// ConsumerConfig describes the durable pull consumer a worker reads from.
type ConsumerConfig struct {
	Stream     string
	Durable    string
	Subject    string
	AckWait    time.Duration
	MaxDeliver int
}

// Consumer wraps a durable JetStream pull consumer.
type Consumer struct {
	cons jetstream.Consumer
}

func (c *Client) Consumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", cfg.Durable, cfg.Stream, err)
	}
	return &Consumer{cons: cons}, nil
}

// Fetch pulls up to n messages, waiting at most maxWait. An empty slice with
// a nil error means nothing was available.
func (c *Consumer) Fetch(n int, maxWait time.Duration) ([]jetstream.Msg, error) {
	batch, err := c.cons.Fetch(n, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	msgs := make([]jetstream.Msg, 0, n)
	for msg := range batch.Messages() {
		msgs = append(msgs, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return msgs, fmt.Errorf("fetch: %w", err)
	}
	return msgs, nil
}

// DedupID builds the Nats-Msg-Id for a job-scoped publish so a redelivered
// job does not produce a second copy downstream.
func DedupID(jobID, kind string) string {
	return jobID + ":" + kind
}
