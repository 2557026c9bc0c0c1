// Package nats implements the message queue port using NATS JetStream. It
// also opens the JetStream KV bucket backing the L2 snapshot cache.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/planloom/planloom/internal/logger"
	"github.com/planloom/planloom/internal/port/messagequeue"
)

const (
	headerRequestID  = "X-Request-Id"
	headerRetryCount = "Retry-Count"

	// maxRetries bounds handler retries before a message moves to the DLQ
	// subject ({subject}.dlq).
	maxRetries = 3

	dlqSuffix = ".dlq"
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// Connect establishes a connection to NATS and ensures the JetStream stream
// exists with the session event subjects.
func Connect(ctx context.Context, url, stream string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{"sessions.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream}, nil
}

// Publish sends a message to the given subject. The request ID from ctx, if
// any, travels in a header so subscribers can correlate log lines.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. Messages
// that fail schema validation, or whose handler keeps failing after
// maxRetries redeliveries, move to the {subject}.dlq subject. DLQ subjects
// matched by a wildcard subscription are acked without dispatch; inspect
// them with a raw JetStream consumer.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := q.process(ctx, msg, handler); err != nil {
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// process runs validation, the handler, and the retry/DLQ flow for one
// message. A nil return means the message should be acked.
func (q *Queue) process(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) error {
	subject := msg.Subject()
	data := msg.Data()

	// DLQ subjects hold parked messages awaiting inspection. A wildcard
	// subscription like sessions.events.> matches them too; dispatching the
	// handler here would feed the poison payload back through the retry flow
	// and stack another .dlq suffix on every pass.
	if strings.HasSuffix(subject, dlqSuffix) {
		return nil
	}

	// Poison messages go straight to the DLQ rather than looping forever.
	if err := messagequeue.Validate(subject, data); err != nil {
		slog.Error("message validation failed", "subject", subject, "error", err)
		return q.moveToDLQ(ctx, msg)
	}

	msgCtx := context.Background()
	if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
		msgCtx = logger.WithRequestID(msgCtx, reqID)
	}

	err := handler(msgCtx, subject, data)
	if err == nil {
		return nil
	}
	slog.Error("message handler failed", "subject", subject, "error", err)

	retries := retryCount(msg.Headers())
	if retries >= maxRetries {
		return q.moveToDLQ(ctx, msg)
	}
	return q.republish(ctx, msg, retries+1)
}

// moveToDLQ republishes the message under {subject}.dlq. A failed DLQ
// publish returns an error so the original message naks and redelivers.
func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) error {
	dlq := &nats.Msg{
		Subject: msg.Subject() + dlqSuffix,
		Data:    msg.Data(),
		Header:  copyHeaders(msg.Headers()),
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("nats dlq publish failed", "subject", dlq.Subject, "error", err)
		return err
	}
	slog.Warn("message moved to dlq", "subject", dlq.Subject)
	return nil
}

// republish re-enqueues the message with an incremented retry counter and
// acks the original.
func (q *Queue) republish(ctx context.Context, msg jetstream.Msg, retries int) error {
	retry := &nats.Msg{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Header:  copyHeaders(msg.Headers()),
	}
	retry.Header.Set(headerRetryCount, strconv.Itoa(retries))
	if _, err := q.js.PublishMsg(ctx, retry); err != nil {
		slog.Error("nats retry publish failed", "subject", msg.Subject(), "error", err)
		return err
	}
	return nil
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func copyHeaders(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// KeyValue creates or opens a JetStream KV bucket with the given TTL. The
// session service uses it as the remote snapshot cache tier.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains subscriptions before closing the connection.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
