package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName is the JetStream stream backing the provisioning queue.
	StreamName = "POD_CREATION"
	// Subject carries provisioning requests.
	Subject = "pod.creation"
	// DurableName identifies the shared pull consumer. All worker replicas
	// attach to the same durable, so the broker fair-dispatches messages
	// across them.
	DurableName = "pod_creation_queue"
)

// ErrBrokerUnavailable indicates the broker rejected or never acknowledged
// an operation. The gateway surfaces it as a 500 after rolling back the
// session record; the worker retries with backoff.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// Message is the provisioning request payload: {"id": "<user_id>"}.
type Message struct {
	ID string `json:"id"`
}

// Queue is the durable publish/consume adapter for pod creation requests.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect establishes the broker connection and ensures the stream exists.
// The connection reconnects indefinitely on broker restarts; unacked
// messages are redelivered by the broker after a disconnect.
func Connect(url, user, password string) (*Queue, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if user != "" {
		opts = append(opts, nats.UserInfo(user, password))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrBrokerUnavailable, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream: %v", ErrBrokerUnavailable, err)
	}

	// File storage makes messages survive broker restarts (persistent
	// delivery). AddStream is idempotent across replicas.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{Subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		log.Printf("queue: stream setup: %v", err)
	}

	return &Queue{nc: nc, js: js}, nil
}

// Close drains the connection.
func (q *Queue) Close() {
	q.nc.Close()
}

// Publish enqueues a provisioning request. It returns nil only after the
// broker has acknowledged and persisted the message.
func (q *Queue) Publish(ctx context.Context, userID string) error {
	data, err := json.Marshal(Message{ID: userID})
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(Subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Consume delivers queued messages to handle, one at a time, until ctx is
// cancelled. A message is acked when handle returns nil and nacked for
// redelivery otherwise. Malformed payloads are acked and dropped so a poison
// message cannot wedge the queue. Delivery is at-least-once; handlers must
// be idempotent.
func (q *Queue) Consume(ctx context.Context, handle func(context.Context, Message) error) error {
	sub, err := q.js.PullSubscribe(Subject, DurableName, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrBrokerUnavailable, err)
	}
	defer sub.Unsubscribe()

	log.Printf("queue: consuming %s (durable %s)", Subject, DurableName)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("queue: fetch failed, retrying in 2s... (%v)", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, m := range msgs {
			msg, ok := decode(m.Data)
			if !ok {
				log.Printf("queue: dropping malformed message: %q", m.Data)
				m.Ack()
				continue
			}
			if err := handle(ctx, msg); err != nil {
				log.Printf("queue: handler nacked message for %q: %v", msg.ID, err)
				m.Nak()
				continue
			}
			m.Ack()
		}
	}
}

// decode parses a queue payload. Messages that are not valid JSON or carry
// an empty id are rejected.
func decode(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	if msg.ID == "" {
		return Message{}, false
	}
	return msg, true
}
