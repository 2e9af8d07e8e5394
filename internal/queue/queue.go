// Package queue hands ledger events from the API to background workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"expocheckin/internal/events"
)

// DefaultKey is the redis list shared by the API and the worker.
const DefaultKey = "expo:events"

// ErrFull is returned by InMemory.Publish when the buffer is full.
var ErrFull = errors.New("queue: buffer full")

// Message represents work to be processed.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// Encode wraps a ledger event.
func Encode(evt events.Event) (Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: string(evt.Kind), Body: body}, nil
}

// Decode unwraps a ledger event.
func Decode(msg Message) (events.Event, error) {
	var evt events.Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return events.Event{}, err
	}
	if string(evt.Kind) != msg.Type {
		return events.Event{}, errors.New("queue: message type does not match event kind")
	}
	return evt, nil
}

// Forward subscribes to kinds on bus and enqueues every event. Register it
// after subscribers that must run before a worker sees the event.
func Forward(bus *events.Bus, q Queue, kinds ...events.Kind) {
	h := func(ctx context.Context, evt events.Event) error {
		msg, err := Encode(evt)
		if err != nil {
			return err
		}
		return q.Publish(ctx, msg)
	}
	for _, k := range kinds {
		bus.Subscribe(k, h)
	}
}

// Run consumes q and hands every decodable event to h until ctx ends.
// Malformed messages and handler failures are logged and skipped.
func Run(ctx context.Context, q Queue, h events.Handler) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		evt, err := Decode(msg)
		if err != nil {
			log.Printf("queue: skipping message %s: %v", msg.Type, err)
			continue
		}
		if err := h(ctx, evt); err != nil {
			log.Printf("queue: %s handler failed: %v", evt.Kind, err)
		}
	}
	return nil
}

// InMemory is a channel-backed queue for single-process deployments.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message without blocking the caller.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a simple Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.Printf("queue: brpop failed: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				log.Printf("queue: dropping malformed message: %v", err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
