package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"expocheckin/internal/events"
)

func TestForwardDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := events.NewBus()
	var order []string
	bus.Subscribe(events.CheckinRecorded, func(context.Context, events.Event) error {
		order = append(order, "bust")
		return nil
	})
	q := NewInMemory(4)
	Forward(bus, q, events.CheckinRecorded, events.CheckinDeleted)

	bus.Publish(ctx, events.Event{Kind: events.CheckinRecorded, UserID: 7, EntityType: "session", EntityID: 3, EventID: "2025"})
	bus.Publish(ctx, events.Event{Kind: events.CheckinDeleted, IDs: []int64{1, 2}})
	if len(order) != 1 {
		t.Fatalf("earlier subscriber ran %d times", len(order))
	}

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	first, err := Decode(<-msgs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if first.Kind != events.CheckinRecorded || first.UserID != 7 || first.EntityID != 3 || first.EventID != "2025" {
		t.Fatalf("first = %+v", first)
	}
	second, err := Decode(<-msgs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if second.Kind != events.CheckinDeleted || len(second.IDs) != 2 {
		t.Fatalf("second = %+v", second)
	}
}

func TestDecodeRejectsMismatchedType(t *testing.T) {
	msg, err := Encode(events.Event{Kind: events.CheckinDeleted})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg.Type = string(events.CheckinRecorded)
	if _, err := Decode(msg); err == nil {
		t.Fatal("Decode accepted a mismatched message")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := NewInMemory(1).Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	cancel()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestInMemoryPublishFull(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Message{Type: "a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := q.Publish(ctx, Message{Type: "b"}); !errors.Is(err, ErrFull) {
		t.Fatalf("Publish on full buffer err = %v, want ErrFull", err)
	}
}

func TestRunHandsEventsToHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)
	if err := q.Publish(ctx, Message{Type: "bogus", Body: []byte("{")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := Encode(events.Event{Kind: events.CheckinRecorded, EventID: "2025"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan events.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, q, func(_ context.Context, evt events.Event) error {
			got <- evt
			return nil
		})
	}()
	select {
	case evt := <-got:
		if evt.EventID != "2025" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
