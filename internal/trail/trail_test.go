package trail

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestEmitStampsTimeAndDelivers(t *testing.T) {
	pub := &capturePublisher{}
	Emit(context.Background(), pub, EventDecision, map[string]string{"id": "d1"})

	if len(pub.events) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.events))
	}
	event := pub.events[0]
	if event.Kind != EventDecision {
		t.Fatalf("kind = %s, want decision", event.Kind)
	}
	if event.OccurredAt.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	// 发布失败不得 panic 或向调用方传播。
	Emit(context.Background(), pub, EventAudit, "payload")
}

func TestEmitIgnoresNilPublisher(t *testing.T) {
	Emit(context.Background(), nil, EventExecution, "payload")
}

func TestLogPublisherMarshalsPayload(t *testing.T) {
	if err := (LogPublisher{}).Publish(context.Background(), Event{Kind: EventGrant, Payload: map[string]int{"n": 1}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := (LogPublisher{}).Publish(context.Background(), Event{Kind: EventGrant, Payload: make(chan int)}); err == nil {
		t.Fatal("expected marshal error for unserializable payload")
	}
}
