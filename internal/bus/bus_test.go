package bus

import (
	"sync"
	"testing"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	var got interface{}
	var mu sync.Mutex
	b.Subscribe(WorkflowTopic("wf-1"), func(topic string, payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		got = payload
	})

	b.Publish(WorkflowTopic("wf-1"), "hello")

	mu.Lock()
	defer mu.Unlock()
	if got != "hello" {
		t.Fatalf("got %v, want hello", got)
	}
}

func TestPublishAlsoReachesFirehose(t *testing.T) {
	b := New()
	var count int
	var mu sync.Mutex
	b.Subscribe(TopicAllWorkflows, func(topic string, payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	b.Publish(WorkflowTopic("wf-1"), "a")
	b.Publish(WorkflowTopic("wf-2"), "b")

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("firehose delivery count = %d, want 2", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int
	sub := b.Subscribe("topic", func(topic string, payload interface{}) { count++ })
	b.Publish("topic", 1)
	sub.Unsubscribe()
	b.Publish("topic", 2)

	if count != 1 {
		t.Fatalf("count after unsubscribe = %d, want 1", count)
	}
}

func TestPublishSwallowsPanickingHandler(t *testing.T) {
	b := New()
	b.Subscribe("topic", func(topic string, payload interface{}) {
		panic("boom")
	})
	var called bool
	b.Subscribe("topic", func(topic string, payload interface{}) { called = true })

	b.Publish("topic", nil) // must not panic the test

	if !called {
		t.Fatal("expected the non-panicking subscriber to still be called")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	if b.SubscriberCount("topic") != 0 {
		t.Fatal("expected zero subscribers initially")
	}
	b.Subscribe("topic", func(string, interface{}) {})
	if b.SubscriberCount("topic") != 1 {
		t.Fatal("expected one subscriber")
	}
}
