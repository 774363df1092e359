package pubsub

import (
	"testing"

	"github.com/veddb/veddb/internal/arena"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	ar := arena.New(make([]byte, 1<<20))
	return NewRegistry(ar, 16)
}

func TestCreatePublishSubscribeFetch(t *testing.T) {
	r := newTestRegistry(t)
	topic, err := r.Create("orders.created", 8, 4, DropOldest)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := topic.Subscribe(1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := topic.Publish([]byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	payload, ok := topic.Fetch(sub)
	if !ok {
		t.Fatal("expected a message")
	}
	if string(payload) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", payload)
	}

	if _, ok := topic.Fetch(sub); ok {
		t.Fatal("expected no further messages")
	}
}

func TestCreateRejectsDuplicateAndOverlongNames(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("dup", 4, 1, DropOldest); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("dup", 4, 1, DropOldest); err != ErrTopicExists {
		t.Fatalf("expected ErrTopicExists, got %v", err)
	}

	longName := make([]byte, MaxNameLength+1)
	for i := range longName {
		longName[i] = 'a'
	}
	if _, err := r.Create(string(longName), 4, 1, DropOldest); err != ErrNameTooLong {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
}

func TestDropOldestRetention(t *testing.T) {
	r := newTestRegistry(t)
	topic, err := r.Create("t", 4, 1, DropOldest)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 8; i++ {
		if err := topic.Publish([]byte{byte(i)}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if topic.Stats().MessagesPublished != 8 {
		t.Fatalf("expected 8 published, got %d", topic.Stats().MessagesPublished)
	}
}

func TestDropNewestRetention(t *testing.T) {
	r := newTestRegistry(t)
	topic, err := r.Create("t", 2, 1, DropNewest)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := topic.Publish([]byte{byte(i)}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if err := topic.Publish([]byte("overflow")); err != ErrRingFull {
		t.Fatalf("expected ErrRingFull, got %v", err)
	}
	if topic.Stats().MessagesDropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", topic.Stats().MessagesDropped)
	}
}

func TestWildcardPatternMatchesSingleSegment(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("orders.created", 4, 1, DropOldest); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("orders.cancelled", 4, 1, DropOldest); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("users.created", 4, 1, DropOldest); err != nil {
		t.Fatalf("Create: %v", err)
	}

	matched, err := r.PublishPattern("orders.*", []byte("x"))
	if err != nil {
		t.Fatalf("PublishPattern: %v", err)
	}
	if matched != 2 {
		t.Fatalf("expected 2 matching topics, got %d", matched)
	}
}

func TestSubscribeAtCapacity(t *testing.T) {
	r := newTestRegistry(t)
	topic, err := r.Create("t", 4, 1, DropOldest)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := topic.Subscribe(1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := topic.Subscribe(2); err != ErrSubscribersAtCapacity {
		t.Fatalf("expected ErrSubscribersAtCapacity, got %v", err)
	}
}
