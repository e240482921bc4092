package telemetry

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(8)
	sub := b.Subscribe(SubscribeOptions{})
	b.Publish(Event{Kind: EventConnected, ConnectionID: "c1"})

	select {
	case ev := <-sub.Events:
		if ev.Kind != EventConnected || ev.ConnectionID != "c1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDocumentFilterScopesDelivery(t *testing.T) {
	b := New(8)
	sub := b.Subscribe(SubscribeOptions{DocumentID: "doc1"})

	b.Publish(Event{Kind: EventUpdate, DocumentID: "doc2"})
	b.Publish(Event{Kind: EventUpdate, DocumentID: "doc1"})

	select {
	case ev := <-sub.Events:
		if ev.DocumentID != "doc1" {
			t.Fatalf("expected doc1 event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no second event, got %+v", ev)
	default:
	}
}

func TestKindFilterScopesDelivery(t *testing.T) {
	b := New(8)
	sub := b.Subscribe(SubscribeOptions{Kinds: []EventKind{EventConnected}})

	b.Publish(Event{Kind: EventDisconnected})
	b.Publish(Event{Kind: EventConnected})

	select {
	case ev := <-sub.Events:
		if ev.Kind != EventConnected {
			t.Fatalf("expected only Connected events, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(SubscribeOptions{})

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: EventSentMessage})
	}

	drained := 0
	for {
		select {
		case <-sub.Events:
			drained++
		default:
			if drained > 2 {
				t.Fatalf("expected at most buffer-size events to survive, drained %d", drained)
			}
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(SubscribeOptions{})
	b.Unsubscribe(sub.Token)

	if _, open := <-sub.Events; open {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestPublishAfterNoSubscribersDoesNotPanic(t *testing.T) {
	b := New(4)
	b.Publish(Event{Kind: EventConnected})
}
