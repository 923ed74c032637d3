package events

import (
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	event := Event{
		Actor: 42,
		Op:    OpAdd,
		Attachment: AttachmentSummary{
			PathID:   "7/tok/file.txt",
			FileName: "file.txt",
			RealmID:  7,
			Size:     100,
		},
	}
	b.Publish(event)

	select {
	case received := <-ch:
		if received.Op != OpAdd {
			t.Errorf("expected op %s, got %s", OpAdd, received.Op)
		}
		if received.Attachment.PathID != "7/tok/file.txt" {
			t.Errorf("expected path id 7/tok/file.txt, got %s", received.Attachment.PathID)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	event := Event{Actor: 1, Op: OpRemove, Attachment: AttachmentSummary{PathID: "7/x/shared.txt"}}
	b.Publish(event)

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Attachment.PathID != "7/x/shared.txt" {
				t.Errorf("subscriber %d: expected 7/x/shared.txt, got %s", i, received.Attachment.PathID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		b.Publish(Event{Op: OpAdd, Attachment: AttachmentSummary{PathID: "7/x/overflow.txt"}})
	}

	// Should not block or panic
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestMarshalEvent(t *testing.T) {
	e := Event{
		Actor:     3,
		Op:        OpAdd,
		Timestamp: 1234567890,
		Attachment: AttachmentSummary{
			PathID: "7/tok/a.pdf",
		},
	}
	data, err := MarshalEvent(e)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty JSON")
	}
}
