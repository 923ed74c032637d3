// Package events provides a change-notification broadcaster for attachment
// lifecycle events. Delivery is fire-and-forget: publishing never blocks and
// never fails the surrounding upload, so downstream transport availability
// cannot affect the durable write that preceded it.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quillchat/quillchat/internal/metrics"
)

const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// AttachmentSummary is the wire form of an attachment carried in an event.
type AttachmentSummary struct {
	PathID   string `json:"path_id"`
	FileName string `json:"name"`
	RealmID  int64  `json:"realm_id"`
	Size     int64  `json:"size"`
}

// Event represents one attachment change notification.
type Event struct {
	Actor      int64             `json:"actor"`
	Op         string            `json:"op"`
	Attachment AttachmentSummary `json:"attachment"`
	Timestamp  int64             `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes attachment events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetNotificationSubscribers(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetNotificationSubscribers(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordNotificationEvent(event.Op)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
