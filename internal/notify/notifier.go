// Package notify provides an in-process lifecycle notification bus for the
// event log: committed events, sealed segments and new snapshots.
package notify

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Kind represents the kind of notification.
type Kind int

const (
	EventCommitted Kind = iota
	SegmentSealed
	SnapshotCreated
)

func (k Kind) String() string {
	switch k {
	case EventCommitted:
		return "event_committed"
	case SegmentSealed:
		return "segment_sealed"
	case SnapshotCreated:
		return "snapshot_created"
	}
	return "unknown"
}

// Notification represents one lifecycle notification. Key is the event
// type for committed events, the segment file name for sealed segments and
// the snapshot ID for snapshots.
type Notification struct {
	Kind      Kind   `json:"kind"`
	Key       string `json:"key"`
	EventID   string `json:"event_id,omitempty"`
	LSN       uint64 `json:"lsn"`
	Segment   uint64 `json:"segment"`
	Timestamp int64  `json:"timestamp_ns"`
}

// Notifier provides an in-process pub/sub bus.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	bufferSize  int
	nextID      atomic.Uint64
	dropped     atomic.Uint64
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Notifier{
		subscribers: make(map[uint64]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends a notification to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subscribers {
		if !sub.matches(notif) {
			continue
		}
		select {
		case sub.Ch <- notif:
		default:
			sub.dropped.Add(1)
			n.dropped.Add(1)
		}
	}
}

// Subscribe adds a subscriber. kinds restricts the notification kinds
// (empty means all); filters are key prefixes (empty means all), so
// "order." matches every order event type.
func (n *Notifier) Subscribe(kinds []Kind, filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      n.nextID.Add(1),
		Kinds:   kinds,
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.mu.Lock()
	n.subscribers[sub.ID] = sub
	n.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(sub *Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[sub.ID]; ok {
		delete(n.subscribers, sub.ID)
		close(sub.Ch)
	}
}

// Close unsubscribes everyone.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.subscribers {
		delete(n.subscribers, id)
		close(sub.Ch)
	}
}

// Len returns the number of subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Dropped returns how many notifications were dropped on full channels.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      uint64
	Kinds   []Kind
	Filters []string
	Ch      chan Notification

	dropped atomic.Uint64
}

// Dropped returns how many notifications this subscriber missed.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) matches(notif Notification) bool {
	if len(s.Kinds) > 0 {
		found := false
		for _, k := range s.Kinds {
			if k == notif.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Filters) == 0 {
		return true
	}
	for _, filter := range s.Filters {
		if filter == "" || strings.HasPrefix(notif.Key, filter) {
			return true
		}
	}
	return false
}
