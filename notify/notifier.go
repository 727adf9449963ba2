package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size of subscriber channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces that a change was captured on a channel
type Signal struct {
	ChannelID string
	DataID    int64
}

// Filter selects the channels a subscriber hears about. Empty means all.
type Filter struct {
	Channels []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(channelID string) bool {
	if len(s.filter.Channels) == 0 {
		return true
	}

	for _, ch := range s.filter.Channels {
		if ch == channelID {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans capture signals out to subscribers. Safe for concurrent use.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies every matching subscriber without blocking
func (h *Hub) Signal(channelID string, dataID int64) {
	signal := Signal{
		ChannelID: channelID,
		DataID:    dataID,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(channelID) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
			// Buffer full, a pending signal already wakes the subscriber
		}
	}
}

// Subscribe returns a buffered signal channel and an idempotent cancel
// function that closes it.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}
