package notify

import (
	"context"
	"sync"
	"time"
)

// Update is pushed to a user's subscribers when one of their payment orders
// changes status.
type Update struct {
	UserID    string    `json:"userId"`
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance,omitempty"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, update Update) error
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Update
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan Update),
	}
}

// Subscribe registers a buffered channel for userID. The returned function
// removes and closes it.
func (h *Hub) Subscribe(userID string) (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Update, 10)
	h.subscribers[userID] = append(h.subscribers[userID], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(userID, ch) })
	}
}

func (h *Hub) unsubscribe(userID string, ch chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[userID]
	for i, sub := range subs {
		if sub == ch {
			subs = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subscribers, userID)
		return
	}
	h.subscribers[userID] = subs
}

func (h *Hub) Notify(update Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[update.UserID] {
		select {
		case ch <- update:
		default:
			// slow subscriber, drop
		}
	}
}

// Publish delivers to local subscribers only.
func (h *Hub) Publish(_ context.Context, update Update) error {
	h.Notify(update)
	return nil
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}
