package progress

import "sync"

// Entry is the observable progress of one in-flight delivery
type Entry struct {
	Fraction float64 `json:"fraction"`
	Active   bool    `json:"active"`
}

// Hub is an in-memory map from message id to upload/transmission
// progress. It is purely observational: nothing is persisted, entries
// exist only while an operation is in flight. Safe for concurrent reads
// from many observers while one writer per message updates it.
type Hub struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewHub creates an empty progress hub
func NewHub() *Hub {
	return &Hub{entries: make(map[string]Entry)}
}

// Set records progress for a message. Fractions never move backward: a
// stale lower value is ignored so observers always see a monotonically
// non-decreasing sequence.
func (h *Hub) Set(id string, fraction float64, active bool) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.entries[id]; ok && fraction < cur.Fraction {
		fraction = cur.Fraction
	}
	h.entries[id] = Entry{Fraction: fraction, Active: active}
}

// Clear removes a message's entry once its operation terminates
func (h *Hub) Clear(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, id)
}

// Get returns the progress entry for a message, if one exists
func (h *Hub) Get(id string) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	return e, ok
}
