package metrics

import "sync"

// MemoryObserver keeps every event in memory. Used by tests and the
// /debug/metrics endpoint.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
	limit  int
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

// NewBoundedMemoryObserver keeps only the newest limit events.
func NewBoundedMemoryObserver(limit int) *MemoryObserver {
	return &MemoryObserver{limit: limit}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append(m.events[:0:0], m.events[len(m.events)-m.limit:]...)
	}
	m.mu.Unlock()
}

func (m *MemoryObserver) Snapshot() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many retained events carry name.
func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
