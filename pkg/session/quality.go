package session

import (
	"sync"

	"github.com/harunnryd/avatarlink/pkg/streaming"
)

// QualityMonitor holds the last connection quality reported by the remote
// client. Last write wins.
type QualityMonitor struct {
	mu sync.Mutex
	q  streaming.Quality
}

func NewQualityMonitor() *QualityMonitor {
	return &QualityMonitor{}
}

// Set records q and reports whether the value changed.
func (m *QualityMonitor) Set(q streaming.Quality) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q == q {
		return false
	}
	m.q = q
	return true
}

func (m *QualityMonitor) Get() streaming.Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q
}

// Reset returns to QualityUnknown, as when the session ends.
func (m *QualityMonitor) Reset() bool {
	return m.Set(streaming.QualityUnknown)
}
