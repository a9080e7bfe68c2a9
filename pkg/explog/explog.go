// Package explog provides the append-only experiment log shared across
// protocol steps.
package explog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is the append-only experiment log interface. Records are keyed by the
// name of the component that produced them.
type Log interface {
	AddData(record any, source string)
}

// Entry is one appended record.
type Entry struct {
	Time   time.Time
	Source string
	Record any
}

// Memory is an in-memory experiment log. Appends are atomic; readers get
// copies.
type Memory struct {
	runID   string
	mu      sync.RWMutex
	entries []Entry
}

// Ensure Memory implements Log.
var _ Log = (*Memory)(nil)

// NewMemory creates an empty experiment log with a fresh run identifier.
func NewMemory() *Memory {
	return &Memory{
		runID: uuid.NewString(),
	}
}

// RunID returns the experiment run identifier.
func (m *Memory) RunID() string {
	return m.runID
}

// AddData appends a record under the given source name.
func (m *Memory) AddData(record any, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, Entry{
		Time:   time.Now(),
		Source: source,
		Record: record,
	})
}

// Entries returns a copy of all appended entries in append order.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Entry, len(m.entries))
	copy(result, m.entries)
	return result
}

// BySource returns a copy of the entries appended under the given source.
func (m *Memory) BySource(source string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Entry
	for _, e := range m.entries {
		if e.Source == source {
			result = append(result, e)
		}
	}
	return result
}
