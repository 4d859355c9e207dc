// Package transcript holds the ordered user/assistant turn log of a quote
// chat session.
package transcript

import (
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is append-only: entries are never edited or removed.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
}

func New() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Append(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of every entry, oldest first.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Window returns a copy of the last n entries, oldest first.
func (t *Transcript) Window(n int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Last(t.entries, n)
}

// Last returns a copy of the last n entries of es. n <= 0 yields nil.
func Last(es []Entry, n int) []Entry {
	if n <= 0 {
		return nil
	}
	if n > len(es) {
		n = len(es)
	}
	return append([]Entry(nil), es[len(es)-n:]...)
}
