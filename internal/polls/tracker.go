// Package polls maps live poll ids to the question they belong to.
package polls

import "sync"

// Entry is what an answer needs to be scored.
type Entry struct {
	SessionKey    string
	QuestionIndex int
	CorrectOption int
}

// Tracker is safe for concurrent use. Answers arrive on the update loop
// while deliveries register and unregister polls.
type Tracker struct {
	mu    sync.RWMutex
	polls map[string]Entry
}

func NewTracker() *Tracker {
	return &Tracker{polls: map[string]Entry{}}
}

func (t *Tracker) Register(pollID string, e Entry) {
	if pollID == "" {
		return
	}
	t.mu.Lock()
	t.polls[pollID] = e
	t.mu.Unlock()
}

func (t *Tracker) Resolve(pollID string) (Entry, bool) {
	t.mu.RLock()
	e, ok := t.polls[pollID]
	t.mu.RUnlock()
	return e, ok
}

// Unregister is idempotent.
func (t *Tracker) Unregister(pollID string) {
	t.mu.Lock()
	delete(t.polls, pollID)
	t.mu.Unlock()
}

// ForgetSession drops every poll of a session and returns how many.
func (t *Tracker) ForgetSession(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.polls {
		if e.SessionKey == key {
			delete(t.polls, id)
			n++
		}
	}
	return n
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.polls)
}
