package supervisor

import (
	"sync"
	"time"

	"github.com/medialens/tweet-harvest-service/common/messaging"
)

// pendingEntry is one envelope delivered to a worker class but not yet
// acknowledged as completed.
type pendingEntry struct {
	env        messaging.Envelope
	class      string
	enqueuedAt time.Time
}

// PendingTable tracks unacknowledged envelopes per worker class, keyed
// uniquely by message id. Entries are inserted immediately before
// delivery, removed when a completion ack arrives, and replayed in
// insertion order when a worker of the class restarts.
type PendingTable struct {
	mu      sync.Mutex
	byID    map[string]*pendingEntry
	byClass map[string][]*pendingEntry
	now     func() time.Time
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{
		byID:    make(map[string]*pendingEntry),
		byClass: make(map[string][]*pendingEntry),
		now:     time.Now,
	}
}

// Insert records the envelope under the class. Returns false when an
// entry with the same message id already exists; the stored entry is
// left untouched so rerouting a rejected message never duplicates it.
func (t *PendingTable) Insert(class string, env messaging.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[env.MessageID]; ok {
		return false
	}
	entry := &pendingEntry{env: env, class: class, enqueuedAt: t.now()}
	t.byID[env.MessageID] = entry
	t.byClass[class] = append(t.byClass[class], entry)
	return true
}

// Remove drops the entry with the given message id and returns the
// class it was pending under.
func (t *PendingTable) Remove(messageID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byID[messageID]
	if !ok {
		return "", false
	}
	delete(t.byID, messageID)
	t.removeFromClass(entry)
	return entry.class, true
}

// ByClass returns the pending envelopes of a class in insertion order.
func (t *PendingTable) ByClass(class string) []messaging.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.byClass[class]
	out := make([]messaging.Envelope, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.env)
	}
	return out
}

// Counts reports how many envelopes are pending per class.
func (t *PendingTable) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[string]int, len(t.byClass))
	for class, entries := range t.byClass {
		if len(entries) > 0 {
			counts[class] = len(entries)
		}
	}
	return counts
}

// Sweep drops every entry older than maxAge and returns the dropped
// envelopes. Entries for unknown destinations end up here so they
// expire instead of accumulating forever.
func (t *PendingTable) Sweep(maxAge time.Duration) []messaging.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	var dropped []messaging.Envelope
	for id, entry := range t.byID {
		if entry.enqueuedAt.Before(cutoff) {
			dropped = append(dropped, entry.env)
			delete(t.byID, id)
			t.removeFromClass(entry)
		}
	}
	return dropped
}

func (t *PendingTable) removeFromClass(entry *pendingEntry) {
	entries := t.byClass[entry.class]
	for i, e := range entries {
		if e == entry {
			t.byClass[entry.class] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(t.byClass[entry.class]) == 0 {
		delete(t.byClass, entry.class)
	}
}
