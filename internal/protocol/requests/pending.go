package requests

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingRequest describes one outbound request awaiting its response.
type PendingRequest struct {
	ID       uuid.UUID
	Verb     string
	Path     string
	QueuedAt time.Time
}

// Result completes a pending request. Exactly one of Response and Err is
// set.
type Result struct {
	Response *ReceivedResponse
	Err      error
}

type pendingEntry struct {
	info PendingRequest
	done chan Result
}

// PendingTable maps correlation ids to pending handles. Every handle is
// completed at most once; completing removes it.
type PendingTable struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*pendingEntry
	newID func() uuid.UUID
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items: make(map[uuid.UUID]*pendingEntry),
		newID: uuid.New,
	}
}

// Register allocates an id not currently in flight and returns the
// channel its Result is delivered on.
func (t *PendingTable) Register(verb, path string, now time.Time) (PendingRequest, <-chan Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.newID()
	for {
		if _, taken := t.items[id]; !taken && id != uuid.Nil {
			break
		}
		id = t.newID()
	}
	entry := &pendingEntry{
		info: PendingRequest{ID: id, Verb: verb, Path: path, QueuedAt: now},
		done: make(chan Result, 1),
	}
	t.items[id] = entry
	return entry.info, entry.done
}

// Resolve completes id with res. It reports false when id is not pending.
func (t *PendingTable) Resolve(id uuid.UUID, res *ReceivedResponse) bool {
	return t.complete(id, Result{Response: res})
}

// Fail completes id with err.
func (t *PendingTable) Fail(id uuid.UUID, err error) bool {
	return t.complete(id, Result{Err: err})
}

func (t *PendingTable) complete(id uuid.UUID, r Result) bool {
	t.mu.Lock()
	entry, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.done <- r
	return true
}

// Remove drops id without completing it.
func (t *PendingTable) Remove(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[id]
	delete(t.items, id)
	return ok
}

// FailAll completes every pending handle with err and returns how many
// there were.
func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	items := t.items
	t.items = make(map[uuid.UUID]*pendingEntry)
	t.mu.Unlock()
	for _, entry := range items {
		entry.done <- Result{Err: err}
	}
	return len(items)
}

func (t *PendingTable) Has(id uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.items[id]
	return ok
}

func (t *PendingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// List returns pending requests oldest first.
func (t *PendingTable) List() []PendingRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PendingRequest, 0, len(t.items))
	for _, entry := range t.items {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}
