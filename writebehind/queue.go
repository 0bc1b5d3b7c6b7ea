package writebehind

import (
	"container/list"
	"sync"
	"time"
)

// PendingItem is one coalesced score snapshot waiting to be replicated to
// the relational store of record.
type PendingItem struct {
	TenantID        string
	ProfileID       string
	ConvictionScore float64
	ActivityScore   float64
	Rank            int
	UpdatedAt       time.Time
	RetryCount      int
	EnqueuedAt      time.Time
}

func coalesceKey(tenantID, profileID string) string { return tenantID + ":" + profileID }

// itemQueue is the ordered-dictionary queue behind the write-behind cache:
// a container/list for FIFO drain order plus a map for O(1) coalescing,
// the same pairing L1Cache (cache-manager/cache.go) uses for its LRU list.
// Unlike L1Cache, a hit here never moves its element — the queue is a
// drain-oldest-first FIFO, not an LRU.
type itemQueue struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

func newItemQueue() *itemQueue {
	return &itemQueue{order: list.New(), index: make(map[string]*list.Element)}
}

// upsert enqueues item, or replaces the snapshot of an already-queued item
// for the same (tenantId, profileId) in place — the queue grows only in
// unique-key count, never in per-key history.
func (q *itemQueue) upsert(item *PendingItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := coalesceKey(item.TenantID, item.ProfileID)
	if el, ok := q.index[key]; ok {
		el.Value = item
		return
	}
	q.index[key] = q.order.PushBack(item)
}

// requeue re-enqueues a failed item, unless a fresher snapshot already
// superseded it while it was in flight — in which case the stale retry is
// silently dropped rather than clobbering newer data.
func (q *itemQueue) requeue(item *PendingItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := coalesceKey(item.TenantID, item.ProfileID)
	if _, ok := q.index[key]; ok {
		return
	}
	q.index[key] = q.order.PushBack(item)
}

func (q *itemQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// drain removes and returns up to max oldest items (all of them if max <= 0).
func (q *itemQueue) drain(max int) []*PendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*PendingItem
	for e := q.order.Front(); e != nil; {
		if max > 0 && len(out) >= max {
			break
		}
		next := e.Next()
		item := e.Value.(*PendingItem)
		out = append(out, item)
		q.order.Remove(e)
		delete(q.index, coalesceKey(item.TenantID, item.ProfileID))
		e = next
	}
	return out
}

func (q *itemQueue) pendingForTenant(tenantID string) []PendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PendingItem
	for e := q.order.Front(); e != nil; e = e.Next() {
		item := e.Value.(*PendingItem)
		if item.TenantID == tenantID {
			out = append(out, *item)
		}
	}
	return out
}
