package ingestion

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/infrastructure/database"
)

// l1Entry is one insertion-ordered entry in the in-memory L1 dedup map.
type l1Entry struct {
	messageID string
	seenAt    time.Time
}

// L1Dedup is the bounded, insertion-ordered in-memory deduplication tier
// shared across all workers bound to the same queue (spec.md §4.1 step 2,
// §5 shared-resource policy: mutex-guarded, insertion-ordered eviction).
type L1Dedup struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	order    *list.List
	elements map[string]*list.Element
}

// NewL1Dedup builds an L1 dedup map bounded to maxSize entries, each
// expiring after ttl.
func NewL1Dedup(maxSize int, ttl time.Duration) *L1Dedup {
	if maxSize <= 0 {
		maxSize = 100_000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &L1Dedup{
		maxSize:  maxSize,
		ttl:      ttl,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// Seen reports whether messageID was already recorded (and not yet
// expired).
func (d *L1Dedup) Seen(messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	el, ok := d.elements[messageID]
	if !ok {
		return false
	}
	entry := el.Value.(*l1Entry)
	if time.Since(entry.seenAt) > d.ttl {
		d.order.Remove(el)
		delete(d.elements, messageID)
		return false
	}
	return true
}

// Mark records messageID as processed, evicting the oldest entry first when
// the map is at capacity.
func (d *L1Dedup) Mark(messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.elements[messageID]; ok {
		return
	}
	if d.order.Len() >= d.maxSize {
		oldest := d.order.Front()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.elements, oldest.Value.(*l1Entry).messageID)
		}
	}
	el := d.order.PushBack(&l1Entry{messageID: messageID, seenAt: time.Now()})
	d.elements[messageID] = el
}

// Sweep removes expired entries; intended to run on a periodic background
// task separate from the hot insert/lookup path.
func (d *L1Dedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for el := d.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*l1Entry)
		if time.Since(entry.seenAt) > d.ttl {
			d.order.Remove(el)
			delete(d.elements, entry.messageID)
			removed++
		}
		el = next
	}
	return removed
}

// Size returns the current number of tracked entries.
func (d *L1Dedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Deduplicator is the two-tier deduplicator: L1 in-memory map, L2 the
// processed_message_ids table (spec.md §4.1 step 2).
type Deduplicator struct {
	l1    *L1Dedup
	db    *sql.DB
	table string
}

// NewDeduplicator wires an L1Dedup to the named L2 table (e.g.
// "processed_message_ids" for C1, "metric_engine_processed_messages" for
// C2).
func NewDeduplicator(l1 *L1Dedup, db *sql.DB, table string) *Deduplicator {
	return &Deduplicator{l1: l1, db: db, table: table}
}

// IsDuplicate checks L1 first, then L2, returning true if either tier
// already has the message recorded.
func (d *Deduplicator) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	if d.l1.Seen(messageID) {
		return true, nil
	}
	processed, err := database.IsProcessed(ctx, d.db, d.table, messageID)
	if err != nil {
		return false, err
	}
	if processed {
		d.l1.Mark(messageID)
		return true, nil
	}
	return false, nil
}

// MarkProcessed records messageID as processed in both tiers (L1 then L2),
// per spec.md §4.1 step 4.
func (d *Deduplicator) MarkProcessed(ctx context.Context, messageID string) error {
	d.l1.Mark(messageID)
	return database.MarkProcessed(ctx, d.db, d.table, messageID, time.Now().UTC())
}
