package memory

import (
	"strings"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/rcliao/vecmem/internal/index"
	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

// record is the ledger's view of one memory: everything but its content.
type record struct {
	id          string
	meta        model.Metadata
	importance  float64
	expiresAt   *time.Time
	lastDecayAt time.Time
	chunks      []store.ChunkRef

	gen     uint32
	live    bool
	expired bool // counted in ledger.expired
}

// handles returns the record's live index handles in chunk order.
func (r *record) handles() []index.Handle {
	var hs []index.Handle
	for _, c := range r.chunks {
		if c.Handle != nil {
			hs = append(hs, index.Handle(*c.Handle))
		}
	}
	return hs
}

func (r *record) isExpired(now time.Time) bool {
	return r.expiresAt != nil && !r.expiresAt.After(now)
}

// slotRef addresses a slot at a specific generation; it goes stale once the
// slot is freed.
type slotRef struct {
	slot int32
	gen  uint32
}

type recencyKey struct {
	ts time.Time
	id string
}

func recencyComparator(a, b interface{}) int {
	ka, kb := a.(recencyKey), b.(recencyKey)
	if c := ka.ts.Compare(kb.ts); c != 0 {
		return c
	}
	return strings.Compare(ka.id, kb.id)
}

type expiryItem struct {
	at  time.Time
	ref slotRef
}

func expiryComparator(a, b interface{}) int {
	return a.(expiryItem).at.Compare(b.(expiryItem).at)
}

// ledger is the authoritative in-memory table of mutable memory state.
// Callers hold Store.mu.
type ledger struct {
	slots    []record
	free     []int32
	byID     map[string]int32
	byHandle map[index.Handle]int32
	recency  *redblacktree.Tree
	expiry   *binaryheap.Heap

	total     int
	expired   int
	sumActive float64
}

func newLedger() *ledger {
	return &ledger{
		byID:     make(map[string]int32),
		byHandle: make(map[index.Handle]int32),
		recency:  redblacktree.NewWith(recencyComparator),
		expiry:   binaryheap.NewWith(expiryComparator),
	}
}

func (l *ledger) reset() {
	*l = *newLedger()
}

func (l *ledger) insert(r record) {
	var slot int32
	if n := len(l.free); n > 0 {
		slot = l.free[n-1]
		l.free = l.free[:n-1]
		r.gen = l.slots[slot].gen
	} else {
		slot = int32(len(l.slots))
		l.slots = append(l.slots, record{})
	}
	r.live = true
	r.expired = false
	l.slots[slot] = r

	l.byID[r.id] = slot
	for _, h := range r.handles() {
		l.byHandle[h] = slot
	}
	l.recency.Put(recencyKey{r.meta.Timestamp, r.id}, slot)
	if r.expiresAt != nil {
		l.expiry.Push(expiryItem{at: *r.expiresAt, ref: slotRef{slot, r.gen}})
	}
	l.total++
	l.sumActive += r.importance
}

func (l *ledger) get(id string) (*record, bool) {
	slot, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return &l.slots[slot], true
}

func (l *ledger) byIndexHandle(h index.Handle) (*record, bool) {
	slot, ok := l.byHandle[h]
	if !ok {
		return nil, false
	}
	return &l.slots[slot], true
}

func (l *ledger) valid(ref slotRef) bool {
	return int(ref.slot) < len(l.slots) && l.slots[ref.slot].live && l.slots[ref.slot].gen == ref.gen
}

func (l *ledger) remove(id string) (record, bool) {
	slot, ok := l.byID[id]
	if !ok {
		return record{}, false
	}
	r := l.slots[slot]
	delete(l.byID, id)
	for _, h := range r.handles() {
		if l.byHandle[h] == slot {
			delete(l.byHandle, h)
		}
	}
	l.recency.Remove(recencyKey{r.meta.Timestamp, r.id})
	l.total--
	if r.expired {
		l.expired--
	} else {
		l.sumActive -= r.importance
	}

	// stale expiry heap items are skipped by generation
	l.slots[slot] = record{gen: r.gen + 1}
	l.free = append(l.free, slot)
	return r, true
}

// setImportance keeps sumActive in step with a record's importance.
func (l *ledger) setImportance(r *record, v float64) {
	if !r.expired {
		l.sumActive += v - r.importance
	}
	r.importance = v
}

// advance moves every record whose expiry is at or before now into the
// expired count.
func (l *ledger) advance(now time.Time) {
	for {
		top, ok := l.expiry.Peek()
		if !ok {
			return
		}
		item := top.(expiryItem)
		if item.at.After(now) {
			return
		}
		l.expiry.Pop()
		if !l.valid(item.ref) {
			continue
		}
		r := &l.slots[item.ref.slot]
		if r.expired || r.expiresAt == nil || !r.expiresAt.Equal(item.at) {
			continue
		}
		r.expired = true
		l.expired++
		l.sumActive -= r.importance
	}
}

func (l *ledger) active() int { return l.total - l.expired }

// expiredIDs lists records already counted as expired. Call advance first.
func (l *ledger) expiredIDs() []string {
	var ids []string
	for i := range l.slots {
		if l.slots[i].live && l.slots[i].expired {
			ids = append(ids, l.slots[i].id)
		}
	}
	return ids
}

// each calls fn for every live record.
func (l *ledger) each(fn func(r *record)) {
	for i := range l.slots {
		if l.slots[i].live {
			fn(&l.slots[i])
		}
	}
}

// newest walks records by timestamp descending, ties by id descending,
// until fn returns false.
func (l *ledger) newest(fn func(r *record) bool) {
	it := l.recency.Iterator()
	it.End()
	for it.Prev() {
		if !fn(&l.slots[it.Value().(int32)]) {
			return
		}
	}
}

// remapHandles rewrites chunk handles after compaction.
func (l *ledger) remapHandles(remap map[int64]int64) {
	l.byHandle = make(map[index.Handle]int32, len(remap))
	for i := range l.slots {
		r := &l.slots[i]
		if !r.live {
			continue
		}
		for j, c := range r.chunks {
			if c.Handle == nil {
				continue
			}
			to, ok := remap[*c.Handle]
			if !ok {
				r.chunks[j].Handle = nil
				continue
			}
			h := to
			r.chunks[j].Handle = &h
			l.byHandle[index.Handle(h)] = int32(i)
		}
	}
}

// recomputeSum rebuilds sumActive from scratch to shed float drift.
func (l *ledger) recomputeSum() {
	l.sumActive = 0
	l.each(func(r *record) {
		if !r.expired {
			l.sumActive += r.importance
		}
	})
}

type pruneItem struct {
	importance float64
	ts         time.Time
	id         string
}

// pruneComparator orders lowest importance first, then older, then id.
func pruneComparator(a, b interface{}) int {
	pa, pb := a.(pruneItem), b.(pruneItem)
	switch {
	case pa.importance < pb.importance:
		return -1
	case pa.importance > pb.importance:
		return 1
	}
	if c := pa.ts.Compare(pb.ts); c != 0 {
		return c
	}
	return strings.Compare(pa.id, pb.id)
}

// pruneCandidates picks active records to purge: everything below
// threshold, then lowest importance first until at most softCap remain.
// softCap <= 0 disables the cap.
func (l *ledger) pruneCandidates(now time.Time, threshold float64, softCap int) []string {
	l.advance(now)
	heap := binaryheap.NewWith(pruneComparator)
	var ids []string
	l.each(func(r *record) {
		if r.expired {
			return
		}
		if r.importance < threshold {
			ids = append(ids, r.id)
			return
		}
		heap.Push(pruneItem{r.importance, r.meta.Timestamp, r.id})
	})
	if softCap <= 0 {
		return ids
	}
	for heap.Size() > softCap {
		v, _ := heap.Pop()
		ids = append(ids, v.(pruneItem).id)
	}
	return ids
}
