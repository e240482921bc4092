// Package crdt implements the op-based sequence CRDT that backs each
// document replica: an RGA (replicated growable array) of runes, ordered by
// Lamport timestamp, with tombstoning for deletes. Neither the wire codec
// nor the storage layer interpret these bytes — to them an update is an
// opaque blob — only the encryption client engine (internal/docclient) and,
// indirectly, compaction in internal/storage apply them to a replica.
package crdt

import (
	"sort"
	"sync"

	"github.com/quillsync/core/internal/lamport"
)

// zeroID marks "no origin" — an insert at the very start of the document.
var zeroID lamport.Timestamp

type element struct {
	id       lamport.Timestamp
	originID lamport.Timestamp
	value    rune
	deleted  bool
}

// Doc is one replica of a single document's text content.
type Doc struct {
	mu       sync.Mutex
	clock    *lamport.Clock
	elements []element
	index    map[lamport.Timestamp]int
}

// New creates an empty replica for the given replica/client id.
func New(clientID uint32) *Doc {
	return &Doc{
		clock: lamport.New(clientID),
		index: make(map[lamport.Timestamp]int),
	}
}

// Text returns the current visible (non-tombstoned) content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	runes := make([]rune, 0, len(d.elements))
	for _, e := range d.elements {
		if !e.deleted {
			runes = append(runes, e.value)
		}
	}
	return string(runes)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.elements {
		if !e.deleted {
			n++
		}
	}
	return n
}

// visibleIndexToElementIndex maps a visible-rune position to the underlying
// elements slice index, where pos == visible length means "append at end."
func (d *Doc) visibleIndexToElementIndex(pos int) int {
	if pos == 0 {
		return -1
	}
	seen := 0
	for i, e := range d.elements {
		if e.deleted {
			continue
		}
		seen++
		if seen == pos {
			return i
		}
	}
	return len(d.elements) - 1
}

// InsertAt inserts text at visible rune position pos, producing the Ops to
// broadcast as an update. Each rune chains off the previous one's id so a
// multi-rune insert integrates deterministically on remote replicas.
func (d *Doc) InsertAt(pos int, text string) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	origin := zeroID
	if idx := d.visibleIndexToElementIndex(pos); idx >= 0 {
		origin = d.elements[idx].id
	}

	var ops []Op
	for _, r := range text {
		id := d.clock.Tick()
		op := Op{Kind: OpInsert, ID: id, OriginID: origin, Value: r}
		d.integrateLocked(op)
		ops = append(ops, op)
		origin = id
	}
	return ops
}

// DeleteAt tombstones count visible runes starting at pos, producing the
// Ops to broadcast.
func (d *Doc) DeleteAt(pos, count int) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	remaining := count
	i := 0
	seen := 0
	for remaining > 0 && i < len(d.elements) {
		e := &d.elements[i]
		if !e.deleted {
			if seen >= pos {
				e.deleted = true
				ops = append(ops, Op{Kind: OpDelete, ID: e.id})
				remaining--
			}
			seen++
		}
		i++
	}
	return ops
}

// Apply integrates a batch of remote ops (an update) into this replica. Ops
// are applied in order; an insert whose origin has not yet been seen is
// skipped (the caller is responsible for causal delivery — in this system,
// the server's per-document total order and sync-step replay guarantee it).
func (d *Doc) Apply(ops []Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			d.integrateLocked(op)
			d.clock.Receive(op.ID)
		case OpDelete:
			if idx, ok := d.index[op.ID]; ok {
				d.elements[idx].deleted = true
			}
		}
	}
}

// integrateLocked implements the RGA integration rule: insert immediately
// after origin, then skip right over any contiguous run of elements whose
// id sorts after the new op's id (concurrent inserts at the same origin
// converge on the same order across replicas because every replica applies
// the same comparison).
func (d *Doc) integrateLocked(op Op) {
	if _, exists := d.index[op.ID]; exists {
		return // already applied; updates may be retried (e.g. re-sent after a partition)
	}

	pos := 0
	if op.OriginID != zeroID {
		idx, ok := d.index[op.OriginID]
		if !ok {
			return // causal dependency missing; drop rather than corrupt ordering
		}
		pos = idx + 1
	}

	for pos < len(d.elements) && idGreater(d.elements[pos].id, op.ID) {
		pos++
	}

	d.elements = append(d.elements, element{})
	copy(d.elements[pos+1:], d.elements[pos:])
	d.elements[pos] = element{id: op.ID, originID: op.OriginID, value: op.Value}

	for id, i := range d.index {
		if i >= pos {
			d.index[id] = i + 1
		}
	}
	d.index[op.ID] = pos
}

func idGreater(a, b lamport.Timestamp) bool {
	return b.Less(a)
}

// StateVector summarizes what this replica has already seen, per client id,
// for sync-step-1 exchanges.
type StateVector map[uint32]uint64

// CurrentStateVector returns the highest counter seen from each client.
func (d *Doc) CurrentStateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector)
	for _, e := range d.elements {
		if e.id.Counter > sv[e.id.ClientID] {
			sv[e.id.ClientID] = e.id.Counter
		}
	}
	return sv
}

// MissingSince returns the ops this replica has that are not reflected in
// peerSV, sorted by (clientId, counter) for deterministic transmission.
func (d *Doc) MissingSince(peerSV StateVector) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for _, e := range d.elements {
		if e.id.Counter > peerSV[e.id.ClientID] {
			ops = append(ops, Op{Kind: OpInsert, ID: e.id, OriginID: e.originID, Value: e.value})
			if e.deleted {
				ops = append(ops, Op{Kind: OpDelete, ID: e.id})
			}
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.ClientID != ops[j].ID.ClientID {
			return ops[i].ID.ClientID < ops[j].ID.ClientID
		}
		return ops[i].ID.Counter < ops[j].ID.Counter
	})
	return ops
}
