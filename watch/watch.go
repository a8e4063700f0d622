// Package watch implements the per-frame data-slot sampling subsystem:
// each watch either keeps a ring buffer of every sampled value or just the
// most recent one, sampled at a configurable rate divisor (spec §4.9).
package watch

import (
	"math"

	"github.com/fenwick-audio/fluxgraph/ir"
)

// ID names one live watch.
type ID uint64

// RingCapacity is the fixed capacity of a FIFO-drained watch ring buffer.
const RingCapacity = 4096

// Entry is one watch's configuration and accumulated samples. CallID and
// DataIndex are the symbolic address the watch was created against; Offset
// is that address resolved against the current layout, re-resolved by
// Rebind when a hot-swap installs a new one.
type Entry struct {
	CallID       ir.CallID
	DataIndex    ir.DataRef
	Offset       uint32 // byte offset of the watched slot within the data block
	RateDivisor  uint32 // sample once every RateDivisor frames; 0 and 1 both mean every frame
	OnlyLastOnly bool   // keep only the most recent sample rather than a ring

	last float32
	ring ringBuffer
}

type ringBuffer struct {
	buf   [RingCapacity]float32
	head  int // next write position
	count int // number of valid entries, capped at RingCapacity
}

func (r *ringBuffer) push(v float32) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % RingCapacity
	if r.count < RingCapacity {
		r.count++
	}
}

// drain removes and returns every buffered sample, oldest first.
func (r *ringBuffer) drain() []float32 {
	if r.count == 0 {
		return nil
	}
	out := make([]float32, r.count)
	start := (r.head - r.count + RingCapacity) % RingCapacity
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%RingCapacity]
	}
	r.count = 0
	return out
}

// Table is the set of live watches for one Processor. It is confined to
// the audio goroutine: every method runs from the audio callback (add,
// remove, query and rebind all arrive as bus messages applied there;
// sampling happens inside Render), so the table needs no locking, and the
// per-frame Sample path performs no allocation.
type Table struct {
	entries map[ID]*Entry
	next    ID
}

// NewTable creates an empty watch table.
func NewTable() *Table {
	return &Table{entries: make(map[ID]*Entry)}
}

// Add registers a new watch on the slot (callID, dataIndex), already
// resolved to offset by the caller, and returns its ID.
func (t *Table) Add(callID ir.CallID, dataIndex ir.DataRef, offset uint32, rateDivisor uint32, onlyLast bool) ID {
	id := t.next
	t.next++
	t.entries[id] = &Entry{
		CallID:       callID,
		DataIndex:    dataIndex,
		Offset:       offset,
		RateDivisor:  rateDivisor,
		OnlyLastOnly: onlyLast,
	}
	return id
}

// Rebind re-resolves every watch's symbolic slot address through resolve,
// updating offsets that moved and dropping watches whose slot no longer
// exists in the new layout. Called during hot-swap carry-over so watch IDs
// survive a rebuild.
func (t *Table) Rebind(resolve func(callID ir.CallID, dataIndex ir.DataRef) (uint32, bool)) {
	for id, e := range t.entries {
		offset, ok := resolve(e.CallID, e.DataIndex)
		if !ok {
			delete(t.entries, id)
			continue
		}
		e.Offset = offset
	}
}

// Remove deletes a watch. A remove of an unknown ID is a no-op.
func (t *Table) Remove(id ID) {
	delete(t.entries, id)
}

// Sample is called once per rendered frame by runtime.Processor.Render.
// For every watch whose rate divisor evenly divides elapsed, it reads the
// float at data[watch.Offset] and records it.
func (t *Table) Sample(elapsed uint64, readSlot func(offset uint32) float32) {
	for _, e := range t.entries {
		div := e.RateDivisor
		if div == 0 {
			div = 1
		}
		if elapsed%uint64(div) != 0 {
			continue
		}
		v := readSlot(e.Offset)
		if e.OnlyLastOnly {
			e.last = v
		} else {
			e.ring.push(v)
		}
	}
}

// Query drains every watch's accumulated samples (or returns its single
// last value as a one-element slice), replacing any NaN with 0. Unlike
// Sample this allocates — it builds the reply payload handed back to the
// requesting control thread — but it only runs when a query message
// arrives, never on the steady-state per-frame path.
func (t *Table) Query() map[ID][]float32 {
	out := make(map[ID][]float32, len(t.entries))
	for id, e := range t.entries {
		var vals []float32
		if e.OnlyLastOnly {
			vals = []float32{e.last}
		} else {
			vals = e.ring.drain()
		}
		for j, v := range vals {
			if math.IsNaN(float64(v)) {
				vals[j] = 0
			}
		}
		out[id] = vals
	}
	return out
}
