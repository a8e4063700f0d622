// Package midicc maps incoming MIDI control-change messages onto parameter
// pokes, with a one-shot "learn" mode for binding a new controller (spec
// §4.8).
package midicc

import (
	"context"
	"sync"

	"github.com/fenwick-audio/fluxgraph/bus"
	"github.com/fenwick-audio/fluxgraph/ir"
)

// CC identifies a MIDI control-change source: a channel and controller
// number.
type CC struct {
	Channel    uint8
	Controller uint8
}

// binding is what one CC maps onto: a specific data slot of a live
// processor, addressed the same way Processor.SetFloat is. Name is kept
// only for logging/diagnostics — the slot address is what's actually
// dispatched on.
type binding struct {
	Name      string
	CallID    ir.CallID
	DataIndex ir.DataRef
}

// Binder owns the live CC -> slot map and the one-shot learn slot.
type Binder struct {
	mu       sync.Mutex
	bindings map[CC]binding
	learn    *binding

	out *bus.Bus
}

// NewBinder creates a Binder that posts SetFloat commands to out whenever
// a bound CC arrives.
func NewBinder(out *bus.Bus) *Binder {
	return &Binder{bindings: make(map[CC]binding), out: out}
}

// Arm puts the binder into learn mode: the next HandleCC call installs a
// binding from whatever CC arrives to (callID, dataIndex), labeled name
// for diagnostics. The accompanying last-value watch on that slot (so a UI
// can show live feedback while learning) is issued by the caller —
// runtime.Engine's LearnMidiCC handling sends it and routes the resulting
// watch id back to the requester.
func (b *Binder) Arm(name string, callID ir.CallID, dataIndex ir.DataRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.learn = &binding{Name: name, CallID: callID, DataIndex: dataIndex}
}

// CancelLearn exits learn mode without installing a binding.
func (b *Binder) CancelLearn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.learn = nil
}

// HandleCC processes one incoming control-change message. If the binder
// is armed for learning, it installs cc -> the armed slot, clears learn
// mode, and posts this value through the new binding. Otherwise, if cc has
// an existing binding, it posts a SetFloat command with value normalized
// to [0, 1] (value/127). A CC with no
// binding and no active learn is silently ignored (spec §7).
func (b *Binder) HandleCC(ctx context.Context, cc CC, value uint8) error {
	b.mu.Lock()
	if b.learn != nil {
		bnd := *b.learn
		b.bindings[cc] = bnd
		b.learn = nil
		b.mu.Unlock()
		return b.post(ctx, bnd, value)
	}
	bnd, ok := b.bindings[cc]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.post(ctx, bnd, value)
}

func (b *Binder) post(ctx context.Context, bnd binding, value uint8) error {
	if b.out == nil {
		return nil
	}
	return b.out.Send(ctx, bus.Message{
		Kind:      bus.SetFloat,
		CallID:    bnd.CallID,
		DataIndex: bnd.DataIndex,
		Value:     float32(value) / 127.0,
	})
}

// CCSource is the external collaborator a real MIDI input library would
// implement: run until ctx is done, invoking deliver for every
// control-change event observed. No concrete adapter ships in this module
// (MIDI port opening is an explicit external collaborator per the
// engine's scope); see FakeSource for a test double.
type CCSource interface {
	Run(ctx context.Context, deliver func(cc CC, value uint8)) error
}

// FakeSource is a CCSource that replays a fixed script of events, for
// tests.
type FakeSource struct {
	Events []FakeEvent
}

// FakeEvent is one scripted control-change event.
type FakeEvent struct {
	CC    CC
	Value uint8
}

// Run delivers every scripted event in order, then returns nil.
func (f *FakeSource) Run(ctx context.Context, deliver func(cc CC, value uint8)) error {
	for _, e := range f.Events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		deliver(e.CC, e.Value)
	}
	return nil
}
