// Package runtime is the audio-thread execution loop: per-frame rendering,
// watch sampling, parameter pokes, and hot-swap state carry-over (spec
// §4.6).
package runtime

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/charmbracelet/log"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/jit"
	"github.com/fenwick-audio/fluxgraph/layout"
	"github.com/fenwick-audio/fluxgraph/watch"
)

// Processor owns one compiled program's runtime state: its data block, the
// native engine that renders it, and the watch table sampling it. It is
// rendered from exactly one goroutine (the audio callback); pokes and
// hot-swap are expected to happen between callbacks, not concurrently with
// one, matching spec §5's ownership-transfer model.
type Processor struct {
	RootName string
	Layout   *layout.FunctionLayout
	Channels int

	engine  *jit.Engine
	data    []byte
	watches *watch.Table

	elapsedSamples uint64

	logger *log.Logger
}

// NewProcessor allocates a zeroed data block sized from fl and binds it to
// engine. channels is the number of interleaved output channels this
// program's top-level function writes.
func NewProcessor(rootName string, fl *layout.FunctionLayout, engine *jit.Engine, channels int, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		RootName: rootName,
		Layout:   fl,
		Channels: channels,
		engine:   engine,
		data:     make([]byte, fl.TotalSize),
		watches:  watch.NewTable(),
		logger:   logger,
	}
}

// Watches returns the processor's watch table, used by Engine.applyFast to
// service Watch/Unwatch/QueryWatches commands on the audio thread.
func (p *Processor) Watches() *watch.Table { return p.watches }

// ElapsedSamples returns the number of frames rendered so far.
func (p *Processor) ElapsedSamples() uint64 { return p.elapsedSamples }

// Render fills buffer (interleaved, frames*channels floats) one frame at a
// time: for each frame, sample live watches, repoint the JIT's
// current_output global at the frame, invoke render_entry, then sanitize
// that frame's output (NaN to zero, clamp to [-1, 1]) before moving on.
func (p *Processor) Render(buffer []float32, frames, channels int) error {
	if channels != p.Channels || len(buffer) != frames*channels {
		return &ir.RuntimeError{Kind: ir.OutputBufferMisaligned, Name: p.RootName}
	}

	var dataPtr unsafe.Pointer
	if len(p.data) > 0 {
		dataPtr = unsafe.Pointer(&p.data[0])
	}

	for f := 0; f < frames; f++ {
		p.watches.Sample(p.elapsedSamples, p.readSlotFloat)

		frameAddr := unsafe.Pointer(&buffer[f*channels])
		p.engine.SetCurrentOutput(frameAddr)
		p.engine.RenderEntry(dataPtr)

		for c := 0; c < channels; c++ {
			idx := f*channels + c
			buffer[idx] = sanitize(buffer[idx])
		}

		p.elapsedSamples++
	}
	return nil
}

func sanitize(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// SetFloat implements the set_float poke: it writes into the data slot of
// the root function's direct call site callID, own data item dataIndex.
// It takes no function name; call sites nested below the root's direct
// children are not addressable. An unknown call site or data index is a
// logged no-op, never an error (spec §7).
func (p *Processor) SetFloat(callID ir.CallID, dataIndex ir.DataRef, value float32) {
	offset, ok := p.resolveChildSlot(callID, dataIndex)
	if !ok {
		p.logger.Warn("set_float to unknown slot", "root", p.RootName, "call_id", callID, "data_index", dataIndex)
		return
	}
	p.writeSlotFloat(offset, value)
}

// SetArray implements the set_array(name, call_id, data_index, handle)
// poke: it writes the array pointer addr into the slot, replacing whatever
// array pointer (if any) was there. The caller owns the array's backing
// storage — typically a *wavefile.Array registered with the host.
func (p *Processor) SetArray(callID ir.CallID, dataIndex ir.DataRef, addr unsafe.Pointer) {
	offset, ok := p.resolveChildSlot(callID, dataIndex)
	if !ok {
		p.logger.Warn("set_array to unknown slot", "root", p.RootName, "call_id", callID, "data_index", dataIndex)
		return
	}
	p.writeSlotPointer(offset, addr)
}

func (p *Processor) resolveChildSlot(callID ir.CallID, dataIndex ir.DataRef) (uint32, bool) {
	cb, ok := p.Layout.ChildOffset(callID)
	if !ok || cb.Callee == nil {
		return 0, false
	}
	if int(dataIndex) >= len(cb.Callee.OwnItems) {
		return 0, false
	}
	return cb.Offset + cb.Callee.OwnOffset(dataIndex), true
}

func (p *Processor) readSlotFloat(offset uint32) float32 {
	if int(offset)+4 > len(p.data) {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(p.data[offset:]))
}

func (p *Processor) writeSlotFloat(offset uint32, v float32) {
	if int(offset)+4 > len(p.data) {
		return
	}
	binary.LittleEndian.PutUint32(p.data[offset:], math.Float32bits(v))
}

func (p *Processor) writeSlotPointer(offset uint32, addr unsafe.Pointer) {
	if int(offset)+8 > len(p.data) {
		return
	}
	*(*unsafe.Pointer)(unsafe.Pointer(&p.data[offset])) = addr
}

// CopyFrom carries state over from old into p during a hot-swap (spec
// §4.6): every data slot reachable under the same symbolic key
// ("root#0" then ".child#<call id>" per nesting level, ".<data index>" at
// the leaf) in both processors' layouts is copied byte-for-byte, and old's
// watch table is adopted wholesale (keeping watch IDs alive), with each
// watch's slot address re-resolved against p's layout and watches on
// vanished slots dropped. Carry-over only happens when old and p share a
// root name, matching the original runtime's `sp.copy_from(current_sp)`
// gate; a different root name leaves p's fresh zeroed data block and empty
// watch table untouched. elapsedSamples is always carried forward
// regardless, since sample-clock continuity doesn't depend on layout
// compatibility.
func (p *Processor) CopyFrom(old *Processor) {
	if old == nil {
		return
	}
	p.elapsedSamples = old.elapsedSamples

	if old.RootName != p.RootName {
		return
	}

	p.watches = old.watches
	p.watches.Rebind(p.resolveChildSlot)

	oldKeys := symbolicKeys(old.RootName, old.Layout)
	newKeys := symbolicKeys(p.RootName, p.Layout)
	for key, newOff := range newKeys {
		oldOff, ok := oldKeys[key]
		if !ok {
			continue
		}
		if int(oldOff)+layout.SlotSize > len(old.data) || int(newOff)+layout.SlotSize > len(p.data) {
			continue
		}
		copy(p.data[newOff:newOff+layout.SlotSize], old.data[oldOff:oldOff+layout.SlotSize])
	}
}

// symbolicKeys enumerates every data slot in fl's tree, keyed by its
// symbolic path, mapped to its byte offset within the root's data block.
func symbolicKeys(rootName string, fl *layout.FunctionLayout) map[string]uint32 {
	out := make(map[string]uint32)
	var walk func(prefix string, base uint32, fl *layout.FunctionLayout)
	walk = func(prefix string, base uint32, fl *layout.FunctionLayout) {
		for i := range fl.OwnItems {
			out[fmt.Sprintf("%s.%d", prefix, i)] = base + fl.OwnOffset(ir.DataRef(i))
		}
		for callID, cb := range fl.Children {
			if cb.Callee == nil {
				continue
			}
			walk(fmt.Sprintf("%s.child#%d", prefix, callID), base+cb.Offset, cb.Callee)
		}
	}
	walk(rootName+"#0", 0, fl)
	return out
}
