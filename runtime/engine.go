package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/charmbracelet/log"

	"github.com/fenwick-audio/fluxgraph/bus"
	"github.com/fenwick-audio/fluxgraph/deps"
	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/jit"
	"github.com/fenwick-audio/fluxgraph/layout"
	"github.com/fenwick-audio/fluxgraph/midicc"
	"github.com/fenwick-audio/fluxgraph/registry"
	"github.com/fenwick-audio/fluxgraph/watch"
	"github.com/fenwick-audio/fluxgraph/wavefile"
)

// Engine is the host-facing orchestrator: it owns the registry, dependency
// resolver and layout planner on the control side, and drives the single
// live Processor from the audio side. Dispatch, on the control thread,
// handles the heavy commands (AddOrUpdateFunctions, RemoveFunction,
// SetMainFunction, Update, ...) and does the heavy lifting — IR bookkeeping and LLVM
// compilation — off the audio thread, then hand the freshly built
// Processor across the bus as a ReplaceProcessor message; Tick, the only
// method ever called from the portaudio callback, does nothing heavier
// than draining one message and rendering one buffer (spec §4.7/§5).
type Engine struct {
	Bus *bus.Bus

	reg      *registry.Registry
	resolver *deps.Resolver
	planner  *layout.Planner

	sampleRate float32
	channels   int
	noise      func() float32
	logger     *log.Logger

	mu           sync.Mutex
	mainFunction string

	// current is written exclusively by Tick (the audio thread) and takes
	// no lock; SystemInfo also reads it unlocked for diagnostics.
	current    *Processor
	dspRunning bool

	// arrayKeepAlive pins the backing storage of every SetArray payload for
	// as long as JIT code might still dereference it. Touched only from
	// Dispatch (the control goroutine); the audio thread sees nothing but
	// the prepared pointer inside the forwarded message.
	arrayKeepAlive map[arraySlotKey][]float32

	// retired receives processors displaced by a hot-swap. Native JIT code
	// is never freed on the audio thread; Tick pushes the old processor
	// here and the control side disposes it on its next Dispatch.
	retired chan *Processor

	binder *midicc.Binder

	decoder wavefile.Decoder
	waves   map[waveKey]*wavefile.Array
}

type arraySlotKey struct {
	call ir.CallID
	data ir.DataRef
}

// waveKey addresses a loaded sample array the way the bus commands do:
// by owning function name plus buffer name.
type waveKey struct {
	function string
	buffer   string
}

// NewEngine creates an Engine. noise backs the `noise()` extern every
// compiled module links against; a typical host passes a
// math/rand-seeded generator (spec leaves its source unspecified beyond
// "returns a value in [-1, 1]").
func NewEngine(b *bus.Bus, sampleRate float32, channels int, noise func() float32, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	reg := registry.New()
	resolver := deps.New(reg)
	e := &Engine{
		Bus:            b,
		reg:            reg,
		resolver:       resolver,
		planner:        layout.New(reg, resolver),
		sampleRate:     sampleRate,
		channels:       channels,
		noise:          noise,
		logger:         logger,
		dspRunning:     true,
		arrayKeepAlive: make(map[arraySlotKey][]float32),
		retired:        make(chan *Processor, 8),
		binder:         midicc.NewBinder(b),
		decoder:        wavefile.PCMDecoder{},
		waves:          make(map[waveKey]*wavefile.Array),
	}
	jit.Bind(&jit.RuntimeEnv{
		Noise:    noise,
		DebugLog: func(v float32) { logger.Debug("debug_log", "value", v) },
	})
	return e
}

// Binder exposes the engine's MIDI CC binder so a host's MIDI source can
// deliver control-change events into it.
func (e *Engine) Binder() *midicc.Binder { return e.binder }

// SetDecoder overrides the default wavefile.PCMDecoder used by
// LoadWaveFile, e.g. to plug in a host-specific codec.
func (e *Engine) SetDecoder(d wavefile.Decoder) { e.decoder = d }

// Registry exposes the underlying function registry, e.g. for a flow
// compiler to resolve node arities before calling AddOrUpdateFunctions.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// SystemInfo reports a snapshot of engine facts. It is safe to call from
// any goroutine; ElapsedSamples reflects whatever Processor was current
// as of the call (a benign race with a concurrent ReplaceProcessor, since
// this is diagnostic information, not control flow).
func (e *Engine) SystemInfo() bus.SystemInfo {
	e.mu.Lock()
	main := e.mainFunction
	e.mu.Unlock()

	info := bus.SystemInfo{SampleRate: e.sampleRate, Channels: e.channels, ActiveFunction: main}
	if p := e.current; p != nil {
		info.ElapsedSamples = p.ElapsedSamples()
	}
	return info
}

// Dispatch handles every "heavy" bus.Message kind synchronously on the
// calling (control) goroutine: registry mutation, dependency/layout
// recomputation, and LLVM compilation all happen here, never on the audio
// thread. On success it sends the resulting state across e.Bus as a
// fast message (ReplaceProcessor, SetArray, Watch) for Tick to
// apply; on failure it replies with NonFatalFailure (or FatalFailure for
// a JIT initialization failure) without touching the live Processor,
// matching spec §7's "always leave the previous processor running"
// guarantee.
func (e *Engine) Dispatch(ctx context.Context, msg bus.Message) {
	e.disposeRetired()

	var reply bus.ReplyMessage
	switch msg.Kind {
	case AddOrUpdateFunctionsKind:
		reply = e.handleAddOrUpdateFunctions(msg)
	case RemoveFunctionKind:
		reply = e.handleRemoveFunction(msg)
	case ContextResetKind:
		e.reg.Reset()
		reply = bus.ReplyMessage{Kind: bus.Ack}
	case SetMainFunctionKind:
		reply = e.handleSetMainFunction(ctx, msg)
	case UpdateKind:
		reply = e.handleUpdate(ctx)
	case LoadWaveFileKind:
		reply = e.handleLoadWaveFile(msg)
	case UnloadWaveFileKind:
		delete(e.waves, waveKey{function: msg.FunctionName, buffer: msg.WaveArray})
		reply = bus.ReplyMessage{Kind: bus.Ack}
	case GetSystemInfoKind:
		reply = bus.ReplyMessage{Kind: bus.ReplySystemInfo, SystemInfo: e.SystemInfo()}
	case SetArrayKind:
		done, r := e.handleSetArray(ctx, msg)
		if done {
			return
		}
		reply = r
	case LearnMidiCCKind:
		// Arm the one-shot learn slot, then auto-watch the slot's last
		// value so a UI can show live feedback while learning. The watch id
		// reply comes back from the audio thread, not from here.
		e.binder.Arm(msg.FunctionName, msg.CallID, msg.DataIndex)
		err := e.Bus.Send(ctx, bus.Message{
			Kind:         bus.Watch,
			CallID:       msg.CallID,
			DataIndex:    msg.DataIndex,
			OnlyLastOnly: true,
			Reply:        msg.Reply,
		})
		if err == nil {
			return
		}
		reply = bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	case ExitKind:
		e.Bus.Close()
		reply = bus.ReplyMessage{Kind: bus.Ack}
	default:
		reply = bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: fmt.Errorf("runtime: %v is not a control-side message kind", msg.Kind)}
	}
	if msg.Reply != nil {
		msg.Reply <- reply
	}
}

// Aliases so this package can name bus.Kind values without stuttering
// "bus." at every call site above.
const (
	AddOrUpdateFunctionsKind = bus.AddOrUpdateFunctions
	RemoveFunctionKind       = bus.RemoveFunction
	ContextResetKind         = bus.ContextReset
	SetMainFunctionKind      = bus.SetMainFunction
	UpdateKind               = bus.Update
	LoadWaveFileKind         = bus.LoadWaveFile
	UnloadWaveFileKind       = bus.UnloadWaveFile
	LearnMidiCCKind          = bus.LearnMidiCC
	GetSystemInfoKind        = bus.GetSystemInfo
	SetArrayKind             = bus.SetArray
	ExitKind                 = bus.Exit
)

// handleSetArray prepares an array poke on the control goroutine: it
// resolves the payload to a length-prefixed encoding — either a previously
// loaded wave named by (FunctionName, WaveArray), or raw samples carried
// in ArrayData — pins the backing storage in arrayKeepAlive, and forwards
// a fast message whose ArrayHandle the audio thread writes into the slot
// verbatim. Returns done=true when the forwarded message owns the reply.
func (e *Engine) handleSetArray(ctx context.Context, msg bus.Message) (bool, bus.ReplyMessage) {
	var encoded []float32
	if msg.WaveArray != "" {
		arr, ok := e.waves[waveKey{function: msg.FunctionName, buffer: msg.WaveArray}]
		if !ok {
			return false, bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: fmt.Errorf("runtime: no loaded wave array %s/%s", msg.FunctionName, msg.WaveArray)}
		}
		encoded = arr.Encoded
	} else {
		encoded = ir.EncodeArray(msg.ArrayData)
	}
	e.arrayKeepAlive[arraySlotKey{call: msg.CallID, data: msg.DataIndex}] = encoded

	err := e.Bus.Send(ctx, bus.Message{
		Kind:        bus.SetArray,
		CallID:      msg.CallID,
		DataIndex:   msg.DataIndex,
		ArrayHandle: unsafe.Pointer(&encoded[0]),
		Reply:       msg.Reply,
	})
	if err != nil {
		return false, bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	}
	return true, bus.ReplyMessage{}
}

// disposeRetired frees processors the audio thread has handed back after a
// hot-swap. Runs on the control goroutine only.
func (e *Engine) disposeRetired() {
	for {
		select {
		case old := <-e.retired:
			if old != nil && old.engine != nil {
				old.engine.Close()
			}
		default:
			return
		}
	}
}

// handleLoadWaveFile decodes msg.WavePath and registers the resulting
// mono array under its (function, buffer) key; a host typically follows a
// successful load with a SetArray message naming the same key.
func (e *Engine) handleLoadWaveFile(msg bus.Message) bus.ReplyMessage {
	f, err := os.Open(msg.WavePath)
	if err != nil {
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: &ir.IOError{Kind: ir.WaveFileOpen, Path: msg.WavePath, Detail: err.Error()}}
	}
	defer f.Close()

	arr, err := wavefile.Load(msg.WaveArray, f, e.decoder)
	if err != nil {
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	}
	e.waves[waveKey{function: msg.FunctionName, buffer: msg.WaveArray}] = arr
	return bus.ReplyMessage{Kind: bus.Ack}
}

func (e *Engine) handleAddOrUpdateFunctions(msg bus.Message) bus.ReplyMessage {
	for _, fn := range msg.Functions {
		e.reg.Replace(fn)
	}
	return bus.ReplyMessage{Kind: bus.Ack}
}

func (e *Engine) handleRemoveFunction(msg bus.Message) bus.ReplyMessage {
	e.reg.Remove(msg.FunctionName)
	return bus.ReplyMessage{Kind: bus.Ack}
}

func (e *Engine) handleSetMainFunction(ctx context.Context, msg bus.Message) bus.ReplyMessage {
	e.mu.Lock()
	e.mainFunction = msg.MainFunction
	e.mu.Unlock()
	return e.rebuild(ctx, msg.MainFunction)
}

func (e *Engine) handleUpdate(ctx context.Context) bus.ReplyMessage {
	e.mu.Lock()
	main := e.mainFunction
	e.mu.Unlock()
	if main == "" {
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: fmt.Errorf("runtime: no main function set")}
	}
	return e.rebuild(ctx, main)
}

// rebuild recompiles root from the current registry state into a fresh
// Processor and sends it across the bus as ReplaceProcessor. Any failure
// here is reported without disturbing whatever Processor is already live.
func (e *Engine) rebuild(ctx context.Context, root string) bus.ReplyMessage {
	if missing := e.resolver.Missing(root); len(missing) > 0 {
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: &ir.CompileError{Kind: ir.UnknownFunction, Function: root, Detail: fmt.Sprintf("unresolved callees: %v", missing)}}
	}

	fl, err := e.planner.Plan(root)
	if err != nil {
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	}

	order := e.resolver.ActiveSet(root)
	layouts := make(map[string]*layout.FunctionLayout, len(order))
	layouts[root] = fl
	for _, name := range order {
		if name == root {
			continue
		}
		if sub, err := e.planner.Plan(name); err == nil {
			layouts[name] = sub
		}
	}

	mod := jit.NewModule(root, e.sampleRate)
	mod.DeclareExterns()

	fns := make(map[string]*ir.Function, len(order))
	for _, name := range order {
		fn, ok := e.reg.Get(name)
		if !ok {
			mod.Dispose()
			return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: &ir.RuntimeError{Kind: ir.MissingFunction, Name: name}}
		}
		fns[name] = fn
		mod.DeclareFunction(fn, layouts)
	}
	for _, name := range order {
		if err := mod.BuildFunction(fns[name], fns); err != nil {
			mod.Dispose()
			return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
		}
	}
	if _, err := mod.AppendRenderEntry(root); err != nil {
		mod.Dispose()
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	}

	engine, err := mod.Finalize()
	if err != nil {
		// A JIT init failure is the one case spec §7 reserves
		// FatalFailure for: the engine cannot render anything at all,
		// as opposed to a rejected patch that leaves the old one
		// running.
		if ce, ok := err.(*ir.CompileError); ok && ce.Kind == ir.InitExecutionEngineFailed {
			return bus.ReplyMessage{Kind: bus.FatalFailure, Err: err}
		}
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	}

	proc := NewProcessor(root, fl, engine, e.channels, e.logger)
	if err := e.Bus.Send(ctx, bus.Message{Kind: bus.ReplaceProcessor, ProcessorName: root, Payload: proc}); err != nil {
		engine.Close()
		return bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	}
	return bus.ReplyMessage{Kind: bus.Ack}
}

// Tick is the portaudio callback's entire body: drain at most one pending
// bus message, then render one buffer. It is the only Engine method ever
// invoked from the audio thread.
func (e *Engine) Tick(buffer []float32, frames, channels int) error {
	if msg, ok := e.Bus.PollOne(); ok {
		e.applyFast(msg)
	}

	if !e.dspRunning || e.current == nil {
		for i := range buffer {
			buffer[i] = 0
		}
		return nil
	}
	return e.current.Render(buffer, frames, channels)
}

// applyFast handles every message kind that is safe to run on the audio
// thread: a processor swap, a direct parameter poke, or a watch-table
// operation. Heavy kinds reach here only if a caller mistakenly sent them
// directly instead of through Dispatch; they are answered with
// NonFatalFailure rather than panicking the audio thread.
func (e *Engine) applyFast(msg bus.Message) {
	switch msg.Kind {
	case bus.ReplaceProcessor:
		next, ok := msg.Payload.(*Processor)
		if !ok || next == nil {
			e.replyErr(msg, fmt.Errorf("runtime: ReplaceProcessor payload missing"))
			return
		}
		next.CopyFrom(e.current)
		old := e.current
		e.current = next
		if old != nil {
			// Hand the displaced processor back to the control side for
			// disposal; its native code must not be freed here.
			select {
			case e.retired <- old:
			default:
				// Queue full; drop the reference and let the jit.Engine
				// finalizer reclaim the native code off-thread.
				old.engine = nil
			}
		}
		e.replyAck(msg)
	case bus.SetFloat:
		if e.current != nil {
			e.current.SetFloat(msg.CallID, msg.DataIndex, msg.Value)
		}
		e.replyAck(msg)
	case bus.SetArray:
		// The handle was prepared and pinned by Dispatch; nothing here
		// allocates.
		if e.current != nil && msg.ArrayHandle != nil {
			e.current.SetArray(msg.CallID, msg.DataIndex, msg.ArrayHandle)
		}
		e.replyAck(msg)
	case bus.Watch:
		if e.current == nil {
			e.replyErr(msg, fmt.Errorf("runtime: no active processor to watch"))
			return
		}
		offset, ok := e.current.resolveChildSlot(msg.CallID, msg.DataIndex)
		if !ok {
			e.replyErr(msg, fmt.Errorf("runtime: unknown watch slot"))
			return
		}
		id := e.current.Watches().Add(msg.CallID, msg.DataIndex, offset, msg.RateDivisor, msg.OnlyLastOnly)
		if msg.Reply != nil {
			msg.Reply <- bus.ReplyMessage{Kind: bus.ReplyWatchID, WatchID: id}
		}
	case bus.Unwatch:
		if e.current != nil {
			e.current.Watches().Remove(msg.WatchID)
		}
		e.replyAck(msg)
	case bus.QueryWatches:
		var values map[watch.ID][]float32
		if e.current != nil {
			values = e.current.Watches().Query()
		}
		if msg.Reply != nil {
			msg.Reply <- bus.ReplyMessage{Kind: bus.ReplyWatchedValues, WatchedValues: values}
		}
	case bus.StartDSP:
		e.dspRunning = true
		e.replyAck(msg)
	case bus.StopDSP:
		e.dspRunning = false
		e.replyAck(msg)
	default:
		e.replyErr(msg, fmt.Errorf("runtime: %v reached the audio thread; send it through Dispatch instead", msg.Kind))
	}
}

func (e *Engine) replyAck(msg bus.Message) {
	if msg.Reply != nil {
		msg.Reply <- bus.ReplyMessage{Kind: bus.Ack}
	}
}

func (e *Engine) replyErr(msg bus.Message, err error) {
	if msg.Reply != nil {
		msg.Reply <- bus.ReplyMessage{Kind: bus.NonFatalFailure, Err: err}
	}
}

