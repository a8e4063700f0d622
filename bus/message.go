// Package bus is the multi-producer/single-consumer control-to-audio
// message channel: control goroutines Send commands, the audio callback
// PollOnes at most one per callback, matching spec §4.7.
package bus

import (
	"unsafe"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/watch"
)

// Kind identifies a Message's payload, mirroring the command table of
// spec §6.
type Kind uint8

const (
	StartDSP Kind = iota
	StopDSP
	ReplaceProcessor
	SetFloat
	SetArray
	Watch
	Unwatch
	QueryWatches
	ContextReset
	AddOrUpdateFunctions
	RemoveFunction
	SetMainFunction
	Update
	LoadWaveFile
	UnloadWaveFile
	LearnMidiCC
	GetSystemInfo
	Exit
)

// Message is every command the control thread can send to the audio
// thread, tagged by Kind with only the fields relevant to that Kind
// populated. A single concrete type (rather than one type per Kind) keeps
// the channel element type simple and matches the teacher's plain-struct
// message style.
type Message struct {
	Kind Kind

	// ReplaceProcessor. Payload carries the already-built *runtime.Processor;
	// it is typed any rather than a concrete package type so bus does not
	// import runtime (which itself sends on a *bus.Bus).
	ProcessorName string
	Payload       any

	// SetFloat / SetArray / Watch / LearnMidiCC slot address
	CallID    ir.CallID
	DataIndex ir.DataRef
	Value     float32

	// SetArray. ArrayData is the control-side input: raw samples the
	// dispatch handler encodes and pins before forwarding. ArrayHandle is
	// what actually reaches the audio thread: a prepared pointer to a
	// length-prefixed array whose backing storage the control side keeps
	// alive, so applying the message is a pure slot write.
	ArrayData   []float32
	ArrayHandle unsafe.Pointer

	// Watch / Unwatch / QueryWatches
	WatchID      watch.ID
	WatchOffset  uint32
	RateDivisor  uint32
	OnlyLastOnly bool

	// AddOrUpdateFunctions / RemoveFunction / LearnMidiCC; also the
	// owning-function half of a wave array's (function, buffer) key.
	Functions    []*ir.Function
	FunctionName string

	// SetMainFunction
	MainFunction string

	// LoadWaveFile / UnloadWaveFile
	WavePath  string
	WaveArray string

	// Reply is where the handler sends its ReplyMessage, if the sender
	// wants one. Senders that don't care about a reply leave this nil.
	Reply chan ReplyMessage
}

// ReplyKind identifies a ReplyMessage's payload, matching spec §7's fixed
// reply set.
type ReplyKind uint8

const (
	Ack ReplyKind = iota
	ReplyWatchID
	ReplyWatchedValues
	ReplySystemInfo
	NonFatalFailure
	FatalFailure
)

// ReplyMessage is the one reply shape every command produces.
type ReplyMessage struct {
	Kind ReplyKind

	WatchID       watch.ID
	WatchedValues map[watch.ID][]float32
	SystemInfo    SystemInfo
	Err           error
}

// SystemInfo is a snapshot of host/engine facts returned by a system-info
// query (sample rate, channel count, elapsed samples, main function
// name); fluxrtd's CLI surfaces this for introspection.
type SystemInfo struct {
	SampleRate     float32
	Channels       int
	ElapsedSamples uint64
	ActiveFunction string
}
