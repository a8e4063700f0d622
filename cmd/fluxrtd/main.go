// Command fluxrtd is the real-time host process: it opens an audio output
// device via portaudio, drives one runtime.Engine from its callback, and
// accepts control commands over stdin for patching and introspection.
package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/fenwick-audio/fluxgraph/bus"
	"github.com/fenwick-audio/fluxgraph/hostconfig"
	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/midicc"
	fluxruntime "github.com/fenwick-audio/fluxgraph/runtime"
	"github.com/fenwick-audio/fluxgraph/watch"
)

func main() {
	var configPath = pflag.StringP("config-file", "c", "", "YAML host configuration file. Unset uses built-in defaults.")
	var device = pflag.StringP("device", "d", "", "Output device name substring. Empty uses the system default output device.")
	var logLevel = pflag.StringP("log-level", "l", "", "Override the configured log level (debug, info, warn, error).")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fluxrtd - real-time audio dataflow engine host.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: fluxrtd [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}

	cfg := hostconfig.Default()
	if *configPath != "" {
		loaded, err := hostconfig.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *device != "" {
		cfg.Device = *device
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := log.New(os.Stderr)
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warn("unrecognized log level, defaulting to info", "level", cfg.LogLevel)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fluxrtd exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg hostconfig.Config, logger *log.Logger) error {
	lockRealtimeResources(logger)

	b := bus.New(8)
	engine := fluxruntime.NewEngine(b, float32(cfg.SampleRate), cfg.Channels, newNoiseSource(), logger)

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("fluxrtd: portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	outDev, err := resolveOutputDevice(cfg.Device)
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: cfg.Channels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}

	callback := func(out []float32) {
		frames := len(out) / cfg.Channels
		if err := engine.Tick(out, frames, cfg.Channels); err != nil {
			logger.Error("render failed", "err", err)
			for i := range out {
				out[i] = 0
			}
		}
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return fmt.Errorf("fluxrtd: open stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("fluxrtd: start stream: %w", err)
	}
	defer stream.Stop()

	if cfg.MainFunction != "" {
		reply := make(chan bus.ReplyMessage, 1)
		ctx := context.Background()
		engine.Dispatch(ctx, bus.Message{Kind: bus.SetMainFunction, MainFunction: cfg.MainFunction, Reply: reply})
		if r := <-reply; r.Kind != bus.Ack {
			logger.Warn("initial main function failed to build", "function", cfg.MainFunction, "err", r.Err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go runCommandLoop(engine, logger, done)

	select {
	case <-sig:
		logger.Info("signal received, shutting down")
	case <-done:
		logger.Info("command loop closed, shutting down")
	}
	return nil
}

func resolveOutputDevice(nameSubstring string) (*portaudio.DeviceInfo, error) {
	if nameSubstring == "" {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("fluxrtd: list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxOutputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(nameSubstring)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("fluxrtd: no output device matches %q", nameSubstring)
}

func newNoiseSource() func() float32 {
	rng := rand.New(rand.NewSource(1))
	return func() float32 {
		return rng.Float32()*2 - 1
	}
}

// lockRealtimeResources best-effort-hardens the calling OS thread for
// audio callback duty: locking it to the current goroutine, pinning
// process memory against paging, and raising its scheduling priority.
// None of this is required for correctness, and failures (common on
// non-realtime kernels or inside containers without CAP_SYS_NICE) are
// logged and otherwise ignored.
func lockRealtimeResources(logger *log.Logger) {
	runtime.LockOSThread()

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		logger.Warn("mlockall failed, audio thread may page fault under load", "err", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -11); err != nil {
		logger.Warn("failed to raise process priority", "err", err)
	}
}

// runCommandLoop is the one stdin-driven control goroutine: each line is a
// small textual command dispatched onto engine's bus. It closes done when
// stdin reaches EOF.
func runCommandLoop(engine *fluxruntime.Engine, logger *log.Logger, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runCommand(ctx, engine, line); err != nil {
			logger.Error("command failed", "line", line, "err", err)
		}
	}
}

func runCommand(ctx context.Context, engine *fluxruntime.Engine, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "set_main":
		if len(fields) != 2 {
			return fmt.Errorf("usage: set_main <function>")
		}
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.SetMainFunction, MainFunction: fields[1]})

	case "update":
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.Update})

	case "reset":
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.ContextReset})

	case "remove":
		if len(fields) != 2 {
			return fmt.Errorf("usage: remove <function>")
		}
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.RemoveFunction, FunctionName: fields[1]})

	case "set_float":
		if len(fields) != 4 {
			return fmt.Errorf("usage: set_float <call_id> <data_index> <value>")
		}
		callID, dataIndex, err := parseSlot(fields[1], fields[2])
		if err != nil {
			return err
		}
		value, err := strconv.ParseFloat(fields[3], 32)
		if err != nil {
			return err
		}
		return engine.Bus.Send(ctx, bus.Message{Kind: bus.SetFloat, CallID: callID, DataIndex: dataIndex, Value: float32(value)})

	case "start":
		return engine.Bus.Send(ctx, bus.Message{Kind: bus.StartDSP})

	case "stop":
		return engine.Bus.Send(ctx, bus.Message{Kind: bus.StopDSP})

	case "info":
		reply := make(chan bus.ReplyMessage, 1)
		engine.Dispatch(ctx, bus.Message{Kind: bus.GetSystemInfo, Reply: reply})
		r := <-reply
		fmt.Printf("sample_rate=%g channels=%d elapsed_samples=%d main=%q\n",
			r.SystemInfo.SampleRate, r.SystemInfo.Channels, r.SystemInfo.ElapsedSamples, r.SystemInfo.ActiveFunction)
		return nil

	case "watch":
		if len(fields) != 3 && len(fields) != 4 {
			return fmt.Errorf("usage: watch <call_id> <data_index> [rate_divisor]")
		}
		callID, dataIndex, err := parseSlot(fields[1], fields[2])
		if err != nil {
			return err
		}
		rate := uint64(1)
		if len(fields) == 4 {
			if rate, err = strconv.ParseUint(fields[3], 10, 32); err != nil {
				return fmt.Errorf("bad rate divisor: %w", err)
			}
		}
		reply := make(chan bus.ReplyMessage, 1)
		msg := bus.Message{Kind: bus.Watch, CallID: callID, DataIndex: dataIndex, RateDivisor: uint32(rate), Reply: reply}
		if err := engine.Bus.Send(ctx, msg); err != nil {
			return err
		}
		r := <-reply
		if r.Kind != bus.ReplyWatchID {
			return r.Err
		}
		fmt.Printf("watch_id=%d\n", r.WatchID)
		return nil

	case "unwatch":
		if len(fields) != 2 {
			return fmt.Errorf("usage: unwatch <watch_id>")
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad watch id: %w", err)
		}
		return engine.Bus.Send(ctx, bus.Message{Kind: bus.Unwatch, WatchID: watch.ID(id)})

	case "query":
		reply := make(chan bus.ReplyMessage, 1)
		if err := engine.Bus.Send(ctx, bus.Message{Kind: bus.QueryWatches, Reply: reply}); err != nil {
			return err
		}
		r := <-reply
		if r.Kind != bus.ReplyWatchedValues {
			return r.Err
		}
		for id, values := range r.WatchedValues {
			fmt.Printf("watch %d: %d values\n", id, len(values))
		}
		return nil

	case "learn":
		if len(fields) != 4 {
			return fmt.Errorf("usage: learn <function> <call_id> <data_index>")
		}
		callID, dataIndex, err := parseSlot(fields[2], fields[3])
		if err != nil {
			return err
		}
		reply := make(chan bus.ReplyMessage, 1)
		engine.Dispatch(ctx, bus.Message{Kind: bus.LearnMidiCC, FunctionName: fields[1], CallID: callID, DataIndex: dataIndex, Reply: reply})
		r := <-reply
		if r.Kind != bus.ReplyWatchID {
			return r.Err
		}
		fmt.Printf("learning; watch_id=%d\n", r.WatchID)
		return nil

	case "cc":
		// Inject a control-change event by hand, standing in for a MIDI
		// port adapter (a real host wires a midicc.CCSource instead).
		if len(fields) != 4 {
			return fmt.Errorf("usage: cc <channel> <controller> <value>")
		}
		channel, err1 := strconv.ParseUint(fields[1], 10, 8)
		controller, err2 := strconv.ParseUint(fields[2], 10, 8)
		value, err3 := strconv.ParseUint(fields[3], 10, 8)
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("cc arguments must be 0-255 integers")
		}
		return engine.Binder().HandleCC(ctx, midicc.CC{Channel: uint8(channel), Controller: uint8(controller)}, uint8(value))

	case "load_wave":
		if len(fields) != 4 {
			return fmt.Errorf("usage: load_wave <function> <buffer> <path>")
		}
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.LoadWaveFile, FunctionName: fields[1], WaveArray: fields[2], WavePath: fields[3]})

	case "unload_wave":
		if len(fields) != 3 {
			return fmt.Errorf("usage: unload_wave <function> <buffer>")
		}
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.UnloadWaveFile, FunctionName: fields[1], WaveArray: fields[2]})

	case "set_array":
		if len(fields) != 5 {
			return fmt.Errorf("usage: set_array <call_id> <data_index> <function> <buffer>")
		}
		callID, dataIndex, err := parseSlot(fields[1], fields[2])
		if err != nil {
			return err
		}
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.SetArray, CallID: callID, DataIndex: dataIndex, FunctionName: fields[3], WaveArray: fields[4]})

	case "exit":
		return sendAndWait(ctx, engine, bus.Message{Kind: bus.Exit})

	default:
		return fmt.Errorf("unrecognized command %q", fields[0])
	}
}

func parseSlot(callIDStr, dataIndexStr string) (ir.CallID, ir.DataRef, error) {
	callID, err := strconv.ParseUint(callIDStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad call id: %w", err)
	}
	dataIndex, err := strconv.ParseUint(dataIndexStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad data index: %w", err)
	}
	return ir.CallID(callID), ir.DataRef(dataIndex), nil
}

// sendAndWait is for the control-side Dispatch path, which always expects
// to be driven directly rather than polled off the audio bus.
func sendAndWait(ctx context.Context, engine *fluxruntime.Engine, msg bus.Message) error {
	reply := make(chan bus.ReplyMessage, 1)
	msg.Reply = reply
	engine.Dispatch(ctx, msg)
	r := <-reply
	if r.Kind == bus.NonFatalFailure || r.Kind == bus.FatalFailure {
		return r.Err
	}
	return nil
}
