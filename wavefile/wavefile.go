// Package wavefile loads PCM wave data into the binary array format
// package ir defines (a length prefix followed by samples), mixing
// multi-channel files down to mono by averaging (spec §6).
package wavefile

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/fenwick-audio/fluxgraph/ir"
)

// Decoder is the external collaborator that turns a wave file's byte
// stream into interleaved PCM samples. Decoding itself (RIFF/WAVE chunk
// parsing, compressed codecs) is out of scope for the engine core; a host
// supplies whichever Decoder fits its deployment. PCMDecoder below is the
// one minimal adapter this module ships.
type Decoder interface {
	// Decode reads a complete wave file from r and returns its interleaved
	// samples normalized to [-1, 1], its channel count, and its sample
	// rate.
	Decode(r io.Reader) (samples []float32, channels int, sampleRate int, err error)
}

// Array is a loaded, mono-mixed, length-prefix-encoded sample array ready
// to back an array-typed data slot.
type Array struct {
	Name       string
	SampleRate int
	Encoded    []float32 // ir.EncodeArray(mono)
}

// Load decodes path's contents (already opened by the caller as r) with
// dec, mixes every channel down to mono by averaging, and returns the
// encoded array under name.
func Load(name string, r io.Reader, dec Decoder) (*Array, error) {
	samples, channels, sampleRate, err := dec.Decode(r)
	if err != nil {
		return nil, &ir.IOError{Kind: ir.WaveFileDecode, Path: name, Detail: err.Error()}
	}
	mono := mixToMono(samples, channels)
	return &Array{Name: name, SampleRate: sampleRate, Encoded: ir.EncodeArray(mono)}, nil
}

func mixToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[f*channels+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// PCMDecoder is a minimal RIFF/WAVE reader for uncompressed 16-bit or
// 32-bit float PCM, the two formats a synth host is most likely to ship
// sample content as. It is deliberately small: anything compressed or
// exotic (ADPCM, extensible format extensions beyond what's checked here)
// is rejected rather than partially supported.
type PCMDecoder struct{}

type waveFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// Decode implements Decoder for canonical little-endian RIFF/WAVE PCM.
func (PCMDecoder) Decode(r io.Reader) ([]float32, int, int, error) {
	var riffHdr [12]byte
	if _, err := io.ReadFull(r, riffHdr[:]); err != nil {
		return nil, 0, 0, err
	}
	if string(riffHdr[0:4]) != "RIFF" || string(riffHdr[8:12]) != "WAVE" {
		return nil, 0, 0, errNotWave
	}

	var fmtChunk waveFormat
	var data []byte
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, 0, 0, err
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, 0, 0, err
		}
		if size%2 == 1 {
			var pad [1]byte
			io.ReadFull(r, pad[:])
		}
		switch id {
		case "fmt ":
			if len(body) < 16 {
				return nil, 0, 0, errBadFormatChunk
			}
			fmtChunk = waveFormat{
				audioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				channels:      binary.LittleEndian.Uint16(body[2:4]),
				sampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
		case "data":
			data = body
		}
	}

	if fmtChunk.channels == 0 || data == nil {
		return nil, 0, 0, errMissingChunk
	}

	var samples []float32
	switch {
	case fmtChunk.audioFormat == 1 && fmtChunk.bitsPerSample == 16:
		samples = decodePCM16(data)
	case fmtChunk.audioFormat == 3 && fmtChunk.bitsPerSample == 32:
		samples = decodeFloat32(data)
	default:
		return nil, 0, 0, errUnsupportedFormat
	}

	return samples, int(fmtChunk.channels), int(fmtChunk.sampleRate), nil
}

func decodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

func decodeFloat32(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

const (
	errNotWave           = decodeError("wavefile: not a RIFF/WAVE file")
	errBadFormatChunk    = decodeError("wavefile: fmt chunk too short")
	errMissingChunk      = decodeError("wavefile: missing fmt or data chunk")
	errUnsupportedFormat = decodeError("wavefile: unsupported audio format/bit depth")
)
