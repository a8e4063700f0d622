package wavefile

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-audio/fluxgraph/ir"
)

func buildWAV(t *testing.T, audioFormat, channels uint16, sampleRate uint32, bitsPerSample uint16, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	byteRate := sampleRate * uint32(channels) * uint32(bitsPerSample) / 8
	blockAlign := channels * bitsPerSample / 8

	fmtChunk := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtChunk[0:2], audioFormat)
	binary.LittleEndian.PutUint16(fmtChunk[2:4], channels)
	binary.LittleEndian.PutUint32(fmtChunk[4:8], sampleRate)
	binary.LittleEndian.PutUint32(fmtChunk[8:12], byteRate)
	binary.LittleEndian.PutUint16(fmtChunk[12:14], blockAlign)
	binary.LittleEndian.PutUint16(fmtChunk[14:16], bitsPerSample)

	dataLen := uint32(len(data))
	riffLen := uint32(4 + (8 + len(fmtChunk)) + (8 + len(data)))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(len(fmtChunk)))
	buf.Write(fmtChunk)

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(data)

	return buf.Bytes()
}

func pcm16Bytes(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDecodeMonoPCM16(t *testing.T) {
	raw := buildWAV(t, 1, 1, 44100, 16, pcm16Bytes(0, 16384, -32768, 32767))
	samples, channels, rate, err := PCMDecoder{}.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 44100, rate)
	require.Len(t, samples, 4)
	assert.InDelta(t, 0, samples[0], 1e-6)
	assert.InDelta(t, 0.5, samples[1], 1e-4)
	assert.InDelta(t, -1.0, samples[2], 1e-4)
}

func TestDecodeFloat32(t *testing.T) {
	var data bytes.Buffer
	for _, f := range []float32{0.25, -0.5} {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		data.Write(b[:])
	}
	raw := buildWAV(t, 3, 1, 48000, 32, data.Bytes())

	samples, channels, rate, err := PCMDecoder{}.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 48000, rate)
	require.Len(t, samples, 2)
	assert.InDelta(t, 0.25, samples[0], 1e-6)
	assert.InDelta(t, -0.5, samples[1], 1e-6)
}

func TestLoadMixesStereoToMono(t *testing.T) {
	raw := buildWAV(t, 1, 2, 44100, 16, pcm16Bytes(
		16384, 0, // frame 0: L=0.5, R=0 -> mono 0.25
		-16384, -16384, // frame 1: L=-0.5, R=-0.5 -> mono -0.5
	))

	arr, err := Load("test", bytes.NewReader(raw), PCMDecoder{})
	require.NoError(t, err)
	mono := ir.ArraySamples(arr.Encoded)
	require.Len(t, mono, 2)
	assert.InDelta(t, 0.25, mono[0], 1e-3)
	assert.InDelta(t, -0.5, mono[1], 1e-3)
	assert.Equal(t, uint32(2), ir.ArrayLength(arr.Encoded))
}

func TestDecodeRejectsNonWaveHeader(t *testing.T) {
	_, _, _, err := PCMDecoder{}.Decode(bytes.NewReader([]byte("not a wave file at all..")))
	assert.Error(t, err)
}

func TestDecodeRejectsUnsupportedFormat(t *testing.T) {
	// audioFormat 6 (A-law) at 8 bits is not one of the two supported
	// codecs.
	raw := buildWAV(t, 6, 1, 8000, 8, []byte{1, 2, 3, 4})
	_, _, _, err := PCMDecoder{}.Decode(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestLoadWrapsDecodeErrorAsIOError(t *testing.T) {
	_, err := Load("bad", bytes.NewReader([]byte("garbage")), PCMDecoder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WaveFileDecode")
}

