package ir

import "math"

// EncodeArray lays out samples as the binary array format of spec §6: a
// 32-bit unsigned length word (count of following floats) followed
// immediately by the floats themselves, all as a flat []float32 where the
// length word is the float32 bit-reinterpretation of the uint32 count.
func EncodeArray(samples []float32) []float32 {
	out := make([]float32, len(samples)+1)
	out[0] = math.Float32frombits(uint32(len(samples)))
	copy(out[1:], samples)
	return out
}

// ArrayLength reads the length prefix of an encoded array.
func ArrayLength(encoded []float32) uint32 {
	if len(encoded) == 0 {
		return 0
	}
	return math.Float32bits(encoded[0])
}

// ArraySamples returns the sample slice of an encoded array (excluding the
// length prefix).
func ArraySamples(encoded []float32) []float32 {
	if len(encoded) == 0 {
		return nil
	}
	n := ArrayLength(encoded)
	if uint32(len(encoded)-1) < n {
		n = uint32(len(encoded) - 1)
	}
	return encoded[1 : 1+n]
}

// EmptyArray is the shared zero-length array sentinel: a single length
// word of 0, and no samples.
var EmptyArray = EncodeArray(nil)
