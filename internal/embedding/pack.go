package embedding

import (
	"encoding/binary"
	"math"
)

// Pack serializes vec as little-endian float32 values and returns the
// buffer together with its dimension.
func Pack(vec []float32) ([]byte, int) {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf, len(vec)
}

// Unpack decodes a buffer written by Pack. The stored dim is advisory:
// when it disagrees with the buffer, the buffer length wins. Trailing
// bytes that do not form a whole float are ignored.
func Unpack(blob []byte, dim int) []float32 {
	n := len(blob) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec
}
