package stream

import (
	"encoding/binary"
	"math"
)

// bytesToFloat32 reinterprets b as little-endian float32 samples. The caller
// must ensure len(b) is a multiple of 4.
func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(b[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
