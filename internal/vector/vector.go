// Package vector packs and coerces embedding vectors. The canonical wire
// form is a little-endian packed float32 sequence; stored rows may also
// carry a JSON number array, which Coerce accepts.
package vector

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Pack encodes a vector as little-endian float32 bytes.
func Pack(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// Unpack decodes little-endian float32 bytes.
func Unpack(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed vector length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// Coerce accepts either a JSON number array or packed little-endian
// float32 bytes and returns the vector. An empty input is an error.
func Coerce(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var f64 []float64
		if err := json.Unmarshal([]byte(trimmed), &f64); err != nil {
			return nil, fmt.Errorf("decode JSON embedding: %w", err)
		}
		v := make([]float32, len(f64))
		for i, f := range f64 {
			v[i] = float32(f)
		}
		return v, nil
	}
	return Unpack(raw)
}
