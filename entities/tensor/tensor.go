//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

// Package tensor holds the flat tensor representation exchanged between
// pipeline stages and the wire codec peers must agree on: little-endian,
// fixed-width elements of a declared dtype over the flattened buffer.
package tensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// DType is the declared element type of a serialized tensor.
type DType string

const (
	Float32  DType = "float32"
	BFloat16 DType = "bfloat16"
)

// ElemSize returns the byte width of one element, or 0 for unknown dtypes.
func (d DType) ElemSize() int {
	switch d {
	case Float32:
		return 4
	case BFloat16:
		return 2
	default:
		return 0
	}
}

// Tensor is a flattened buffer. In-memory math is always float32, the dtype
// only matters at the serialization boundary.
type Tensor struct {
	Data  []float32 `json:"data" msgpack:"data"`
	Shape []int     `json:"shape,omitempty" msgpack:"shape,omitempty"`
}

func New(data []float32, shape ...int) *Tensor {
	return &Tensor{Data: data, Shape: shape}
}

// Scalar wraps a single value, used for losses on the terminal layer.
func Scalar(v float32) *Tensor {
	return &Tensor{Data: []float32{v}}
}

func (t *Tensor) Elems() int {
	return len(t.Data)
}

// Clone returns a deep copy so callers can mutate merge accumulators without
// aliasing cached entries.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	if t.Shape != nil {
		out.Shape = make([]int, len(t.Shape))
		copy(out.Shape, t.Shape)
	}
	return out
}

// Encode serializes the flattened buffer as little-endian fixed-width
// elements of the given dtype.
func Encode(t *Tensor, dtype DType) ([]byte, error) {
	size := dtype.ElemSize()
	if size == 0 {
		return nil, errors.Errorf("encode tensor: unknown dtype %q", dtype)
	}

	out := make([]byte, len(t.Data)*size)
	switch dtype {
	case Float32:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case BFloat16:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(out[i*2:], float32ToBFloat16(v))
		}
	}
	return out, nil
}

// Decode is the inverse of Encode. The payload length must be a multiple of
// the element width.
func Decode(data []byte, dtype DType) (*Tensor, error) {
	size := dtype.ElemSize()
	if size == 0 {
		return nil, errors.Errorf("decode tensor: unknown dtype %q", dtype)
	}
	if len(data)%size != 0 {
		return nil, errors.Errorf("decode tensor: payload of %d bytes is not "+
			"a multiple of %d-byte %s elements", len(data), size, dtype)
	}

	out := &Tensor{Data: make([]float32, len(data)/size)}
	switch dtype {
	case Float32:
		for i := range out.Data {
			out.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case BFloat16:
		for i := range out.Data {
			out.Data[i] = bFloat16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	}
	return out, nil
}

// ErrNonFinite marks numeric corruption about to enter a shared artifact.
// Callers must treat it as fatal.
type ErrNonFinite struct {
	Name  string
	Index int
}

func (e ErrNonFinite) Error() string {
	return "non-finite value (NaN/Inf) in " + e.Name
}

// CheckFinite scans for NaN/Inf and returns ErrNonFinite on the first hit.
func CheckFinite(t *Tensor, name string) error {
	for i, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return ErrNonFinite{Name: name, Index: i}
		}
	}
	return nil
}

// float32ToBFloat16 truncates the mantissa with round-to-nearest-even,
// matching what the other participants' frameworks produce.
func float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		// quiet NaN, force a non-zero mantissa so it survives truncation
		return uint16(bits>>16) | 0x0040
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}

func bFloat16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
