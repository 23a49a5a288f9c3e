// Package codec converts between scaled engineering values and the
// little-endian in-target representation of a field.
package codec

import (
	"encoding/binary"
	"math"

	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/field"
)

// Decode interprets the first spec.Size() bytes of raw and returns the
// value multiplied by spec.Scale.
func Decode(raw []byte, spec field.Spec) (float64, error) {
	errFactory := errors.New()

	size := spec.Type.Size()
	if size == 0 {
		return 0, errFactory.WithData(ErrUnsupportedType, spec.Type.String())
	}
	if len(raw) < size {
		return 0, errFactory.WithData(ErrShortInput, struct {
			Field string
			Want  int
			Got   int
		}{
			Field: spec.ID,
			Want:  size,
			Got:   len(raw),
		})
	}

	var v float64
	switch spec.Type {
	case field.I8:
		v = float64(int8(raw[0]))
	case field.U8:
		v = float64(raw[0])
	case field.I16:
		v = float64(int16(binary.LittleEndian.Uint16(raw)))
	case field.U16:
		v = float64(binary.LittleEndian.Uint16(raw))
	case field.I32:
		v = float64(int32(binary.LittleEndian.Uint32(raw)))
	case field.U32:
		v = float64(binary.LittleEndian.Uint32(raw))
	case field.F32:
		v = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case field.F64:
		v = math.Float64frombits(binary.LittleEndian.Uint64(raw))
	}

	return v * scaleOf(spec), nil
}

// Encode divides value by spec.Scale, converts it to the field's width and
// packs it little-endian into exactly spec.Size() bytes. Integer
// conversion truncates toward zero and wraps to the type's width.
func Encode(value float64, spec field.Spec) ([]byte, error) {
	size := spec.Type.Size()
	if size == 0 {
		return nil, errors.New().WithData(ErrUnsupportedType, spec.Type.String())
	}

	raw := value
	if s := scaleOf(spec); s != 1 {
		raw = value / s
	}

	out := make([]byte, size)
	switch spec.Type {
	case field.I8, field.U8:
		out[0] = byte(truncate(raw))
	case field.I16, field.U16:
		binary.LittleEndian.PutUint16(out, uint16(truncate(raw)))
	case field.I32, field.U32:
		binary.LittleEndian.PutUint32(out, uint32(truncate(raw)))
	case field.F32:
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(raw)))
	case field.F64:
		binary.LittleEndian.PutUint64(out, math.Float64bits(raw))
	}

	return out, nil
}

func scaleOf(spec field.Spec) float64 {
	if spec.Scale == 0 {
		return 1
	}
	return spec.Scale
}

// truncate converts toward zero into a 64-bit pattern whose low bits carry
// the two's-complement value, so narrowing casts wrap like a C cast.
func truncate(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return int64(v)
}
