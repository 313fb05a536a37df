package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

var (
	ErrShapeMismatch    = errors.New("tensor: shape mismatch")
	ErrUnsupportedDType = errors.New("tensor: unsupported dtype")
)

// DType is the element encoding of a Buffer.
type DType uint8

const (
	DTypeInvalid DType = iota
	Float32
	Float16
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	default:
		return "invalid"
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

// ParseDType accepts the names produced by DType.String plus a few aliases.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "fp32":
		return Float32, nil
	case "float16", "f16", "fp16":
		return Float16, nil
	case "int32", "i32":
		return Int32, nil
	default:
		return DTypeInvalid, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}

func (d DType) MarshalText() ([]byte, error) {
	if d == DTypeInvalid {
		return nil, ErrUnsupportedDType
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Shape lists dimension sizes, outermost first.
type Shape []int

// Elements returns the number of elements described by the shape.
func (s Shape) Elements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Dim returns the i-th dimension, counting from the end when i is negative.
// Out of range indices return 0.
func (s Shape) Dim(i int) int {
	if i < 0 {
		i += len(s)
	}
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

func (s Shape) valid() bool {
	if len(s) == 0 {
		return false
	}
	for _, d := range s {
		if d <= 0 {
			return false
		}
	}
	return true
}

// Buffer is a named, shaped block of numeric storage. Exactly one of the
// typed slices is populated, selected by the dtype.
type Buffer struct {
	name  string
	shape Shape
	dtype DType

	f32 []float32
	f16 []float16.Float16
	i32 []int32
}

// New allocates a zeroed buffer.
func New(name string, dtype DType, shape Shape) (*Buffer, error) {
	if !shape.valid() {
		return nil, fmt.Errorf("%w: %s has invalid shape %s", ErrShapeMismatch, name, shape)
	}
	b := &Buffer{name: name, shape: shape.Clone(), dtype: dtype}
	n := shape.Elements()
	switch dtype {
	case Float32:
		b.f32 = make([]float32, n)
	case Float16:
		b.f16 = make([]float16.Float16, n)
	case Int32:
		b.i32 = make([]int32, n)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	return b, nil
}

// FromFloat32 wraps data without copying.
func FromFloat32(name string, shape Shape, data []float32) (*Buffer, error) {
	if !shape.valid() || shape.Elements() != len(data) {
		return nil, fmt.Errorf("%w: %s has %d elements for shape %s", ErrShapeMismatch, name, len(data), shape)
	}
	return &Buffer{name: name, shape: shape.Clone(), dtype: Float32, f32: data}, nil
}

// FromInt32 wraps data without copying.
func FromInt32(name string, shape Shape, data []int32) (*Buffer, error) {
	if !shape.valid() || shape.Elements() != len(data) {
		return nil, fmt.Errorf("%w: %s has %d elements for shape %s", ErrShapeMismatch, name, len(data), shape)
	}
	return &Buffer{name: name, shape: shape.Clone(), dtype: Int32, i32: data}, nil
}

func (b *Buffer) Name() string { return b.name }

// Shape returns a copy of the buffer shape.
func (b *Buffer) Shape() Shape { return b.shape.Clone() }

func (b *Buffer) DType() DType { return b.dtype }

// Len returns the number of elements.
func (b *Buffer) Len() int { return b.shape.Elements() }

// Bytes returns the storage size in bytes.
func (b *Buffer) Bytes() int { return b.Len() * b.dtype.Size() }

// Matches reports whether the buffer has exactly the given dtype and shape.
func (b *Buffer) Matches(dtype DType, shape Shape) bool {
	return b.dtype == dtype && b.shape.Equal(shape)
}

// Float32s exposes float32 storage; nil for other dtypes.
func (b *Buffer) Float32s() []float32 { return b.f32 }

// Float16s exposes float16 storage; nil for other dtypes.
func (b *Buffer) Float16s() []float16.Float16 { return b.f16 }

// Int32s exposes int32 storage; nil for other dtypes.
func (b *Buffer) Int32s() []int32 { return b.i32 }

// At returns element i converted to float32.
func (b *Buffer) At(i int) float32 {
	switch b.dtype {
	case Float32:
		return b.f32[i]
	case Float16:
		return b.f16[i].Float32()
	case Int32:
		return float32(b.i32[i])
	default:
		panic("tensor: At on invalid buffer")
	}
}

// Set stores v at element i, converting to the buffer dtype.
func (b *Buffer) Set(i int, v float32) {
	switch b.dtype {
	case Float32:
		b.f32[i] = v
	case Float16:
		b.f16[i] = float16.Fromfloat32(v)
	case Int32:
		b.i32[i] = int32(v)
	default:
		panic("tensor: Set on invalid buffer")
	}
}

// ReadFloat32 decodes len(dst) elements starting at off.
func (b *Buffer) ReadFloat32(dst []float32, off int) {
	switch b.dtype {
	case Float32:
		copy(dst, b.f32[off:off+len(dst)])
	case Float16:
		for i := range dst {
			dst[i] = b.f16[off+i].Float32()
		}
	default:
		for i := range dst {
			dst[i] = b.At(off + i)
		}
	}
}

// WriteFloat32 encodes src into the buffer starting at off.
func (b *Buffer) WriteFloat32(src []float32, off int) {
	switch b.dtype {
	case Float32:
		copy(b.f32[off:off+len(src)], src)
	case Float16:
		for i, v := range src {
			b.f16[off+i] = float16.Fromfloat32(v)
		}
	default:
		for i, v := range src {
			b.Set(off+i, v)
		}
	}
}

// Zero clears the storage in place.
func (b *Buffer) Zero() {
	clear(b.f32)
	clear(b.f16)
	clear(b.i32)
}

// CopyFrom overwrites b with src. Shapes must match; dtypes are converted.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src == nil {
		return fmt.Errorf("%w: nil source for %s", ErrShapeMismatch, b.name)
	}
	if !b.shape.Equal(src.shape) {
		return fmt.Errorf("%w: copy %s%s into %s%s", ErrShapeMismatch, src.name, src.shape, b.name, b.shape)
	}
	if b.dtype == src.dtype {
		copy(b.f32, src.f32)
		copy(b.f16, src.f16)
		copy(b.i32, src.i32)
		return nil
	}
	for i := range b.Len() {
		b.Set(i, src.At(i))
	}
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s<%s%s>", b.name, b.dtype, b.shape)
}

// Map holds buffers by feature name.
type Map map[string]*Buffer
