package tensor

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

// ErrShapeMismatch is returned (wrapped) whenever an entry contract on tensor
// shapes is violated. Nothing in this module truncates or pads silently to
// recover from a bad shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeError describes which operation rejected its input and why.
type ShapeError struct {
	Op     string
	Detail string
}

func (e *ShapeError) Error() string {
	return e.Op + ": " + e.Detail
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// Shapef builds a ShapeError with a formatted detail message.
func Shapef(op, format string, args ...any) error {
	return &ShapeError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Tensor is a dense row-major float32 tensor.
//
// Shape lists the extent of every axis, outermost first. Data holds exactly
// the product of Shape elements. Reshape shares Data with its source; every
// other transform allocates.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}
}

// FromData wraps data without copying. len(data) must equal the shape volume.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, Shapef("from data", "negative dimension %d", d)
		}
		n *= d
	}
	if n != len(data) {
		return nil, Shapef("from data", "shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the extent of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Reshape returns a view with a new shape over the same data. At most one
// dimension may be -1, in which case it is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	out := slices.Clone(shape)
	infer := -1
	n := 1
	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, Shapef("reshape", "more than one inferred dimension in %v", shape)
			}
			infer = i
		case d < 0:
			return nil, Shapef("reshape", "invalid dimension %d", d)
		default:
			n *= d
		}
	}
	if infer >= 0 {
		if n == 0 || len(t.Data)%n != 0 {
			return nil, Shapef("reshape", "cannot infer dimension of %v from %d elements", shape, len(t.Data))
		}
		out[infer] = len(t.Data) / n
		n *= out[infer]
	}
	if n != len(t.Data) {
		return nil, Shapef("reshape", "%v -> %v changes element count", t.Shape, shape)
	}
	return &Tensor{Shape: out, Data: t.Data}, nil
}

// MustReshape is Reshape for shapes that are correct by construction.
func (t *Tensor) MustReshape(shape ...int) *Tensor {
	r, err := t.Reshape(shape...)
	if err != nil {
		panic(err)
	}
	return r
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// Equal reports whether a and b have the same shape and bit-identical data.
func Equal(a, b *Tensor) bool {
	return SameShape(a, b) && slices.Equal(a.Data, b.Data)
}

// Strides returns the row-major element strides for shape.
func Strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Permute returns a contiguous copy with axes reordered so that output axis
// i is input axis perm[i].
func (t *Tensor) Permute(perm ...int) (*Tensor, error) {
	if len(perm) != len(t.Shape) {
		return nil, Shapef("permute", "perm %v for rank %d", perm, len(t.Shape))
	}
	seen := make([]bool, len(perm))
	outShape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, Shapef("permute", "invalid perm %v", perm)
		}
		seen[p] = true
		outShape[i] = t.Shape[p]
	}
	out := New(outShape...)
	if len(out.Data) == 0 {
		return out, nil
	}
	inStrides := Strides(t.Shape)
	// src stride for each output axis
	src := make([]int, len(perm))
	for i, p := range perm {
		src[i] = inStrides[p]
	}
	idx := make([]int, len(perm))
	off := 0
	last := len(perm) - 1
	for o := range out.Data {
		out.Data[o] = t.Data[off]
		for ax := last; ax >= 0; ax-- {
			idx[ax]++
			off += src[ax]
			if idx[ax] < outShape[ax] {
				break
			}
			off -= src[ax] * idx[ax]
			idx[ax] = 0
		}
	}
	return out, nil
}

// MustPermute is Permute for permutations that are correct by construction.
func (t *Tensor) MustPermute(perm ...int) *Tensor {
	out, err := t.Permute(perm...)
	if err != nil {
		panic(err)
	}
	return out
}

// Concat joins tensors along axis. All other axes must match.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, Shapef("concat", "no inputs")
	}
	rank := ts[0].Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, Shapef("concat", "axis %d out of range for rank %d", axis, rank)
	}
	outShape := slices.Clone(ts[0].Shape)
	outShape[axis] = 0
	for _, t := range ts {
		if t.Rank() != rank {
			return nil, Shapef("concat", "rank %d vs %d", t.Rank(), rank)
		}
		for i, d := range t.Shape {
			if i != axis && d != ts[0].Shape[i] {
				return nil, Shapef("concat", "shape %v vs %v off axis %d", t.Shape, ts[0].Shape, axis)
			}
		}
		outShape[axis] += t.Shape[axis]
	}
	out := New(outShape...)
	outer := 1
	for _, d := range outShape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range outShape[axis+1:] {
		inner *= d
	}
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			n := t.Shape[axis] * inner
			copy(out.Data[pos:pos+n], t.Data[o*n:(o+1)*n])
			pos += n
		}
	}
	return out, nil
}

// Split cuts t into parts equal pieces along axis.
func Split(t *Tensor, axis, parts int) ([]*Tensor, error) {
	rank := t.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank || parts <= 0 {
		return nil, Shapef("split", "axis %d parts %d for shape %v", axis, parts, t.Shape)
	}
	if t.Shape[axis]%parts != 0 {
		return nil, Shapef("split", "axis %d of %v not divisible into %d parts", axis, t.Shape, parts)
	}
	outer := 1
	for _, d := range t.Shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range t.Shape[axis+1:] {
		inner *= d
	}
	piece := t.Shape[axis] / parts
	outs := make([]*Tensor, parts)
	for p := range outs {
		shape := slices.Clone(t.Shape)
		shape[axis] = piece
		outs[p] = New(shape...)
	}
	n := piece * inner
	for o := 0; o < outer; o++ {
		for p, out := range outs {
			src := o*t.Shape[axis]*inner + p*n
			copy(out.Data[o*n:(o+1)*n], t.Data[src:src+n])
		}
	}
	return outs, nil
}

// Repeat tiles t along axis times times, like torch.Tensor.repeat on one axis.
func Repeat(t *Tensor, axis, times int) (*Tensor, error) {
	if times <= 0 {
		return nil, Shapef("repeat", "times %d", times)
	}
	parts := make([]*Tensor, times)
	for i := range parts {
		parts[i] = t
	}
	return Concat(axis, parts...)
}

// SumAxis reduces axis by summation.
func SumAxis(t *Tensor, axis int) (*Tensor, error) {
	rank := t.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, Shapef("sum", "axis %d out of range for rank %d", axis, rank)
	}
	outer := 1
	for _, d := range t.Shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range t.Shape[axis+1:] {
		inner *= d
	}
	shape := slices.Delete(slices.Clone(t.Shape), axis, axis+1)
	out := New(shape...)
	n := t.Shape[axis]
	for o := 0; o < outer; o++ {
		dst := out.Data[o*inner : (o+1)*inner]
		for a := 0; a < n; a++ {
			Add(dst, t.Data[(o*n+a)*inner:(o*n+a+1)*inner])
		}
	}
	return out, nil
}

// AddTensors returns a + b for equal shapes.
func AddTensors(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, Shapef("add", "%v vs %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	Add(out.Data, b.Data)
	return out, nil
}

// FillRand fills t with reproducible values uniformly drawn from
// [-scale, scale). The same seed always produces the same tensor.
func FillRand(t *Tensor, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

// Fill sets every element to v.
func Fill(t *Tensor, v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
