package graph

// Tensor is a typed, shaped buffer. Constant tensors own their backing
// slice; runtime tensors are views into the interpreter's arena.
type Tensor struct {
	Name  string
	DType DType
	Shape Shape

	// Exactly one of F32/S32 is populated, matching DType.
	F32 []float32
	S32 []int32
}

// NewF32 allocates a zeroed float32 tensor of the given shape.
func NewF32(name string, shape Shape) *Tensor {
	return &Tensor{
		Name:  name,
		DType: F32,
		Shape: shape,
		F32:   make([]float32, shape.NumElements()),
	}
}

// NewS32 allocates a zeroed int32 tensor of the given shape.
func NewS32(name string, shape Shape) *Tensor {
	return &Tensor{
		Name:  name,
		DType: S32,
		Shape: shape,
		S32:   make([]int32, shape.NumElements()),
	}
}

// NewF32FromData wraps existing float32 data.
// The data length must match the shape.
func NewF32FromData(name string, shape Shape, data []float32) *Tensor {
	if len(data) != shape.NumElements() {
		panic("data length mismatch")
	}
	return &Tensor{Name: name, DType: F32, Shape: shape, F32: data}
}

// NewS32FromData wraps existing int32 data.
// The data length must match the shape.
func NewS32FromData(name string, shape Shape, data []int32) *Tensor {
	if len(data) != shape.NumElements() {
		panic("data length mismatch")
	}
	return &Tensor{Name: name, DType: S32, Shape: shape, S32: data}
}

// NumElements returns the element count of the tensor's shape.
func (t *Tensor) NumElements() int { return t.Shape.NumElements() }

// clone deep-copies the tensor, including its backing data.
func (t *Tensor) clone() *Tensor {
	out := &Tensor{Name: t.Name, DType: t.DType, Shape: NewShape(t.Shape.dims...)}
	if t.F32 != nil {
		out.F32 = make([]float32, len(t.F32))
		copy(out.F32, t.F32)
	}
	if t.S32 != nil {
		out.S32 = make([]int32, len(t.S32))
		copy(out.S32, t.S32)
	}
	return out
}
