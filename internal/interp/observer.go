package interp

import "github.com/samcharles93/lqnet/internal/graph"

// Observer receives a callback after the interpreter writes any node's
// output tensor, inputs included.
type Observer interface {
	PostTensorWrite(node *graph.Node, tensor *graph.Tensor)
}

// InputSavingObserver captures the activations flowing into selected
// FullyConnected nodes. It is keyed by producer: when the watched
// producer's tensor is written, its floats are appended to a growable
// buffer owned by the consuming node. Buffers grow until Reset; the
// caller clears them between training passes.
type InputSavingObserver struct {
	consumers map[*graph.Node]*graph.Node
	captured  map[*graph.Node][]float32
}

// NewInputSavingObserver builds an observer over a producer-to-consumer
// map.
func NewInputSavingObserver(consumers map[*graph.Node]*graph.Node) *InputSavingObserver {
	return &InputSavingObserver{
		consumers: consumers,
		captured:  make(map[*graph.Node][]float32),
	}
}

func (o *InputSavingObserver) PostTensorWrite(node *graph.Node, tensor *graph.Tensor) {
	consumer, ok := o.consumers[node]
	if !ok {
		return
	}
	if tensor.DType != graph.F32 {
		panic("interp: captured tensor is not float32")
	}
	o.captured[consumer] = append(o.captured[consumer], tensor.F32...)
}

// Captured returns the accumulated activations feeding the given
// consumer node.
func (o *InputSavingObserver) Captured(consumer *graph.Node) []float32 {
	return o.captured[consumer]
}

// Reset drops all accumulated activations.
func (o *InputSavingObserver) Reset() {
	o.captured = make(map[*graph.Node][]float32)
}
