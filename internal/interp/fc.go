package interp

import (
	"errors"
	"fmt"

	"github.com/samcharles93/lqnet/internal/graph"
)

// ErrInvariant reports a shape, dtype, or bit-width violation detected
// while configuring a kernel.
var ErrInvariant = errors.New("interp: invariant violation")

// fullyConnected is the float reference kernel: out = in * W^T + bias
// with a fused activation.
type fullyConnected struct {
	act graph.Activation

	in      *graph.Tensor
	weights *graph.Tensor
	bias    *graph.Tensor
	out     *graph.Tensor

	batches    int
	outputSize int
	hiddenSize int
}

func newFullyConnected(n *graph.Node, in, weights, bias, out *graph.Tensor) (*fullyConnected, error) {
	if in.Shape.Rank() != 2 {
		return nil, fmt.Errorf("%w: %s: input rank %d, want 2", ErrInvariant, n.Name, in.Shape.Rank())
	}
	if weights.Shape.Rank() != 2 {
		return nil, fmt.Errorf("%w: %s: weights rank %d, want 2", ErrInvariant, n.Name, weights.Shape.Rank())
	}
	if in.Shape.Dim(1) != weights.Shape.Dim(1) {
		return nil, fmt.Errorf("%w: %s: input width %d does not match weights width %d",
			ErrInvariant, n.Name, in.Shape.Dim(1), weights.Shape.Dim(1))
	}
	outputSize := weights.Shape.Dim(0)
	if bias != nil && bias.NumElements() != outputSize {
		return nil, fmt.Errorf("%w: %s: bias length %d, want %d",
			ErrInvariant, n.Name, bias.NumElements(), outputSize)
	}
	if !out.Shape.Equal(graph.NewShape(in.Shape.Dim(0), outputSize)) {
		return nil, fmt.Errorf("%w: %s: output shape %s, want [%d,%d]",
			ErrInvariant, n.Name, out.Shape, in.Shape.Dim(0), outputSize)
	}

	return &fullyConnected{
		act:        n.Activation,
		in:         in,
		weights:    weights,
		bias:       bias,
		out:        out,
		batches:    in.Shape.Dim(0),
		outputSize: outputSize,
		hiddenSize: in.Shape.Dim(1),
	}, nil
}

func (k *fullyConnected) execute() error {
	for b := 0; b < k.batches; b++ {
		row := k.in.F32[b*k.hiddenSize : (b+1)*k.hiddenSize]
		for o := 0; o < k.outputSize; o++ {
			w := k.weights.F32[o*k.hiddenSize : (o+1)*k.hiddenSize]
			var acc float32
			for h := 0; h < k.hiddenSize; h++ {
				acc += row[h] * w[h]
			}
			if k.bias != nil {
				acc += k.bias.F32[o]
			}
			k.out.F32[b*k.outputSize+o] = acc
		}
	}
	return applyActivation(k.act, k.out.F32)
}
