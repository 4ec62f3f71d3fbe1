// Package interp executes fully-connected graphs. Non-constant tensors
// live in a single float arena laid out by the greedy-by-size planner,
// so buffers with disjoint live intervals share bytes.
package interp

import (
	"errors"
	"fmt"

	"github.com/samcharles93/lqnet/internal/graph"
	"github.com/samcharles93/lqnet/internal/planner"
)

// ErrUnsupportedOperator reports a graph node with no evaluator.
var ErrUnsupportedOperator = errors.New("interp: unsupported operator")

type kernel interface {
	execute() error
}

// Interpreter runs one graph. Kernels are configured once at
// construction; Run may be called repeatedly with fresh inputs.
type Interpreter struct {
	g     *graph.Graph
	order []*graph.Node

	tensors map[*graph.Node]*graph.Tensor
	kernels map[*graph.Node]kernel
	obs     Observer

	arena     []float32
	arenaSize int
}

// New configures an interpreter for the graph. obs may be nil.
func New(g *graph.Graph, obs Observer) (*Interpreter, error) {
	it := &Interpreter{
		g:       g,
		order:   g.PostOrder(),
		tensors: make(map[*graph.Node]*graph.Tensor),
		kernels: make(map[*graph.Node]kernel),
		obs:     obs,
	}

	// Constants serve their own storage and kernels own their packing
	// scratch, so the arena holds only inputs and activations.
	records := planner.FromGraph(g, nil)
	layout, err := planner.Plan(records, planner.Options{NullConsts: true})
	if err != nil {
		return nil, err
	}
	it.arenaSize = layout.RequiredSize
	it.arena = make([]float32, layout.RequiredSize/4)

	for i, n := range it.order {
		if n.Op == graph.OpConst {
			it.tensors[n] = n.Value
			continue
		}
		offset, ok := layout.OffsetOf(i)
		if !ok {
			return nil, fmt.Errorf("interp: node %q missing from arena layout", n.Name)
		}
		base := offset / 4
		it.tensors[n] = &graph.Tensor{
			Name:  n.Name,
			DType: n.DType,
			Shape: n.Shape,
			F32:   it.arena[base : base+n.Shape.NumElements()],
		}
	}

	for _, n := range it.order {
		switch n.Op {
		case graph.OpInput, graph.OpConst:
		case graph.OpFullyConnected:
			k, err := newFullyConnected(n,
				it.tensors[n.Input()],
				it.tensors[n.Weights()],
				it.tensor(n.Bias()),
				it.tensors[n])
			if err != nil {
				return nil, err
			}
			it.kernels[n] = k
		case graph.OpLQFullyConnected:
			k, err := newLQFullyConnected(n,
				it.tensors[n.Input()],
				it.tensors[n.InputScales()],
				it.tensors[n.WeightsScales()],
				it.tensors[n.WeightsBinary()],
				it.tensor(n.Bias()),
				it.tensors[n])
			if err != nil {
				return nil, err
			}
			it.kernels[n] = k
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedOperator, n.Op)
		}
	}
	return it, nil
}

func (it *Interpreter) tensor(n *graph.Node) *graph.Tensor {
	if n == nil {
		return nil
	}
	return it.tensors[n]
}

// ArenaSize returns the planned arena size in bytes.
func (it *Interpreter) ArenaSize() int { return it.arenaSize }

// Graph returns the graph this interpreter executes.
func (it *Interpreter) Graph() *graph.Graph { return it.g }

// WriteInput copies data into the named graph input and notifies the
// observer.
func (it *Interpreter) WriteInput(n *graph.Node, data []float32) error {
	if n.Op != graph.OpInput {
		return fmt.Errorf("%w: %q is not a graph input", ErrInvariant, n.Name)
	}
	t := it.tensors[n]
	if len(data) != len(t.F32) {
		return fmt.Errorf("%w: input %q holds %d values, got %d",
			ErrInvariant, n.Name, len(t.F32), len(data))
	}
	copy(t.F32, data)
	if it.obs != nil {
		it.obs.PostTensorWrite(n, t)
	}
	return nil
}

// Run executes every operator in traversal order.
func (it *Interpreter) Run() error {
	for _, n := range it.order {
		k, ok := it.kernels[n]
		if !ok {
			continue
		}
		if err := k.execute(); err != nil {
			return fmt.Errorf("interp: node %q: %w", n.Name, err)
		}
		if it.obs != nil {
			it.obs.PostTensorWrite(n, it.tensors[n])
		}
	}
	return nil
}

// Tensor returns the runtime tensor backing the given node.
func (it *Interpreter) Tensor(n *graph.Node) *graph.Tensor { return it.tensors[n] }

// Outputs returns the runtime tensors of the graph outputs.
func (it *Interpreter) Outputs() []*graph.Tensor {
	outs := make([]*graph.Tensor, len(it.g.Outputs()))
	for i, n := range it.g.Outputs() {
		outs[i] = it.tensors[n]
	}
	return outs
}
