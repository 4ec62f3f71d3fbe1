// Package graph holds the in-memory IR for fully-connected networks:
// typed tensors, operator nodes and a graph with stable traversal order.
//
// The traversal order produced by PostOrder is deterministic for a given
// structure and is preserved by Clone, which lets callers pair nodes
// across two clones of the same graph by position.
package graph

// Graph is an operator graph with declared inputs and outputs.
type Graph struct {
	name    string
	nodes   []*Node
	inputs  []*Node
	outputs []*Node
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Inputs returns the declared graph inputs in declaration order.
func (g *Graph) Inputs() []*Node { return g.inputs }

// Outputs returns the declared graph outputs in declaration order.
func (g *Graph) Outputs() []*Node { return g.outputs }

// SetOutputs declares the graph outputs.
func (g *Graph) SetOutputs(nodes ...*Node) { g.outputs = nodes }

// AddInput creates a graph input node.
func (g *Graph) AddInput(name string, dtype DType, shape Shape) *Node {
	n := &Node{Op: OpInput, Name: name, DType: dtype, Shape: shape}
	g.nodes = append(g.nodes, n)
	g.inputs = append(g.inputs, n)
	return n
}

// AddConst creates a constant node owning the given tensor.
func (g *Graph) AddConst(value *Tensor) *Node {
	n := &Node{
		Op:    OpConst,
		Name:  value.Name,
		DType: value.DType,
		Shape: value.Shape,
		Value: value,
	}
	g.nodes = append(g.nodes, n)
	return n
}

// fcOutputShape returns [input rows, operand rows], the output shape of a
// FullyConnected-style node whose weight rows come from rows. It returns
// a rank-0 shape when either operand is missing or rank-0.
func fcOutputShape(input, rows *Node) Shape {
	if input == nil || rows == nil || input.Shape.Rank() == 0 || rows.Shape.Rank() == 0 {
		return Shape{}
	}
	return NewShape(input.Shape.Dim(0), rows.Shape.Dim(0))
}

// AddFullyConnected creates a float FullyConnected node. bias may be nil.
func (g *Graph) AddFullyConnected(name string, input, weights, bias *Node, act Activation) *Node {
	operands := make([]*Node, fcOperands)
	operands[fcInput] = input
	operands[fcWeights] = weights
	operands[fcBias] = bias

	n := &Node{
		Op:         OpFullyConnected,
		Name:       name,
		DType:      F32,
		Shape:      fcOutputShape(input, weights),
		Inputs:     operands,
		Activation: act,
	}
	g.nodes = append(g.nodes, n)
	return n
}

// AddLQFullyConnected creates a learned-quantization FullyConnected node.
// bias may be nil.
func (g *Graph) AddLQFullyConnected(name string, input, inputScales, weightsScales, weightsBinary, bias *Node, act Activation, hiddenSize int) *Node {
	operands := make([]*Node, lqOperands)
	operands[lqInput] = input
	operands[lqInputScales] = inputScales
	operands[lqWeightsScales] = weightsScales
	operands[lqWeightsBinary] = weightsBinary
	operands[lqBias] = bias

	n := &Node{
		Op:                OpLQFullyConnected,
		Name:              name,
		DType:             F32,
		Shape:             fcOutputShape(input, weightsBinary),
		Inputs:            operands,
		Activation:        act,
		WeightsHiddenSize: hiddenSize,
	}
	g.nodes = append(g.nodes, n)
	return n
}

// PostOrder returns the nodes reachable from the graph outputs, children
// before parents. The order depends only on graph structure, so two
// structurally identical graphs traverse in lockstep.
func (g *Graph) PostOrder() []*Node {
	var order []*Node
	visited := make(map[*Node]bool, len(g.nodes))

	var visit func(n *Node)
	visit = func(n *Node) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		for _, in := range n.Inputs {
			visit(in)
		}
		order = append(order, n)
	}

	for _, out := range g.outputs {
		visit(out)
	}
	return order
}

// Replace rewires every use of old, including graph outputs, to point at n.
func (g *Graph) Replace(old, n *Node) {
	for _, node := range g.nodes {
		for i, in := range node.Inputs {
			if in == old {
				node.Inputs[i] = n
			}
		}
	}
	for i, out := range g.outputs {
		if out == old {
			g.outputs[i] = n
		}
	}
}

// Clone deep-copies the graph, including constant data, and returns the
// copy together with the source-to-copy node mapping.
func (g *Graph) Clone() (*Graph, map[*Node]*Node) {
	mapping := make(map[*Node]*Node, len(g.nodes))

	out := &Graph{name: g.name}
	for _, n := range g.nodes {
		c := &Node{
			Op:                n.Op,
			Name:              n.Name,
			DType:             n.DType,
			Shape:             n.Shape,
			Activation:        n.Activation,
			WeightsHiddenSize: n.WeightsHiddenSize,
		}
		if n.Value != nil {
			c.Value = n.Value.clone()
		}
		out.nodes = append(out.nodes, c)
		mapping[n] = c
	}

	// Rewire operand references inside the copy.
	for _, n := range g.nodes {
		c := mapping[n]
		if n.Inputs != nil {
			c.Inputs = make([]*Node, len(n.Inputs))
			for i, in := range n.Inputs {
				if in != nil {
					c.Inputs[i] = mapping[in]
				}
			}
		}
	}

	for _, in := range g.inputs {
		out.inputs = append(out.inputs, mapping[in])
	}
	for _, o := range g.outputs {
		out.outputs = append(out.outputs, mapping[o])
	}
	return out, mapping
}
