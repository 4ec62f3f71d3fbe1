package planner

import "github.com/samcharles93/lqnet/internal/graph"

// FromGraph derives allocation records from a graph's deterministic
// execution order. Each node occupies one tick. A tensor is alive from
// its producing tick until just after its last consumer runs, so its
// half-open interval is [tick, lastConsumerTick+1). Graph outputs stay
// alive through the final tick. When helper is non-nil, every
// LQFullyConnected node contributes a scratchpad record alive only
// during its own tick.
func FromGraph(g *graph.Graph, helper ScratchpadHelper) []Record {
	order := g.PostOrder()

	tick := make(map[*graph.Node]int, len(order))
	for i, n := range order {
		tick[n] = i
	}

	last := make(map[*graph.Node]int, len(order))
	for _, n := range order {
		last[n] = tick[n] + 1
	}
	for _, n := range order {
		for _, in := range n.Inputs {
			if in == nil {
				continue
			}
			if end := tick[n] + 1; end > last[in] {
				last[in] = end
			}
		}
	}
	for _, out := range g.Outputs() {
		last[out] = len(order)
	}

	var records []Record
	for i, n := range order {
		kind := KindActivation
		switch n.Op {
		case graph.OpConst:
			kind = KindConst
		case graph.OpInput:
			kind = KindInput
		}

		records = append(records, Record{
			ID:       i,
			Size:     n.Shape.NumElements() * n.DType.Size(),
			FirstUse: i,
			LastUse:  last[n],
			Kind:     kind,
		})
	}

	if helper != nil {
		nextID := len(order)
		for i, n := range order {
			if n.Op != graph.OpLQFullyConnected {
				continue
			}
			bits := n.InputScales().Shape.NumElements()
			size := helper.LQFullyConnectedScratchpad(bits, n.WeightsHiddenSize)
			if size == 0 {
				continue
			}
			records = append(records, Record{
				ID:       nextID,
				Size:     size,
				FirstUse: i,
				LastUse:  i + 1,
				Kind:     KindScratchpad,
			})
			nextID++
		}
	}
	return records
}
