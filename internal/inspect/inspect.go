// Package inspect builds human- and machine-readable summaries of LCF
// models.
package inspect

import (
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lqnet/internal/graph"
	"github.com/samcharles93/lqnet/internal/planner"
	"github.com/samcharles93/lqnet/pkg/lcf"
)

// NodeSummary describes one graph node.
type NodeSummary struct {
	Name        string `json:"name"`
	Op          string `json:"op"`
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape,omitempty"`
	Activation  string `json:"activation,omitempty"`
	InputBits   int    `json:"input_bits,omitempty"`
	WeightsBits int    `json:"weights_bits,omitempty"`
	HiddenSize  int    `json:"weights_hidden_size,omitempty"`
}

// Summary describes a whole model.
type Summary struct {
	ModelID   string         `json:"model_id"`
	Name      string         `json:"name"`
	Producer  string         `json:"producer,omitempty"`
	NodeCount int            `json:"node_count"`
	OpCounts  map[string]int `json:"op_counts"`
	Inputs    []string       `json:"inputs"`
	Outputs   []string       `json:"outputs"`
	ArenaSize int            `json:"arena_size_bytes"`
	Nodes     []NodeSummary  `json:"nodes"`
}

// Build summarizes a graph. The arena size is the byte count an
// interpreter would plan for the graph's non-const tensors.
func Build(g *graph.Graph, info lcf.ModelInfo) (*Summary, error) {
	layout, err := planner.Plan(planner.FromGraph(g, nil), planner.Options{NullConsts: true})
	if err != nil {
		return nil, fmt.Errorf("inspect: plan arena: %w", err)
	}

	s := &Summary{
		ModelID:   info.ModelID,
		Name:      info.Name,
		Producer:  info.Producer,
		OpCounts:  make(map[string]int),
		ArenaSize: layout.RequiredSize,
	}
	for _, n := range g.Inputs() {
		s.Inputs = append(s.Inputs, n.Name)
	}
	for _, n := range g.Outputs() {
		s.Outputs = append(s.Outputs, n.Name)
	}

	for _, n := range g.PostOrder() {
		s.NodeCount++
		s.OpCounts[n.Op.String()]++

		ns := NodeSummary{
			Name:  n.Name,
			Op:    n.Op.String(),
			DType: n.DType.String(),
			Shape: n.Shape.Dims(),
		}
		switch n.Op {
		case graph.OpFullyConnected:
			ns.Activation = n.Activation.String()
		case graph.OpLQFullyConnected:
			ns.Activation = n.Activation.String()
			ns.InputBits = n.InputScales().Shape.NumElements()
			ns.WeightsBits = n.WeightsScales().Shape.Dim(1)
			ns.HiddenSize = n.WeightsHiddenSize
		}
		s.Nodes = append(s.Nodes, ns)
	}
	return s, nil
}

// WriteText renders the summary as aligned plain text.
func (s *Summary) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "model:    %s\n", s.Name); err != nil {
		return err
	}
	if s.Producer != "" {
		if _, err := fmt.Fprintf(w, "producer: %s\n", s.Producer); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "model id: %s\n", s.ModelID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "nodes:    %d\n", s.NodeCount); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "arena:    %d bytes\n", s.ArenaSize); err != nil {
		return err
	}

	ops := make([]string, 0, len(s.OpCounts))
	for op := range s.OpCounts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		if _, err := fmt.Fprintf(w, "  %-18s %d\n", op, s.OpCounts[op]); err != nil {
			return err
		}
	}

	for _, n := range s.Nodes {
		line := fmt.Sprintf("%-18s %-16s %s %v", n.Op, n.Name, n.DType, n.Shape)
		if n.Activation != "" {
			line += " act=" + n.Activation
		}
		if n.Op == "LQFullyConnected" {
			line += fmt.Sprintf(" bits=%d/%d hidden=%d", n.InputBits, n.WeightsBits, n.HiddenSize)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// JSON renders the summary as indented JSON.
func (s *Summary) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
