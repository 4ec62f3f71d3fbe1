package lcf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/lqnet/internal/graph"
)

const (
	modelInfoVersion  uint32 = 1
	graphVersion      uint32 = 1
	tensorDataVersion uint32 = 1
)

// ModelInfo carries container provenance. It travels as a JSON section
// so downstream tooling can inspect a model without decoding the graph.
type ModelInfo struct {
	ModelID  string `json:"model_id"`
	Name     string `json:"name"`
	Producer string `json:"producer,omitempty"`
}

// NewModelInfo builds a ModelInfo with a fresh model id.
func NewModelInfo(name, producer string) ModelInfo {
	return ModelInfo{
		ModelID:  uuid.NewString(),
		Name:     name,
		Producer: producer,
	}
}

// graphNode is the serialized form of one graph node. Operand indices
// refer to positions in the nodes array; -1 marks an absent operand.
type graphNode struct {
	Op         string `json:"op"`
	Name       string `json:"name"`
	DType      string `json:"dtype"`
	Shape      []int  `json:"shape,omitempty"`
	Inputs     []int  `json:"inputs,omitempty"`
	Activation string `json:"activation,omitempty"`
	HiddenSize int    `json:"weights_hidden_size,omitempty"`

	// Const payload location inside the tensor data section.
	DataOffset int `json:"data_offset,omitempty"`
	DataSize   int `json:"data_size,omitempty"`
}

type graphHeader struct {
	Name    string      `json:"name"`
	Nodes   []graphNode `json:"nodes"`
	Inputs  []int       `json:"graph_inputs"`
	Outputs []int       `json:"graph_outputs"`
}

// WriteModel serializes the graph and its constants into a new LCF file
// at path.
func WriteModel(path string, g *graph.Graph, info ModelInfo) error {
	order := g.PostOrder()
	index := make(map[*graph.Node]int, len(order))
	for i, n := range order {
		index[n] = i
	}

	header := graphHeader{Name: g.Name()}

	var payload []byte
	for _, n := range order {
		gn := graphNode{
			Op:    n.Op.String(),
			Name:  n.Name,
			DType: n.DType.String(),
			Shape: n.Shape.Dims(),
		}
		if n.Op == graph.OpFullyConnected || n.Op == graph.OpLQFullyConnected {
			gn.Activation = n.Activation.String()
		}
		if n.Op == graph.OpLQFullyConnected {
			gn.HiddenSize = n.WeightsHiddenSize
		}
		for _, in := range n.Inputs {
			if in == nil {
				gn.Inputs = append(gn.Inputs, -1)
				continue
			}
			pos, ok := index[in]
			if !ok {
				return fmt.Errorf("lcf: node %q references an unreachable operand", n.Name)
			}
			gn.Inputs = append(gn.Inputs, pos)
		}

		if n.Op == graph.OpConst {
			// Tensor payloads stay 8-byte aligned within the section.
			for len(payload)%lcfAlign != 0 {
				payload = append(payload, 0)
			}
			gn.DataOffset = len(payload)
			payload = appendTensorData(payload, n.Value)
			gn.DataSize = len(payload) - gn.DataOffset
		}

		header.Nodes = append(header.Nodes, gn)
	}

	for _, in := range g.Inputs() {
		pos, ok := index[in]
		if !ok {
			// Inputs that feed no output are dropped from the container.
			continue
		}
		header.Inputs = append(header.Inputs, pos)
	}
	for _, out := range g.Outputs() {
		header.Outputs = append(header.Outputs, index[out])
	}

	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("lcf: encode model info: %w", err)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("lcf: encode graph: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionModelInfo, modelInfoVersion, infoJSON); err != nil {
		return err
	}
	if err := w.WriteSection(SectionGraph, graphVersion, headerJSON); err != nil {
		return err
	}
	if err := w.WriteSection(SectionTensorData, tensorDataVersion, payload); err != nil {
		return err
	}
	return w.Finalise()
}

func appendTensorData(dst []byte, t *graph.Tensor) []byte {
	switch t.DType {
	case graph.F32:
		for _, v := range t.F32 {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	case graph.S32:
		for _, v := range t.S32 {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
		}
	}
	return dst
}

// ReadModel opens an LCF file and rebuilds the graph and its info.
func ReadModel(path string) (*graph.Graph, ModelInfo, error) {
	var info ModelInfo

	f, err := Open(path)
	if err != nil {
		return nil, info, err
	}
	defer func() { _ = f.Close() }()

	infoSec := f.Section(SectionModelInfo)
	graphSec := f.Section(SectionGraph)
	dataSec := f.Section(SectionTensorData)
	if infoSec == nil || graphSec == nil || dataSec == nil {
		return nil, info, ErrMissingSection
	}

	if err := json.Unmarshal(f.SectionData(infoSec), &info); err != nil {
		return nil, info, fmt.Errorf("%w: model info: %v", ErrCorruptFile, err)
	}
	var header graphHeader
	if err := json.Unmarshal(f.SectionData(graphSec), &header); err != nil {
		return nil, info, fmt.Errorf("%w: graph: %v", ErrCorruptFile, err)
	}

	payload := f.SectionData(dataSec)

	g := graph.New(header.Name)
	nodes := make([]*graph.Node, len(header.Nodes))

	operand := func(gn graphNode, pos int, self int) (*graph.Node, error) {
		if pos >= len(gn.Inputs) {
			return nil, fmt.Errorf("%w: node %q missing operand %d", ErrCorruptFile, gn.Name, pos)
		}
		ref := gn.Inputs[pos]
		if ref == -1 {
			return nil, nil
		}
		if ref < 0 || ref >= self || nodes[ref] == nil {
			return nil, fmt.Errorf("%w: node %q operand %d out of range", ErrCorruptFile, gn.Name, pos)
		}
		return nodes[ref], nil
	}

	for i, gn := range header.Nodes {
		dtype, ok := graph.ParseDType(gn.DType)
		if !ok {
			return nil, info, fmt.Errorf("%w: node %q dtype %q", ErrCorruptFile, gn.Name, gn.DType)
		}
		shape := graph.NewShape(gn.Shape...)

		switch gn.Op {
		case "Input":
			nodes[i] = g.AddInput(gn.Name, dtype, shape)

		case "Const":
			t, err := decodeTensor(gn, dtype, shape, payload)
			if err != nil {
				return nil, info, err
			}
			nodes[i] = g.AddConst(t)

		case "FullyConnected":
			act, ok := graph.ParseActivation(gn.Activation)
			if !ok {
				return nil, info, fmt.Errorf("%w: node %q activation %q", ErrCorruptFile, gn.Name, gn.Activation)
			}
			in, err := operand(gn, 0, i)
			if err != nil {
				return nil, info, err
			}
			weights, err := operand(gn, 1, i)
			if err != nil {
				return nil, info, err
			}
			bias, err := operand(gn, 2, i)
			if err != nil {
				return nil, info, err
			}
			nodes[i] = g.AddFullyConnected(gn.Name, in, weights, bias, act)

		case "LQFullyConnected":
			act, ok := graph.ParseActivation(gn.Activation)
			if !ok {
				return nil, info, fmt.Errorf("%w: node %q activation %q", ErrCorruptFile, gn.Name, gn.Activation)
			}
			ops := make([]*graph.Node, 5)
			for p := range ops {
				op, err := operand(gn, p, i)
				if err != nil {
					return nil, info, err
				}
				ops[p] = op
			}
			nodes[i] = g.AddLQFullyConnected(gn.Name, ops[0], ops[1], ops[2], ops[3], ops[4], act, gn.HiddenSize)

		default:
			return nil, info, fmt.Errorf("%w: node %q has unknown op %q", ErrCorruptFile, gn.Name, gn.Op)
		}
	}

	// AddInput already registered inputs during the rebuild; the header
	// list only needs a bounds check.
	for _, ref := range header.Inputs {
		if ref < 0 || ref >= len(nodes) {
			return nil, info, fmt.Errorf("%w: graph input %d out of range", ErrCorruptFile, ref)
		}
	}

	outputs := make([]*graph.Node, len(header.Outputs))
	for i, ref := range header.Outputs {
		if ref < 0 || ref >= len(nodes) {
			return nil, info, fmt.Errorf("%w: graph output %d out of range", ErrCorruptFile, ref)
		}
		outputs[i] = nodes[ref]
	}
	g.SetOutputs(outputs...)

	return g, info, nil
}

func decodeTensor(gn graphNode, dtype graph.DType, shape graph.Shape, payload []byte) (*graph.Tensor, error) {
	want := shape.NumElements() * dtype.Size()
	if gn.DataSize != want {
		return nil, fmt.Errorf("%w: const %q payload %d bytes, want %d", ErrCorruptFile, gn.Name, gn.DataSize, want)
	}
	if gn.DataOffset < 0 || gn.DataOffset+gn.DataSize > len(payload) {
		return nil, fmt.Errorf("%w: const %q payload out of bounds", ErrCorruptFile, gn.Name)
	}
	raw := payload[gn.DataOffset : gn.DataOffset+gn.DataSize]

	switch dtype {
	case graph.F32:
		data := make([]float32, shape.NumElements())
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return graph.NewF32FromData(gn.Name, shape, data), nil
	case graph.S32:
		data := make([]int32, shape.NumElements())
		for i := range data {
			data[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return graph.NewS32FromData(gn.Name, shape, data), nil
	default:
		return nil, fmt.Errorf("%w: const %q has unsupported dtype", ErrCorruptFile, gn.Name)
	}
}
