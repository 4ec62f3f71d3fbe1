package quantizer

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/samcharles93/lqnet/internal/graph"
	"github.com/samcharles93/lqnet/internal/logger"
	"github.com/samcharles93/lqnet/pkg/lcf"
)

func writeFloatModel(t *testing.T) string {
	t.Helper()

	g := graph.New("two_layer")
	in := g.AddInput("serving_default_input", graph.F32, graph.NewShape(1, 4))

	w1 := g.AddConst(graph.NewF32FromData("fc1/weights", graph.NewShape(3, 4), []float32{
		0.5, -0.25, 1.0, -1.5,
		2.0, 0.75, -0.5, 0.25,
		-1.0, 1.25, 0.5, -0.75,
	}))
	b1 := g.AddConst(graph.NewF32FromData("fc1/bias", graph.NewShape(3), []float32{0.1, -0.2, 0.3}))
	fc1 := g.AddFullyConnected("fc1", in, w1, b1, graph.ActRelu)

	w2 := g.AddConst(graph.NewF32FromData("fc2/weights", graph.NewShape(2, 3), []float32{
		1.0, -0.5, 0.25,
		-0.75, 0.5, 1.5,
	}))
	fc2 := g.AddFullyConnected("fc2", fc1, w2, nil, graph.ActNone)
	g.SetOutputs(fc2)

	path := filepath.Join(t.TempDir(), "model.lcf")
	if err := lcf.WriteModel(path, g, lcf.NewModelInfo("two_layer", "test")); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func quietOptions() Options {
	return Options{
		InputBits:     2,
		WeightsBits:   2,
		TrainBatches:  4,
		QEMIterations: 2,
		TrainEpochs:   2,
		Seed:          7,
		Logger:        logger.JSON(io.Discard, slog.LevelError),
	}
}

func countOps(g *graph.Graph, op graph.Opcode) int {
	n := 0
	for _, node := range g.PostOrder() {
		if node.Op == op {
			n++
		}
	}
	return n
}

func TestInitializeBuildsPairedClones(t *testing.T) {
	t.Parallel()

	q := New(quietOptions())
	if q.State() != StateCreated {
		t.Fatalf("fresh state: %s", q.State())
	}
	if err := q.Initialize(writeFloatModel(t)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if q.State() != StateLQBuilt {
		t.Fatalf("state after initialize: %s", q.State())
	}
	if q.Pairs() != 2 {
		t.Fatalf("pairs: got %d want 2", q.Pairs())
	}

	fp, lq := q.Graphs()
	if countOps(fp, graph.OpLQFullyConnected) != 0 {
		t.Fatalf("float clone contains LQ nodes")
	}
	if countOps(fp, graph.OpFullyConnected) != 2 {
		t.Fatalf("float clone FC count: %d", countOps(fp, graph.OpFullyConnected))
	}
	if countOps(lq, graph.OpLQFullyConnected) != 2 {
		t.Fatalf("lq clone LQ-FC count: %d", countOps(lq, graph.OpLQFullyConnected))
	}
	if countOps(lq, graph.OpFullyConnected) != 0 {
		t.Fatalf("lq clone still has plain FC nodes")
	}

	for _, n := range lq.PostOrder() {
		if n.Op != graph.OpLQFullyConnected {
			continue
		}
		if n.InputScales().Shape.NumElements() != 2 {
			t.Fatalf("node %q input scales: %v", n.Name, n.InputScales().Shape.Dims())
		}
		ws := n.WeightsScales().Shape
		if ws.Rank() != 2 || ws.Dim(1) != 2 {
			t.Fatalf("node %q weights scales: %v", n.Name, ws.Dims())
		}
		wb := n.WeightsBinary().Shape
		if wb.Rank() != 3 || wb.Dim(2) != 1 {
			t.Fatalf("node %q weights binary: %v", n.Name, wb.Dims())
		}
		if n.WeightsHiddenSize == 0 {
			t.Fatalf("node %q missing hidden size", n.Name)
		}
	}

	if err := q.Initialize(writeFloatModel(t)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second initialize: got %v, want ErrInvalidState", err)
	}
}

func TestTrainAndSaveRoundTrip(t *testing.T) {
	t.Parallel()

	opts := quietOptions()
	q := New(opts)
	if err := q.Initialize(writeFloatModel(t)); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	fp, lqGraph := q.Graphs()
	gen := NewRandomGenerator(InputSizes(fp), opts.TrainBatches*3, opts.Seed)
	if err := q.Train(gen); err != nil {
		t.Fatalf("train: %v", err)
	}
	if q.State() != StateInputsUptrained {
		t.Fatalf("state after train: %s", q.State())
	}

	for _, n := range lqGraph.PostOrder() {
		if n.Op != graph.OpLQFullyConnected {
			continue
		}
		assertStrictlyAscending(t, n.Name+" input_scales", n.InputScales().Value.F32)
		ws := n.WeightsScales().Value
		rows := ws.Shape.Dim(0)
		bits := ws.Shape.Dim(1)
		for r := 0; r < rows; r++ {
			assertStrictlyAscending(t, n.Name+" weights_scales", ws.F32[r*bits:(r+1)*bits])
		}
	}

	out := filepath.Join(t.TempDir(), "quantized.lcf")
	if err := q.Save(out); err != nil {
		t.Fatalf("save: %v", err)
	}
	if q.State() != StateSaved {
		t.Fatalf("state after save: %s", q.State())
	}

	loaded, info, err := lcf.ReadModel(out)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if info.Producer != "lquantizer" {
		t.Fatalf("producer: %q", info.Producer)
	}
	if countOps(loaded, graph.OpLQFullyConnected) != 2 {
		t.Fatalf("saved model LQ-FC count: %d", countOps(loaded, graph.OpLQFullyConnected))
	}
}

func assertStrictlyAscending(t *testing.T, label string, s []float32) {
	t.Helper()
	if len(s) == 0 {
		t.Fatalf("%s: empty", label)
	}
	allZero := true
	for i := 1; i < len(s); i++ {
		if s[i] <= s[i-1] {
			t.Fatalf("%s: not strictly ascending: %v", label, s)
		}
	}
	for _, v := range s {
		if v != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Fatalf("%s: never written", label)
	}
}

func TestStateGuards(t *testing.T) {
	t.Parallel()

	q := New(quietOptions())
	gen := NewRandomGenerator([]int{4}, 4, 1)
	if err := q.Train(gen); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("train before initialize: got %v", err)
	}
	if err := q.Save(filepath.Join(t.TempDir(), "out.lcf")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("save before train: got %v", err)
	}
}

func TestUnsupportedFCStaysFloat(t *testing.T) {
	t.Parallel()

	g := graph.New("dyn_weights")
	in := g.AddInput("a", graph.F32, graph.NewShape(1, 2))
	wIn := g.AddInput("w", graph.F32, graph.NewShape(2, 2))
	fc := g.AddFullyConnected("fc", in, wIn, nil, graph.ActNone)
	g.SetOutputs(fc)

	path := filepath.Join(t.TempDir(), "dyn.lcf")
	if err := lcf.WriteModel(path, g, lcf.NewModelInfo("dyn", "test")); err != nil {
		t.Fatalf("write: %v", err)
	}

	q := New(quietOptions())
	if err := q.Initialize(path); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if q.Pairs() != 0 {
		t.Fatalf("dynamic-weight FC must not pair, got %d", q.Pairs())
	}
	_, lqGraph := q.Graphs()
	if countOps(lqGraph, graph.OpFullyConnected) != 1 {
		t.Fatalf("lq clone lost its plain FC")
	}
}
