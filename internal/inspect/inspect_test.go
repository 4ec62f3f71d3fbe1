package inspect

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lqnet/internal/graph"
	"github.com/samcharles93/lqnet/internal/lq"
	"github.com/samcharles93/lqnet/pkg/lcf"
)

func buildSummaryGraph(t *testing.T) (*graph.Graph, lcf.ModelInfo) {
	t.Helper()

	g := graph.New("summary")
	in := g.AddInput("input", graph.F32, graph.NewShape(1, 5))

	inScales := g.AddConst(graph.NewF32FromData("lq/input_scales", graph.NewShape(2), []float32{0.1, 0.9}))
	wScales := g.AddConst(graph.NewF32FromData("lq/weights_scales", graph.NewShape(3, 2), make([]float32, 6)))
	words := lq.CeilDiv(5, 32)
	wBinary := g.AddConst(graph.NewS32FromData("lq/weights_binary", graph.NewShape(3, 2, words), make([]int32, 6*words)))
	lqfc := g.AddLQFullyConnected("lq", in, inScales, wScales, wBinary, nil, graph.ActRelu, 5)

	weights := g.AddConst(graph.NewF32FromData("fc/weights", graph.NewShape(2, 3), make([]float32, 6)))
	fc := g.AddFullyConnected("fc", lqfc, weights, nil, graph.ActNone)
	g.SetOutputs(fc)

	return g, lcf.ModelInfo{ModelID: "id-123", Name: "summary", Producer: "test"}
}

func TestBuildSummary(t *testing.T) {
	t.Parallel()

	g, info := buildSummaryGraph(t)
	s, err := Build(g, info)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if s.Name != "summary" || s.ModelID != "id-123" {
		t.Fatalf("identity: %+v", s)
	}
	if s.NodeCount != len(g.PostOrder()) {
		t.Fatalf("node count: got %d want %d", s.NodeCount, len(g.PostOrder()))
	}
	if s.OpCounts["LQFullyConnected"] != 1 || s.OpCounts["FullyConnected"] != 1 {
		t.Fatalf("op counts: %v", s.OpCounts)
	}
	if len(s.Inputs) != 1 || s.Inputs[0] != "input" {
		t.Fatalf("inputs: %v", s.Inputs)
	}
	if len(s.Outputs) != 1 || s.Outputs[0] != "fc" {
		t.Fatalf("outputs: %v", s.Outputs)
	}
	// input [1,5], lq out [1,3], fc out [1,2]; consts excluded.
	if s.ArenaSize <= 0 {
		t.Fatalf("arena size: %d", s.ArenaSize)
	}

	var lqNode *NodeSummary
	for i := range s.Nodes {
		if s.Nodes[i].Op == "LQFullyConnected" {
			lqNode = &s.Nodes[i]
		}
	}
	if lqNode == nil {
		t.Fatalf("summary misses the LQ node")
	}
	if lqNode.InputBits != 2 || lqNode.WeightsBits != 2 || lqNode.HiddenSize != 5 {
		t.Fatalf("lq node summary: %+v", lqNode)
	}
	if lqNode.Activation != "relu" {
		t.Fatalf("lq node activation: %q", lqNode.Activation)
	}
}

func TestWriteTextMentionsEveryNode(t *testing.T) {
	t.Parallel()

	g, info := buildSummaryGraph(t)
	s, err := Build(g, info)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var buf bytes.Buffer
	if err := s.WriteText(&buf); err != nil {
		t.Fatalf("write text: %v", err)
	}
	text := buf.String()
	for _, n := range g.PostOrder() {
		if !strings.Contains(text, n.Name) {
			t.Fatalf("text summary misses node %q:\n%s", n.Name, text)
		}
	}
	if !strings.Contains(text, "bits=2/2") {
		t.Fatalf("text summary misses bit widths:\n%s", text)
	}
}

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	g, info := buildSummaryGraph(t)
	s, err := Build(g, info)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	e := echo.New()
	NewServer(s).Register(e)
	return e
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSummaryEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)

	rec := doGet(t, e, "/v1/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var got Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "summary" || got.OpCounts["LQFullyConnected"] != 1 {
		t.Fatalf("summary body: %+v", got)
	}

	rec = doGet(t, e, "/v1/summary/nodes")
	if rec.Code != http.StatusOK {
		t.Fatalf("nodes status: %d", rec.Code)
	}
	var nodes []NodeSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != got.NodeCount {
		t.Fatalf("nodes: got %d want %d", len(nodes), got.NodeCount)
	}

	rec = doGet(t, e, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status: %d", rec.Code)
	}
}
