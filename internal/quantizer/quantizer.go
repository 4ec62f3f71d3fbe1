// Package quantizer drives the learned-quantization pipeline: import a
// float model, build a paired LQ clone, fit weight and input scales
// against captured activations, and save the result.
package quantizer

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/samcharles93/lqnet/internal/dataset"
	"github.com/samcharles93/lqnet/internal/graph"
	"github.com/samcharles93/lqnet/internal/interp"
	"github.com/samcharles93/lqnet/internal/logger"
	"github.com/samcharles93/lqnet/internal/lq"
	"github.com/samcharles93/lqnet/pkg/lcf"
)

var ErrInvalidState = errors.New("quantizer: operation not valid in current state")

// State tracks the pipeline position. Transitions are linear; every
// operation checks the state it requires and advances on success.
type State int

const (
	StateCreated State = iota
	StateImported
	StateLQBuilt
	StateWeightsTrained
	StateInputsTrained
	StateInputsUptrained
	StateSaved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateImported:
		return "IMPORTED"
	case StateLQBuilt:
		return "LQ_BUILT"
	case StateWeightsTrained:
		return "WEIGHTS_TRAINED"
	case StateInputsTrained:
		return "INPUTS_TRAINED"
	case StateInputsUptrained:
		return "INPUTS_UPTRAINED"
	case StateSaved:
		return "SAVED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	defaultInputBits     = 2
	defaultWeightsBits   = 2
	defaultTrainBatches  = 128
	defaultQEMIterations = 5
	defaultTrainEpochs   = 5
)

// Options configure a Quantizer. Zero values fall back to defaults.
type Options struct {
	InputBits     int
	WeightsBits   int
	TrainBatches  int
	QEMIterations int
	TrainEpochs   int
	Seed          int64
	Logger        logger.Logger
}

func (o *Options) withDefaults() {
	if o.InputBits <= 0 {
		o.InputBits = defaultInputBits
	}
	if o.WeightsBits <= 0 {
		o.WeightsBits = defaultWeightsBits
	}
	if o.TrainBatches <= 0 {
		o.TrainBatches = defaultTrainBatches
	}
	if o.QEMIterations <= 0 {
		o.QEMIterations = defaultQEMIterations
	}
	if o.TrainEpochs <= 0 {
		o.TrainEpochs = defaultTrainEpochs
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
}

// pair links one float FC node with its LQ replacement in the clone.
type pair struct {
	fp *graph.Node
	lq *graph.Node
}

type Quantizer struct {
	opts Options
	log  logger.Logger
	rng  *rand.Rand

	state State
	info  lcf.ModelInfo

	fpGraph *graph.Graph
	lqGraph *graph.Graph
	pairs   []pair

	// producer node -> consuming FC, one map per clone.
	fpConsumers map[*graph.Node]*graph.Node
	lqConsumers map[*graph.Node]*graph.Node
}

func New(opts Options) *Quantizer {
	opts.withDefaults()
	return &Quantizer{
		opts:  opts,
		log:   opts.Logger,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		state: StateCreated,
	}
}

func (q *Quantizer) State() State { return q.state }

// Graphs exposes the float reference clone and the LQ clone.
func (q *Quantizer) Graphs() (fp, lq *graph.Graph) { return q.fpGraph, q.lqGraph }

// Pairs reports the number of FC nodes that gained an LQ counterpart.
func (q *Quantizer) Pairs() int { return len(q.pairs) }

// Initialize loads the model at path, clones it twice and replaces
// every supported FullyConnected in the second clone with an
// LQFullyConnected carrying fresh scale and binary constants.
func (q *Quantizer) Initialize(path string) error {
	if q.state != StateCreated {
		return fmt.Errorf("%w: initialize from %s", ErrInvalidState, q.state)
	}

	src, info, err := lcf.ReadModel(path)
	if err != nil {
		return fmt.Errorf("quantizer: load model: %w", err)
	}
	q.info = info
	q.state = StateImported
	q.log.Info("model imported", "name", info.Name, "nodes", len(src.PostOrder()))

	fpGraph, fpMap := src.Clone()
	lqGraph, lqMap := src.Clone()
	q.fpGraph = fpGraph
	q.lqGraph = lqGraph
	q.fpConsumers = make(map[*graph.Node]*graph.Node)
	q.lqConsumers = make(map[*graph.Node]*graph.Node)

	for _, n := range src.PostOrder() {
		if n.Op != graph.OpFullyConnected || !q.supportedFC(n) {
			continue
		}
		fpNode := fpMap[n]
		lqNode := lqMap[n]

		weights := lqNode.Weights()
		outputSize := weights.Shape.Dim(0)
		hiddenSize := weights.Shape.Dim(1)
		words := lq.CeilDiv(hiddenSize, 32)

		inScales := lqGraph.AddConst(graph.NewF32(
			n.Name+"/input_scales", graph.NewShape(q.opts.InputBits)))
		wScales := lqGraph.AddConst(graph.NewF32(
			n.Name+"/weights_scales", graph.NewShape(outputSize, q.opts.WeightsBits)))
		wBinary := lqGraph.AddConst(graph.NewS32(
			n.Name+"/weights_binary", graph.NewShape(outputSize, q.opts.WeightsBits, words)))

		replacement := lqGraph.AddLQFullyConnected(
			n.Name, lqNode.Input(), inScales, wScales, wBinary,
			lqNode.Bias(), lqNode.Activation, hiddenSize)
		lqGraph.Replace(lqNode, replacement)

		q.pairs = append(q.pairs, pair{fp: fpNode, lq: replacement})
		q.fpConsumers[fpNode.Input()] = fpNode
		q.lqConsumers[replacement.Input()] = replacement
	}

	q.state = StateLQBuilt
	q.log.Info("lq graph built", "pairs", len(q.pairs))
	return nil
}

// supportedFC reports whether an FC node can take the LQ path:
// constant rank-2 weights and rank-2 input and output. Everything else
// stays a plain FullyConnected in the LQ clone.
func (q *Quantizer) supportedFC(n *graph.Node) bool {
	w := n.Weights()
	if w == nil || w.Op != graph.OpConst || w.Shape.Rank() != 2 {
		return false
	}
	in := n.Input()
	if in == nil || in.Shape.Rank() != 2 {
		return false
	}
	return n.Shape.Rank() == 2
}

// Train runs the three fitting passes over the generator's records.
func (q *Quantizer) Train(gen DataGenerator) error {
	if q.state != StateLQBuilt {
		return fmt.Errorf("%w: train from %s", ErrInvalidState, q.state)
	}
	if err := q.trainWeights(); err != nil {
		return err
	}
	if err := q.trainInput(gen); err != nil {
		return err
	}
	return q.uptrainInput(gen)
}

// trainWeights fits each pair's weight scales against the float
// weights and packs the sign bitplanes.
func (q *Quantizer) trainWeights() error {
	for _, p := range q.pairs {
		weights := p.fp.Weights().Value
		outputSize := weights.Shape.Dim(0)
		hiddenSize := weights.Shape.Dim(1)

		wScales := p.lq.WeightsScales().Value.F32
		for i := range wScales {
			wScales[i] = q.rng.Float32()
		}

		qem, err := lq.NewQEM(weights.F32, weights.F32, wScales,
			outputSize, hiddenSize, q.opts.WeightsBits)
		if err != nil {
			return fmt.Errorf("quantizer: %s weights: %w", p.lq.Name, err)
		}
		if err := qem.Fit(q.opts.QEMIterations * q.opts.TrainEpochs); err != nil {
			return fmt.Errorf("quantizer: %s weights: %w", p.lq.Name, err)
		}
		if err := qem.FillBinary(p.lq.WeightsBinary().Value.S32); err != nil {
			return fmt.Errorf("quantizer: %s weights: %w", p.lq.Name, err)
		}
		q.log.Debug("weights trained", "node", p.lq.Name,
			"output_size", outputSize, "hidden_size", hiddenSize)
	}
	q.state = StateWeightsTrained
	q.log.Info("weights trained", "pairs", len(q.pairs))
	return nil
}

// trainInput fits input scales from activations captured while the
// float model runs over the data.
func (q *Quantizer) trainInput(gen DataGenerator) error {
	if q.state != StateWeightsTrained {
		return fmt.Errorf("%w: train_input from %s", ErrInvalidState, q.state)
	}

	obs := interp.NewInputSavingObserver(q.fpConsumers)
	it, err := interp.New(q.fpGraph, obs)
	if err != nil {
		return fmt.Errorf("quantizer: build fp interpreter: %w", err)
	}

	for epoch := 0; epoch < q.opts.TrainEpochs; epoch++ {
		gen.Reset()
		obs.Reset()
		for {
			fed, err := q.feedBatch(gen, it)
			if err != nil {
				return err
			}
			if fed == 0 {
				break
			}
			for _, p := range q.pairs {
				captured := obs.Captured(p.fp)
				if len(captured) == 0 {
					continue
				}
				scales := p.lq.InputScales().Value.F32
				if err := fitScales(captured, captured, scales, q.opts.QEMIterations); err != nil {
					return fmt.Errorf("quantizer: %s input: %w", p.lq.Name, err)
				}
			}
		}
		q.log.Debug("input scales pass complete", "epoch", epoch)
	}

	q.state = StateInputsTrained
	q.log.Info("input scales trained")
	return nil
}

// uptrainInput refits input scales so they encode the LQ-side
// activation distribution while minimizing error against the float
// reference.
func (q *Quantizer) uptrainInput(gen DataGenerator) error {
	if q.state != StateInputsTrained {
		return fmt.Errorf("%w: uptrain_input from %s", ErrInvalidState, q.state)
	}

	fpObs := interp.NewInputSavingObserver(q.fpConsumers)
	fpIt, err := interp.New(q.fpGraph, fpObs)
	if err != nil {
		return fmt.Errorf("quantizer: build fp interpreter: %w", err)
	}
	lqObs := interp.NewInputSavingObserver(q.lqConsumers)
	lqIt, err := interp.New(q.lqGraph, lqObs)
	if err != nil {
		return fmt.Errorf("quantizer: build lq interpreter: %w", err)
	}

	for epoch := 0; epoch < q.opts.TrainEpochs; epoch++ {
		gen.Reset()
		fpObs.Reset()
		lqObs.Reset()
		for {
			fed, err := q.feedBatchPair(gen, fpIt, lqIt)
			if err != nil {
				return err
			}
			if fed == 0 {
				break
			}
			for _, p := range q.pairs {
				src := lqObs.Captured(p.lq)
				tgt := fpObs.Captured(p.fp)
				if len(src) == 0 {
					continue
				}
				if len(src) != len(tgt) {
					return fmt.Errorf("quantizer: %s: captured %d lq vs %d fp activations",
						p.lq.Name, len(src), len(tgt))
				}
				scales := p.lq.InputScales().Value.F32
				if err := fitScales(src, tgt, scales, q.opts.QEMIterations); err != nil {
					return fmt.Errorf("quantizer: %s uptrain: %w", p.lq.Name, err)
				}
			}
		}
		q.log.Debug("input scales uptrain pass complete", "epoch", epoch)
	}

	q.state = StateInputsUptrained
	q.log.Info("input scales uptrained")
	return nil
}

// fitScales runs a one-row QEM over a captured activation buffer,
// mutating scales in place.
func fitScales(src, tgt, scales []float32, epochs int) error {
	qem, err := lq.NewQEM(src, tgt, scales, 1, len(src), len(scales))
	if err != nil {
		return err
	}
	return qem.Fit(epochs)
}

// feedBatch runs up to TrainBatches records through one interpreter.
// It returns the number of records fed; zero means the generator is
// exhausted.
func (q *Quantizer) feedBatch(gen DataGenerator, it *interp.Interpreter) (int, error) {
	fed := 0
	for fed < q.opts.TrainBatches {
		record, err := gen.Next()
		if errors.Is(err, dataset.ErrNoMoreRecords) {
			break
		}
		if err != nil {
			return fed, fmt.Errorf("quantizer: read record: %w", err)
		}
		if err := q.runRecord(it, record); err != nil {
			return fed, err
		}
		fed++
	}
	return fed, nil
}

// feedBatchPair feeds identical records to both interpreters.
func (q *Quantizer) feedBatchPair(gen DataGenerator, fpIt, lqIt *interp.Interpreter) (int, error) {
	fed := 0
	for fed < q.opts.TrainBatches {
		record, err := gen.Next()
		if errors.Is(err, dataset.ErrNoMoreRecords) {
			break
		}
		if err != nil {
			return fed, fmt.Errorf("quantizer: read record: %w", err)
		}
		if err := q.runRecord(fpIt, record); err != nil {
			return fed, err
		}
		if err := q.runRecord(lqIt, record); err != nil {
			return fed, err
		}
		fed++
	}
	return fed, nil
}

func (q *Quantizer) runRecord(it *interp.Interpreter, record [][]float32) error {
	inputs := it.Graph().Inputs()
	if len(record) != len(inputs) {
		return fmt.Errorf("%w: record has %d inputs, model wants %d",
			dataset.ErrCorruptRecord, len(record), len(inputs))
	}
	for i, in := range inputs {
		if err := it.WriteInput(in, record[i]); err != nil {
			return fmt.Errorf("quantizer: write input %q: %w", in.Name, err)
		}
	}
	if err := it.Run(); err != nil {
		return fmt.Errorf("quantizer: run model: %w", err)
	}
	return nil
}

// Save writes the LQ clone to path with fresh provenance.
func (q *Quantizer) Save(path string) error {
	if q.state != StateInputsUptrained {
		return fmt.Errorf("%w: save from %s", ErrInvalidState, q.state)
	}
	info := lcf.NewModelInfo(q.info.Name, "lquantizer")
	if err := lcf.WriteModel(path, q.lqGraph, info); err != nil {
		return fmt.Errorf("quantizer: save model: %w", err)
	}
	q.state = StateSaved
	q.log.Info("model saved", "path", path, "model_id", info.ModelID)
	return nil
}

// InputSizes returns the element count of every graph input, in input
// order. Generators use it to shape their records.
func InputSizes(g *graph.Graph) []int {
	sizes := make([]int, 0, len(g.Inputs()))
	for _, in := range g.Inputs() {
		sizes = append(sizes, in.Shape.NumElements())
	}
	return sizes
}
