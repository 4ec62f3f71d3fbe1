package interp

import (
	"fmt"
	"math/bits"

	"github.com/samcharles93/lqnet/internal/graph"
	"github.com/samcharles93/lqnet/internal/lq"
)

// lqFullyConnected multiplies a float input against bit-packed weights.
// The input row is quantized into bitplanes, the binary dot product is
// computed with XNOR and popcount, and the scale products map it back
// to float.
type lqFullyConnected struct {
	act graph.Activation

	in            *graph.Tensor
	inputScales   *graph.Tensor
	weightsScales *graph.Tensor
	weightsBinary *graph.Tensor
	bias          *graph.Tensor
	out           *graph.Tensor

	batches    int
	outputSize int
	hiddenSize int
	words      int
	inBits     int
	wBits      int
}

func newLQFullyConnected(n *graph.Node, in, inputScales, weightsScales, weightsBinary, bias, out *graph.Tensor) (*lqFullyConnected, error) {
	if in.Shape.Rank() != 2 {
		return nil, fmt.Errorf("%w: %s: input rank %d, want 2", ErrInvariant, n.Name, in.Shape.Rank())
	}
	hiddenSize := n.WeightsHiddenSize
	if hiddenSize <= 0 || in.Shape.Dim(1) != hiddenSize {
		return nil, fmt.Errorf("%w: %s: input width %d does not match hidden size %d",
			ErrInvariant, n.Name, in.Shape.Dim(1), hiddenSize)
	}

	if inputScales.Shape.Rank() != 1 {
		return nil, fmt.Errorf("%w: %s: input_scales rank %d, want 1", ErrInvariant, n.Name, inputScales.Shape.Rank())
	}
	inBits := inputScales.NumElements()
	if inBits < 1 || inBits >= 32 {
		return nil, fmt.Errorf("%w: %s: input bit width %d out of range", ErrInvariant, n.Name, inBits)
	}

	if weightsBinary.Shape.Rank() != 3 || weightsScales.Shape.Rank() != 2 {
		return nil, fmt.Errorf("%w: %s: weights_binary rank %d and weights_scales rank %d, want 3 and 2",
			ErrInvariant, n.Name, weightsBinary.Shape.Rank(), weightsScales.Shape.Rank())
	}
	if weightsBinary.Shape.Dim(0) != weightsScales.Shape.Dim(0) {
		return nil, fmt.Errorf("%w: %s: weights_binary rows %d do not match weights_scales rows %d",
			ErrInvariant, n.Name, weightsBinary.Shape.Dim(0), weightsScales.Shape.Dim(0))
	}
	if weightsBinary.Shape.Dim(1) != weightsScales.Shape.Dim(1) {
		return nil, fmt.Errorf("%w: %s: weights_binary planes %d do not match weights_scales planes %d",
			ErrInvariant, n.Name, weightsBinary.Shape.Dim(1), weightsScales.Shape.Dim(1))
	}
	wBits := weightsBinary.Shape.Dim(1)
	if wBits < 1 || wBits >= 32 {
		return nil, fmt.Errorf("%w: %s: weight bit width %d out of range", ErrInvariant, n.Name, wBits)
	}
	words := lq.CeilDiv(hiddenSize, 32)
	if weightsBinary.Shape.Dim(2) != words {
		return nil, fmt.Errorf("%w: %s: weights_binary width %d, want %d words",
			ErrInvariant, n.Name, weightsBinary.Shape.Dim(2), words)
	}

	outputSize := weightsBinary.Shape.Dim(0)
	if bias != nil && bias.NumElements() != outputSize {
		return nil, fmt.Errorf("%w: %s: bias length %d, want %d",
			ErrInvariant, n.Name, bias.NumElements(), outputSize)
	}
	if !out.Shape.Equal(graph.NewShape(in.Shape.Dim(0), outputSize)) {
		return nil, fmt.Errorf("%w: %s: output shape %s, want [%d,%d]",
			ErrInvariant, n.Name, out.Shape, in.Shape.Dim(0), outputSize)
	}

	return &lqFullyConnected{
		act:           n.Activation,
		in:            in,
		inputScales:   inputScales,
		weightsScales: weightsScales,
		weightsBinary: weightsBinary,
		bias:          bias,
		out:           out,
		batches:       in.Shape.Dim(0),
		outputSize:    outputSize,
		hiddenSize:    hiddenSize,
		words:         words,
		inBits:        inBits,
		wBits:         wBits,
	}, nil
}

func (k *lqFullyConnected) execute() error {
	// The codec is rebuilt per run so the level table tracks in-place
	// updates to the input_scales constant between runs.
	binarizer, err := lq.NewBinarizer(k.hiddenSize, k.inputScales.F32, k.inBits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	// Tail words carry zero bits past index hiddenSize-1 on both sides,
	// each counted by XNOR as a spurious agreement. Starting positives
	// at hiddenSize-32*words cancels them.
	tail := k.hiddenSize - 32*k.words

	for b := 0; b < k.batches; b++ {
		binarizer.QuantizePack(k.in.F32[b*k.hiddenSize : (b+1)*k.hiddenSize])
		inBinary := binarizer.Data()

		for o := 0; o < k.outputSize; o++ {
			var acc float32
			for bi := 0; bi < k.inBits; bi++ {
				inLine := inBinary[bi*k.words : (bi+1)*k.words]
				for bw := 0; bw < k.wBits; bw++ {
					wLine := k.weightsBinary.S32[(o*k.wBits+bw)*k.words : (o*k.wBits+bw+1)*k.words]

					positives := tail
					for i := 0; i < k.words; i++ {
						positives += bits.OnesCount32(^uint32(inLine[i] ^ wLine[i]))
					}
					dot := 2*positives - k.hiddenSize

					acc += k.inputScales.F32[bi] * k.weightsScales.F32[o*k.wBits+bw] * float32(dot)
				}
			}
			if k.bias != nil {
				acc += k.bias.F32[o]
			}
			k.out.F32[b*k.outputSize+o] = acc
		}
	}
	return applyActivation(k.act, k.out.F32)
}
