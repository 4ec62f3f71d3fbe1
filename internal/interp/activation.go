package interp

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/lqnet/internal/graph"
)

// ErrUnsupportedActivation reports a fused activation with no evaluator.
var ErrUnsupportedActivation = errors.New("interp: unsupported activation")

func applyActivation(act graph.Activation, data []float32) error {
	switch act {
	case graph.ActNone:
	case graph.ActRelu:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case graph.ActRelu6:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			} else if v > 6 {
				data[i] = 6
			}
		}
	case graph.ActTanh:
		for i, v := range data {
			data[i] = float32(math.Tanh(float64(v)))
		}
	case graph.ActSigmoid:
		for i, v := range data {
			data[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedActivation, act)
	}
	return nil
}
