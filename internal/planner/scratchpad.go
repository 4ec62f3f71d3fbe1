package planner

import "github.com/samcharles93/lqnet/internal/lq"

// ScratchpadHelper reports the transient buffer bytes an operator needs
// on a given deployment target. The planner treats scratchpads as
// ordinary records alive only at the operator's own tick.
type ScratchpadHelper interface {
	// LQFullyConnectedScratchpad returns the bytes needed to binarize a
	// length-hiddenSize input vector into bits bitplanes.
	LQFullyConnectedScratchpad(bits, hiddenSize int) int

	Platform() string
}

// LinuxHelper sizes scratchpads for the reference float kernels, which
// pack the input bitplanes into a word-aligned side buffer.
type LinuxHelper struct{}

func (LinuxHelper) LQFullyConnectedScratchpad(bits, hiddenSize int) int {
	return bits * lq.CeilDiv(hiddenSize, 32) * 4
}

func (LinuxHelper) Platform() string { return "linux" }

// MCUHelper sizes scratchpads for bare-metal targets, whose kernels
// binarize in place and need no side buffer.
type MCUHelper struct{}

func (MCUHelper) LQFullyConnectedScratchpad(bits, hiddenSize int) int { return 0 }

func (MCUHelper) Platform() string { return "mcu" }

// CMSISNNHelper sizes scratchpads for CMSIS-NN kernels. The DSP-extension
// variants widen the packed planes to 16-bit lanes.
type CMSISNNHelper struct {
	UseDSP bool
}

func (h CMSISNNHelper) LQFullyConnectedScratchpad(bits, hiddenSize int) int {
	words := lq.CeilDiv(hiddenSize, 32)
	if h.UseDSP {
		return bits * words * 8
	}
	return bits * words * 4
}

func (h CMSISNNHelper) Platform() string {
	if h.UseDSP {
		return "cmsis-nn+dsp"
	}
	return "cmsis-nn"
}

// HelperFor maps a platform name to its scratchpad helper.
func HelperFor(platform string) (ScratchpadHelper, bool) {
	switch platform {
	case "linux":
		return LinuxHelper{}, true
	case "mcu":
		return MCUHelper{}, true
	case "cmsis-nn":
		return CMSISNNHelper{}, true
	case "cmsis-nn+dsp":
		return CMSISNNHelper{UseDSP: true}, true
	default:
		return nil, false
	}
}
