package lq

import (
	"math"
	"sort"
)

// QEM fits per-row scale vectors so that the quantized source matrix
// approximates the target matrix. Rows are fitted independently; the
// packed signs are refreshed from src before every descent pass while
// the scales chase tgt.
type QEM struct {
	src    []float32
	tgt    []float32
	scales []float32

	outputSize int
	hiddenSize int
	bits       int
}

// NewQEM wires the optimizer over borrowed buffers. src and tgt are
// outputSize x hiddenSize row-major matrices, scales is outputSize x
// bits. Each scale row is sorted ascending on construction.
func NewQEM(src, tgt, scales []float32, outputSize, hiddenSize, bits int) (*QEM, error) {
	if outputSize <= 0 || hiddenSize <= 0 || bits < 1 || bits >= 32 {
		return nil, ErrInvalidDimension
	}
	if len(src) != outputSize*hiddenSize || len(tgt) != outputSize*hiddenSize {
		return nil, ErrInvalidDimension
	}
	if len(scales) != outputSize*bits {
		return nil, ErrInvalidDimension
	}

	q := &QEM{
		src:        src,
		tgt:        tgt,
		scales:     scales,
		outputSize: outputSize,
		hiddenSize: hiddenSize,
		bits:       bits,
	}
	for row := 0; row < outputSize; row++ {
		q.sortRow(row)
	}
	return q, nil
}

func (q *QEM) row(row int) []float32 {
	return q.scales[row*q.bits : (row+1)*q.bits]
}

// sortRow orders one scale row ascending and nudges exact duplicates
// apart so the level table stays strictly monotone.
func (q *QEM) sortRow(row int) {
	s := q.row(row)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	for i := 1; i < len(s); i++ {
		if s[i] <= s[i-1] {
			s[i] = math.Nextafter32(s[i-1], float32(math.Inf(1)))
		}
	}
}

// Fit runs the fitting loop for the given number of epochs. Every epoch
// re-encodes each source row against its current scales, then refines
// the scales by gradient descent against the target row.
func (q *QEM) Fit(epochs int) error {
	for epoch := 0; epoch < epochs; epoch++ {
		for row := 0; row < q.outputSize; row++ {
			b, err := NewBinarizer(q.hiddenSize, q.row(row), q.bits)
			if err != nil {
				return err
			}
			b.QuantizePack(q.src[row*q.hiddenSize : (row+1)*q.hiddenSize])
			b.GradientDescentScales(q.tgt[row*q.hiddenSize : (row+1)*q.hiddenSize])
			q.sortRow(row)
		}
	}
	return nil
}

// FillBinary encodes the source matrix against the fitted scales into
// dst, which must hold outputSize * bits * ceil(hiddenSize/32) words.
// Row layout is [row][bitplane][word].
func (q *QEM) FillBinary(dst []int32) error {
	words := CeilDiv(q.hiddenSize, 32)
	if len(dst) != q.outputSize*q.bits*words {
		return ErrInvalidDimension
	}

	for row := 0; row < q.outputSize; row++ {
		b, err := NewBinarizer(q.hiddenSize, q.row(row), q.bits)
		if err != nil {
			return err
		}
		b.QuantizePack(q.src[row*q.hiddenSize : (row+1)*q.hiddenSize])
		copy(dst[row*q.bits*words:(row+1)*q.bits*words], b.Data())
	}
	return nil
}

// Loss returns the mean squared error between the quantized source and
// the target over all rows.
func (q *QEM) Loss() (float64, error) {
	deq := make([]float32, q.hiddenSize)
	var sum float64

	for row := 0; row < q.outputSize; row++ {
		b, err := NewBinarizer(q.hiddenSize, q.row(row), q.bits)
		if err != nil {
			return 0, err
		}
		b.QuantizePack(q.src[row*q.hiddenSize : (row+1)*q.hiddenSize])
		b.Dequantize(deq)

		tgt := q.tgt[row*q.hiddenSize : (row+1)*q.hiddenSize]
		for i := 0; i < q.hiddenSize; i++ {
			d := float64(deq[i] - tgt[i])
			sum += d * d
		}
	}
	return sum / float64(q.outputSize*q.hiddenSize), nil
}
