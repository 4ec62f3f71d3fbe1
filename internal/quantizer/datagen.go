package quantizer

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/lqnet/internal/dataset"
)

// DataGenerator produces a lazy finite sequence of input records. Each
// record carries one float vector per graph input, in graph input
// order. Exhaustion is signalled with dataset.ErrNoMoreRecords and is
// not an error condition.
type DataGenerator interface {
	Next() ([][]float32, error)
	Reset()
}

// RandomGenerator samples records from U(0,1). The record count is
// capped so a training pass terminates without external data.
type RandomGenerator struct {
	sizes   []int
	limit   int
	emitted int
	rng     *rand.Rand
}

// NewRandomGenerator builds a generator producing limit records, each
// with one uniform vector per entry of sizes.
func NewRandomGenerator(sizes []int, limit int, seed int64) *RandomGenerator {
	return &RandomGenerator{
		sizes: sizes,
		limit: limit,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (g *RandomGenerator) Next() ([][]float32, error) {
	if g.emitted >= g.limit {
		return nil, dataset.ErrNoMoreRecords
	}
	g.emitted++
	record := make([][]float32, len(g.sizes))
	for i, n := range g.sizes {
		vec := make([]float32, n)
		for j := range vec {
			vec[j] = g.rng.Float32()
		}
		record[i] = vec
	}
	return record, nil
}

// Reset rewinds the record counter. The random sequence continues, it
// is not replayed.
func (g *RandomGenerator) Reset() { g.emitted = 0 }

// FileGenerator replays records from a calibration container. Typed
// containers are checked element-count by element-count against the
// expected input sizes; raw containers are reinterpreted as packed
// little-endian float32.
type FileGenerator struct {
	file  *dataset.File
	sizes []int
	next  int
}

func NewFileGenerator(f *dataset.File, sizes []int) *FileGenerator {
	return &FileGenerator{file: f, sizes: sizes}
}

func (g *FileGenerator) Next() ([][]float32, error) {
	rec, err := g.file.ReadRecord(g.next)
	if err != nil {
		return nil, err
	}
	g.next++

	if len(rec) != len(g.sizes) {
		return nil, fmt.Errorf("%w: record %d has %d inputs, model wants %d",
			dataset.ErrCorruptRecord, g.next-1, len(rec), len(g.sizes))
	}
	record := make([][]float32, len(rec))
	for i, t := range rec {
		data := t.F32
		if g.file.IsRaw() {
			if len(t.Raw)%4 != 0 {
				return nil, fmt.Errorf("%w: record %d input %d raw payload not float-aligned",
					dataset.ErrCorruptRecord, g.next-1, i)
			}
			data = rawToF32(t.Raw)
		}
		if len(data) != g.sizes[i] {
			return nil, fmt.Errorf("%w: record %d input %d has %d elements, model wants %d",
				dataset.ErrCorruptRecord, g.next-1, i, len(data), g.sizes[i])
		}
		record[i] = data
	}
	return record, nil
}

func (g *FileGenerator) Reset() { g.next = 0 }

func rawToF32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
