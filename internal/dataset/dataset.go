// Package dataset reads and writes calibration data containers. A
// container holds an ordered list of records, each a tuple of input
// tensors, stored as an 8-byte little-endian header length, a JSON
// header describing every record, and a raw payload blob.
package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
)

var (
	ErrCorruptRecord = errors.New("dataset: corrupt record")
	// ErrNoMoreRecords signals normal end of data, matched with
	// errors.Is by callers that iterate.
	ErrNoMoreRecords = errors.New("dataset: no more records")
)

// Tensor is one input of one record. Typed containers populate DType,
// Shape and F32; raw containers populate Raw only.
type Tensor struct {
	DType string
	Shape []int
	F32   []float32
	Raw   []byte
}

type inputHeader struct {
	DType       string  `json:"dtype,omitempty"`
	Shape       []int   `json:"shape,omitempty"`
	DataOffsets []int64 `json:"data_offsets"`
}

type fileHeader struct {
	Raw     bool            `json:"raw,omitempty"`
	Records [][]inputHeader `json:"records"`
}

// File is an open calibration container. Payload bytes are read on
// demand with ReadAt, so a File holds no descriptor between calls.
type File struct {
	path      string
	dataStart int64
	dataSize  int64
	raw       bool
	records   [][]inputHeader
}

// Open parses the container header at path and validates every record
// entry against the payload bounds.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: header length: %v", ErrCorruptRecord, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || int64(headerLen) > stat.Size()-8 {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrCorruptRecord, headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptRecord, err)
	}
	var hdr fileHeader
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptRecord, err)
	}

	df := &File{
		path:      path,
		dataStart: int64(8 + headerLen),
		dataSize:  stat.Size() - int64(8+headerLen),
		raw:       hdr.Raw,
		records:   hdr.Records,
	}
	for r, rec := range hdr.Records {
		for i, in := range rec {
			if err := df.validateInput(r, i, in); err != nil {
				return nil, err
			}
		}
	}
	return df, nil
}

func (f *File) validateInput(record, input int, in inputHeader) error {
	if len(in.DataOffsets) != 2 {
		return fmt.Errorf("%w: record %d input %d: invalid data_offsets", ErrCorruptRecord, record, input)
	}
	start, end := in.DataOffsets[0], in.DataOffsets[1]
	if start < 0 || end < start || end > f.dataSize {
		return fmt.Errorf("%w: record %d input %d: offsets [%d,%d) out of range", ErrCorruptRecord, record, input, start, end)
	}
	if f.raw {
		if in.DType != "" || in.Shape != nil {
			return fmt.Errorf("%w: record %d input %d: typed entry in raw container", ErrCorruptRecord, record, input)
		}
		return nil
	}
	if in.DType != "F32" {
		return fmt.Errorf("%w: record %d input %d: unsupported dtype %q", ErrCorruptRecord, record, input, in.DType)
	}
	n := 1
	for _, d := range in.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: record %d input %d: invalid dim %d", ErrCorruptRecord, record, input, d)
		}
		n *= d
	}
	if end-start != int64(n)*4 {
		return fmt.Errorf("%w: record %d input %d: payload %d bytes, want %d", ErrCorruptRecord, record, input, end-start, n*4)
	}
	return nil
}

// NumRecords reports the record count.
func (f *File) NumRecords() int { return len(f.records) }

// NumInputs reports the input count of one record.
func (f *File) NumInputs(record int) (int, error) {
	if record < 0 || record >= len(f.records) {
		return 0, fmt.Errorf("%w: record %d", ErrNoMoreRecords, record)
	}
	return len(f.records[record]), nil
}

// IsRaw reports whether the container stores untyped payloads.
func (f *File) IsRaw() bool { return f.raw }

// ReadTensor loads one input of one record from disk.
func (f *File) ReadTensor(record, input int) (Tensor, error) {
	if record < 0 || record >= len(f.records) {
		return Tensor{}, fmt.Errorf("%w: record %d", ErrNoMoreRecords, record)
	}
	rec := f.records[record]
	if input < 0 || input >= len(rec) {
		return Tensor{}, fmt.Errorf("%w: record %d input %d not present", ErrCorruptRecord, record, input)
	}
	in := rec[input]

	file, err := os.Open(f.path)
	if err != nil {
		return Tensor{}, err
	}
	defer func() { _ = file.Close() }()

	raw := make([]byte, in.DataOffsets[1]-in.DataOffsets[0])
	if _, err := file.ReadAt(raw, f.dataStart+in.DataOffsets[0]); err != nil {
		return Tensor{}, fmt.Errorf("%w: record %d input %d: %v", ErrCorruptRecord, record, input, err)
	}

	if f.raw {
		return Tensor{Raw: raw}, nil
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return Tensor{DType: in.DType, Shape: in.Shape, F32: data}, nil
}

// ReadRecord loads every input of one record. A record index past the
// end returns ErrNoMoreRecords.
func (f *File) ReadRecord(record int) ([]Tensor, error) {
	if record < 0 || record >= len(f.records) {
		return nil, fmt.Errorf("%w: record %d", ErrNoMoreRecords, record)
	}
	out := make([]Tensor, len(f.records[record]))
	for i := range out {
		t, err := f.ReadTensor(record, i)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
