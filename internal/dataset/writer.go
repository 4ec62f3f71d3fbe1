package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// Writer accumulates records in memory and serializes them to a
// container file. One writer produces either a typed or a raw
// container, fixed at construction.
type Writer struct {
	raw     bool
	header  fileHeader
	payload []byte
}

// NewWriter creates a writer. Raw containers store opaque byte
// payloads; typed containers store F32 tensors with shapes.
func NewWriter(raw bool) *Writer {
	return &Writer{raw: raw, header: fileHeader{Raw: raw}}
}

// AppendRecord adds one record. Typed writers require every tensor to
// carry DType "F32", a positive shape, and matching data length.
func (w *Writer) AppendRecord(tensors ...Tensor) error {
	if len(tensors) == 0 {
		return errors.New("dataset: empty record")
	}
	rec := make([]inputHeader, 0, len(tensors))
	for i, t := range tensors {
		start := int64(len(w.payload))
		if w.raw {
			if t.Raw == nil {
				return fmt.Errorf("dataset: input %d: raw writer needs raw payload", i)
			}
			w.payload = append(w.payload, t.Raw...)
			rec = append(rec, inputHeader{DataOffsets: []int64{start, int64(len(w.payload))}})
			continue
		}
		if t.DType != "F32" {
			return fmt.Errorf("dataset: input %d: unsupported dtype %q", i, t.DType)
		}
		n := 1
		for _, d := range t.Shape {
			if d <= 0 {
				return fmt.Errorf("dataset: input %d: invalid dim %d", i, d)
			}
			n *= d
		}
		if len(t.F32) != n {
			return fmt.Errorf("dataset: input %d: %d floats for shape %v", i, len(t.F32), t.Shape)
		}
		for _, v := range t.F32 {
			w.payload = binary.LittleEndian.AppendUint32(w.payload, math.Float32bits(v))
		}
		rec = append(rec, inputHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{start, int64(len(w.payload))},
		})
	}
	w.header.Records = append(w.header.Records, rec)
	return nil
}

// WriteTo serializes the container to path.
func (w *Writer) WriteTo(path string) error {
	headerJSON, err := json.Marshal(w.header)
	if err != nil {
		return fmt.Errorf("dataset: encode header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(headerJSON); err != nil {
		_ = f.Close()
		return err
	}
	if len(w.payload) > 0 {
		if _, err := f.Write(w.payload); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
