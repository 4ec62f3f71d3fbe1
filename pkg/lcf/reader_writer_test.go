package lcf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.lcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("model-info")); err != nil {
		t.Fatalf("write model info: %v", err)
	}
	if err := w.WriteSection(SectionTensorData, 1, []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("write tensor data: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close writer file: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()

	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	lf, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() {
		if cerr := lf.Close(); cerr != nil {
			t.Fatalf("close lcf file: %v", cerr)
		}
	}()

	if lf.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if lf.Header == nil {
		t.Fatalf("missing header")
	}
	if lf.Header.HeaderSize != lcfHeaderSize {
		t.Fatalf("header size mismatch: got %d want %d", lf.Header.HeaderSize, lcfHeaderSize)
	}

	infoSec := lf.Section(SectionModelInfo)
	if infoSec == nil {
		t.Fatalf("missing model info section")
	}
	got := lf.SectionData(infoSec)
	if !bytes.Equal(got, []byte("model-info")) {
		t.Fatalf("model info mismatch: got %q", string(got))
	}

	dataSec := lf.Section(SectionTensorData)
	if dataSec == nil {
		t.Fatalf("missing tensor data section")
	}
	if dataSec.Offset%lcfAlign != 0 {
		t.Fatalf("tensor data not aligned: offset %d", dataSec.Offset)
	}
	if !bytes.Equal(lf.SectionData(dataSec), []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("tensor data mismatch")
	}
}

func TestOpenMmapRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.lcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionGraph, 1, []byte(`{"name":"g"}`)); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close writer file: %v", err)
	}

	lf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = lf.Close() }()

	sec := lf.Section(SectionGraph)
	if sec == nil {
		t.Fatalf("missing graph section")
	}
	if sec.Version != 1 {
		t.Fatalf("section version: got %d want 1", sec.Version)
	}
	if !bytes.Equal(lf.SectionData(sec), []byte(`{"name":"g"}`)) {
		t.Fatalf("graph payload mismatch")
	}
}

func TestWriterRejectsDuplicateSectionType(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.lcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("a")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("b")); err == nil {
		t.Fatalf("duplicate section type should fail")
	}
}

func TestOpenRejectsBadFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	good := filepath.Join(dir, "good.lcf")
	f, err := os.Create(good)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("info")); err != nil {
		t.Fatalf("write section: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := os.ReadFile(good)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		t.Parallel()
		mutated := bytes.Clone(raw)
		mutated[0] = 'X'
		if _, err := OpenReaderAt(bytes.NewReader(mutated), int64(len(mutated))); err != ErrInvalidMagic {
			t.Fatalf("got %v, want ErrInvalidMagic", err)
		}
	})

	t.Run("unsupported major", func(t *testing.T) {
		t.Parallel()
		mutated := bytes.Clone(raw)
		binary.LittleEndian.PutUint16(mutated[4:6], CurrentMajor+1)
		if _, err := OpenReaderAt(bytes.NewReader(mutated), int64(len(mutated))); err != ErrUnsupportedMajor {
			t.Fatalf("got %v, want ErrUnsupportedMajor", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		mutated := raw[:len(raw)-8]
		if _, err := OpenReaderAt(bytes.NewReader(mutated), int64(len(mutated))); err != ErrCorruptFile {
			t.Fatalf("got %v, want ErrCorruptFile", err)
		}
	})

	t.Run("too small", func(t *testing.T) {
		t.Parallel()
		small := raw[:lcfHeaderSize-1]
		if _, err := OpenReaderAt(bytes.NewReader(small), int64(len(small))); err != ErrCorruptFile {
			t.Fatalf("got %v, want ErrCorruptFile", err)
		}
	})

	t.Run("section out of bounds", func(t *testing.T) {
		t.Parallel()
		mutated := bytes.Clone(raw)
		dirOff := binary.LittleEndian.Uint64(mutated[16:24])
		// First directory entry: size field at +16.
		binary.LittleEndian.PutUint64(mutated[dirOff+16:dirOff+24], uint64(len(mutated)))
		if _, err := OpenReaderAt(bytes.NewReader(mutated), int64(len(mutated))); !errors.Is(err, ErrCorruptFile) {
			t.Fatalf("got %v, want ErrCorruptFile", err)
		}
	})
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := LCFHeader{
		Magic:            [4]byte{'L', 'C', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       lcfHeaderSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [lcfHeaderSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decodedH, ok := decodeHeader(hdrRaw[:])
	if !ok {
		t.Fatalf("decode header failed")
	}
	if decodedH != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decodedH, h)
	}

	s := LCFSection{
		Type:    0x11223344,
		Version: 0x55667788,
		Offset:  0x0102030405060708,
		Size:    0x1112131415161718,
	}
	var secRaw [lcfSectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	if secRaw[8] != 0x08 || secRaw[15] != 0x01 {
		t.Fatalf("section offset is not little-endian: %x", secRaw[8:16])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok {
		t.Fatalf("decode section failed")
	}
	if decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}
