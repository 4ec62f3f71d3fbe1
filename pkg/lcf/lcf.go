// Package lcf implements the LQ Container File format.
//
// LCF is a single-file, memory-mappable container for fully-connected
// networks with learned-quantization operators. It stores a JSON graph
// description plus a raw little-endian tensor payload section, so a
// consumer can rebuild the model without any side metadata.
package lcf

const (
	// MagicLCF is the file magic for all LCF containers.
	// It is encoded as "LCF\0".
	MagicLCF = "LCF\x00"

	// Current Major Version: any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// Current Minor Version: versions may add new optional sections.
	CurrentMinor uint16 = 0
)

type SectionType uint32

const (
	SectionModelInfo  SectionType = 0x0001
	SectionGraph      SectionType = 0x0002
	SectionTensorData SectionType = 0x0003
)

type LCFHeader struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *LCFHeader) Valid() bool {
	if string(h.Magic[:]) != MagicLCF {
		return false
	}
	if h.HeaderSize < lcfHeaderSize {
		return false
	}
	if h.SectionCount == 0 {
		return false
	}
	return true
}

func (h *LCFHeader) Compatible() bool {
	return h.Major == CurrentMajor
}

type LCFSection struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *LCFSection) End() uint64 {
	return s.Offset + s.Size
}
