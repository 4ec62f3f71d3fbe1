package lcf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid LCF magic")
	ErrUnsupportedMajor = errors.New("unsupported LCF major version")
	ErrCorruptFile      = errors.New("corrupt LCF file")
	ErrMissingSection   = errors.New("missing LCF section")
)
