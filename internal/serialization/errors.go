package serialization

import (
	"errors"
	"fmt"
)

// Errors returned while reading checkpoints and token shards.
var (
	ErrInvalidMagic       = errors.New("not a .born checkpoint")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint format version")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrChecksumMismatch   = errors.New("checksum mismatch: checkpoint is corrupted or truncated")
	ErrOutOfBounds        = errors.New("tensor extends beyond data section")
	ErrTensorNotFound     = errors.New("tensor not found")

	// ErrOddLength is returned for a token shard whose size is not a whole
	// number of uint16 ids.
	ErrOddLength = errors.New("file length is not a multiple of the element size")
)

// ValidationError describes a header entry that fails a structural check.
// Kind is a short tag such as "offset_overlap" or "size_mismatch".
type ValidationError struct {
	Kind   string
	Tensor string
	Other  string // second tensor of an overlap
	Detail string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Other != "":
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Kind, e.Tensor, e.Other, e.Detail)
	case e.Tensor != "":
		return fmt.Sprintf("%s: tensor %q: %s", e.Kind, e.Tensor, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}
