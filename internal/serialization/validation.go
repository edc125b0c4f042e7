package serialization

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/tinyllama/internal/tensor"
)

// Limits on untrusted headers.
const (
	MaxHeaderSize    = 100 << 20
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidationLevel selects how much of a header is checked on open.
type ValidationLevel int

const (
	// ValidationStrict also checks that tensor regions are in bounds and
	// disjoint. Default.
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names, dtypes and sizes.
	ValidationNormal
	// ValidationNone trusts the header.
	ValidationNone
)

// ValidateHeader checks h against a data section of dataSize bytes.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if n := len(h.Tensors); n > MaxTensorCount {
		return &ValidationError{Kind: "too_many_tensors", Detail: fmt.Sprintf("%d tensors, limit %d", n, MaxTensorCount)}
	}
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		if err := validateTensorSize(t); err != nil {
			return err
		}
	}
	if level == ValidationStrict {
		return ValidateTensorOffsets(h.Tensors, dataSize)
	}
	return nil
}

// ValidateTensorName rejects names that are empty, too long, or could be
// mistaken for a path.
func ValidateTensorName(name string) error {
	reason := ""
	switch {
	case name == "":
		reason = "empty tensor name"
	case len(name) > MaxTensorNameLen:
		return &ValidationError{Kind: "name_too_long", Tensor: name[:64] + "...",
			Detail: fmt.Sprintf("%d bytes, limit %d", len(name), MaxTensorNameLen)}
	case strings.Contains(name, ".."):
		reason = "contains '..'"
	case strings.ContainsAny(name, "/\\"):
		reason = "contains a path separator"
	case strings.ContainsRune(name, 0):
		reason = "contains a NUL byte"
	default:
		return nil
	}
	return &ValidationError{Kind: "invalid_name", Tensor: name, Detail: reason}
}

// ValidateTensorOffsets checks that every region lies inside the data
// section and that no two regions overlap.
func ValidateTensorOffsets(tensors []TensorMeta, dataSize int64) error {
	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b TensorMeta) int { return cmp.Compare(a.Offset, b.Offset) })

	for i, t := range sorted {
		end := t.Offset + t.Size
		switch {
		case t.Offset < 0 || t.Size < 0:
			return &ValidationError{Kind: "negative_offset", Tensor: t.Name,
				Detail: fmt.Sprintf("offset %d, size %d", t.Offset, t.Size)}
		case end > dataSize:
			return &ValidationError{Kind: "out_of_bounds", Tensor: t.Name,
				Detail: fmt.Sprintf("ends at %d, data section is %d bytes", end, dataSize)}
		case i+1 < len(sorted) && end > sorted[i+1].Offset:
			next := sorted[i+1]
			return &ValidationError{Kind: "offset_overlap", Tensor: t.Name, Other: next.Name,
				Detail: fmt.Sprintf("[%d, %d) and [%d, %d)", t.Offset, end, next.Offset, next.Offset+next.Size)}
		}
	}
	return nil
}

// validateTensorSize checks the recorded byte size against shape and dtype.
func validateTensorSize(t TensorMeta) error {
	dtype, ok := tensor.ParseDataType(t.DType)
	if !ok {
		return &ValidationError{Kind: "unknown_dtype", Tensor: t.Name, Detail: t.DType}
	}
	shape := tensor.Shape(t.Shape)
	if err := shape.Validate(); err != nil {
		return &ValidationError{Kind: "invalid_shape", Tensor: t.Name, Detail: err.Error()}
	}
	if want := int64(shape.NumElements() * dtype.Size()); want != t.Size {
		return &ValidationError{Kind: "size_mismatch", Tensor: t.Name,
			Detail: fmt.Sprintf("shape %v of %s needs %d bytes, header says %d", t.Shape, dtype, want, t.Size)}
	}
	return nil
}
