package tensor

import (
	"fmt"
	"slices"
)

// Shape lists the dimensions of a row-major tensor. The empty shape is a
// scalar.
type Shape []int

// NumElements is the product of the dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects zero and negative dimensions.
func (s Shape) Validate() error {
	if i := slices.IndexFunc(s, func(d int) bool { return d <= 0 }); i >= 0 {
		return fmt.Errorf("dimension %d is %d, must be positive", i, s[i])
	}
	return nil
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// Clone returns a copy that does not share storage with s.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// Rows splits the shape into the leading dimension and the product of the
// rest, so a weight of shape [out, in] yields (out, in).
func (s Shape) Rows() (rows, cols int) {
	if len(s) == 0 {
		return 1, 1
	}
	return s[0], s[1:].NumElements()
}
