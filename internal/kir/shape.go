package kir

import "github.com/pkg/errors"

// Shape represents the dimensions of a buffer.
type Shape []int

// NumElements returns the total number of elements in the buffer.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return errors.Wrapf(ErrShape, "invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Rows returns the second-to-last dimension, or 1 for vectors.
func (s Shape) Rows() int {
	if len(s) < 2 {
		return 1
	}
	return s[len(s)-2]
}

// Cols returns the innermost dimension.
func (s Shape) Cols() int {
	if len(s) == 0 {
		return 1
	}
	return s[len(s)-1]
}
