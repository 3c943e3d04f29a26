// Package kir defines the kernel intermediate representation: typed
// buffers with memory scopes, loop annotations, and the tile-level
// statements the lowering passes consume.
package kir

// DataType represents runtime type information for buffer elements.
type DataType int

// Supported element types for kernel buffers.
const (
	Float32 DataType = iota
	Float16
	Int32
	Int8
	Uint8
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	default:
		return "unknown"
	}
}

// IsFloat reports whether the data type is a floating-point type.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == Float16
}
