// Package gguf writes and reads GGUF v3 containers: a key/value metadata
// section, a tensor directory, and 32-byte-aligned tensor payloads.
package gguf

import "fmt"

const (
	// Magic is the little-endian encoding of "GGUF".
	Magic   uint32 = 0x46554747
	Version uint32 = 3
	// Alignment applies to the data section start and to every tensor offset
	// within it.
	Alignment = 32
)

// ValueType tags a metadata value on the wire.
type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// TensorType is the ggml storage type of a tensor payload.
type TensorType uint32

const (
	TypeF32  TensorType = 0
	TypeF16  TensorType = 1
	TypeQ8_0 TensorType = 8
	TypeQ4_K TensorType = 12
)

func (t TensorType) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	case TypeQ8_0:
		return "Q8_0"
	case TypeQ4_K:
		return "Q4_K"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// ByteSize returns the encoded payload length for n elements.
func (t TensorType) ByteSize(n uint64) (uint64, error) {
	switch t {
	case TypeF32:
		return n * 4, nil
	case TypeF16:
		return n * 2, nil
	case TypeQ8_0:
		if n%32 != 0 {
			return 0, fmt.Errorf("gguf: q8_0 element count %d not a multiple of 32", n)
		}
		return n / 32 * 34, nil
	case TypeQ4_K:
		if n%256 != 0 {
			return 0, fmt.Errorf("gguf: q4_k element count %d not a multiple of 256", n)
		}
		return n / 256 * 144, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// TensorInfo is one directory entry. Offset is relative to the data section.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Elements returns the product of the entry's dims.
func (t TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

func align(off uint64) uint64 {
	return (off + Alignment - 1) &^ (Alignment - 1)
}
