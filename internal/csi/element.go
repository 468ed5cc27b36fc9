package csi

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ElementType is the storage type of one column of a framed TOB file.
type ElementType uint8

const (
	ElementULong ElementType = iota + 1
	ElementIEEE4
	ElementIEEE4L
	ElementIEEE4B
	ElementFP2
)

var elementTypeNames = map[string]ElementType{
	"ULONG":  ElementULong,
	"IEEE4":  ElementIEEE4,
	"IEEE4L": ElementIEEE4L,
	"IEEE4B": ElementIEEE4B,
	"FP2":    ElementFP2,
}

// ParseElementType maps a header type name to an ElementType.
func ParseElementType(name string) (ElementType, error) {
	t, ok := elementTypeNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: element type %q", ErrUnknownEncoding, name)
	}
	return t, nil
}

func (t ElementType) String() string {
	for name, v := range elementTypeNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("ElementType(%d)", uint8(t))
}

// Size returns the number of bytes one element occupies.
func (t ElementType) Size() int {
	if t == ElementFP2 {
		return 2
	}
	return 4
}

// Decode converts one element to a float. b must hold at least t.Size() bytes.
// Plain IEEE4 and ULONG are stored little-endian, as written by the logger.
func (t ElementType) Decode(b []byte) float64 {
	switch t {
	case ElementULong:
		return DecodeUint32(b, binary.LittleEndian)
	case ElementIEEE4, ElementIEEE4L:
		return DecodeIEEE4(b, binary.LittleEndian)
	case ElementIEEE4B:
		return DecodeIEEE4(b, binary.BigEndian)
	case ElementFP2:
		return DecodeShort(Window{b[0], b[1]})
	}
	return math.NaN()
}

// DecodeUint32 reads an unsigned 32-bit integer in the given byte order.
func DecodeUint32(b []byte, order binary.ByteOrder) float64 {
	return float64(order.Uint32(b))
}

// DecodeIEEE4 reads a 32-bit IEEE-754 float in the given byte order.
func DecodeIEEE4(b []byte, order binary.ByteOrder) float64 {
	return float64(math.Float32frombits(order.Uint32(b)))
}
