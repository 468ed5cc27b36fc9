package csi

import "fmt"

// MaxArrayID is the largest array id the 10-bit field can carry.
const MaxArrayID = 1023

// MaxShortMagnitude is the largest magnitude a low resolution value can carry
// without its first byte colliding with the 0x1C marker bits.
const MaxShortMagnitude = 0x1BFF

// MaxLongMagnitude is the largest magnitude of a high resolution value (17 bits).
const MaxLongMagnitude = 0x1FFFF

const (
	shortSignMask  = 0x80
	shortScaleMask = 0x60
	longSignMask   = 0x40
	longScaleMask  = 0x83
	arrayIDMask    = 0x03
)

var shortScales = [4]float64{1, 0.1, 0.01, 0.001}

// longScaleSelectors maps a scale index to the head byte bits selecting it.
var longScaleSelectors = [6]byte{0x00, 0x80, 0x01, 0x81, 0x02, 0x82}

var longScales = [6]float64{1, 0.1, 0.01, 0.001, 0.0001, 0.00001}

// DecodeShort decodes a low resolution value.
func DecodeShort(w Window) float64 {
	sign := 1.0
	if w[0]&shortSignMask != 0 {
		sign = -1.0
	}
	scale := shortScales[(w[0]&shortScaleMask)>>5]
	magnitude := int(w[0]&0x1F)*256 + int(w[1])
	return float64(magnitude) * sign * scale
}

// DecodeLong decodes a high resolution value from its two halves.
func DecodeLong(head, tail Window) (float64, error) {
	sign := 1.0
	if head[0]&longSignMask != 0 {
		sign = -1.0
	}
	scale, ok := longScale(head[0] & longScaleMask)
	if !ok {
		return 0, fmt.Errorf("%w: decimal selector 0x%02x", ErrUnknownEncoding, head[0]&longScaleMask)
	}
	magnitude := int(tail[0]&0x01)*65536 + int(head[1])*256 + int(tail[1])
	return float64(magnitude) * sign * scale, nil
}

func longScale(selector byte) (float64, bool) {
	for i, s := range longScaleSelectors {
		if s == selector {
			return longScales[i], true
		}
	}
	return 0, false
}

// DecodeArrayID extracts the array id from a start-of-record window.
func DecodeArrayID(w Window) uint32 {
	return uint32(w[0]&arrayIDMask)*256 + uint32(w[1])
}

// EncodeShort builds a low resolution window. scale indexes {1, 0.1, 0.01, 0.001}.
func EncodeShort(magnitude uint16, negative bool, scale int) (Window, error) {
	if magnitude > MaxShortMagnitude {
		return Window{}, fmt.Errorf("magnitude %d exceeds %d", magnitude, MaxShortMagnitude)
	}
	if scale < 0 || scale >= len(shortScales) {
		return Window{}, fmt.Errorf("scale index %d out of range", scale)
	}
	b0 := byte(scale<<5) | byte(magnitude>>8)
	if negative {
		b0 |= shortSignMask
	}
	return Window{b0, byte(magnitude)}, nil
}

// EncodeLong builds the two halves of a high resolution value.
// scale indexes {1, 0.1, 0.01, 0.001, 0.0001, 0.00001}.
func EncodeLong(magnitude uint32, negative bool, scale int) (head, tail Window, err error) {
	if magnitude > MaxLongMagnitude {
		return head, tail, fmt.Errorf("magnitude %d exceeds %d", magnitude, MaxLongMagnitude)
	}
	if scale < 0 || scale >= len(longScaleSelectors) {
		return head, tail, fmt.Errorf("scale index %d out of range", scale)
	}
	h0 := byte(0x1C) | longScaleSelectors[scale]
	if negative {
		h0 |= longSignMask
	}
	head = Window{h0, byte(magnitude >> 8)}
	tail = Window{0x3C | byte(magnitude>>16)&0x01, byte(magnitude)}
	return head, tail, nil
}

// EncodeArrayID builds a start-of-record window for the given array id.
func EncodeArrayID(id uint32) (Window, error) {
	if id > MaxArrayID {
		return Window{}, fmt.Errorf("array id %d exceeds %d", id, MaxArrayID)
	}
	return Window{0xFC | byte(id>>8)&arrayIDMask, byte(id)}, nil
}
