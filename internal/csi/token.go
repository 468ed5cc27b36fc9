// Package csi implements the bit-level codec of Campbell Scientific final-storage
// data: classification of 2-byte windows into token kinds and decoding of the
// low resolution (2-byte) and high resolution (4-byte) value encodings.
//
// Final-storage layout:
//
//	111111aa aaaaaaaa   start of output array, a = 10-bit array id
//	sddmmmmm mmmmmmmm   low resolution value: s sign, d decimal selector, m magnitude
//	dsd111dd mmmmmmmm   first half of a high resolution value
//	0011110m mmmmmmmm   second half of a high resolution value
//
// Windows whose first byte has bits 0x1C set but match none of the above are
// dummy words and carry no value.
package csi

// TokenKind is the semantic type of a token window.
type TokenKind uint8

const (
	Unknown TokenKind = iota
	StartOfRecord
	ShortValue
	LongValueHead
	LongValueTail
	DummyWord
	TextValue
)

var tokenKindNames = [...]string{
	Unknown:       "unknown",
	StartOfRecord: "start-of-record",
	ShortValue:    "short-value",
	LongValueHead: "long-value-head",
	LongValueTail: "long-value-tail",
	DummyWord:     "dummy-word",
	TextValue:     "text-value",
}

func (k TokenKind) String() string {
	if int(k) < len(tokenKindNames) {
		return tokenKindNames[k]
	}
	return "unknown"
}

// Window is a 2-byte view of the input at the current position.
type Window [2]byte

// WindowAt returns the window starting at buf[i]. The caller guarantees i+1 < len(buf).
func WindowAt(buf []byte, i int) Window {
	return Window{buf[i], buf[i+1]}
}

type bytePattern struct {
	mask    byte
	pattern byte
	kind    TokenKind
}

// patterns is checked in order; the most specific pattern comes first.
var patterns = [...]bytePattern{
	{mask: 0xFC, pattern: 0xFC, kind: StartOfRecord},
	{mask: 0x3C, pattern: 0x1C, kind: LongValueHead},
	{mask: 0xFC, pattern: 0x3C, kind: LongValueTail},
	{mask: 0x1C, pattern: 0x1C, kind: DummyWord},
}

// Classify determines the token kind of a binary window from the leading bits
// of its first byte. Anything not matching a pattern is a low resolution value.
func Classify(w Window) TokenKind {
	for _, p := range patterns {
		if w[0]&p.mask == p.pattern {
			return p.kind
		}
	}
	return ShortValue
}

// ClassifyText determines the token kind of a field in the printable format,
// where the first field of a line carries the array id.
func ClassifyText(column int) TokenKind {
	if column == 0 {
		return StartOfRecord
	}
	return TextValue
}

// Width returns the number of bytes a token of this kind occupies in the binary format.
func (k TokenKind) Width() int {
	if k == LongValueHead {
		return 4
	}
	return 2
}
