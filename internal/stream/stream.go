// Package stream turns raw input bytes into a sequence of record starts and
// column values. A Synchronizer feeds fixed-size blocks to a Processor, which
// decodes one of the supported layouts and reports to a Handler.
package stream

import (
	"bytes"
	"fmt"
	"strings"
)

// Handler receives decoded tokens in input order. Column numbers follow the
// datalogger convention: the array id occupies column 1 and the first value
// of a record is column 2.
type Handler interface {
	StartRecord(arrayID uint32) error
	Value(column int, v float64) error
}

// Processor decodes as many complete tokens as buf holds and reports how many
// bytes it consumed. Unconsumed bytes are handed back on the next call with
// more data appended.
type Processor interface {
	Process(buf []byte) (consumed int, err error)
}

// Finisher is implemented by processors that can make use of the bytes left
// over at end of stream, such as a final text line without a newline.
type Finisher interface {
	Finish(rest []byte) error
}

// Format identifies an input layout.
type Format int

const (
	FormatAuto Format = iota
	FormatFinal
	FormatText
	FormatTOB1
	FormatTOB2
	FormatTOB3
)

var formatNames = map[Format]string{
	FormatAuto:  "auto",
	FormatFinal: "final",
	FormatText:  "text",
	FormatTOB1:  "tob1",
	FormatTOB2:  "tob2",
	FormatTOB3:  "tob3",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return FormatAuto, fmt.Errorf("unknown input type %q", s)
}

// IsTOB reports whether f is one of the framed TOB layouts.
func (f Format) IsTOB() bool {
	return f == FormatTOB1 || f == FormatTOB2 || f == FormatTOB3
}

// Detect guesses the layout from the first bytes of an input. TOB files start
// with a quoted header naming their type, printable data is the text variant,
// anything else is final-storage binary.
func Detect(prefix []byte) Format {
	head := bytes.TrimLeft(prefix, "\"")
	switch {
	case bytes.HasPrefix(head, []byte("TOB1")):
		return FormatTOB1
	case bytes.HasPrefix(head, []byte("TOB2")):
		return FormatTOB2
	case bytes.HasPrefix(head, []byte("TOB3")):
		return FormatTOB3
	}
	if len(prefix) == 0 {
		return FormatFinal
	}
	for _, b := range prefix {
		if b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		if b < 0x20 || b > 0x7E {
			return FormatFinal
		}
	}
	return FormatText
}
