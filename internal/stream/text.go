package stream

import (
	"bytes"
	"math"
	"strings"

	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// TextDecoder decodes the printable variant of final storage: one record per
// line, fields separated by commas, spaces or tabs. The first field is the
// array id, the remaining fields are values.
type TextDecoder struct {
	h      Handler
	sloppy bool
	logger zerolog.Logger

	base   int64
	record int64
}

// NewTextDecoder creates a decoder reporting to h.
func NewTextDecoder(h Handler, sloppy bool, logger zerolog.Logger) *TextDecoder {
	return &TextDecoder{
		h:      h,
		sloppy: sloppy,
		logger: logger.With().Str("component", "text-decoder").Logger(),
	}
}

// Process implements Processor. Only complete lines are consumed.
func (d *TextDecoder) Process(buf []byte) (int, error) {
	i := 0
	for {
		nl := bytes.IndexByte(buf[i:], '\n')
		if nl < 0 {
			break
		}
		if err := d.line(buf[i:i+nl], d.base+int64(i)); err != nil {
			return i, err
		}
		i += nl + 1
	}
	d.base += int64(i)
	return i, nil
}

// Finish implements Finisher: a last line without newline is still a record.
func (d *TextDecoder) Finish(rest []byte) error {
	return d.line(rest, d.base)
}

func isDelimiter(r rune) bool {
	return r == ',' || r == ' ' || r == '\t' || r == '\r'
}

func (d *TextDecoder) line(raw []byte, offset int64) error {
	fields := strings.FieldsFunc(string(raw), isDelimiter)
	if len(fields) == 0 {
		return nil
	}

	m := metrics.Get()
	for col, field := range fields {
		v, err := cast.ToFloat64E(field)
		if csi.ClassifyText(col) == csi.StartOfRecord {
			if err != nil || v < 0 || v > csi.MaxArrayID || v != math.Trunc(v) {
				if ferr := d.malformed(offset, 1, "invalid array id %q", field); ferr != nil {
					return ferr
				}
				// the whole line is unusable without its array id
				return nil
			}
			m.IncStartTokens()
			d.record++
			if err := d.h.StartRecord(uint32(v)); err != nil {
				return err
			}
			continue
		}

		if err != nil {
			if ferr := d.malformed(offset, col+1, "invalid value %q", field); ferr != nil {
				return ferr
			}
			continue
		}
		m.IncTextTokens()
		if err := d.h.Value(col+1, v); err != nil {
			return err
		}
	}
	return nil
}

func (d *TextDecoder) malformed(offset int64, column int, format string, args ...interface{}) error {
	err := csi.NewDecodeError(csi.ErrMalformedStream, d.record, column, offset, format, args...)
	if csi.Fatal(err, d.sloppy) {
		return err
	}
	d.logger.Warn().
		Int64("record", d.record).
		Int("column", column).
		Int64("offset", offset).
		Msg(err.Msg + ", skipping")
	return nil
}
