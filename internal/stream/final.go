package stream

import (
	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/rs/zerolog"
)

// FinalStorageDecoder decodes the compact 2/4-byte final-storage encoding.
type FinalStorageDecoder struct {
	h      Handler
	sloppy bool
	logger zerolog.Logger

	base    int64 // input offset of the buffer passed to Process
	record  int64 // 1-based number of the current record, 0 before the first
	column  int
	skipped int64 // values seen before the first start of record
}

// NewFinalStorageDecoder creates a decoder reporting to h. In sloppy mode
// malformed token sequences are logged and skipped one byte at a time.
func NewFinalStorageDecoder(h Handler, sloppy bool, logger zerolog.Logger) *FinalStorageDecoder {
	return &FinalStorageDecoder{
		h:      h,
		sloppy: sloppy,
		logger: logger.With().Str("component", "final-decoder").Logger(),
	}
}

// Process implements Processor.
func (d *FinalStorageDecoder) Process(buf []byte) (int, error) {
	m := metrics.Get()
	i := 0

loop:
	for len(buf)-i >= 2 {
		w := csi.WindowAt(buf, i)

		switch csi.Classify(w) {
		case csi.StartOfRecord:
			m.IncStartTokens()
			d.record++
			d.column = 1
			if err := d.h.StartRecord(csi.DecodeArrayID(w)); err != nil {
				return i, err
			}
			i += 2

		case csi.ShortValue:
			m.IncShortTokens()
			if err := d.value(csi.DecodeShort(w)); err != nil {
				return i, err
			}
			i += 2

		case csi.LongValueHead:
			if len(buf)-i < 4 {
				// tail arrives with the next block
				break loop
			}
			tail := csi.WindowAt(buf, i+2)
			if csi.Classify(tail) != csi.LongValueTail {
				if err := d.malformed(i, "long value head 0x%02x%02x not followed by a tail", w[0], w[1]); err != nil {
					return i, err
				}
				i++
				continue
			}
			v, err := csi.DecodeLong(w, tail)
			if err != nil {
				return i, csi.NewDecodeError(csi.ErrUnknownEncoding, d.record, d.column+1, d.base+int64(i),
					"selector 0x%02x", w[0]&0x83)
			}
			m.IncLongTokens()
			if err := d.value(v); err != nil {
				return i, err
			}
			i += 4

		case csi.LongValueTail:
			if err := d.malformed(i, "stray long value tail 0x%02x%02x", w[0], w[1]); err != nil {
				return i, err
			}
			i++

		case csi.DummyWord:
			m.IncDummyTokens()
			i += 2
		}
	}

	d.base += int64(i)
	return i, nil
}

func (d *FinalStorageDecoder) value(v float64) error {
	if d.record == 0 {
		// the stream started in the middle of a record
		d.skipped++
		if d.skipped == 1 {
			d.logger.Debug().Msg("Skipping values before the first start of record")
		}
		return nil
	}
	d.column++
	return d.h.Value(d.column, v)
}

// malformed returns a decode error in strict mode. In sloppy mode it logs the
// anomaly and returns nil so the caller advances by one byte.
func (d *FinalStorageDecoder) malformed(i int, format string, args ...interface{}) error {
	err := csi.NewDecodeError(csi.ErrMalformedStream, d.record, d.column+1, d.base+int64(i), format, args...)
	if csi.Fatal(err, d.sloppy) {
		return err
	}
	metrics.Get().IncResyncs()
	d.logger.Warn().
		Int64("record", d.record).
		Int("column", d.column+1).
		Int64("offset", d.base+int64(i)).
		Msg(err.Msg + ", advancing one byte")
	return nil
}
