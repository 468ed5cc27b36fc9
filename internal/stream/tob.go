package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

const tobFooterSize = 4

// Columns 2..5 of a TOB2/TOB3 row carry its timestamp.
const (
	ColumnYear = 2 + iota
	ColumnDayOfYear
	ColumnHourMin
	ColumnSeconds
)

var intervalUnits = map[string]float64{
	"USEC": 1e-6,
	"MSEC": 1e-3,
	"SEC":  1,
	"MIN":  60,
	"HR":   3600,
}

// TOBHeader is the information carried by the ASCII header of a TOB file.
type TOBHeader struct {
	Format      Format
	Environment []string
	Table       string
	Interval    float64 // seconds between rows, TOB2/TOB3 only
	FrameLength int     // bytes per frame including header and footer, TOB2/TOB3 only
	Names       []string
	Units       []string
	Types       []csi.ElementType
}

// TOBDecoder decodes TOB1, TOB2 and TOB3 files. Every data row becomes one
// record with a fixed array id.
type TOBDecoder struct {
	h       Handler
	arrayID uint32
	logger  zerolog.Logger

	header    TOBHeader
	lineNo    int
	inData    bool
	base      int64
	record    int64
	clock     *SubClock
	rowOpen   bool
	col       int
	needFrame bool // the first frame header is still to be read
	inFrame   int  // bytes consumed in the current frame
}

// NewTOBDecoder creates a decoder for the given layout. FormatAuto takes the
// layout from the first header line.
func NewTOBDecoder(h Handler, format Format, arrayID uint32, logger zerolog.Logger) *TOBDecoder {
	return &TOBDecoder{
		h:         h,
		arrayID:   arrayID,
		logger:    logger.With().Str("component", "tob-decoder").Logger(),
		header:    TOBHeader{Format: format},
		needFrame: true,
	}
}

// Header returns the parsed header. It is complete once the first row was decoded.
func (d *TOBDecoder) Header() TOBHeader {
	return d.header
}

// Process implements Processor.
func (d *TOBDecoder) Process(buf []byte) (int, error) {
	i := 0
	for !d.inData {
		nl := bytes.IndexByte(buf[i:], '\n')
		if nl < 0 {
			d.base += int64(i)
			return i, nil
		}
		line := strings.TrimRight(string(buf[i:i+nl]), "\r")
		if err := d.headerLine(line, d.base+int64(i)); err != nil {
			return i, err
		}
		i += nl + 1
	}

	m := metrics.Get()
	framed := d.framed()
	for {
		if framed && (d.needFrame || d.inFrame+4 >= d.header.FrameLength) {
			skip := tobFooterSize
			if d.needFrame {
				skip = 0
			}
			need := skip + d.frameHeaderSize()
			if len(buf)-i < need {
				break
			}
			d.readFrameHeader(buf[i+skip : i+need])
			m.IncFramesRead()
			i += need
		}

		t := d.header.Types[d.col]
		size := t.Size()
		if len(buf)-i < size {
			break
		}

		if !d.rowOpen {
			if err := d.openRow(); err != nil {
				return i, err
			}
		}

		m.IncElements()
		if err := d.h.Value(d.firstDataColumn()+d.col, t.Decode(buf[i:i+size])); err != nil {
			return i, err
		}
		i += size
		d.inFrame += size
		d.col++

		if d.col == len(d.header.Types) {
			d.rowOpen = false
			d.col = 0
			if framed {
				d.clock.Advance()
			}
		}
	}

	d.base += int64(i)
	return i, nil
}

// Finish implements Finisher. A stream that ends inside the header is an
// error, bytes of an incomplete frame or row are dropped.
func (d *TOBDecoder) Finish(rest []byte) error {
	if !d.inData && len(rest) > 0 {
		line := strings.TrimRight(string(rest), "\r")
		if err := d.headerLine(line, d.base); err != nil {
			return err
		}
		rest = nil
	}
	if !d.inData {
		return d.headerError(d.base, "input ends after %d of %d header lines", d.lineNo, d.typeLine()+1)
	}

	if len(rest) > 0 || d.rowOpen {
		metrics.Get().IncDiscardedBytes(int64(len(rest)))
		d.logger.Debug().
			Int("bytes", len(rest)).
			Int("columns_read", d.col).
			Int64("offset", d.base).
			Msg("Discarding incomplete TOB row at end of stream")
	}
	return nil
}

func (d *TOBDecoder) framed() bool {
	return d.header.Format == FormatTOB2 || d.header.Format == FormatTOB3
}

func (d *TOBDecoder) frameHeaderSize() int {
	if d.header.Format == FormatTOB3 {
		return 12
	}
	return 8
}

func (d *TOBDecoder) firstDataColumn() int {
	if d.framed() {
		return ColumnSeconds + 1
	}
	return 2
}

// typeLine returns the index of the header line listing element types.
func (d *TOBDecoder) typeLine() int {
	if d.header.Format == FormatTOB1 {
		return 4
	}
	return 5
}

func (d *TOBDecoder) headerLine(line string, offset int64) error {
	fields, err := splitHeader(line)
	if err != nil {
		return d.headerError(offset, "unreadable header line %d: %v", d.lineNo+1, err)
	}
	defer func() { d.lineNo++ }()

	if d.lineNo == 0 {
		d.header.Environment = fields
		if len(fields) == 0 {
			return d.headerError(offset, "empty environment line")
		}
		named, err := ParseFormat(fields[0])
		switch {
		case d.header.Format == FormatAuto && (err != nil || !named.IsTOB()):
			return d.headerError(offset, "unknown file type %q", fields[0])
		case d.header.Format == FormatAuto:
			d.header.Format = named
		case err == nil && named != d.header.Format:
			d.logger.Warn().
				Str("header", named.String()).
				Str("using", d.header.Format.String()).
				Msg("File type in header differs from the configured input type")
		}
		return nil
	}

	namesLine := 1
	if d.framed() {
		namesLine = 2
	}

	switch {
	case d.lineNo == 1 && d.framed():
		return d.tableLine(fields, offset)
	case d.lineNo == namesLine:
		d.header.Names = fields
	case d.lineNo == namesLine+1:
		d.header.Units = fields
	case d.lineNo == d.typeLine():
		return d.typesLine(fields, offset)
	}
	return nil
}

func (d *TOBDecoder) tableLine(fields []string, offset int64) error {
	if len(fields) < 3 {
		return d.headerError(offset, "table line has %d fields, want at least 3", len(fields))
	}
	d.header.Table = fields[0]

	interval, err := parseInterval(fields[1])
	if err != nil {
		return d.headerError(offset, "cannot decode sampling interval %q: %v", fields[1], err)
	}
	d.header.Interval = interval

	frameLength, err := cast.ToIntE(strings.TrimSpace(fields[2]))
	if err != nil || frameLength <= d.frameHeaderSize()+tobFooterSize {
		return d.headerError(offset, "cannot decode frame length %q", fields[2])
	}
	d.header.FrameLength = frameLength
	return nil
}

func (d *TOBDecoder) typesLine(fields []string, offset int64) error {
	types := make([]csi.ElementType, 0, len(fields))
	for _, f := range fields {
		t, err := csi.ParseElementType(strings.TrimSpace(f))
		if err != nil {
			return csi.NewDecodeError(csi.ErrUnknownEncoding, 0, len(types)+d.firstDataColumn(), offset,
				"data type %q in TOB header", f)
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return d.headerError(offset, "no element types in header")
	}
	d.header.Types = types
	d.clock = NewSubClock(d.header.Interval)
	d.inData = true

	d.logger.Debug().
		Str("format", d.header.Format.String()).
		Int("columns", len(types)).
		Float64("interval", d.header.Interval).
		Int("frame_length", d.header.FrameLength).
		Msg("TOB header parsed")
	return nil
}

func (d *TOBDecoder) readFrameHeader(b []byte) {
	seconds := binary.LittleEndian.Uint32(b[0:4])
	d.clock.Reset(TOBTime(seconds))
	d.inFrame = len(b)
	d.needFrame = false
	d.logger.Trace().Time("frame_time", d.clock.Time()).Int64("record", d.record).Msg("TOB frame")
}

func (d *TOBDecoder) openRow() error {
	d.record++
	d.rowOpen = true
	metrics.Get().IncStartTokens()
	if err := d.h.StartRecord(d.arrayID); err != nil {
		return err
	}
	if !d.framed() {
		return nil
	}

	st := d.clock.Stamp()
	stamp := [...]float64{float64(st.Year), float64(st.DayOfYear), float64(st.HourMin), st.Seconds}
	for k, v := range stamp {
		if err := d.h.Value(ColumnYear+k, v); err != nil {
			return err
		}
	}
	return nil
}

// Header problems are configuration defects and stop decoding in any mode.
func (d *TOBDecoder) headerError(offset int64, format string, args ...interface{}) error {
	return csi.NewDecodeError(csi.ErrMalformedStream, 0, 0, offset, format, args...)
}

func splitHeader(line string) ([]string, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	r := csv.NewReader(strings.NewReader(line))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return r.Read()
}

// parseInterval converts "100 MSEC", "1 SEC" or "30 MIN" to seconds.
func parseInterval(s string) (float64, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want <number> <unit>")
	}
	mult, ok := intervalUnits[strings.ToUpper(parts[1])]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", parts[1])
	}
	n, err := cast.ToFloat64E(parts[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid number %q", parts[0])
	}
	return n * mult, nil
}
