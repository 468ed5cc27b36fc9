package stream

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tob3Header = `"TOB3","1234","CR1000","5678","CR1000.Std.20","CPU:flux.CR1","12345","Flux"
"Flux","100 MSEC","40","100","1234","Sec100Usec","0","0","0"
"T","RH"
"C","%"
"Smp","Smp"
"IEEE4","FP2"
`

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func ieee4(v float32) []byte {
	return le32(math.Float32bits(v))
}

func fp2(t *testing.T, mag uint16, scale int) []byte {
	w, err := csi.EncodeShort(mag, false, scale)
	require.NoError(t, err)
	return w[:]
}

// tob3Frame builds a 40-byte frame holding four (IEEE4, FP2) rows.
func tob3Frame(t *testing.T, seconds uint32, first float32) []byte {
	var b bytes.Buffer
	b.Write(le32(seconds))
	b.Write(le32(0))
	b.Write(le32(0))
	for r := 0; r < 4; r++ {
		b.Write(ieee4(first + float32(r)))
		b.Write(fp2(t, uint16(500+r), 1))
	}
	b.Write([]byte{0, 0, 0, 0}) // footer
	require.Equal(t, 40, b.Len())
	return b.Bytes()
}

func tob3File(t *testing.T) []byte {
	var b bytes.Buffer
	b.WriteString(tob3Header)
	b.Write(tob3Frame(t, 1_000_000, 20))
	b.Write(tob3Frame(t, 1_000_060, 30))
	return b.Bytes()
}

func decodeTOB(t *testing.T, data []byte, format Format, blockSize int) (*recordingHandler, *TOBDecoder, error) {
	t.Helper()
	h := &recordingHandler{}
	dec := NewTOBDecoder(h, format, 1, quiet)
	err := NewSynchronizer(bytes.NewReader(data), dec, blockSize, quiet).Run()
	return h, dec, err
}

func TestTOBDecoder_TOB3(t *testing.T) {
	h, dec, err := decodeTOB(t, tob3File(t), FormatAuto, 4096)
	require.NoError(t, err)

	hdr := dec.Header()
	assert.Equal(t, FormatTOB3, hdr.Format)
	assert.Equal(t, "Flux", hdr.Table)
	assert.InDelta(t, 0.1, hdr.Interval, 1e-12)
	assert.Equal(t, 40, hdr.FrameLength)
	assert.Equal(t, []string{"T", "RH"}, hdr.Names)
	assert.Equal(t, []string{"C", "%"}, hdr.Units)
	assert.Equal(t, []csi.ElementType{csi.ElementIEEE4, csi.ElementFP2}, hdr.Types)

	// 8 rows of: start, 4 time columns, 2 data columns
	require.Len(t, h.events, 8*7)

	base := TOBTime(1_000_000)
	row := h.events[0:7]
	assert.True(t, row[0].Start)
	assert.Equal(t, uint32(1), row[0].ArrayID)
	assert.Equal(t, event{Column: ColumnYear, Value: float64(base.Year())}, row[1])
	assert.Equal(t, event{Column: ColumnDayOfYear, Value: float64(base.YearDay())}, row[2])
	assert.Equal(t, event{Column: ColumnHourMin, Value: float64(base.Hour()*100 + base.Minute())}, row[3])
	assert.Equal(t, ColumnSeconds, row[4].Column)
	assert.InDelta(t, float64(base.Second()), row[4].Value, 1e-9)
	assert.Equal(t, event{Column: 6, Value: 20}, row[5])
	assert.Equal(t, 7, row[6].Column)
	assert.InDelta(t, 50.0, row[6].Value, 1e-9)

	// fourth row of the first frame is 0.3 s later
	row4 := h.events[3*7 : 4*7]
	assert.InDelta(t, float64(base.Second())+0.3, row4[4].Value, 1e-6)
	assert.Equal(t, 23.0, row4[5].Value)

	// first row of the second frame takes the new header time
	next := TOBTime(1_000_060)
	row5 := h.events[4*7 : 5*7]
	assert.Equal(t, float64(next.Hour()*100+next.Minute()), row5[3].Value)
	assert.InDelta(t, float64(next.Second()), row5[4].Value, 1e-9)
	assert.Equal(t, 30.0, row5[5].Value)
}

func TestTOBDecoder_SplitAtAnyOffset(t *testing.T) {
	data := tob3File(t)
	want, _, err := decodeTOB(t, data, FormatTOB3, 4096)
	require.NoError(t, err)

	for k := 0; k <= len(data); k++ {
		h := &recordingHandler{}
		dec := NewTOBDecoder(h, FormatTOB3, 1, quiet)
		r := &splitReader{parts: [][]byte{append([]byte(nil), data[:k]...), append([]byte(nil), data[k:]...)}}
		require.NoError(t, NewSynchronizer(r, dec, 4096, quiet).Run())
		if !assert.Equal(t, want.strings(), h.strings(), "split at %d", k) {
			return
		}
	}
}

func TestTOBDecoder_TOB1(t *testing.T) {
	var b bytes.Buffer
	b.WriteString(`"TOB1","1234","CR1000","5678","CR1000.Std.20","CPU:met.CR1","12345","Met"` + "\r\n")
	b.WriteString(`"SECONDS","NANOSECONDS","RECORD","T_big"` + "\r\n")
	b.WriteString(`"SECONDS","NANOSECONDS","RN","C"` + "\r\n")
	b.WriteString(`"","","","Avg"` + "\r\n")
	b.WriteString(`"ULONG","ULONG","ULONG","IEEE4B"` + "\r\n")
	for r := uint32(0); r < 3; r++ {
		b.Write(le32(1_000_000 + r))
		b.Write(le32(0))
		b.Write(le32(r))
		be := make([]byte, 4)
		binary.BigEndian.PutUint32(be, math.Float32bits(float32(r)*1.5-2))
		b.Write(be)
	}

	h, dec, err := decodeTOB(t, b.Bytes(), FormatAuto, 7)
	require.NoError(t, err)
	assert.Equal(t, FormatTOB1, dec.Header().Format)
	assert.Equal(t, []string{"SECONDS", "NANOSECONDS", "RECORD", "T_big"}, dec.Header().Names)

	want := []string{
		"SOR(1)", "c2=1000000.00000", "c3=0.00000", "c4=0.00000", "c5=-2.00000",
		"SOR(1)", "c2=1000001.00000", "c3=0.00000", "c4=1.00000", "c5=-0.50000",
		"SOR(1)", "c2=1000002.00000", "c3=0.00000", "c4=2.00000", "c5=1.00000",
	}
	assert.Equal(t, want, h.strings())
}

func TestTOBDecoder_HeaderErrors(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"unknown file type", "\"TOA5\",\"x\"\n"},
		{"bad interval", strings.Replace(tob3Header, "100 MSEC", "fast", 1)},
		{"bad frame length", strings.Replace(tob3Header, `"40"`, `"x"`, 1)},
		{"unknown element type", strings.Replace(tob3Header, `"IEEE4","FP2"`, `"IEEE4","BOOL"`, 1)},
		{"truncated header", tob3Header[:120]},
		{"header only up to units", strings.Join(strings.SplitAfter(tob3Header, "\n")[:4], "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeTOB(t, []byte(tt.header+"\x00\x00\x00\x00"), FormatAuto, 4096)
			require.Error(t, err)
			var de *csi.DecodeError
			assert.ErrorAs(t, err, &de)
		})
	}
}

func TestParseInterval(t *testing.T) {
	tests := map[string]float64{
		"100 MSEC": 0.1,
		"1 SEC":    1,
		"30 MIN":   1800,
		"1 HR":     3600,
		"500 USEC": 0.0005,
	}
	for in, want := range tests {
		got, err := parseInterval(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-12, in)
	}

	for _, bad := range []string{"", "MSEC", "10 FORTNIGHT", "-1 SEC"} {
		_, err := parseInterval(bad)
		assert.Error(t, err, bad)
	}
}
