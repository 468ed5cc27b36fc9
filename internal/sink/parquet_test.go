package sink

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/basekick-labs/csiconv/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParquetStore(t *testing.T, opts ParquetOptions) (*ParquetStore, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := storage.NewLocalBackend(dir, zerolog.Nop())
	require.NoError(t, err)

	opts.Backend = backend
	opts.TempDir = t.TempDir()
	opts.Logger = zerolog.Nop()
	if opts.Name == "" {
		opts.Name = "out"
	}
	p, err := NewParquetStore(opts)
	require.NoError(t, err)
	return p, dir
}

func readTable(t *testing.T, path string) (arrow.Table, *file.Reader) {
	t.Helper()
	pf, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })

	mem := memory.NewGoAllocator()
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, mem)
	require.NoError(t, err)
	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	t.Cleanup(tbl.Release)
	return tbl, pf
}

func TestParquetStore_SingleArray(t *testing.T) {
	p, dir := newParquetStore(t, ParquetOptions{
		RowGroupSize: 2,
		Metadata:     map[string]string{"definition_hash": "abc"},
	})

	temp := scalar("temp", 101)
	temp.Attrs.Units = "degC"
	count := scalar("count", 101)
	count.Column = 3
	count.Type = assemble.TypeInt

	require.NoError(t, p.Define(temp))
	require.NoError(t, p.Define(count))
	require.NoError(t, p.Define(vector("wind", 101, 2)))
	p.SetGlobal("Station 7", "decoded")

	require.NoError(t, p.Append("temp", 0, 3, []float64{1.5, 2.5, 3.5}))
	require.NoError(t, p.Append("count", 0, 3, []float64{1, 2.4, 3}))
	require.NoError(t, p.Append("wind", 0, 3, []float64{1, 10, 2, 20, 3, 30}))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, []string{"out.parquet"}, p.Files())

	tbl, pf := readTable(t, filepath.Join(dir, "out.parquet"))
	assert.Equal(t, int64(3), tbl.NumRows())
	assert.Equal(t, int64(3), pf.NumRows())

	schema := tbl.Schema()
	require.Equal(t, 3, len(schema.Fields()))
	assert.Equal(t, "temp", schema.Field(0).Name)
	assert.Equal(t, arrow.FLOAT32, schema.Field(0).Type.ID())
	assert.Equal(t, arrow.INT32, schema.Field(1).Type.ID())
	assert.Equal(t, arrow.FIXED_SIZE_LIST, schema.Field(2).Type.ID())

	kv := pf.MetaData().KeyValueMetadata()
	for _, key := range []string{"title", "history", "array_id", "definition_hash"} {
		assert.NotNil(t, kv.FindValue(key), key)
	}

	counts := tbl.Column(1).Data().Chunks()
	var got []int32
	for _, chunk := range counts {
		got = append(got, chunk.(*array.Int32).Int32Values()...)
	}
	assert.Equal(t, []int32{1, 2, 3}, got)
}

func TestParquetStore_FilePerArray(t *testing.T) {
	p, dir := newParquetStore(t, ParquetOptions{Compression: "zstd"})

	require.NoError(t, p.Define(scalar("a", 101)))
	require.NoError(t, p.Define(scalar("b", 102)))

	require.NoError(t, p.Append("a", 0, 2, []float64{1, 2}))
	require.NoError(t, p.Append("b", 0, 1, []float64{3}))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, []string{"out_a101.parquet", "out_a102.parquet"}, p.Files())

	tbl, _ := readTable(t, filepath.Join(dir, "out_a101.parquet"))
	assert.Equal(t, int64(2), tbl.NumRows())
	tbl, _ = readTable(t, filepath.Join(dir, "out_a102.parquet"))
	assert.Equal(t, int64(1), tbl.NumRows())
}

func TestParquetStore_PadsShortColumns(t *testing.T) {
	p, dir := newParquetStore(t, ParquetOptions{})

	require.NoError(t, p.Define(scalar("a", 101)))
	b := scalar("b", 101)
	b.Column = 3
	require.NoError(t, p.Define(b))

	require.NoError(t, p.Append("a", 0, 3, []float64{1, 2, 3}))
	require.NoError(t, p.Append("b", 0, 1, []float64{4}))
	require.NoError(t, p.Close(context.Background()))

	tbl, _ := readTable(t, filepath.Join(dir, "out.parquet"))
	assert.Equal(t, int64(3), tbl.NumRows())
	assert.Equal(t, 2, tbl.Column(1).NullN())
}

func TestNewParquetStore_Errors(t *testing.T) {
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	_, err = NewParquetStore(ParquetOptions{Backend: backend})
	assert.Error(t, err, "missing name")
	_, err = NewParquetStore(ParquetOptions{Name: "out"})
	assert.Error(t, err, "missing backend")
	_, err = NewParquetStore(ParquetOptions{Name: "out", Backend: backend, Compression: "lz5"})
	assert.Error(t, err, "unknown compression")
}

func TestParquetPaths(t *testing.T) {
	follow := uint32(101)
	pressure := scalar("pressure", 102)
	pressure.FollowID = &follow

	assert.Equal(t, []string{"run.parquet"},
		ParquetPaths("run", []assemble.ColumnSpec{scalar("a", 101), pressure}))
	assert.Equal(t, []string{"run_a101.parquet", "run_a102.parquet"},
		ParquetPaths("run", []assemble.ColumnSpec{scalar("b", 102), scalar("a", 101)}))
}

func TestParquetStore_OutOfRangeWritesFill(t *testing.T) {
	p, dir := newParquetStore(t, ParquetOptions{})

	short := scalar("short", 101)
	short.Type = assemble.TypeShort
	char := scalar("char", 101)
	char.Column = 3
	char.Type = assemble.TypeChar
	missing := 1.0
	byteCol := scalar("byte", 101)
	byteCol.Column = 4
	byteCol.Type = assemble.TypeByte
	byteCol.Missing = &missing

	require.NoError(t, p.Define(short))
	require.NoError(t, p.Define(char))
	require.NoError(t, p.Define(byteCol))

	require.NoError(t, p.Append("short", 0, 3, []float64{40000, 99999, -7.4}))
	require.NoError(t, p.Append("char", 0, 3, []float64{-5, 300, 65}))
	require.NoError(t, p.Append("byte", 0, 3, []float64{200, -128, 127}))
	require.NoError(t, p.Close(context.Background()))

	tbl, _ := readTable(t, filepath.Join(dir, "out.parquet"))

	var shorts []int16
	for _, chunk := range tbl.Column(0).Data().Chunks() {
		shorts = append(shorts, chunk.(*array.Int16).Int16Values()...)
	}
	assert.Equal(t, []int16{assemble.FillShort, assemble.FillShort, -7}, shorts)

	var chars []uint8
	for _, chunk := range tbl.Column(1).Data().Chunks() {
		chars = append(chars, chunk.(*array.Uint8).Uint8Values()...)
	}
	assert.Equal(t, []uint8{0, 0, 65}, chars)

	var int8s []int8
	for _, chunk := range tbl.Column(2).Data().Chunks() {
		int8s = append(int8s, chunk.(*array.Int8).Int8Values()...)
	}
	assert.Equal(t, []int8{1, -128, 127}, int8s)
}

func TestFits(t *testing.T) {
	tests := []struct {
		typ  assemble.OutputType
		v    float64
		want bool
	}{
		{assemble.TypeShort, 32767.4, true},
		{assemble.TypeShort, 32767.5, false},
		{assemble.TypeChar, -0.4, true},
		{assemble.TypeChar, -1, false},
		{assemble.TypeInt, math.NaN(), false},
		{assemble.TypeFloat, math.NaN(), true},
		{assemble.TypeFloat, 1e39, false},
		{assemble.TypeDouble, 1e39, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fits(tt.typ, tt.v), "%s %v", tt.typ, tt.v)
	}
}
