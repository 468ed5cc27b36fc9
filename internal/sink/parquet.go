package sink

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/basekick-labs/csiconv/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultRowGroupSize is the number of rows collected before a record batch
// is written.
const DefaultRowGroupSize = 65536

// ParquetOptions configures a ParquetStore.
type ParquetOptions struct {
	// Name is the object path without extension. Each array id gets its own
	// file; with more than one, the array id is appended to the name.
	Name    string
	Backend storage.Backend

	Compression     string // snappy, gzip, zstd, none
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string // 1.0 or 2.0
	RowGroupSize    int

	// Metadata is added to the schema metadata of every file.
	Metadata map[string]string

	TempDir string
	Logger  zerolog.Logger
}

// ParquetStore writes one Parquet file per array id and uploads the files to
// a storage backend on Close.
type ParquetStore struct {
	registry
	opts    ParquetOptions
	title   string
	history string

	groups  map[uint32]*groupWriter
	written []string
	logger  zerolog.Logger
	mem     memory.Allocator
}

// groupWriter is the file of one array id.
type groupWriter struct {
	id      uint32
	path    string
	cols    []*column
	pending map[string][]float64

	schema *arrow.Schema
	tmp    *os.File
	fw     *pqarrow.FileWriter
	rows   int64
}

// NewParquetStore creates a ParquetStore.
func NewParquetStore(opts ParquetOptions) (*ParquetStore, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("parquet output needs a name")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("parquet output needs a storage backend")
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = DefaultRowGroupSize
	}
	if _, err := codec(opts.Compression); err != nil {
		return nil, err
	}
	return &ParquetStore{
		registry: newRegistry(),
		opts:     opts,
		groups:   make(map[uint32]*groupWriter),
		logger:   opts.Logger.With().Str("component", "parquet-store").Logger(),
		mem:      memory.NewGoAllocator(),
	}, nil
}

func codec(name string) (compress.Compression, error) {
	switch name {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "none":
		return compress.Codecs.Uncompressed, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unknown parquet compression %q", name)
}

func (p *ParquetStore) Define(col assemble.ColumnSpec) error {
	return p.define(col)
}

func (p *ParquetStore) SetGlobal(title, history string) {
	p.title, p.history = title, history
}

// Name returns the object name without extension.
func (p *ParquetStore) Name() string {
	return p.opts.Name
}

// Files returns the object paths written by Close.
func (p *ParquetStore) Files() []string {
	return append([]string(nil), p.written...)
}

func (p *ParquetStore) Append(name string, start, count int, values []float64) error {
	if len(p.groups) == 0 && len(p.order) > 0 {
		if err := p.open(); err != nil {
			return err
		}
	}
	c, err := p.check(name, start, count, values)
	if err != nil {
		return err
	}

	g := p.groups[c.spec.Group()]
	g.pending[name] = append(g.pending[name], values...)

	if n := g.ready(); n >= p.opts.RowGroupSize {
		return p.emit(g, n)
	}
	return nil
}

// open lays out one writer per array id once all columns are known.
func (p *ParquetStore) open() error {
	p.sealed = true
	for _, name := range p.order {
		c := p.columns[name]
		id := c.spec.Group()
		g, ok := p.groups[id]
		if !ok {
			g = &groupWriter{id: id, pending: make(map[string][]float64)}
			p.groups[id] = g
		}
		g.cols = append(g.cols, c)
	}

	for id, g := range p.groups {
		g.path = parquetPath(p.opts.Name, id, len(p.groups) > 1)
		g.schema = p.schema(g)
	}
	return nil
}

func parquetPath(name string, id uint32, perArray bool) string {
	if perArray {
		return fmt.Sprintf("%s_a%d.parquet", name, id)
	}
	return name + ".parquet"
}

// ParquetPaths returns the object paths a ParquetStore named name writes for
// the given columns.
func ParquetPaths(name string, cols []assemble.ColumnSpec) []string {
	seen := make(map[uint32]bool)
	var ids []uint32
	for _, c := range cols {
		if id := c.Group(); !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = parquetPath(name, id, len(ids) > 1)
	}
	return paths
}

func (p *ParquetStore) schema(g *groupWriter) *arrow.Schema {
	fields := make([]arrow.Field, len(g.cols))
	for i, c := range g.cols {
		md := c.spec.Attrs.Metadata()
		if c.spec.Missing != nil {
			md["missing_value"] = fmt.Sprint(*c.spec.Missing)
		}
		md["_FillValue"] = fmt.Sprint(c.spec.Fill())
		if c.spec.DimName != "" {
			md["dim_name"] = c.spec.DimName
		}
		fields[i] = arrow.Field{
			Name:     c.spec.Name,
			Type:     arrowType(c.spec),
			Nullable: true,
			Metadata: metadataOf(md),
		}
	}

	md := map[string]string{"array_id": fmt.Sprint(g.id)}
	if p.title != "" {
		md["title"] = p.title
	}
	if p.history != "" {
		md["history"] = p.history
	}
	for k, v := range p.opts.Metadata {
		md[k] = v
	}
	schemaMD := metadataOf(md)
	return arrow.NewSchema(fields, &schemaMD)
}

func metadataOf(md map[string]string) arrow.Metadata {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = md[k]
	}
	return arrow.NewMetadata(keys, values)
}

func elementType(t assemble.OutputType) arrow.DataType {
	switch t {
	case assemble.TypeDouble:
		return arrow.PrimitiveTypes.Float64
	case assemble.TypeInt:
		return arrow.PrimitiveTypes.Int32
	case assemble.TypeShort:
		return arrow.PrimitiveTypes.Int16
	case assemble.TypeByte:
		return arrow.PrimitiveTypes.Int8
	case assemble.TypeChar:
		return arrow.PrimitiveTypes.Uint8
	}
	return arrow.PrimitiveTypes.Float32
}

func arrowType(spec assemble.ColumnSpec) arrow.DataType {
	if spec.Width() > 1 {
		return arrow.FixedSizeListOf(int32(spec.Width()), elementType(spec.Type))
	}
	return elementType(spec.Type)
}

// ready returns the number of rows every column of the group can supply.
func (g *groupWriter) ready() int {
	n := math.MaxInt
	for _, c := range g.cols {
		if r := len(g.pending[c.spec.Name]) / c.spec.Width(); r < n {
			n = r
		}
	}
	return n
}

// longest returns the largest number of pending rows of any column.
func (g *groupWriter) longest() int {
	n := 0
	for _, c := range g.cols {
		if r := len(g.pending[c.spec.Name]) / c.spec.Width(); r > n {
			n = r
		}
	}
	return n
}

// emit writes n rows of the group as one record batch. Columns with fewer
// pending rows are padded with nulls.
func (p *ParquetStore) emit(g *groupWriter, n int) error {
	if n == 0 {
		return nil
	}
	if g.fw == nil {
		if err := p.create(g); err != nil {
			return err
		}
	}

	rb := array.NewRecordBuilder(p.mem, g.schema)
	defer rb.Release()

	for i, c := range g.cols {
		width := c.spec.Width()
		vals := g.pending[c.spec.Name]
		avail := len(vals) / width
		if avail > n {
			avail = n
		}
		if bad := appendColumn(rb.Field(i), c.spec, vals[:avail*width], n-avail); bad > 0 {
			metrics.Get().IncOutOfRange(int64(bad))
			p.logger.Warn().
				Str("column", c.spec.Name).
				Str("type", c.spec.Type.String()).
				Int("values", bad).
				Float64("fill", c.spec.Fill()).
				Msg("Values out of range for the column type, writing the fill value")
		}
		g.pending[c.spec.Name] = vals[avail*width:]
	}

	rec := rb.NewRecord()
	defer rec.Release()
	if err := g.fw.Write(rec); err != nil {
		return fmt.Errorf("write %s: %w", g.path, err)
	}
	g.rows += int64(n)

	p.logger.Debug().Str("file", g.path).Int("rows", n).Msg("Wrote record batch")
	return nil
}

func (p *ParquetStore) create(g *groupWriter) error {
	comp, _ := codec(p.opts.Compression)
	writerOpts := []parquet.WriterProperty{
		parquet.WithCompression(comp),
		parquet.WithDictionaryDefault(p.opts.UseDictionary),
		parquet.WithStats(p.opts.WriteStatistics),
	}
	if p.opts.DataPageVersion == "2.0" {
		writerOpts = append(writerOpts, parquet.WithDataPageVersion(parquet.DataPageV2))
	}
	writerProps := parquet.NewWriterProperties(writerOpts...)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	tmp, err := os.CreateTemp(p.opts.TempDir, "csiconv-*.parquet")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	// the writer must not close the temp file, it is uploaded afterwards
	fw, err := pqarrow.NewFileWriter(g.schema, struct{ io.Writer }{tmp}, writerProps, arrowProps)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	g.tmp = tmp
	g.fw = fw
	return nil
}

// appendColumn appends vals and nulls null rows. It returns the number of
// values the column type could not hold.
func appendColumn(b array.Builder, spec assemble.ColumnSpec, vals []float64, nulls int) int {
	bad := 0
	width := spec.Width()
	if width == 1 {
		for _, v := range vals {
			if !appendChecked(b, spec, v) {
				bad++
			}
		}
		for i := 0; i < nulls; i++ {
			b.AppendNull()
		}
		return bad
	}

	lb := b.(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder()
	for r := 0; r < len(vals)/width; r++ {
		lb.Append(true)
		for _, v := range vals[r*width : (r+1)*width] {
			if !appendChecked(vb, spec, v) {
				bad++
			}
		}
	}
	for i := 0; i < nulls; i++ {
		lb.AppendNull()
	}
	return bad
}

// fits reports whether v survives the conversion to t.
func fits(t assemble.OutputType, v float64) bool {
	if math.IsNaN(v) {
		return !t.Integer()
	}
	if t.Integer() {
		v = math.Round(v)
	}
	lo, hi := t.Range()
	return v >= lo && v <= hi
}

// appendChecked appends v, or the column's fill value when the type cannot
// hold v. A fill value that does not fit either becomes a null.
func appendChecked(b array.Builder, spec assemble.ColumnSpec, v float64) bool {
	if fits(spec.Type, v) {
		appendValue(b, v)
		return true
	}
	if fill := spec.Fill(); fits(spec.Type, fill) {
		appendValue(b, fill)
	} else {
		b.AppendNull()
	}
	return false
}

func appendValue(b array.Builder, v float64) {
	switch vb := b.(type) {
	case *array.Float32Builder:
		vb.Append(float32(v))
	case *array.Float64Builder:
		vb.Append(v)
	case *array.Int32Builder:
		vb.Append(int32(math.Round(v)))
	case *array.Int16Builder:
		vb.Append(int16(math.Round(v)))
	case *array.Int8Builder:
		vb.Append(int8(math.Round(v)))
	case *array.Uint8Builder:
		vb.Append(uint8(math.Round(v)))
	default:
		b.AppendNull()
	}
}

// Close writes the remaining rows, finishes every file and uploads it.
func (p *ParquetStore) Close(ctx context.Context) error {
	if len(p.groups) == 0 && len(p.order) > 0 {
		if err := p.open(); err != nil {
			return err
		}
	}
	ids := make([]uint32, 0, len(p.groups))
	for id := range p.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var first error
	for _, id := range ids {
		if err := p.finish(ctx, p.groups[id]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *ParquetStore) finish(ctx context.Context, g *groupWriter) error {
	if short, long := g.ready(), g.longest(); short != long {
		p.logger.Warn().
			Str("file", g.path).
			Int("rows", long).
			Int("complete_rows", short).
			Msg("Columns differ in length, padding with nulls")
	}
	if err := p.emit(g, g.longest()); err != nil {
		p.discard(g)
		return err
	}
	if g.fw == nil {
		// no rows, the file still carries the schema
		if err := p.create(g); err != nil {
			return err
		}
	}

	defer p.discard(g)
	if err := g.fw.Close(); err != nil {
		return fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	g.fw = nil

	size, err := g.tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("stat %s: %w", g.tmp.Name(), err)
	}
	if _, err := g.tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", g.tmp.Name(), err)
	}
	if err := p.opts.Backend.WriteReader(ctx, g.path, g.tmp, size); err != nil {
		return fmt.Errorf("upload %s: %w", g.path, err)
	}

	p.written = append(p.written, g.path)
	metrics.Get().IncFilesWritten()
	metrics.Get().IncBytesWritten(size)
	p.logger.Info().
		Str("file", p.opts.Backend.Location(g.path)).
		Int64("rows", g.rows).
		Int64("size", size).
		Msg("Wrote Parquet file")
	return nil
}

func (p *ParquetStore) discard(g *groupWriter) {
	if g.fw != nil {
		g.fw.Close()
		g.fw = nil
	}
	if g.tmp != nil {
		g.tmp.Close()
		os.Remove(g.tmp.Name())
		g.tmp = nil
	}
}
