// Package decoder wires an input file through the stream decoders, the
// condition engine and the column assembler into an output store.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/basekick-labs/csiconv/internal/condition"
	"github.com/basekick-labs/csiconv/internal/config"
	"github.com/basekick-labs/csiconv/internal/format"
	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/basekick-labs/csiconv/internal/sink"
	"github.com/basekick-labs/csiconv/internal/storage"
	"github.com/basekick-labs/csiconv/internal/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrOutputExists is returned when an output object is already present and
// overwriting was not requested.
var ErrOutputExists = errors.New("output already exists")

// Options describes one conversion run.
type Options struct {
	// Input is a file path, "-" for standard input. Reader, when set, is
	// used instead and Input only names it in log messages.
	Input  string
	Reader io.Reader

	// Definition is used as is; otherwise DefinitionPath is loaded.
	Definition     *format.Definition
	DefinitionPath string

	// Output is the object name without extension. Empty derives it from
	// the input file name.
	Output string

	// MsgpackWriter receives the msgpack stream directly instead of an
	// object in the storage backend.
	MsgpackWriter io.Writer

	Filters []string
	Start   string
	Stop    string

	Overwrite bool
	Config    *config.Config
	Logger    zerolog.Logger
}

// Result summarizes a finished run.
type Result struct {
	RunID       string
	InputFormat stream.Format
	BytesRead   int64
	Stats       assemble.Stats
	Files       []string
	Duration    time.Duration

	// StopReached is set when the stop condition fired during the run.
	StopReached bool
}

// Run converts one input.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("decoder needs a configuration")
	}
	start := time.Now()
	runID := uuid.New().String()
	logger := opts.Logger.With().Str("component", "decoder").Str("run_id", runID).Logger()

	def, err := definition(opts)
	if err != nil {
		return nil, err
	}

	cond, err := conditions(opts)
	if err != nil {
		return nil, err
	}

	in, err := openInput(opts)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	inputFormat, err := detect(in, cfg.Decode.InputType)
	if err != nil {
		return nil, err
	}

	name := objectName(opts, cfg.Output.Prefix, runID)
	out, err := newOutput(opts, cfg, def, name, runID, inputFormat, logger)
	if err != nil {
		return nil, err
	}
	defer out.cleanup()

	asm, err := assemble.New(def.Columns, def.Times, out.store, assemble.Options{
		Capacity:   cfg.Decode.BufferSamples,
		Sloppy:     cfg.Decode.Sloppy,
		Conditions: cond,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", format.ErrDefinition, err)
	}

	out.store.SetGlobal(def.Title, def.History)
	for _, col := range asm.Columns() {
		if err := out.store.Define(col); err != nil {
			return nil, err
		}
	}
	if !opts.Overwrite {
		if err := out.checkExists(ctx, asm.Columns()); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("input", in.Name()).
		Str("input_type", inputFormat.String()).
		Str("output", name).
		Str("definition", def.FingerprintHex()).
		Int("columns", len(def.Columns)).
		Uints32("array_ids", def.ArrayIDs()).
		Bool("sloppy", cfg.Decode.Sloppy).
		Msg("Starting conversion")

	proc := processor(inputFormat, asm, cfg, opts.Logger)
	syncer := stream.NewSynchronizer(&ctxReader{ctx: ctx, r: in}, proc, cfg.Decode.BlockSize, opts.Logger)

	runErr := syncer.Run()
	if runErr == nil {
		runErr = asm.Finish()
	}
	// samples flushed before a fatal error are kept
	closeErr := out.close(ctx)

	res := &Result{
		RunID:       runID,
		InputFormat: inputFormat,
		BytesRead:   syncer.Offset(),
		Stats:       asm.Stats(),
		Files:       out.files(),
		Duration:    time.Since(start),
		StopReached: cond != nil && cond.Stopped(),
	}
	writeMetrics(cfg, logger)

	if runErr != nil {
		return res, runErr
	}
	if closeErr != nil {
		return res, closeErr
	}

	summary(logger, res)
	return res, nil
}

func definition(opts Options) (*format.Definition, error) {
	if opts.Definition != nil {
		return opts.Definition, nil
	}
	if opts.DefinitionPath == "" {
		return nil, fmt.Errorf("%w: no definition file given", format.ErrDefinition)
	}
	return format.Load(opts.DefinitionPath)
}

func conditions(opts Options) (*condition.Engine, error) {
	e, err := condition.NewEngine(opts.Filters, opts.Start, opts.Stop)
	if err != nil || e.Empty() {
		return nil, err
	}
	return e, nil
}

func openInput(opts Options) (*stream.Input, error) {
	if opts.Reader != nil {
		name := opts.Input
		if name == "" {
			name = "-"
		}
		return stream.NewInput(opts.Reader, name)
	}
	if opts.Input == "" {
		return nil, fmt.Errorf("no input file given")
	}
	return stream.OpenInput(opts.Input)
}

func detect(in *stream.Input, inputType string) (stream.Format, error) {
	f := stream.FormatAuto
	if inputType != "" {
		var err error
		if f, err = stream.ParseFormat(inputType); err != nil {
			return f, err
		}
	}
	if f == stream.FormatAuto {
		f = in.Sniff()
	}
	return f, nil
}

func processor(f stream.Format, h stream.Handler, cfg *config.Config, logger zerolog.Logger) stream.Processor {
	switch {
	case f == stream.FormatText:
		return stream.NewTextDecoder(h, cfg.Decode.Sloppy, logger)
	case f.IsTOB():
		return stream.NewTOBDecoder(h, f, uint32(cfg.Decode.TOBArrayID), logger)
	}
	return stream.NewFinalStorageDecoder(h, cfg.Decode.Sloppy, logger)
}

// objectName derives the output name from the input file name: directory
// and every extension are dropped, so data.dat.gz becomes data.
func objectName(opts Options, prefix, runID string) string {
	name := opts.Output
	if name == "" {
		base := filepath.Base(opts.Input)
		if opts.Input == "" || opts.Input == "-" {
			base = "csiconv-" + runID[:8]
		}
		if i := strings.IndexByte(base, '.'); i > 0 {
			base = base[:i]
		}
		name = base
	}
	if prefix != "" {
		name = path.Join(prefix, name)
	}
	return name
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func writeMetrics(cfg *config.Config, logger zerolog.Logger) {
	if cfg.Metrics.TextfilePath == "" {
		return
	}
	if err := metrics.Get().WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
		logger.Warn().Err(err).Str("path", cfg.Metrics.TextfilePath).Msg("Failed to write metrics textfile")
	}
}

func summary(logger zerolog.Logger, res *Result) {
	var committed, discarded int64
	for _, n := range res.Stats.Committed {
		committed += n
	}
	for _, n := range res.Stats.Discarded {
		discarded += n
	}

	ev := logger.Info().
		Int64("records", res.Stats.Records).
		Int64("rows_committed", committed).
		Int64("rows_discarded", discarded).
		Int64("bytes_read", res.BytesRead).
		Dur("duration", res.Duration).
		Strs("files", res.Files)
	if res.Stats.Synthesized > 0 {
		ev = ev.Int64("synthesized", res.Stats.Synthesized)
	}
	if res.Stats.FollowMisses > 0 {
		ev = ev.Int64("follow_misses", res.Stats.FollowMisses)
	}
	if res.StopReached {
		ev = ev.Bool("stop_reached", true)
	}
	ev.Msg("Conversion complete")
}

// storageConfig maps the storage section onto a backend configuration.
func storageConfig(cfg *config.Config) storage.Config {
	sc := storage.Config{
		Backend:   cfg.Storage.Backend,
		LocalPath: cfg.Storage.LocalPath,
		S3: storage.S3Config{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
			PathStyle: cfg.Storage.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   cfg.Storage.AzureConnectionString,
			AccountName:        cfg.Storage.AzureAccountName,
			AccountKey:         cfg.Storage.AzureAccountKey,
			SASToken:           cfg.Storage.AzureSASToken,
			UseManagedIdentity: cfg.Storage.AzureUseManagedIdentity,
			ContainerName:      cfg.Storage.AzureContainer,
			Endpoint:           cfg.Storage.AzureEndpoint,
		},
	}
	if cfg.Storage.MaxRetries > 0 {
		rc := storage.DefaultRetryConfig()
		rc.MaxRetries = cfg.Storage.MaxRetries
		sc.Retry = rc
	}
	return sc
}

// output owns the store of a run and, when needed, its backend.
type output struct {
	store   sink.Store
	backend storage.Backend
	parquet *sink.ParquetStore

	// msgpack objects are staged in a temp file and uploaded on close
	msgpackPath string
	msgpackTmp  *os.File
	written     []string
	logger      zerolog.Logger
}

func newOutput(opts Options, cfg *config.Config, def *format.Definition,
	name, runID string, inputFormat stream.Format, logger zerolog.Logger) (*output, error) {
	out := &output{logger: logger}

	if cfg.Output.Format == "msgpack" && opts.MsgpackWriter != nil {
		out.store = sink.NewMsgpackStore(opts.MsgpackWriter)
		return out, nil
	}

	backend, err := storage.New(storageConfig(cfg), opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	out.backend = backend

	if cfg.Output.Format == "msgpack" {
		tmp, err := os.CreateTemp("", "csiconv-*.msgpack")
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("create temp file: %w", err)
		}
		out.msgpackTmp = tmp
		out.msgpackPath = name + ".msgpack"
		out.store = sink.NewMsgpackStore(tmp)
		return out, nil
	}

	md := map[string]string{
		"run_id":         runID,
		"source":         filepath.Base(opts.Input),
		"input_type":     inputFormat.String(),
		"definition_xxh": def.FingerprintHex(),
		"created":        time.Now().UTC().Format(time.RFC3339),
	}
	for id, dim := range def.Dimensions {
		md[fmt.Sprintf("time_dimension_a%d", id)] = dim
	}
	p, err := sink.NewParquetStore(sink.ParquetOptions{
		Name:            name,
		Backend:         backend,
		Compression:     cfg.Output.Compression,
		UseDictionary:   cfg.Output.UseDictionary,
		WriteStatistics: cfg.Output.WriteStatistics,
		DataPageVersion: cfg.Output.DataPageVersion,
		Metadata:        md,
		Logger:          opts.Logger,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	out.parquet = p
	out.store = p
	return out, nil
}

func (o *output) paths(cols []assemble.ColumnSpec) []string {
	switch {
	case o.parquet != nil:
		return sink.ParquetPaths(o.parquet.Name(), cols)
	case o.msgpackPath != "":
		return []string{o.msgpackPath}
	}
	return nil
}

func (o *output) checkExists(ctx context.Context, cols []assemble.ColumnSpec) error {
	if o.backend == nil {
		return nil
	}
	for _, p := range o.paths(cols) {
		exists, err := o.backend.Exists(ctx, p)
		if err != nil {
			return fmt.Errorf("check output %s: %w", p, err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrOutputExists, o.backend.Location(p))
		}
	}
	return nil
}

func (o *output) close(ctx context.Context) error {
	if err := o.store.Close(ctx); err != nil {
		return err
	}
	if o.parquet != nil {
		o.written = o.parquet.Files()
		return nil
	}
	if o.msgpackTmp == nil {
		return nil
	}

	size, err := o.msgpackTmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("stat %s: %w", o.msgpackTmp.Name(), err)
	}
	if _, err := o.msgpackTmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", o.msgpackTmp.Name(), err)
	}
	if err := o.backend.WriteReader(ctx, o.msgpackPath, o.msgpackTmp, size); err != nil {
		return fmt.Errorf("upload %s: %w", o.msgpackPath, err)
	}
	metrics.Get().IncFilesWritten()
	o.written = []string{o.msgpackPath}
	o.logger.Info().Str("file", o.backend.Location(o.msgpackPath)).Int64("size", size).Msg("Wrote msgpack file")
	return nil
}

func (o *output) files() []string {
	return o.written
}

func (o *output) cleanup() {
	if o.msgpackTmp != nil {
		o.msgpackTmp.Close()
		os.Remove(o.msgpackTmp.Name())
	}
	if o.backend != nil {
		o.backend.Close()
	}
}
