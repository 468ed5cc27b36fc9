package metrics

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the decode counters of one csiconv process
type Metrics struct {
	startTime time.Time

	// Input
	bytesRead  atomic.Int64
	blocksRead atomic.Int64
	resyncs    atomic.Int64
	discarded  atomic.Int64 // trailing bytes dropped at end of stream

	// Tokens
	tokensStart atomic.Int64
	tokensShort atomic.Int64
	tokensLong  atomic.Int64
	tokensDummy atomic.Int64
	tokensText  atomic.Int64
	elements    atomic.Int64 // TOB data elements

	// Frames (TOB2/TOB3)
	framesRead atomic.Int64

	// Assembler
	recordsTotal      atomic.Int64
	rowsCommitted     atomic.Int64
	rowsDiscarded     atomic.Int64
	valuesSynthesized atomic.Int64
	followMisses      atomic.Int64
	flushesTotal      atomic.Int64
	samplesFlushed    atomic.Int64

	// Output
	filesWritten      atomic.Int64
	bytesWritten      atomic.Int64
	storageErrorTotal atomic.Int64
	valuesOutOfRange  atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Input
func (m *Metrics) IncBytesRead(n int64)      { m.bytesRead.Add(n) }
func (m *Metrics) IncBlocksRead()            { m.blocksRead.Add(1) }
func (m *Metrics) IncResyncs()               { m.resyncs.Add(1) }
func (m *Metrics) IncDiscardedBytes(n int64) { m.discarded.Add(n) }
func (m *Metrics) IncFramesRead()            { m.framesRead.Add(1) }

// Tokens
func (m *Metrics) IncStartTokens() { m.tokensStart.Add(1) }
func (m *Metrics) IncShortTokens() { m.tokensShort.Add(1) }
func (m *Metrics) IncLongTokens()  { m.tokensLong.Add(1) }
func (m *Metrics) IncDummyTokens() { m.tokensDummy.Add(1) }
func (m *Metrics) IncTextTokens()  { m.tokensText.Add(1) }
func (m *Metrics) IncElements()    { m.elements.Add(1) }

// Assembler
func (m *Metrics) IncRecords()              { m.recordsTotal.Add(1) }
func (m *Metrics) IncRowsCommitted()        { m.rowsCommitted.Add(1) }
func (m *Metrics) IncRowsDiscarded()        { m.rowsDiscarded.Add(1) }
func (m *Metrics) IncSynthesized()          { m.valuesSynthesized.Add(1) }
func (m *Metrics) IncFollowMisses()         { m.followMisses.Add(1) }
func (m *Metrics) IncFlushes(samples int64) { m.flushesTotal.Add(1); m.samplesFlushed.Add(samples) }

// Output
func (m *Metrics) IncFilesWritten()        { m.filesWritten.Add(1) }
func (m *Metrics) IncBytesWritten(n int64) { m.bytesWritten.Add(n) }
func (m *Metrics) IncStorageErrors()       { m.storageErrorTotal.Add(1) }
func (m *Metrics) IncOutOfRange(n int64)   { m.valuesOutOfRange.Add(n) }

// Snapshot returns all counters as a map, used for the run summary log line
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"memory_alloc_bytes": memStats.Alloc,

		"bytes_read":      m.bytesRead.Load(),
		"blocks_read":     m.blocksRead.Load(),
		"resyncs":         m.resyncs.Load(),
		"discarded_bytes": m.discarded.Load(),
		"frames_read":     m.framesRead.Load(),

		"tokens_start": m.tokensStart.Load(),
		"tokens_short": m.tokensShort.Load(),
		"tokens_long":  m.tokensLong.Load(),
		"tokens_dummy": m.tokensDummy.Load(),
		"tokens_text":  m.tokensText.Load(),
		"elements":     m.elements.Load(),

		"records_total":        m.recordsTotal.Load(),
		"rows_committed":       m.rowsCommitted.Load(),
		"rows_discarded":       m.rowsDiscarded.Load(),
		"values_synthesized":   m.valuesSynthesized.Load(),
		"follow_misses":        m.followMisses.Load(),
		"flushes_total":        m.flushesTotal.Load(),
		"samples_flushed":      m.samplesFlushed.Load(),
		"files_written":        m.filesWritten.Load(),
		"bytes_written":        m.bytesWritten.Load(),
		"storage_errors_total": m.storageErrorTotal.Load(),
		"values_out_of_range":  m.valuesOutOfRange.Load(),
	}
}

// PrometheusFormat returns the counters in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var b []byte
	b = appendGauge(b, "csiconv_run_seconds", "Time since the run started", time.Since(m.startTime).Seconds())

	b = appendCounter(b, "csiconv_input_bytes_total", "Bytes read from the input", m.bytesRead.Load())
	b = appendCounter(b, "csiconv_input_blocks_total", "Blocks read from the input", m.blocksRead.Load())
	b = appendCounter(b, "csiconv_resyncs_total", "One-byte resynchronizations in sloppy mode", m.resyncs.Load())
	b = appendCounter(b, "csiconv_discarded_bytes_total", "Trailing bytes dropped at end of stream", m.discarded.Load())
	b = appendCounter(b, "csiconv_frames_total", "TOB frames read", m.framesRead.Load())

	b = append(b, "# HELP csiconv_tokens_total Tokens classified by kind\n"...)
	b = append(b, "# TYPE csiconv_tokens_total counter\n"...)
	b = appendMetricWithLabel(b, "csiconv_tokens_total", "kind", "start-of-record", float64(m.tokensStart.Load()))
	b = appendMetricWithLabel(b, "csiconv_tokens_total", "kind", "short-value", float64(m.tokensShort.Load()))
	b = appendMetricWithLabel(b, "csiconv_tokens_total", "kind", "long-value", float64(m.tokensLong.Load()))
	b = appendMetricWithLabel(b, "csiconv_tokens_total", "kind", "dummy-word", float64(m.tokensDummy.Load()))
	b = appendMetricWithLabel(b, "csiconv_tokens_total", "kind", "text-value", float64(m.tokensText.Load()))
	b = appendMetricWithLabel(b, "csiconv_tokens_total", "kind", "tob-element", float64(m.elements.Load()))

	b = appendCounter(b, "csiconv_records_total", "Records started", m.recordsTotal.Load())
	b = appendCounter(b, "csiconv_rows_committed_total", "Rows accepted by the conditions", m.rowsCommitted.Load())
	b = appendCounter(b, "csiconv_rows_discarded_total", "Rows rejected by the conditions", m.rowsDiscarded.Load())
	b = appendCounter(b, "csiconv_values_synthesized_total", "Missing values filled in sloppy mode", m.valuesSynthesized.Load())
	b = appendCounter(b, "csiconv_follow_misses_total", "Following variables without a source value", m.followMisses.Load())
	b = appendCounter(b, "csiconv_flushes_total", "Column buffer flushes", m.flushesTotal.Load())
	b = appendCounter(b, "csiconv_samples_flushed_total", "Samples handed to the sink", m.samplesFlushed.Load())

	b = appendCounter(b, "csiconv_files_written_total", "Output files written", m.filesWritten.Load())
	b = appendCounter(b, "csiconv_bytes_written_total", "Output bytes written", m.bytesWritten.Load())
	b = appendCounter(b, "csiconv_storage_errors_total", "Storage backend errors", m.storageErrorTotal.Load())
	b = appendCounter(b, "csiconv_values_out_of_range_total", "Values replaced by the fill value because the column type cannot hold them", m.valuesOutOfRange.Load())

	return string(b)
}

// WriteTextfile writes PrometheusFormat to path for a node_exporter textfile
// collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".csiconv-metrics-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(m.PrometheusFormat()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Helper functions for Prometheus format
func appendCounter(b []byte, name, help string, value int64) []byte {
	b = append(b, "# HELP "+name+" "+help+"\n"...)
	b = append(b, "# TYPE "+name+" counter\n"...)
	return appendMetric(b, name, float64(value))
}

func appendGauge(b []byte, name, help string, value float64) []byte {
	b = append(b, "# HELP "+name+" "+help+"\n"...)
	b = append(b, "# TYPE "+name+" gauge\n"...)
	return appendMetric(b, name, value)
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
