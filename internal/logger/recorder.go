package logger

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Recorder is a zerolog.LevelWriter that forwards every entry to an
// underlying writer and counts entries per level. In sloppy mode each
// recovered anomaly is a warning, so the warning count is the number of
// anomalies a run skipped over.
type Recorder struct {
	mu     sync.Mutex
	out    io.Writer
	counts map[zerolog.Level]int
}

// NewRecorder creates a Recorder writing to out. A nil out discards output.
func NewRecorder(out io.Writer) *Recorder {
	if out == nil {
		out = io.Discard
	}
	return &Recorder{
		out:    out,
		counts: make(map[zerolog.Level]int),
	}
}

// Write implements io.Writer for entries without a level.
func (r *Recorder) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (r *Recorder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	r.counts[level]++
	r.mu.Unlock()
	return r.out.Write(p)
}

// Count returns the number of entries written at level.
func (r *Recorder) Count(level zerolog.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[level]
}

// Warnings returns the number of warn entries written so far.
func (r *Recorder) Warnings() int {
	return r.Count(zerolog.WarnLevel)
}

