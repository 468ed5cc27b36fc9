package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultBlockSize is the read size used when none is configured.
const DefaultBlockSize = 4096

// Synchronizer presents a Processor with a logically contiguous byte stream
// assembled from fixed-size block reads. Bytes a Processor leaves unconsumed
// are carried forward and prepended to the next block.
type Synchronizer struct {
	r         io.Reader
	proc      Processor
	blockSize int
	logger    zerolog.Logger

	buf    []byte
	offset int64 // input offset of buf[0]
}

// NewSynchronizer creates a Synchronizer reading blockSize bytes at a time.
func NewSynchronizer(r io.Reader, proc Processor, blockSize int, logger zerolog.Logger) *Synchronizer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Synchronizer{
		r:         r,
		proc:      proc,
		blockSize: blockSize,
		logger:    logger.With().Str("component", "synchronizer").Logger(),
	}
}

// Run reads the input to the end. It returns the first error reported by the
// Processor unchanged, so callers can match decode errors with errors.Is.
func (s *Synchronizer) Run() error {
	m := metrics.Get()
	block := make([]byte, s.blockSize)

	for {
		n, rerr := s.r.Read(block)
		if n > 0 {
			m.IncBlocksRead()
			m.IncBytesRead(int64(n))

			s.buf = append(s.buf, block[:n]...)
			consumed, err := s.proc.Process(s.buf)
			if err != nil {
				return err
			}
			s.advance(consumed)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("read input at byte %d: %w", s.offset+int64(len(s.buf)), rerr)
		}
	}

	return s.finish()
}

// Offset returns the number of input bytes consumed so far.
func (s *Synchronizer) Offset() int64 {
	return s.offset
}

func (s *Synchronizer) advance(consumed int) {
	if consumed <= 0 {
		return
	}
	rest := copy(s.buf, s.buf[consumed:])
	s.buf = s.buf[:rest]
	s.offset += int64(consumed)
}

func (s *Synchronizer) finish() error {
	if f, ok := s.proc.(Finisher); ok {
		return f.Finish(s.buf)
	}
	if len(s.buf) > 0 {
		metrics.Get().IncDiscardedBytes(int64(len(s.buf)))
		s.logger.Debug().
			Int("bytes", len(s.buf)).
			Int64("offset", s.offset).
			Msg("Discarding trailing bytes at end of stream")
	}
	return nil
}
