package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/basekick-labs/csiconv/internal/stream"
)

var errDumpDone = errors.New("dump limit reached")

// printer writes every record as one text line: the array id followed by
// the values of the record.
type printer struct {
	w       *bufio.Writer
	limit   int64
	records int64
	open    bool
	buf     []byte
}

func (p *printer) endLine() {
	if p.open {
		p.w.WriteByte('\n')
		p.open = false
	}
}

func (p *printer) StartRecord(arrayID uint32) error {
	p.endLine()
	if p.limit > 0 && p.records >= p.limit {
		return errDumpDone
	}
	p.records++
	p.open = true
	p.buf = strconv.AppendUint(p.buf[:0], uint64(arrayID), 10)
	_, err := p.w.Write(p.buf)
	return err
}

func (p *printer) Value(column int, v float64) error {
	if !p.open {
		return nil
	}
	p.buf = append(p.buf[:0], ' ')
	p.buf = strconv.AppendFloat(p.buf, v, 'f', -1, 64)
	_, err := p.w.Write(p.buf)
	return err
}

func (p *printer) finish() error {
	p.endLine()
	return p.w.Flush()
}

// Dump prints the first n records of the input to w, all of them when n is
// zero. No definition is needed. It returns the number of records printed.
func Dump(ctx context.Context, opts Options, n int64, w io.Writer) (int64, error) {
	cfg := opts.Config
	if cfg == nil {
		return 0, fmt.Errorf("decoder needs a configuration")
	}

	in, err := openInput(opts)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	inputFormat, err := detect(in, cfg.Decode.InputType)
	if err != nil {
		return 0, err
	}

	p := &printer{w: bufio.NewWriter(w), limit: n}
	proc := processor(inputFormat, p, cfg, opts.Logger)
	err = stream.NewSynchronizer(&ctxReader{ctx: ctx, r: in}, proc, cfg.Decode.BlockSize, opts.Logger).Run()
	if errors.Is(err, errDumpDone) {
		return p.records, p.w.Flush()
	}
	if err != nil {
		p.finish()
		return p.records, err
	}
	return p.records, p.finish()
}
