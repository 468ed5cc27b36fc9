// Package assemble turns the decoded value stream into per-column sample
// buffers and drains them to a sink.
//
// Rows are assembled with a two-phase commit: values of a record go into an
// open row, and the row is committed or discarded once the next start of
// record (or the end of the stream) shows that the record is complete.
package assemble

import (
	"fmt"

	"github.com/basekick-labs/csiconv/internal/condition"
	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the number of rows buffered per column before a flush.
const DefaultCapacity = 1000

// Sink receives flushed samples. values holds count rows of the column,
// row-major for vector columns, and is only valid during the call.
type Sink interface {
	Append(name string, start, count int, values []float64) error
}

// Options configures an Assembler.
type Options struct {
	Capacity   int
	Sloppy     bool
	Conditions *condition.Engine // nil accepts every record
	Logger     zerolog.Logger
}

// Stats summarizes one decode pass.
type Stats struct {
	Records      int64
	Committed    map[uint32]int64
	Discarded    map[uint32]int64
	Synthesized  int64
	FollowMisses int64
	Flushes      int64
}

type target struct {
	col    *columnState
	offset int
}

// Assembler implements stream.Handler.
type Assembler struct {
	columns []*columnState
	groups  map[uint32][]*columnState

	direct   map[key][]target
	triggers map[uint32][]*columnState // following variables by the array id they join
	sources  map[uint32][]*columnState // following variables by the array id they read

	sink   Sink
	cond   *condition.Engine
	sloppy bool
	logger zerolog.Logger

	inRecord bool
	current  uint32
	record   int64

	stats Stats
}

type key struct {
	arrayID uint32
	column  int
}

// New builds the column states and the dispatch index from the declarations.
func New(specs []ColumnSpec, times []TimeSpec, sink Sink, opts Options) (*Assembler, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	a := &Assembler{
		groups:   make(map[uint32][]*columnState),
		direct:   make(map[key][]target),
		triggers: make(map[uint32][]*columnState),
		sources:  make(map[uint32][]*columnState),
		sink:     sink,
		cond:     opts.Conditions,
		sloppy:   opts.Sloppy,
		logger:   opts.Logger.With().Str("component", "assembler").Logger(),
		stats: Stats{
			Committed: make(map[uint32]int64),
			Discarded: make(map[uint32]int64),
		},
	}

	names := make(map[string]bool)
	clocks := make(map[uint32]*columnState)
	for _, ts := range times {
		if ts.Name == "" {
			return nil, fmt.Errorf("time variable of array id %d without a name", ts.ArrayID)
		}
		if names[ts.Name] {
			return nil, fmt.Errorf("duplicate column name %s", ts.Name)
		}
		if clocks[ts.ArrayID] != nil {
			return nil, fmt.Errorf("array id %d has more than one time variable", ts.ArrayID)
		}
		names[ts.Name] = true
		spec := ColumnSpec{
			Name:    ts.Name,
			ArrayID: ts.ArrayID,
			NCol:    1,
			Type:    TypeDouble,
			Attrs:   ts.Attrs,
		}
		st := newColumnState(spec, capacity)
		st.clock = true
		clocks[ts.ArrayID] = st
		a.add(st)
	}

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if names[spec.Name] {
			return nil, fmt.Errorf("duplicate column name %s", spec.Name)
		}
		names[spec.Name] = true

		st := newColumnState(spec, capacity)
		if spec.Time != nil {
			clk := clocks[spec.ArrayID]
			if clk == nil {
				return nil, fmt.Errorf("column %s: time component without a time variable for array id %d", spec.Name, spec.ArrayID)
			}
			st.feeds = clk
			clk.components++
		}
		a.add(st)

		for off := 0; off < st.ncol; off++ {
			k := key{spec.ArrayID, spec.Column + off}
			a.direct[k] = append(a.direct[k], target{col: st, offset: off})
		}
		if spec.FollowID != nil {
			a.triggers[*spec.FollowID] = append(a.triggers[*spec.FollowID], st)
			a.sources[spec.ArrayID] = append(a.sources[spec.ArrayID], st)
		}
	}

	for id, clk := range clocks {
		if clk.components == 0 {
			return nil, fmt.Errorf("time variable %s has no time components for array id %d", clk.spec.Name, id)
		}
	}
	return a, nil
}

func (a *Assembler) add(st *columnState) {
	a.columns = append(a.columns, st)
	g := st.spec.Group()
	a.groups[g] = append(a.groups[g], st)
}

// Columns returns every output column in declaration order, time variables first.
func (a *Assembler) Columns() []ColumnSpec {
	out := make([]ColumnSpec, len(a.columns))
	for i, st := range a.columns {
		out[i] = st.spec
	}
	return out
}

// StartRecord closes the open record and begins a new one of arrayID.
func (a *Assembler) StartRecord(arrayID uint32) error {
	if a.inRecord {
		if err := a.closeRecord(); err != nil {
			return err
		}
	}

	a.inRecord = true
	a.current = arrayID
	a.record++
	a.stats.Records++
	metrics.Get().IncRecords()

	if a.cond != nil {
		a.cond.Reset(arrayID)
	}
	for _, st := range a.triggers[arrayID] {
		a.follow(st)
	}
	for _, st := range a.sources[arrayID] {
		st.restage()
	}
	return nil
}

// Value routes one decoded value of the open record.
func (a *Assembler) Value(column int, v float64) error {
	if !a.inRecord {
		return nil
	}
	if a.cond != nil {
		a.cond.Update(a.current, column, v)
	}

	for _, t := range a.direct[key{a.current, column}] {
		st := t.col
		if st.spec.FollowID != nil {
			if st.stash(t.offset, v) && st.missed > 0 {
				a.reportMisses(st)
			}
			continue
		}

		if st.set(t.offset, v) && st.feeds != nil {
			st.feeds.accumulate(st.spec.Time.Contribution(v))
		}
	}
	return nil
}

// Finish decides the last record and flushes every unflushed sample.
func (a *Assembler) Finish() error {
	if a.inRecord {
		if err := a.closeRecord(); err != nil {
			return err
		}
		a.inRecord = false
	}
	for _, st := range a.columns {
		if err := a.flush(st); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the counters collected so far.
func (a *Assembler) Stats() Stats {
	return a.stats
}

// Len returns the number of committed rows of a column, -1 if unknown.
func (a *Assembler) Len(name string) int {
	for _, st := range a.columns {
		if st.spec.Name == name {
			return st.index
		}
	}
	return -1
}

func (a *Assembler) closeRecord() error {
	group := a.groups[a.current]

	if a.sloppy {
		for _, st := range group {
			if !st.gotVal {
				st.synthesize()
				a.stats.Synthesized++
				metrics.Get().IncSynthesized()
			}
		}
	}

	wanted := true
	if a.cond != nil {
		wanted = a.cond.Wanted()
	}

	touched := false
	for _, st := range a.columns {
		if !st.gotVal {
			st.clear()
			continue
		}
		touched = true
		if wanted {
			st.commit()
		} else {
			st.clear()
		}
	}
	if touched {
		if wanted {
			a.stats.Committed[a.current]++
			metrics.Get().IncRowsCommitted()
		} else {
			a.stats.Discarded[a.current]++
			metrics.Get().IncRowsDiscarded()
		}
	}

	if err := a.checkLockStep(group); err != nil {
		return err
	}

	for _, st := range a.columns {
		if st.full() {
			if err := a.flush(st); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Assembler) checkLockStep(group []*columnState) error {
	if len(group) < 2 {
		return nil
	}
	want := group[0].index
	for _, st := range group[1:] {
		if st.index == want {
			continue
		}
		err := csi.NewDecodeError(csi.ErrLockStepViolation, a.record, st.spec.Column, -1,
			"column %s has %d samples, %s has %d", st.spec.Name, st.index, group[0].spec.Name, want)
		if csi.Fatal(err, a.sloppy) {
			return err
		}
		a.logger.Warn().Err(err).Uint32("array_id", a.current).Msg("Columns out of step")
		return nil
	}
	return nil
}

func (a *Assembler) follow(st *columnState) {
	if st.gotFollow {
		copy(st.row(), st.pending)
		st.gotVal = true
		return
	}
	st.synthesize()
	st.missed++
	a.stats.FollowMisses++
	metrics.Get().IncFollowMisses()
}

func (a *Assembler) reportMisses(st *columnState) {
	if a.sloppy {
		err := csi.NewDecodeError(csi.ErrFollowValueMissing, a.record, st.spec.Column, -1,
			"%d records of array id %d preceded the first value of %s", st.missed, *st.spec.FollowID, st.spec.Name)
		a.logger.Warn().Err(err).Int("missed", st.missed).Msg("Following variable filled with missing values")
	}
	st.missed = 0
}

func (a *Assembler) flush(st *columnState) error {
	count := st.index - st.first
	if count == 0 {
		return nil
	}
	if err := a.sink.Append(st.spec.Name, st.first, count, st.buf[:st.curr*st.ncol]); err != nil {
		return fmt.Errorf("flush %s: %w", st.spec.Name, err)
	}
	a.stats.Flushes++
	metrics.Get().IncFlushes(int64(count))
	a.logger.Debug().Str("column", st.spec.Name).Int("start", st.first).Int("count", count).Msg("Flushed samples")

	st.first = st.index
	st.curr = 0
	return nil
}
