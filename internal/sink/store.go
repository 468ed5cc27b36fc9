// Package sink holds the append-only columnar stores decoded samples are
// written to.
package sink

import (
	"context"
	"fmt"

	"github.com/basekick-labs/csiconv/internal/assemble"
)

// Store is an append-only columnar store. Columns are defined before any
// data is appended; Append must continue exactly where the column ends.
type Store interface {
	Define(col assemble.ColumnSpec) error
	SetGlobal(title, history string)
	Append(name string, start, count int, values []float64) error
	Close(ctx context.Context) error
}

// column tracks the append position of one defined column.
type column struct {
	spec assemble.ColumnSpec
	rows int
}

// registry implements the bookkeeping shared by the stores.
type registry struct {
	columns map[string]*column
	order   []string
	sealed  bool
}

func newRegistry() registry {
	return registry{columns: make(map[string]*column)}
}

func (r *registry) define(spec assemble.ColumnSpec) error {
	if r.sealed {
		return fmt.Errorf("define %s: data has already been written", spec.Name)
	}
	if _, ok := r.columns[spec.Name]; ok {
		return fmt.Errorf("column %s defined twice", spec.Name)
	}
	r.columns[spec.Name] = &column{spec: spec}
	r.order = append(r.order, spec.Name)
	return nil
}

// check validates an append and advances the column.
func (r *registry) check(name string, start, count int, values []float64) (*column, error) {
	c, ok := r.columns[name]
	if !ok {
		return nil, fmt.Errorf("append to undefined column %s", name)
	}
	if start != c.rows {
		return nil, fmt.Errorf("append to %s at %d, column has %d rows", name, start, c.rows)
	}
	if want := count * c.spec.Width(); len(values) != want {
		return nil, fmt.Errorf("append to %s: %d values for %d rows of width %d", name, len(values), count, c.spec.Width())
	}
	r.sealed = true
	c.rows += count
	return c, nil
}

// MemoryStore keeps everything in memory.
type MemoryStore struct {
	registry
	Title   string
	History string
	values  map[string][]float64
	closed  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registry: newRegistry(),
		values:   make(map[string][]float64),
	}
}

func (m *MemoryStore) Define(col assemble.ColumnSpec) error {
	return m.define(col)
}

func (m *MemoryStore) SetGlobal(title, history string) {
	m.Title, m.History = title, history
}

func (m *MemoryStore) Append(name string, start, count int, values []float64) error {
	if m.closed {
		return fmt.Errorf("append to %s: store closed", name)
	}
	if _, err := m.check(name, start, count, values); err != nil {
		return err
	}
	m.values[name] = append(m.values[name], values...)
	return nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

// Values returns the samples of a column, row-major for vectors.
func (m *MemoryStore) Values(name string) []float64 {
	return m.values[name]
}

// Rows returns the number of rows appended to a column.
func (m *MemoryStore) Rows(name string) int {
	if c, ok := m.columns[name]; ok {
		return c.rows
	}
	return 0
}

// Columns returns the column names in definition order.
func (m *MemoryStore) Columns() []string {
	return append([]string(nil), m.order...)
}
