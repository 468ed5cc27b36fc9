package sink

import (
	"context"
	"testing"

	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalar(name string, id uint32) assemble.ColumnSpec {
	return assemble.ColumnSpec{Name: name, ArrayID: id, Column: 2}
}

func vector(name string, id uint32, n int) assemble.ColumnSpec {
	return assemble.ColumnSpec{Name: name, ArrayID: id, Column: 2, NCol: n, DimName: "n"}
}

func TestMemoryStore_Append(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Define(scalar("a", 101)))
	require.NoError(t, m.Define(vector("v", 101, 2)))
	m.SetGlobal("site", "created")

	require.NoError(t, m.Append("a", 0, 2, []float64{1, 2}))
	require.NoError(t, m.Append("a", 2, 1, []float64{3}))
	require.NoError(t, m.Append("v", 0, 2, []float64{1, 2, 3, 4}))

	assert.Equal(t, []float64{1, 2, 3}, m.Values("a"))
	assert.Equal(t, 3, m.Rows("a"))
	assert.Equal(t, 2, m.Rows("v"))
	assert.Equal(t, []string{"a", "v"}, m.Columns())
	assert.Equal(t, "site", m.Title)
	assert.Equal(t, "created", m.History)
	assert.Equal(t, 0, m.Rows("missing"))
}

func TestMemoryStore_AppendValidation(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Define(scalar("a", 101)))
	require.NoError(t, m.Define(vector("v", 101, 3)))

	assert.Error(t, m.Append("b", 0, 1, []float64{1}), "undefined column")
	assert.Error(t, m.Append("a", 1, 1, []float64{1}), "gap")
	assert.Error(t, m.Append("v", 0, 1, []float64{1, 2}), "short vector")

	require.NoError(t, m.Append("a", 0, 1, []float64{1}))
	assert.Error(t, m.Append("a", 0, 1, []float64{1}), "overlap")
}

func TestMemoryStore_DefineAfterWrite(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Define(scalar("a", 101)))
	assert.Error(t, m.Define(scalar("a", 102)), "duplicate")

	require.NoError(t, m.Append("a", 0, 1, []float64{1}))
	assert.Error(t, m.Define(scalar("b", 101)))
}

func TestMemoryStore_Closed(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Define(scalar("a", 101)))
	require.NoError(t, m.Close(context.Background()))
	assert.Error(t, m.Append("a", 0, 1, []float64{1}))
}
