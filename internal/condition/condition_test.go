package condition

import (
	"testing"

	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	mc, err := Parse("a1c2>10 && A1C3<5 || a2c4 >= -1.5")
	require.NoError(t, err)
	require.Len(t, mc.Subs, 3)
	assert.Equal(t, []Relation{And, Or}, mc.Relations)

	assert.Equal(t, uint32(1), mc.Subs[0].ArrayID)
	assert.Equal(t, 2, mc.Subs[0].Column)
	assert.Equal(t, GT, mc.Subs[0].Cmp)
	assert.Equal(t, 10.0, mc.Subs[0].Threshold)

	assert.Equal(t, 3, mc.Subs[1].Column)
	assert.Equal(t, LT, mc.Subs[1].Cmp)

	assert.Equal(t, uint32(2), mc.Subs[2].ArrayID)
	assert.Equal(t, GE, mc.Subs[2].Cmp)
	assert.Equal(t, -1.5, mc.Subs[2].Threshold)
}

func TestParse_ComparatorPriority(t *testing.T) {
	tests := map[string]Comparator{
		"a1c2>=3": GE,
		"a1c2=>3": GE,
		"a1c2<=3": LE,
		"a1c2=<3": LE,
		"a1c2!=3": NE,
		"a1c2<>3": NE,
		"a1c2==3": EQ,
		"a1c2>3":  GT,
		"a1c2<3":  LT,
		"a1c2=3":  EQ,
	}
	for text, want := range tests {
		mc, err := Parse(text)
		require.NoError(t, err, text)
		assert.Equal(t, want, mc.Subs[0].Cmp, text)
		assert.Equal(t, 3.0, mc.Subs[0].Threshold, text)
	}
}

func TestParse_SyntaxErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"c2>10",
		"a1>10",
		"a1c2",
		"a1c2>ten",
		"a1024c2>1",
		"a1c2>1 &&",
		"&& a1c2>1",
	} {
		_, err := Parse(text)
		assert.ErrorIs(t, err, csi.ErrConditionSyntax, text)
		assert.True(t, csi.Fatal(err, true), text)
	}
}

func TestComparator_Compare(t *testing.T) {
	assert.True(t, EQ.Compare(1, 1))
	assert.True(t, GT.Compare(2, 1))
	assert.True(t, LT.Compare(0, 1))
	assert.True(t, GE.Compare(1, 1))
	assert.True(t, LE.Compare(1, 1))
	assert.True(t, NE.Compare(0, 1))
	assert.False(t, NE.Compare(1, 1))
	assert.Equal(t, ">=", GE.String())
	assert.Equal(t, "||", Or.String())
}

func TestMainCondition_EvalLeftToRight(t *testing.T) {
	// (false || true) && false folds to false; with precedence it would be true
	mc, err := Parse("a1c2>0 || a1c3>0 && a1c4>0")
	require.NoError(t, err)
	mc.Subs[0].Status = false
	mc.Subs[1].Status = true
	mc.Subs[2].Status = false
	assert.False(t, mc.Eval())

	mc.Subs[2].Status = true
	assert.True(t, mc.Eval())
}

func TestEngine_AllTrue(t *testing.T) {
	e, err := NewEngine([]string{"a1c2>10 && a1c3<5"}, "", "")
	require.NoError(t, err)
	assert.False(t, e.Empty())

	tests := []struct {
		c2, c3 float64
		want   bool
	}{
		{11, 4, true},
		{10, 4, false},
		{11, 5, false},
		{0, 9, false},
	}
	for _, tt := range tests {
		e.Reset(1)
		e.Update(1, 2, tt.c2)
		e.Update(1, 3, tt.c3)
		assert.Equal(t, tt.want, e.AllTrue(), "c2=%v c3=%v", tt.c2, tt.c3)
	}
}

func TestEngine_UpdateMatchesExactly(t *testing.T) {
	e, err := NewEngine([]string{"a1c2>10"}, "", "")
	require.NoError(t, err)

	e.Reset(1)
	e.Update(2, 2, 50)
	e.Update(1, 3, 50)
	assert.False(t, e.AllTrue())

	e.Update(1, 2, 50)
	assert.True(t, e.AllTrue())

	// a record of another array id leaves the status alone
	e.Reset(2)
	assert.True(t, e.AllTrue())
	e.Reset(1)
	assert.False(t, e.AllTrue())
}

func TestEngine_StartIsSticky(t *testing.T) {
	e, err := NewEngine(nil, "a1c2>=5", "")
	require.NoError(t, err)

	var got []bool
	for _, v := range []float64{1, 5, 1, 0} {
		e.Reset(1)
		e.Update(1, 2, v)
		got = append(got, e.Wanted())
	}
	assert.Equal(t, []bool{false, true, true, true}, got)
}

func TestEngine_StopIsPermanent(t *testing.T) {
	e, err := NewEngine(nil, "", "a1c2==3")
	require.NoError(t, err)

	var got []bool
	for _, v := range []float64{1, 2, 3, 4, 1} {
		e.Reset(1)
		e.Update(1, 2, v)
		got = append(got, e.Wanted())
	}
	assert.Equal(t, []bool{true, true, false, false, false}, got)
	assert.True(t, e.Stopped())
}

func TestEngine_StartStopAndFilter(t *testing.T) {
	e, err := NewEngine([]string{"a1c3!=0"}, "a1c2>1", "a1c2>4")
	require.NoError(t, err)

	rows := []struct{ c2, c3 float64 }{
		{0, 1}, // before start
		{2, 1}, // start fires
		{3, 0}, // filtered
		{1, 1}, // start is sticky
		{5, 1}, // stop fires
		{2, 1}, // stopped
	}
	var got []bool
	for _, r := range rows {
		e.Reset(1)
		e.Update(1, 2, r.c2)
		e.Update(1, 3, r.c3)
		got = append(got, e.Wanted())
	}
	assert.Equal(t, []bool{false, true, false, true, false, false}, got)
}

func TestEngine_Empty(t *testing.T) {
	e, err := NewEngine(nil, "", "")
	require.NoError(t, err)
	assert.True(t, e.Empty())
	assert.True(t, e.Wanted())

	_, err = NewEngine([]string{"x"}, "", "")
	assert.ErrorIs(t, err, csi.ErrConditionSyntax)
	_, err = NewEngine(nil, "a1", "")
	assert.ErrorIs(t, err, csi.ErrConditionSyntax)
	_, err = NewEngine(nil, "", "c1>2")
	assert.ErrorIs(t, err, csi.ErrConditionSyntax)
}
