package assemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputType(t *testing.T) {
	for _, name := range []string{"float", "double", "int", "short", "byte", "char"} {
		typ, err := ParseOutputType(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, typ.String())
	}

	typ, err := ParseOutputType("")
	require.NoError(t, err)
	assert.Equal(t, TypeFloat, typ)

	typ, err = ParseOutputType(" LONG ")
	require.NoError(t, err)
	assert.Equal(t, TypeInt, typ)

	_, err = ParseOutputType("string")
	assert.Error(t, err)
}

func TestColumnSpec_Fill(t *testing.T) {
	assert.Equal(t, float64(FillFloat), ColumnSpec{}.Fill())
	assert.Equal(t, float64(FillByte), ColumnSpec{Type: TypeByte}.Fill())
	assert.Equal(t, float64(FillInt), ColumnSpec{Type: TypeInt}.Fill())
	assert.Equal(t, float64(FillChar), ColumnSpec{Type: TypeChar}.Fill())
	assert.Equal(t, -99.0, ColumnSpec{Type: TypeShort, Missing: f64(-99)}.Fill())
}

func TestColumnSpec_Group(t *testing.T) {
	assert.Equal(t, uint32(7), scalar("x", 7, 2).Group())
	assert.Equal(t, uint32(3), ColumnSpec{ArrayID: 7, FollowID: u32(3)}.Group())
	assert.Equal(t, 1, ColumnSpec{}.Width())
	assert.Equal(t, 4, ColumnSpec{NCol: 4}.Width())
}

func TestColumnSpec_Validate(t *testing.T) {
	tests := []struct {
		name string
		spec ColumnSpec
		ok   bool
	}{
		{"scalar", scalar("x", 1, 2), true},
		{"vector", ColumnSpec{Name: "v", ArrayID: 1, Column: 2, NCol: 3, DimName: "band"}, true},
		{"follow", ColumnSpec{Name: "f", ArrayID: 1, Column: 2, FollowID: u32(2), Missing: f64(-1)}, true},
		{"no name", ColumnSpec{ArrayID: 1, Column: 2}, false},
		{"array id range", scalar("x", 1024, 2), false},
		{"column 1 is the array id", scalar("x", 1, 1), false},
		{"vector without dimension", ColumnSpec{Name: "v", ArrayID: 1, Column: 2, NCol: 3}, false},
		{"follow without missing", ColumnSpec{Name: "f", ArrayID: 1, Column: 2, FollowID: u32(2)}, false},
		{"follow id range", ColumnSpec{Name: "f", ArrayID: 1, Column: 2, FollowID: u32(4000), Missing: f64(0)}, false},
		{"follow as time", ColumnSpec{Name: "f", ArrayID: 1, Column: 2, FollowID: u32(2), Missing: f64(0), Time: &TimeComponent{Mult: 1}}, false},
		{"vector as time", ColumnSpec{Name: "v", ArrayID: 1, Column: 2, NCol: 2, DimName: "d", Time: &TimeComponent{Mult: 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTimeComponent_Contribution(t *testing.T) {
	assert.InDelta(t, 12.5, TimeComponent{Mult: 1, HourMinutes: true}.Contribution(1230), 1e-9)
	assert.InDelta(t, 0.75, TimeComponent{Mult: 1.0 / 24, HourMinutes: true}.Contribution(1800), 1e-9)
	assert.InDelta(t, 30*86400, TimeComponent{Mult: 86400, Offset: 1970}.Contribution(2000), 1e-6)
}

func TestAttributes_Metadata(t *testing.T) {
	md := Attributes{Units: "K", LongName: "air temperature", ScaleFactor: f64(0.5), ValidMax: f64(350)}.Metadata()
	assert.Equal(t, map[string]string{
		"units":        "K",
		"long_name":    "air temperature",
		"scale_factor": "0.5",
		"valid_max":    "350",
	}, md)
	assert.Empty(t, Attributes{}.Metadata())
}
