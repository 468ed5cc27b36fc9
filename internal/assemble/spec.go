package assemble

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/basekick-labs/csiconv/internal/csi"
)

// OutputType is the storage type of a column in the output store.
type OutputType int

const (
	TypeFloat OutputType = iota
	TypeDouble
	TypeInt
	TypeShort
	TypeByte
	TypeChar
)

// Default fill values of the netCDF conventions, used when a column has no
// missing value of its own.
const (
	FillByte   = -127
	FillChar   = 0
	FillShort  = -32767
	FillInt    = -2147483647
	FillFloat  = 9.9692099683868690e+36
	FillDouble = 9.9692099683868690e+36
)

// ParseOutputType parses a type name as written in definition files.
func ParseOutputType(s string) (OutputType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float":
		return TypeFloat, nil
	case "double":
		return TypeDouble, nil
	case "int", "long":
		return TypeInt, nil
	case "short":
		return TypeShort, nil
	case "byte":
		return TypeByte, nil
	case "char":
		return TypeChar, nil
	}
	return TypeFloat, fmt.Errorf("unknown output type %q", s)
}

func (t OutputType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeInt:
		return "int"
	case TypeShort:
		return "short"
	case TypeByte:
		return "byte"
	case TypeChar:
		return "char"
	}
	return fmt.Sprintf("OutputType(%d)", int(t))
}

// Fill returns the type-specific sentinel for a missing sample.
func (t OutputType) Fill() float64 {
	switch t {
	case TypeDouble:
		return FillDouble
	case TypeInt:
		return FillInt
	case TypeShort:
		return FillShort
	case TypeByte:
		return FillByte
	case TypeChar:
		return FillChar
	}
	return FillFloat
}

// Range returns the smallest and largest value the type can store. Integer
// types are range checked after rounding.
func (t OutputType) Range() (lo, hi float64) {
	switch t {
	case TypeDouble:
		return -math.MaxFloat64, math.MaxFloat64
	case TypeInt:
		return math.MinInt32, math.MaxInt32
	case TypeShort:
		return math.MinInt16, math.MaxInt16
	case TypeByte:
		return math.MinInt8, math.MaxInt8
	case TypeChar:
		return 0, math.MaxUint8
	}
	return -math.MaxFloat32, math.MaxFloat32
}

// Integer reports whether values are rounded to whole numbers on output.
func (t OutputType) Integer() bool {
	switch t {
	case TypeInt, TypeShort, TypeByte, TypeChar:
		return true
	}
	return false
}

// Attributes are descriptive column attributes passed through to the store.
type Attributes struct {
	Units       string
	LongName    string
	ScaleFactor *float64
	AddOffset   *float64
	ValidMin    *float64
	ValidMax    *float64
}

// Metadata renders the attributes as key/value pairs. Only set attributes
// appear.
func (a Attributes) Metadata() map[string]string {
	md := make(map[string]string)
	if a.Units != "" {
		md["units"] = a.Units
	}
	if a.LongName != "" {
		md["long_name"] = a.LongName
	}
	for _, kv := range []struct {
		key string
		v   *float64
	}{
		{"scale_factor", a.ScaleFactor},
		{"add_offset", a.AddOffset},
		{"valid_min", a.ValidMin},
		{"valid_max", a.ValidMax},
	} {
		if kv.v != nil {
			md[kv.key] = strconv.FormatFloat(*kv.v, 'g', -1, 64)
		}
	}
	return md
}

// TimeComponent marks a column as a contribution to the reconstructed time
// column of its array id. The contribution is (v - Offset) * Mult, where v is
// first converted from hhmm to fractional hours when HourMinutes is set.
type TimeComponent struct {
	Mult        float64
	Offset      float64
	HourMinutes bool
}

// Contribution returns the part of the time value contributed by v.
func (tc TimeComponent) Contribution(v float64) float64 {
	if tc.HourMinutes {
		h := math.Floor(v / 100)
		v = h + (v/100-h)/0.6
	}
	return (v - tc.Offset) * tc.Mult
}

// ColumnSpec declares one output column.
type ColumnSpec struct {
	Name    string
	ArrayID uint32
	Column  int // first record column; the array id itself is column 1
	NCol    int // number of consecutive record columns, 1 for scalars
	DimName string

	// FollowID, when set, names the array id whose rows this column joins.
	// The value is read from records of ArrayID and carried into the next
	// record of FollowID.
	FollowID *uint32

	Time    *TimeComponent
	Missing *float64
	Type    OutputType
	Attrs   Attributes
}

// TimeSpec declares the reconstructed time column of an array id.
type TimeSpec struct {
	Name    string
	ArrayID uint32
	Attrs   Attributes
}

// Group returns the array id whose rows the column belongs to.
func (c ColumnSpec) Group() uint32 {
	if c.FollowID != nil {
		return *c.FollowID
	}
	return c.ArrayID
}

// Width returns the number of record columns the spec covers.
func (c ColumnSpec) Width() int {
	if c.NCol < 1 {
		return 1
	}
	return c.NCol
}

// Fill returns the value used for a synthesized sample.
func (c ColumnSpec) Fill() float64 {
	if c.Missing != nil {
		return *c.Missing
	}
	return c.Type.Fill()
}

// Validate checks the invariants of a single column declaration.
func (c ColumnSpec) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("column without a name")
	case c.ArrayID > csi.MaxArrayID:
		return fmt.Errorf("column %s: array id %d out of range", c.Name, c.ArrayID)
	case c.Column < 2:
		return fmt.Errorf("column %s: column number %d must be at least 2", c.Name, c.Column)
	case c.NCol < 0:
		return fmt.Errorf("column %s: negative ncol", c.Name)
	case c.NCol > 1 && c.DimName == "":
		return fmt.Errorf("column %s: ncol requires a dimension name", c.Name)
	case c.FollowID != nil && c.Missing == nil:
		return fmt.Errorf("column %s: follow_id requires a missing value", c.Name)
	case c.FollowID != nil && *c.FollowID > csi.MaxArrayID:
		return fmt.Errorf("column %s: follow id %d out of range", c.Name, *c.FollowID)
	case c.FollowID != nil && c.Time != nil:
		return fmt.Errorf("column %s: a following variable cannot be a time component", c.Name)
	case c.Time != nil && c.NCol > 1:
		return fmt.Errorf("column %s: a vector cannot be a time component", c.Name)
	}
	return nil
}
