package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/basekick-labs/csiconv/internal/csi"
	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	Title   string       `yaml:"title"`
	History string       `yaml:"history"`
	Time    []yamlTime   `yaml:"time"`
	Columns []yamlColumn `yaml:"columns"`
}

type yamlTime struct {
	ID       int    `yaml:"id"`
	Name     string `yaml:"name"`
	Units    string `yaml:"units"`
	LongName string `yaml:"long_name"`

	line int
}

type yamlTimeComponent struct {
	Mult    *float64 `yaml:"mult"`
	Offset  float64  `yaml:"offset"`
	HourMin bool     `yaml:"hourmin"`
}

type yamlColumn struct {
	ID           *int               `yaml:"id"`
	Col          *int               `yaml:"col"`
	Name         string             `yaml:"name"`
	Units        *string            `yaml:"units"`
	LongName     string             `yaml:"long_name"`
	ScaleFactor  *float64           `yaml:"scale_factor"`
	AddOffset    *float64           `yaml:"add_offset"`
	ValidMin     *float64           `yaml:"valid_min"`
	ValidMax     *float64           `yaml:"valid_max"`
	MissingValue *float64           `yaml:"missing_value"`
	Type         string             `yaml:"type"`
	NCol         int                `yaml:"ncol"`
	DimName      string             `yaml:"dim_name"`
	FollowID     *int               `yaml:"follow_id"`
	Time         *yamlTimeComponent `yaml:"time"`

	line int
}

var (
	timeKeys   = []string{"id", "name", "units", "long_name"}
	columnKeys = []string{
		"id", "col", "name", "units", "long_name", "scale_factor", "add_offset",
		"valid_min", "valid_max", "missing_value", "type", "ncol", "dim_name",
		"follow_id", "time",
	}
)

// checkKeys rejects mapping keys outside allowed.
func checkKeys(node *yaml.Node, allowed []string) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k := node.Content[i]
		found := false
		for _, a := range allowed {
			if k.Value == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("line %d: unknown key %s", k.Line, k.Value)
		}
	}
	return nil
}

func (t *yamlTime) UnmarshalYAML(node *yaml.Node) error {
	if err := checkKeys(node, timeKeys); err != nil {
		return err
	}
	type plain yamlTime
	if err := node.Decode((*plain)(t)); err != nil {
		return err
	}
	t.line = node.Line
	return nil
}

func (c *yamlColumn) UnmarshalYAML(node *yaml.Node) error {
	if err := checkKeys(node, columnKeys); err != nil {
		return err
	}
	type plain yamlColumn
	if err := node.Decode((*plain)(c)); err != nil {
		return err
	}
	c.line = node.Line
	return nil
}

func parseYAML(data []byte) (*builder, error) {
	var doc yamlDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrDefinition, err)
	}

	b := &builder{title: doc.Title, history: doc.History}
	for _, t := range doc.Time {
		if t.Name == "" {
			return nil, lineError(t.line, "time variable without a name")
		}
		id, err := yamlArrayID(t.ID)
		if err != nil {
			return nil, lineError(t.line, "%v", err)
		}
		b.times = append(b.times, timeVar{
			spec: assemble.TimeSpec{
				Name:    t.Name,
				ArrayID: id,
				Attrs:   assemble.Attributes{Units: t.Units, LongName: t.LongName},
			},
			line: t.line,
		})
	}

	for _, yc := range doc.Columns {
		c, err := yc.spec()
		if err != nil {
			return nil, lineError(yc.line, "%v", err)
		}
		b.columns = append(b.columns, c)
		b.lines = append(b.lines, yc.line)
	}
	return b, nil
}

func yamlArrayID(n int) (uint32, error) {
	if n < 0 || n > csi.MaxArrayID {
		return 0, fmt.Errorf("array id %d out of range", n)
	}
	return uint32(n), nil
}

func (yc yamlColumn) spec() (assemble.ColumnSpec, error) {
	switch {
	case yc.ID == nil:
		return assemble.ColumnSpec{}, fmt.Errorf("incomplete column, id is missing")
	case yc.Col == nil:
		return assemble.ColumnSpec{}, fmt.Errorf("incomplete column, col is missing")
	case yc.Name == "":
		return assemble.ColumnSpec{}, fmt.Errorf("incomplete column, name is missing")
	case yc.Units == nil:
		return assemble.ColumnSpec{}, fmt.Errorf("incomplete column, units is missing")
	}

	id, err := yamlArrayID(*yc.ID)
	if err != nil {
		return assemble.ColumnSpec{}, err
	}
	typ, err := assemble.ParseOutputType(yc.Type)
	if err != nil {
		return assemble.ColumnSpec{}, err
	}

	c := assemble.ColumnSpec{
		Name:    yc.Name,
		ArrayID: id,
		Column:  *yc.Col,
		NCol:    yc.NCol,
		DimName: yc.DimName,
		Missing: yc.MissingValue,
		Type:    typ,
		Attrs: assemble.Attributes{
			Units:       *yc.Units,
			LongName:    yc.LongName,
			ScaleFactor: yc.ScaleFactor,
			AddOffset:   yc.AddOffset,
			ValidMin:    yc.ValidMin,
			ValidMax:    yc.ValidMax,
		},
	}
	if c.NCol == 0 {
		c.NCol = 1
	}
	if yc.FollowID != nil {
		fid, err := yamlArrayID(*yc.FollowID)
		if err != nil {
			return assemble.ColumnSpec{}, err
		}
		c.FollowID = &fid
	}
	if yc.Time != nil {
		tc := &assemble.TimeComponent{Mult: 1, Offset: yc.Time.Offset, HourMinutes: yc.Time.HourMin}
		if yc.Time.Mult != nil {
			tc.Mult = *yc.Time.Mult
		}
		c.Time = tc
	}
	return c, nil
}
