package format

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/spf13/cast"
)

// field is one key = value pair of a line.
type field struct {
	value  string
	quoted bool
}

var lineKeys = map[string]bool{
	"id": true, "col": true, "var_name": true, "units": true, "long_name": true,
	"scale_factor": true, "add_offset": true, "valid_min": true, "valid_max": true,
	"missing_value": true, "type": true, "ncol": true, "dim_name": true,
	"follow_id": true, "title": true, "history": true, "timevar": true,
	"time_mult": true, "time_offset": true, "time_hourmin": true,
}

func parseLines(data []byte) (*builder, error) {
	b := &builder{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		logical strings.Builder
		startNo int
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if logical.Len() == 0 {
			startNo = lineNo
		}

		trimmed := strings.TrimRight(text, " \t\r")
		if strings.HasSuffix(trimmed, "\\") {
			logical.WriteString(strings.TrimSuffix(trimmed, "\\"))
			logical.WriteByte(' ')
			continue
		}
		logical.WriteString(text)

		if err := b.line(stripComment(logical.String()), startNo); err != nil {
			return nil, err
		}
		logical.Reset()
	}
	if err := sc.Err(); err != nil {
		return nil, lineError(lineNo, "%v", err)
	}
	if logical.Len() > 0 {
		if err := b.line(stripComment(logical.String()), startNo); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// stripComment cuts the line at the first // outside a quoted string.
func stripComment(s string) string {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && s[i] == '/' && i+1 < len(s) && s[i+1] == '/':
			return s[:i]
		}
	}
	return s
}

func isSeparator(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == ',' || c == ';'
}

// splitFields parses the key = value pairs of one logical line.
func splitFields(s string, lineNo int) (map[string]field, error) {
	fields := make(map[string]field)
	i := 0
	for {
		for i < len(s) && isSeparator(s[i]) {
			i++
		}
		if i >= len(s) {
			return fields, nil
		}

		start := i
		for i < len(s) && (s[i] == '_' || s[i] >= 'a' && s[i] <= 'z' || s[i] >= 'A' && s[i] <= 'Z') {
			i++
		}
		key := strings.ToLower(s[start:i])
		if key == "" {
			return nil, lineError(lineNo, "unexpected %q", s[i:])
		}
		if !lineKeys[key] {
			return nil, lineError(lineNo, "unknown key %s", key)
		}
		if _, dup := fields[key]; dup {
			return nil, lineError(lineNo, "%s given twice", key)
		}

		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			return nil, lineError(lineNo, "could not find = sign for %s", key)
		}
		i++
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}

		var f field
		if i < len(s) && s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, lineError(lineNo, "unterminated string for %s", key)
			}
			f = field{value: s[i+1 : i+1+end], quoted: true}
			i += end + 2
		} else {
			start = i
			for i < len(s) && !isSeparator(s[i]) {
				i++
			}
			f = field{value: s[start:i]}
			if f.value == "" {
				return nil, lineError(lineNo, "missing value for %s", key)
			}
		}
		fields[key] = f
	}
}

// line interprets one logical line.
func (b *builder) line(s string, lineNo int) error {
	fields, err := splitFields(s, lineNo)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	if f, ok := fields["title"]; ok {
		b.title = f.value
		delete(fields, "title")
	}
	if f, ok := fields["history"]; ok {
		b.history = f.value
		delete(fields, "history")
	}
	if len(fields) == 0 {
		return nil
	}

	p := lineParser{fields: fields, line: lineNo}
	if _, ok := fields["timevar"]; ok {
		return b.timeLine(&p)
	}
	return b.variableLine(&p)
}

func (b *builder) timeLine(p *lineParser) error {
	if !p.has("id") {
		return lineError(p.line, "time variable without an array id")
	}
	ts := assemble.TimeSpec{
		Name:    p.str("timevar"),
		ArrayID: p.arrayID("id"),
	}
	ts.Attrs.Units = p.str("units")
	ts.Attrs.LongName = p.str("long_name")
	if err := p.done("id", "timevar", "units", "long_name"); err != nil {
		return err
	}
	b.times = append(b.times, timeVar{spec: ts, line: p.line})
	return nil
}

func (b *builder) variableLine(p *lineParser) error {
	for _, k := range []string{"id", "col", "var_name", "units"} {
		if !p.has(k) {
			return lineError(p.line, "incomplete line, %s is missing", k)
		}
	}

	c := assemble.ColumnSpec{
		Name:    p.str("var_name"),
		ArrayID: p.arrayID("id"),
		Column:  p.integer("col"),
		NCol:    1,
		DimName: p.str("dim_name"),
		Attrs: assemble.Attributes{
			Units:       p.str("units"),
			LongName:    p.str("long_name"),
			ScaleFactor: p.optFloat("scale_factor"),
			AddOffset:   p.optFloat("add_offset"),
			ValidMin:    p.optFloat("valid_min"),
			ValidMax:    p.optFloat("valid_max"),
		},
		Missing: p.optFloat("missing_value"),
	}
	if p.has("ncol") {
		c.NCol = p.integer("ncol")
	}
	if p.has("follow_id") {
		id := p.arrayID("follow_id")
		c.FollowID = &id
	}
	if p.has("type") {
		t, err := assemble.ParseOutputType(p.str("type"))
		if err != nil {
			p.fail(err)
		}
		c.Type = t
	}
	if p.has("time_mult") || p.has("time_offset") || p.has("time_hourmin") {
		tc := &assemble.TimeComponent{Mult: 1}
		if m := p.optFloat("time_mult"); m != nil {
			tc.Mult = *m
		}
		if o := p.optFloat("time_offset"); o != nil {
			tc.Offset = *o
		}
		tc.HourMinutes = p.boolean("time_hourmin")
		c.Time = tc
	}

	if err := p.done(); err != nil {
		return err
	}
	b.columns = append(b.columns, c)
	b.lines = append(b.lines, p.line)
	return nil
}

// lineParser converts field values and keeps the first conversion error.
type lineParser struct {
	fields map[string]field
	line   int
	err    error
}

func (p *lineParser) has(key string) bool {
	_, ok := p.fields[key]
	return ok
}

func (p *lineParser) fail(err error) {
	if p.err == nil {
		p.err = lineError(p.line, "%v", err)
	}
}

func (p *lineParser) str(key string) string {
	return p.fields[key].value
}

func (p *lineParser) integer(key string) int {
	f, ok := p.fields[key]
	if !ok {
		return 0
	}
	n, err := cast.ToIntE(f.value)
	if err != nil || f.quoted {
		p.fail(fmt.Errorf("could not convert %s %q", key, f.value))
	}
	return n
}

func (p *lineParser) arrayID(key string) uint32 {
	n := p.integer(key)
	if n < 0 || n > csi.MaxArrayID {
		p.fail(fmt.Errorf("%s %d out of range", key, n))
		return 0
	}
	return uint32(n)
}

func (p *lineParser) optFloat(key string) *float64 {
	f, ok := p.fields[key]
	if !ok {
		return nil
	}
	v, err := cast.ToFloat64E(f.value)
	if err != nil || f.quoted {
		p.fail(fmt.Errorf("could not convert %s %q", key, f.value))
		return nil
	}
	return &v
}

func (p *lineParser) boolean(key string) bool {
	f, ok := p.fields[key]
	if !ok {
		return false
	}
	v, err := cast.ToBoolE(f.value)
	if err != nil {
		p.fail(fmt.Errorf("could not convert %s %q", key, f.value))
	}
	return v
}

// done returns the first conversion error. With allowed keys given, any
// other key on the line is an error too.
func (p *lineParser) done(allowed ...string) error {
	if p.err != nil {
		return p.err
	}
	if len(allowed) == 0 {
		return nil
	}
	ok := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		ok[k] = true
	}
	for k := range p.fields {
		if !ok[k] {
			return lineError(p.line, "%s not allowed on a time variable line", k)
		}
	}
	return nil
}
