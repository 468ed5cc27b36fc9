// Package format reads definition files: which array id and column every
// output variable is taken from, plus its attributes.
//
// Two syntaxes are accepted. The line format has one declaration per line
// as key = value pairs, // comments and \ continuations. The YAML format
// carries the same fields as a document.
package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/cespare/xxhash/v2"
)

// ErrDefinition is wrapped by every error caused by the content of a
// definition file.
var ErrDefinition = errors.New("invalid definition")

// Kind selects the syntax of a definition file.
type Kind int

const (
	KindAuto Kind = iota
	KindLine
	KindYAML
)

// Definition is the parsed content of a definition file.
type Definition struct {
	Title   string
	History string
	Columns []assemble.ColumnSpec

	// Times holds the reconstructed time columns. A time variable without
	// any time component only names the row dimension of its array id and
	// is kept in Dimensions instead.
	Times      []assemble.TimeSpec
	Dimensions map[uint32]string

	// Fingerprint is the xxhash64 of the raw definition text.
	Fingerprint uint64
}

// FingerprintHex returns the fingerprint as 16 hex digits.
func (d *Definition) FingerprintHex() string {
	return fmt.Sprintf("%016x", d.Fingerprint)
}

// Load reads and parses a definition file. The syntax follows the file
// extension: .yaml and .yml are YAML, everything else is the line format.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	def, err := Parse(bytes.NewReader(data), kindOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func kindOf(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return KindYAML
	}
	return KindLine
}

// Parse reads a definition of the given kind. KindAuto treats input that
// starts with a YAML document marker or a "columns:" key as YAML.
func Parse(r io.Reader, kind Kind) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	if kind == KindAuto {
		kind = sniff(data)
	}

	var d *builder
	switch kind {
	case KindYAML:
		d, err = parseYAML(data)
	default:
		d, err = parseLines(data)
	}
	if err != nil {
		return nil, err
	}

	def, err := d.build()
	if err != nil {
		return nil, err
	}
	def.Fingerprint = xxhash.Sum64(data)
	return def, nil
}

func sniff(data []byte) Kind {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "---" || strings.HasPrefix(line, "columns:") || strings.HasPrefix(line, "title:") {
			return KindYAML
		}
		return KindLine
	}
	return KindLine
}

// timeVar is a declared time variable before its components are known.
type timeVar struct {
	spec assemble.TimeSpec
	line int
}

// builder collects declarations from either syntax and checks the rules
// that span several of them.
type builder struct {
	title   string
	history string
	columns []assemble.ColumnSpec
	lines   []int
	times   []timeVar
}

func (b *builder) build() (*Definition, error) {
	def := &Definition{
		Title:      b.title,
		History:    b.history,
		Columns:    b.columns,
		Dimensions: make(map[uint32]string),
	}

	components := make(map[uint32]int)
	for _, c := range b.columns {
		if c.Time != nil {
			components[c.ArrayID]++
		}
	}

	seen := make(map[uint32]bool)
	for _, tv := range b.times {
		id := tv.spec.ArrayID
		if seen[id] {
			return nil, lineError(tv.line, "array id %d already has a time variable", id)
		}
		seen[id] = true
		if components[id] > 0 {
			def.Times = append(def.Times, tv.spec)
		} else {
			def.Dimensions[id] = tv.spec.Name
		}
	}

	names := make(map[string]int)
	for _, tv := range b.times {
		names[tv.spec.Name] = tv.line
	}
	for i, c := range b.columns {
		if prev, ok := names[c.Name]; ok {
			return nil, lineError(b.lines[i], "%s already declared on line %d", c.Name, prev)
		}
		names[c.Name] = b.lines[i]

		if err := c.Validate(); err != nil {
			return nil, lineError(b.lines[i], "%v", err)
		}
		if c.Time != nil && !seen[c.ArrayID] {
			return nil, lineError(b.lines[i], "time component %s without a time variable for array id %d", c.Name, c.ArrayID)
		}
	}
	return def, nil
}

func lineError(line int, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if line > 0 {
		return fmt.Errorf("%w: line %d: %s", ErrDefinition, line, msg)
	}
	return fmt.Errorf("%w: %s", ErrDefinition, msg)
}

// ArrayIDs returns the array ids the definition reads from, sorted.
func (d *Definition) ArrayIDs() []uint32 {
	set := make(map[uint32]bool)
	for _, c := range d.Columns {
		set[c.ArrayID] = true
	}
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
