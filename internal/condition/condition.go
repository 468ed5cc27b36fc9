// Package condition implements the row filter language of csiconv.
//
// A condition is one or more comparisons joined by && or ||, for example
//
//	a1c2>10 && a1c3<5
//
// where aN selects the array id and cN the column the comparison applies to.
// Relations are folded strictly left to right; there is no precedence.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/spf13/cast"
)

// Comparator is a comparison operator.
type Comparator int

const (
	EQ Comparator = iota
	GT
	LT
	GE
	LE
	NE
)

func (c Comparator) String() string {
	switch c {
	case EQ:
		return "=="
	case GT:
		return ">"
	case LT:
		return "<"
	case GE:
		return ">="
	case LE:
		return "<="
	case NE:
		return "!="
	}
	return fmt.Sprintf("Comparator(%d)", int(c))
}

// Compare applies the comparator to v and threshold.
func (c Comparator) Compare(v, threshold float64) bool {
	switch c {
	case EQ:
		return v == threshold
	case GT:
		return v > threshold
	case LT:
		return v < threshold
	case GE:
		return v >= threshold
	case LE:
		return v <= threshold
	case NE:
		return v != threshold
	}
	return false
}

// comparatorTokens is searched in order: two-character operators first so that
// ">=" is never read as ">".
var comparatorTokens = []struct {
	token string
	cmp   Comparator
}{
	{">=", GE},
	{"=>", GE},
	{"<=", LE},
	{"=<", LE},
	{"!=", NE},
	{"<>", NE},
	{"==", EQ},
	{">", GT},
	{"<", LT},
	{"=", EQ},
}

// Relation joins two subconditions.
type Relation int

const (
	And Relation = iota
	Or
)

func (r Relation) String() string {
	if r == Or {
		return "||"
	}
	return "&&"
}

// SubCondition is a single comparison against one (array id, column) value.
type SubCondition struct {
	Text      string
	ArrayID   uint32
	Column    int
	Cmp       Comparator
	Threshold float64
	Status    bool
}

// Update sets the status from an observed value.
func (s *SubCondition) Update(v float64) {
	s.Status = s.Cmp.Compare(v, s.Threshold)
}

// MainCondition is a list of subconditions with the relations between them.
// len(Relations) == len(Subs)-1.
type MainCondition struct {
	Text      string
	Subs      []*SubCondition
	Relations []Relation
}

// Eval folds the subcondition statuses left to right.
func (m *MainCondition) Eval() bool {
	if len(m.Subs) == 0 {
		return true
	}
	status := m.Subs[0].Status
	for k, rel := range m.Relations {
		next := m.Subs[k+1].Status
		if rel == And {
			status = status && next
		} else {
			status = status || next
		}
	}
	return status
}

// Parse parses a condition text. The text is split at the earliest && or ||
// each time; the operator found becomes the relation to the next part.
func Parse(text string) (*MainCondition, error) {
	mc := &MainCondition{Text: text}
	rest := text
	for {
		pos, rel := nextRelation(rest)
		part := rest
		if pos >= 0 {
			part = rest[:pos]
		}

		sub, err := parseSub(part)
		if err != nil {
			return nil, err
		}
		mc.Subs = append(mc.Subs, sub)

		if pos < 0 {
			break
		}
		mc.Relations = append(mc.Relations, rel)
		rest = rest[pos+2:]
	}
	return mc, nil
}

func nextRelation(s string) (int, Relation) {
	and := strings.Index(s, "&&")
	or := strings.Index(s, "||")
	switch {
	case and < 0 && or < 0:
		return -1, And
	case or < 0 || (and >= 0 && and < or):
		return and, And
	default:
		return or, Or
	}
}

func parseSub(text string) (*SubCondition, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, syntaxError(text, "empty condition")
	}

	sub := &SubCondition{Text: s}

	cmpPos := -1
	cmpLen := 0
	for _, ct := range comparatorTokens {
		if i := strings.Index(s, ct.token); i >= 0 {
			cmpPos, cmpLen, sub.Cmp = i, len(ct.token), ct.cmp
			break
		}
	}
	if cmpPos < 0 {
		return nil, syntaxError(s, "no comparison found")
	}
	lhs, rhs := s[:cmpPos], strings.TrimSpace(s[cmpPos+cmpLen:])

	id, ok := markerNumber(lhs, 'a')
	if !ok {
		return nil, syntaxError(s, "no array id indicator (a or A)")
	}
	if id > csi.MaxArrayID {
		return nil, syntaxError(s, "array id %d out of range", id)
	}
	sub.ArrayID = uint32(id)

	col, ok := markerNumber(lhs, 'c')
	if !ok {
		return nil, syntaxError(s, "no column indicator (c or C)")
	}
	sub.Column = col

	threshold, err := cast.ToFloat64E(rhs)
	if err != nil {
		return nil, syntaxError(s, "invalid threshold %q", rhs)
	}
	sub.Threshold = threshold
	return sub, nil
}

// markerNumber finds the marker letter (either case) followed by digits and
// returns the number.
func markerNumber(s string, marker rune) (int, bool) {
	for i, r := range s {
		if unicode.ToLower(r) != marker {
			continue
		}
		j := i + 1
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i+1 {
			continue
		}
		n, err := strconv.Atoi(s[i+1 : j])
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func syntaxError(text, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %q: %s", csi.ErrConditionSyntax, text, fmt.Sprintf(format, args...))
}
