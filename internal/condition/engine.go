package condition

import "fmt"

type key struct {
	arrayID uint32
	column  int
}

// Engine evaluates the filter, start and stop conditions of one decode pass.
type Engine struct {
	Filters []*MainCondition
	Start   *MainCondition
	Stop    *MainCondition

	byKey   map[key][]*SubCondition
	byArray map[uint32][]*SubCondition

	started bool
	stopped bool
}

// NewEngine parses every condition text. start and stop may be empty.
func NewEngine(filters []string, start, stop string) (*Engine, error) {
	e := &Engine{
		byKey:   make(map[key][]*SubCondition),
		byArray: make(map[uint32][]*SubCondition),
	}

	for _, f := range filters {
		mc, err := Parse(f)
		if err != nil {
			return nil, fmt.Errorf("filter condition: %w", err)
		}
		e.Filters = append(e.Filters, mc)
		e.index(mc)
	}
	if start != "" {
		mc, err := Parse(start)
		if err != nil {
			return nil, fmt.Errorf("start condition: %w", err)
		}
		e.Start = mc
		e.index(mc)
	}
	if stop != "" {
		mc, err := Parse(stop)
		if err != nil {
			return nil, fmt.Errorf("stop condition: %w", err)
		}
		e.Stop = mc
		e.index(mc)
	}
	return e, nil
}

func (e *Engine) index(mc *MainCondition) {
	for _, s := range mc.Subs {
		k := key{s.ArrayID, s.Column}
		e.byKey[k] = append(e.byKey[k], s)
		e.byArray[s.ArrayID] = append(e.byArray[s.ArrayID], s)
	}
}

// Empty reports whether no condition of any kind is configured.
func (e *Engine) Empty() bool {
	return len(e.Filters) == 0 && e.Start == nil && e.Stop == nil
}

// Reset clears the status of every subcondition scoped to arrayID. It is
// called when a record of that array id begins.
func (e *Engine) Reset(arrayID uint32) {
	for _, s := range e.byArray[arrayID] {
		s.Status = false
	}
}

// Update records an observed value. Only subconditions whose array id and
// column match exactly are touched.
func (e *Engine) Update(arrayID uint32, column int, v float64) {
	for _, s := range e.byKey[key{arrayID, column}] {
		s.Update(v)
	}
}

// AllTrue ANDs every filter condition. With no filters it is true.
func (e *Engine) AllTrue() bool {
	for _, f := range e.Filters {
		if !f.Eval() {
			return false
		}
	}
	return true
}

// Wanted decides whether the record just completed is emitted. It is called
// once per record: the start condition latches the first time it holds, and
// once the stop condition holds every later record is rejected as well.
func (e *Engine) Wanted() bool {
	if e.stopped {
		return false
	}
	if e.Stop != nil && e.Stop.Eval() {
		e.stopped = true
		return false
	}
	if e.Start != nil && !e.started {
		if !e.Start.Eval() {
			return false
		}
		e.started = true
	}
	return e.AllTrue()
}

// Stopped reports whether the stop condition has fired.
func (e *Engine) Stopped() bool {
	return e.stopped
}
