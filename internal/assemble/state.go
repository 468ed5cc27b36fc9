package assemble

// columnState is the mutable buffer of one output column.
type columnState struct {
	spec ColumnSpec
	ncol int
	cap  int

	buf   []float64 // cap rows of ncol samples
	curr  int       // rows committed to buf since the last flush
	index int       // rows committed in total
	first int       // first row not yet flushed

	gotVal bool // the open row is complete

	// following variables
	staged    []float64 // values of the source record being read
	nstaged   int
	pending   []float64 // last complete source row
	gotFollow bool
	missed    int

	// time reconstruction
	feeds      *columnState // time column this component contributes to
	clock      bool         // this is a reconstructed time column
	components int          // contributions per row
	arrived    int          // contributions to the open row so far
}

func newColumnState(spec ColumnSpec, capacity int) *columnState {
	ncol := spec.Width()
	st := &columnState{
		spec: spec,
		ncol: ncol,
		cap:  capacity,
		buf:  make([]float64, (capacity+1)*ncol),
	}
	if spec.FollowID != nil {
		st.staged = make([]float64, ncol)
		st.pending = make([]float64, ncol)
	}
	return st
}

// row returns the open row.
func (st *columnState) row() []float64 {
	return st.buf[st.curr*st.ncol : (st.curr+1)*st.ncol]
}

// set writes one sub-column of the open row and reports whether the row is
// now complete. Only the last sub-column completes a vector row.
func (st *columnState) set(offset int, v float64) bool {
	st.row()[offset] = v
	if offset == st.ncol-1 {
		st.gotVal = true
		return true
	}
	return false
}

// stash stages one sub-column of a following variable. The staged row
// replaces the pending one only once all sub-columns of one source record
// arrived in order; stash reports whether that happened.
func (st *columnState) stash(offset int, v float64) bool {
	if offset != st.nstaged {
		return false
	}
	st.staged[offset] = v
	st.nstaged++
	if st.nstaged < st.ncol {
		return false
	}
	copy(st.pending, st.staged)
	st.nstaged = 0
	st.gotFollow = true
	return true
}

// restage drops staged values of an incomplete source record.
func (st *columnState) restage() {
	st.nstaged = 0
}

func (st *columnState) accumulate(v float64) {
	r := st.row()
	if st.arrived == 0 {
		r[0] = 0
	}
	r[0] += v
	st.arrived++
	if st.arrived == st.components {
		st.gotVal = true
	}
}

func (st *columnState) synthesize() {
	fill := st.spec.Fill()
	r := st.row()
	for i := range r {
		r[i] = fill
	}
	st.gotVal = true
}

func (st *columnState) commit() {
	st.curr++
	st.index++
	st.gotVal = false
	st.arrived = 0
}

func (st *columnState) clear() {
	st.gotVal = false
	st.arrived = 0
}

func (st *columnState) full() bool {
	return st.curr >= st.cap
}
