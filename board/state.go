package board

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"kuva-api/domain"
)

// Partition splits the flat task list into one sequence per column, keeping
// the order in which the store returned the tasks. Tasks in columns outside
// cols are dropped.
func Partition(tasks []domain.Task, cols []domain.Column) map[domain.Column][]domain.Task {
	out := make(map[domain.Column][]domain.Task, len(cols))
	for _, c := range cols {
		out[c] = []domain.Task{}
	}
	for _, t := range tasks {
		if seq, ok := out[t.Column]; ok {
			out[t.Column] = append(seq, t.Clone())
		}
	}
	return out
}

// DisplayOrder returns tasks sorted for rendering: high before medium before
// low, equal priorities in their original relative order.
func DisplayOrder(tasks []domain.Task) []domain.Task {
	out := slices.Clone(tasks)
	slices.SortStableFunc(out, func(a, b domain.Task) int {
		return a.Priority.Rank() - b.Priority.Rank()
	})
	return out
}

// FilterByTitle keeps the tasks whose title contains term, ignoring case.
func FilterByTitle(tasks []domain.Task, term string) []domain.Task {
	if term == "" {
		return slices.Clone(tasks)
	}
	needle := strings.ToLower(term)
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), needle) {
			out = append(out, t)
		}
	}
	return out
}

// Location addresses a slot on the board.
type Location struct {
	Column domain.Column `json:"droppableId"`
	Index  int           `json:"index"`
}

// State holds one locally owned sequence per column. Every mutation builds a
// new sequence and replaces the old one; readers get copies.
type State struct {
	layout Layout

	mu       sync.Mutex
	columns  map[domain.Column][]domain.Task
	source   map[domain.Column][]domain.Task
	filter   string
	onChange func()
}

// NewState creates an empty state for the layout.
func NewState(layout Layout) *State {
	s := &State{layout: layout}
	s.columns = Partition(nil, layout.Columns)
	s.source = Partition(nil, layout.Columns)
	return s
}

// Layout returns the layout the state was created for.
func (s *State) Layout() Layout {
	return s.layout
}

// OnChange registers fn to be called after every mutation.
func (s *State) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Seed replaces every column with the partitioner output. The active title
// filter is applied to the new data.
func (s *State) Seed(parts map[domain.Column][]domain.Task) {
	s.mu.Lock()
	s.source = make(map[domain.Column][]domain.Task, len(s.layout.Columns))
	for _, c := range s.layout.Columns {
		s.source[c] = slices.Clone(parts[c])
	}
	s.applyFilterLocked()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetFilter reseeds every column from the last partitioner output, keeping
// the tasks whose title matches term. Local reorders are discarded.
func (s *State) SetFilter(term string) {
	s.mu.Lock()
	s.filter = term
	s.applyFilterLocked()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Filter returns the active title filter.
func (s *State) Filter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *State) applyFilterLocked() {
	cols := make(map[domain.Column][]domain.Task, len(s.layout.Columns))
	for _, c := range s.layout.Columns {
		cols[c] = FilterByTitle(s.source[c], s.filter)
	}
	s.columns = cols
}

// Column returns a copy of the sequence for c.
func (s *State) Column(c domain.Column) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.columns[c])
}

// Snapshot returns copies of every column.
func (s *State) Snapshot() map[domain.Column][]domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Column][]domain.Task, len(s.columns))
	for c, seq := range s.columns {
		out[c] = slices.Clone(seq)
	}
	return out
}

// Counts returns the length of every column.
func (s *State) Counts() map[domain.Column]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Column]int, len(s.columns))
	for c, seq := range s.columns {
		out[c] = len(seq)
	}
	return out
}

// Locate finds the task with the given id.
func (s *State) Locate(id string) (Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locateLocked(id)
}

func (s *State) locateLocked(id string) (Location, bool) {
	for _, c := range s.layout.Columns {
		for i, t := range s.columns[c] {
			if t.ID == id {
				return Location{Column: c, Index: i}, true
			}
		}
	}
	return Location{}, false
}

func (s *State) checkSource(src Location) error {
	if !s.layout.Has(src.Column) {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, src.Column)
	}
	if src.Index < 0 || src.Index >= len(s.columns[src.Column]) {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, src.Column, src.Index)
	}
	return nil
}

// reorder moves the task at from to position to within one column.
func (s *State) reorder(col domain.Column, from, to int) (domain.Task, error) {
	s.mu.Lock()
	if err := s.checkSource(Location{Column: col, Index: from}); err != nil {
		s.mu.Unlock()
		return domain.Task{}, err
	}
	if to < 0 {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, col, to)
	}
	seq := slices.Clone(s.columns[col])
	task := seq[from]
	seq = slices.Delete(seq, from, from+1)
	seq = slices.Insert(seq, min(to, len(seq)), task)
	s.columns[col] = seq
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return task, nil
}

// move takes the task at src out of its column and inserts it at dst. The
// returned location is where the task ended up; destinations past the end
// append.
func (s *State) move(src, dst Location, label string) (domain.Task, Location, error) {
	s.mu.Lock()
	if err := s.checkSource(src); err != nil {
		s.mu.Unlock()
		return domain.Task{}, Location{}, err
	}
	if !s.layout.Has(dst.Column) {
		s.mu.Unlock()
		return domain.Task{}, Location{}, fmt.Errorf("%w: %s", ErrUnknownColumn, dst.Column)
	}
	if dst.Index < 0 {
		s.mu.Unlock()
		return domain.Task{}, Location{}, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, dst.Column, dst.Index)
	}

	from := slices.Clone(s.columns[src.Column])
	task := from[src.Index]
	from = slices.Delete(from, src.Index, src.Index+1)
	s.columns[src.Column] = from

	task.Column = dst.Column
	task.Status = label
	to := slices.Clone(s.columns[dst.Column])
	at := min(dst.Index, len(to))
	to = slices.Insert(to, at, task)
	s.columns[dst.Column] = to

	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return task, Location{Column: dst.Column, Index: at}, nil
}

// restore puts the task with the given id back at loc. It reports false when
// the task is no longer on the board.
func (s *State) restore(id string, loc Location, label string) bool {
	s.mu.Lock()
	cur, ok := s.locateLocked(id)
	if !ok || !s.layout.Has(loc.Column) {
		s.mu.Unlock()
		return false
	}
	from := slices.Clone(s.columns[cur.Column])
	task := from[cur.Index]
	from = slices.Delete(from, cur.Index, cur.Index+1)
	s.columns[cur.Column] = from

	task.Column = loc.Column
	task.Status = label
	to := slices.Clone(s.columns[loc.Column])
	to = slices.Insert(to, max(0, min(loc.Index, len(to))), task)
	s.columns[loc.Column] = to

	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}
