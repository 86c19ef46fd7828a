package board

import (
	"context"
	"errors"
	"io"
	"maps"
	"reflect"
	"slices"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"kuva-api/domain"
	"kuva-api/query"
)

type submitted struct {
	taskID string
	fields domain.TaskFields
	done   func(error)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []submitted
	err  error
}

func (f *fakeSubmitter) Submit(taskID string, fields domain.TaskFields, done func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, submitted{taskID: taskID, fields: fields, done: done})
	return nil
}

type fakeInvalidator struct {
	mu   sync.Mutex
	keys []query.Key
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, prefix query.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, prefix)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (f *fakeNotifier) Success(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, message)
}

func (f *fakeNotifier) Error(message string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
}

func testLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func boardLayout(t *testing.T) Layout {
	t.Helper()
	l, ok := DefaultLayouts()["board"]
	if !ok {
		t.Fatal("no board layout")
	}
	return l
}

func task(id string, col domain.Column, prio domain.Priority) domain.Task {
	label, _ := col.StatusLabel()
	return domain.Task{ID: id, Title: "Task " + id, Column: col, Status: label, Priority: prio}
}

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func wantIDs(t *testing.T, tasks []domain.Task, want ...string) {
	t.Helper()
	if got := ids(tasks); !slices.Equal(got, want) {
		t.Fatalf("expected tasks %v, got %v", want, got)
	}
}

func (h *harness) jobs() []submitted {
	h.submitter.mu.Lock()
	defer h.submitter.mu.Unlock()
	return slices.Clone(h.submitter.jobs)
}

func (h *harness) unchanged(t *testing.T, before map[domain.Column][]domain.Task) {
	t.Helper()
	if !reflect.DeepEqual(before, h.state.Snapshot()) {
		t.Fatalf("state changed: %v", h.state.Snapshot())
	}
	if n := len(h.jobs()); n != 0 {
		t.Fatalf("expected no writes, got %d", n)
	}
}

type harness struct {
	state      *State
	submitter  *fakeSubmitter
	invalidate *fakeInvalidator
	notifier   *fakeNotifier
	rec        *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		state:      NewState(boardLayout(t)),
		submitter:  &fakeSubmitter{},
		invalidate: &fakeInvalidator{},
		notifier:   &fakeNotifier{},
	}
	h.rec = NewReconciler(h.state, h.submitter, h.invalidate, h.notifier, log.NewEntry(testLogger()))
	h.state.Seed(Partition([]domain.Task{
		task("s1", domain.ColumnSelectedForDevelopment, domain.PriorityLow),
		task("p1", domain.ColumnInProgress, domain.PriorityHigh),
		task("p2", domain.ColumnInProgress, domain.PriorityMedium),
		task("p3", domain.ColumnInProgress, domain.PriorityLow),
		task("r1", domain.ColumnInReview, domain.PriorityMedium),
	}, h.state.Layout().Columns))
	return h
}

func TestDefaultLayouts(t *testing.T) {
	layouts := DefaultLayouts()
	board, ok := layouts["board"]
	if !ok {
		t.Fatal("missing board layout")
	}
	backlog, ok := layouts["backlog"]
	if !ok {
		t.Fatal("missing backlog layout")
	}
	wantBoard := []domain.Column{
		domain.ColumnSelectedForDevelopment, domain.ColumnInProgress, domain.ColumnInReview, domain.ColumnCompleted,
	}
	if !slices.Equal(board.Columns, wantBoard) {
		t.Fatalf("unexpected board columns: %v", board.Columns)
	}
	if !slices.Equal(backlog.Columns, []domain.Column{domain.ColumnBacklog, domain.ColumnSelectedForDevelopment}) {
		t.Fatalf("unexpected backlog columns: %v", backlog.Columns)
	}
	if backlog.Name != "backlog" {
		t.Fatalf("unexpected backlog name %q", backlog.Name)
	}
}

func TestParseLayoutsRejectsInvalidColumns(t *testing.T) {
	if _, err := ParseLayouts([]byte("views:\n  board:\n    columns: [done-column]\n")); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
	if _, err := ParseLayouts([]byte("views:\n  board:\n    columns: [backlog-column, backlog-column]\n")); err == nil {
		t.Fatal("expected duplicate columns to be rejected")
	}
	if _, err := ParseLayouts([]byte("views: {}\n")); err == nil {
		t.Fatal("expected an empty view set to be rejected")
	}
}

func TestLayoutLabel(t *testing.T) {
	l := boardLayout(t)
	label, ok := l.Label(domain.ColumnInReview)
	if !ok || label != "In Review" {
		t.Fatalf("unexpected label %q (ok=%v)", label, ok)
	}
	if _, ok := l.Label(domain.ColumnBacklog); ok {
		t.Fatal("backlog is not on the board view")
	}
}

func TestPartitionPreservesStoreOrder(t *testing.T) {
	tasks := []domain.Task{
		task("c", domain.ColumnInProgress, domain.PriorityLow),
		task("a", domain.ColumnBacklog, domain.PriorityLow),
		task("b", domain.ColumnInProgress, domain.PriorityHigh),
		task("d", domain.ColumnCompleted, domain.PriorityLow),
	}
	parts := Partition(tasks, []domain.Column{domain.ColumnInProgress, domain.ColumnCompleted})

	wantIDs(t, parts[domain.ColumnInProgress], "c", "b")
	wantIDs(t, parts[domain.ColumnCompleted], "d")
	if _, ok := parts[domain.ColumnBacklog]; ok {
		t.Fatal("columns outside the layout must not be partitioned")
	}
}

func TestPartitionYieldsEmptyColumns(t *testing.T) {
	parts := Partition(nil, []domain.Column{domain.ColumnInReview})
	col, ok := parts[domain.ColumnInReview]
	if !ok || col == nil || len(col) != 0 {
		t.Fatalf("expected an empty, non-nil column, got %v (ok=%v)", col, ok)
	}
}

func TestDisplayOrderPlacesHighFirst(t *testing.T) {
	got := DisplayOrder([]domain.Task{
		task("l", domain.ColumnBacklog, domain.PriorityLow),
		task("h", domain.ColumnBacklog, domain.PriorityHigh),
		task("m", domain.ColumnBacklog, domain.PriorityMedium),
	})
	wantIDs(t, got, "h", "m", "l")
}

func TestDisplayOrderIsStableForEqualPriorities(t *testing.T) {
	in := []domain.Task{
		task("l1", domain.ColumnBacklog, domain.PriorityLow),
		task("m1", domain.ColumnBacklog, domain.PriorityMedium),
		task("l2", domain.ColumnBacklog, domain.PriorityLow),
		task("h1", domain.ColumnBacklog, domain.PriorityHigh),
		task("m2", domain.ColumnBacklog, domain.PriorityMedium),
		task("l3", domain.ColumnBacklog, domain.PriorityLow),
		task("h2", domain.ColumnBacklog, domain.PriorityHigh),
		task("m3", domain.ColumnBacklog, domain.PriorityMedium),
	}
	wantIDs(t, DisplayOrder(in), "h1", "h2", "m1", "m2", "m3", "l1", "l2", "l3")
	if in[0].ID != "l1" {
		t.Fatal("input must not be reordered")
	}
}

func TestFilterByTitleIgnoresCase(t *testing.T) {
	tasks := []domain.Task{{ID: "1", Title: "Fix Login"}, {ID: "2", Title: "Write docs"}, {ID: "3", Title: "login page"}}
	wantIDs(t, FilterByTitle(tasks, "LOGIN"), "1", "3")
	if n := len(FilterByTitle(tasks, "")); n != 3 {
		t.Fatalf("expected an empty term to keep every task, got %d", n)
	}
}

func TestCancelledDropIsNoop(t *testing.T) {
	h := newHarness(t)
	before := h.state.Snapshot()

	move, err := h.rec.OnDragEnd(DropResult{Source: Location{Column: domain.ColumnInProgress, Index: 0}})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if move.Outcome != OutcomeNone {
		t.Fatalf("unexpected outcome %q", move.Outcome)
	}
	h.unchanged(t, before)
}

func TestDropAtSourceIsNoop(t *testing.T) {
	h := newHarness(t)
	before := h.state.Snapshot()
	loc := Location{Column: domain.ColumnInProgress, Index: 1}

	move, err := h.rec.OnDragEnd(DropResult{Source: loc, Destination: &loc})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if move.Outcome != OutcomeNone {
		t.Fatalf("unexpected outcome %q", move.Outcome)
	}
	h.unchanged(t, before)
}

func TestSameColumnReorderKeepsLengthAndWritesNothing(t *testing.T) {
	h := newHarness(t)
	before := h.state.Counts()

	move, err := h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInProgress, Index: 0},
		Destination: &Location{Column: domain.ColumnInProgress, Index: 2},
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if move.Outcome != OutcomeReordered || move.Task.ID != "p1" {
		t.Fatalf("unexpected move: %+v", move)
	}
	wantIDs(t, h.state.Column(domain.ColumnInProgress), "p2", "p3", "p1")
	if !maps.Equal(before, h.state.Counts()) {
		t.Fatalf("column sizes changed: %v -> %v", before, h.state.Counts())
	}
	if len(h.jobs()) != 0 || len(h.invalidate.keys) != 0 {
		t.Fatalf("reorder wrote or invalidated: jobs=%d keys=%v", len(h.jobs()), h.invalidate.keys)
	}
}

func TestCrossColumnMoveWritesColumnAndStatusOnce(t *testing.T) {
	h := newHarness(t)
	before := h.state.Counts()

	move, err := h.rec.OnDragEnd(DropResult{
		DraggableID: "p2",
		Source:      Location{Column: domain.ColumnInProgress, Index: 1},
		Destination: &Location{Column: domain.ColumnInReview, Index: 0},
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if move.Outcome != OutcomeMoved {
		t.Fatalf("unexpected outcome %q", move.Outcome)
	}

	after := h.state.Counts()
	if after[domain.ColumnInProgress] != before[domain.ColumnInProgress]-1 || after[domain.ColumnInReview] != before[domain.ColumnInReview]+1 {
		t.Fatalf("unexpected counts %v -> %v", before, after)
	}
	wantIDs(t, h.state.Column(domain.ColumnInReview), "p2", "r1")

	jobs := h.jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected one write, got %d", len(jobs))
	}
	job := jobs[0]
	if job.taskID != "p2" {
		t.Fatalf("unexpected task written: %s", job.taskID)
	}
	if job.fields.Column == nil || job.fields.Status == nil {
		t.Fatalf("expected column and status together: %+v", job.fields)
	}
	if *job.fields.Column != domain.ColumnInReview || *job.fields.Status != "In Review" {
		t.Fatalf("unexpected fields: %s %q", *job.fields.Column, *job.fields.Status)
	}
	if job.fields.Title != nil {
		t.Fatal("move must not write the title")
	}

	moved := h.state.Column(domain.ColumnInReview)[0]
	if moved.Column != domain.ColumnInReview || moved.Status != "In Review" {
		t.Fatalf("local task not relabelled: %+v", moved)
	}

	// The write completes later; success confirms and invalidates the list.
	if h.rec.Pending() != 1 {
		t.Fatalf("expected one pending move, got %d", h.rec.Pending())
	}
	job.done(nil)
	if h.rec.Pending() != 0 {
		t.Fatalf("expected no pending moves, got %d", h.rec.Pending())
	}
	if !reflect.DeepEqual(h.invalidate.keys, []query.Key{TasksKey}) {
		t.Fatalf("unexpected invalidations: %v", h.invalidate.keys)
	}
	if len(h.notifier.errors) != 0 {
		t.Fatalf("unexpected error toasts: %v", h.notifier.errors)
	}
}

func TestMoveIntoEachColumnUsesItsLabel(t *testing.T) {
	for _, col := range []domain.Column{domain.ColumnSelectedForDevelopment, domain.ColumnInReview, domain.ColumnCompleted} {
		h := newHarness(t)
		_, err := h.rec.OnDragEnd(DropResult{
			Source:      Location{Column: domain.ColumnInProgress, Index: 0},
			Destination: &Location{Column: col, Index: 0},
		})
		if err != nil {
			t.Fatalf("drop into %s: %v", col, err)
		}
		jobs := h.jobs()
		if len(jobs) != 1 {
			t.Fatalf("expected one write for %s, got %d", col, len(jobs))
		}
		want, _ := col.StatusLabel()
		if *jobs[0].fields.Column != col || *jobs[0].fields.Status != want {
			t.Fatalf("unexpected fields for %s: %s %q", col, *jobs[0].fields.Column, *jobs[0].fields.Status)
		}
	}
}

func TestDestinationPastEndAppends(t *testing.T) {
	h := newHarness(t)
	move, err := h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInProgress, Index: 0},
		Destination: &Location{Column: domain.ColumnInReview, Index: 10},
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if want := (Location{Column: domain.ColumnInReview, Index: 1}); move.To != want {
		t.Fatalf("expected %+v, got %+v", want, move.To)
	}
	wantIDs(t, h.state.Column(domain.ColumnInReview), "r1", "p1")
}

func TestInvalidDropsLeaveStateUntouched(t *testing.T) {
	h := newHarness(t)
	before := h.state.Snapshot()

	cases := []struct {
		drop DropResult
		want error
	}{
		{DropResult{
			Source:      Location{Column: domain.ColumnBacklog, Index: 0},
			Destination: &Location{Column: domain.ColumnInReview, Index: 0},
		}, ErrUnknownColumn},
		{DropResult{
			Source:      Location{Column: domain.ColumnInProgress, Index: 5},
			Destination: &Location{Column: domain.ColumnInReview, Index: 0},
		}, ErrIndexOutOfRange},
		{DropResult{
			Source:      Location{Column: domain.ColumnInProgress, Index: 0},
			Destination: &Location{Column: domain.ColumnInProgress, Index: -1},
		}, ErrIndexOutOfRange},
	}
	for _, tc := range cases {
		if _, err := h.rec.OnDragEnd(tc.drop); !errors.Is(err, tc.want) {
			t.Fatalf("drop %+v: expected %v, got %v", tc.drop.Source, tc.want, err)
		}
	}
	h.unchanged(t, before)
}

func TestFailedMoveRollsBackAndNotifies(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInProgress, Index: 1},
		Destination: &Location{Column: domain.ColumnCompleted, Index: 0},
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	jobs := h.jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected one write, got %d", len(jobs))
	}

	jobs[0].done(errors.New("store unavailable"))

	wantIDs(t, h.state.Column(domain.ColumnInProgress), "p1", "p2", "p3")
	wantIDs(t, h.state.Column(domain.ColumnCompleted))
	restored := h.state.Column(domain.ColumnInProgress)[1]
	if restored.Column != domain.ColumnInProgress || restored.Status != "In Progress" {
		t.Fatalf("restored task not relabelled: %+v", restored)
	}
	if !slices.Equal(h.notifier.errors, []string{moveFailedMessage}) {
		t.Fatalf("unexpected error toasts: %v", h.notifier.errors)
	}
	if !reflect.DeepEqual(h.invalidate.keys, []query.Key{TasksKey}) {
		t.Fatalf("unexpected invalidations: %v", h.invalidate.keys)
	}
	if h.rec.Pending() != 0 {
		t.Fatalf("expected no pending moves, got %d", h.rec.Pending())
	}
}

func TestOnlyNewestFailedMoveRollsBack(t *testing.T) {
	h := newHarness(t)
	// p1: in-progress -> in-review -> completed
	if _, err := h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInProgress, Index: 0},
		Destination: &Location{Column: domain.ColumnInReview, Index: 0},
	}); err != nil {
		t.Fatalf("first drop: %v", err)
	}
	if _, err := h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInReview, Index: 0},
		Destination: &Location{Column: domain.ColumnCompleted, Index: 0},
	}); err != nil {
		t.Fatalf("second drop: %v", err)
	}
	jobs := h.jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected two writes, got %d", len(jobs))
	}

	// The first write succeeds, the second fails: the task returns to the
	// column the store confirmed.
	jobs[0].done(nil)
	wantIDs(t, h.state.Column(domain.ColumnCompleted), "p1")
	jobs[1].done(errors.New("conflict"))

	wantIDs(t, h.state.Column(domain.ColumnCompleted))
	wantIDs(t, h.state.Column(domain.ColumnInReview), "p1", "r1")
	if len(h.notifier.errors) != 1 {
		t.Fatalf("expected one error toast, got %v", h.notifier.errors)
	}
}

func TestOlderFailedMoveDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	_, _ = h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInProgress, Index: 0},
		Destination: &Location{Column: domain.ColumnInReview, Index: 0},
	})
	_, _ = h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInReview, Index: 0},
		Destination: &Location{Column: domain.ColumnCompleted, Index: 0},
	})
	jobs := h.jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected two writes, got %d", len(jobs))
	}

	jobs[0].done(errors.New("timeout"))
	wantIDs(t, h.state.Column(domain.ColumnCompleted), "p1")
	if len(h.notifier.errors) != 0 {
		t.Fatalf("older failure must not toast: %v", h.notifier.errors)
	}

	jobs[1].done(nil)
	wantIDs(t, h.state.Column(domain.ColumnCompleted), "p1")
	if h.rec.Pending() != 0 {
		t.Fatalf("expected no pending moves, got %d", h.rec.Pending())
	}
}

func TestRefusedWriteRollsBackAndReportsError(t *testing.T) {
	for _, refusal := range []error{ErrPersisterSaturated, ErrPersisterClosed} {
		h := newHarness(t)
		h.submitter.err = refusal

		move, err := h.rec.OnDragEnd(DropResult{
			Source:      Location{Column: domain.ColumnInProgress, Index: 0},
			Destination: &Location{Column: domain.ColumnInReview, Index: 0},
		})
		if !errors.Is(err, refusal) {
			t.Fatalf("expected %v, got %v", refusal, err)
		}
		if move.Outcome != OutcomeRolledBack {
			t.Fatalf("unexpected outcome %q", move.Outcome)
		}
		if want := (Location{Column: domain.ColumnInProgress, Index: 0}); move.To != want || move.Task.Column != domain.ColumnInProgress {
			t.Fatalf("expected the task back at its source, got %+v", move)
		}
		wantIDs(t, h.state.Column(domain.ColumnInProgress), "p1", "p2", "p3")
		wantIDs(t, h.state.Column(domain.ColumnInReview), "r1")
		if !slices.Equal(h.notifier.errors, []string{moveFailedMessage}) {
			t.Fatalf("unexpected error toasts: %v", h.notifier.errors)
		}
		if h.rec.Pending() != 0 {
			t.Fatalf("expected no pending moves, got %d", h.rec.Pending())
		}
	}
}

func TestSetFilterReseedsFromPartition(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.OnDragEnd(DropResult{
		Source:      Location{Column: domain.ColumnInProgress, Index: 0},
		Destination: &Location{Column: domain.ColumnInProgress, Index: 2},
	}); err != nil {
		t.Fatalf("drop: %v", err)
	}

	h.state.SetFilter("TASK P")
	wantIDs(t, h.state.Column(domain.ColumnInProgress), "p1", "p2", "p3")
	wantIDs(t, h.state.Column(domain.ColumnInReview))

	h.state.SetFilter("")
	wantIDs(t, h.state.Column(domain.ColumnInReview), "r1")
}

func TestSeedAppliesActiveFilter(t *testing.T) {
	s := NewState(boardLayout(t))
	s.SetFilter("docs")
	s.Seed(Partition([]domain.Task{
		{ID: "1", Title: "Write docs", Column: domain.ColumnInProgress},
		{ID: "2", Title: "Fix bug", Column: domain.ColumnInProgress},
	}, s.Layout().Columns))
	wantIDs(t, s.Column(domain.ColumnInProgress), "1")
}

func TestLocate(t *testing.T) {
	h := newHarness(t)
	loc, ok := h.state.Locate("p3")
	if want := (Location{Column: domain.ColumnInProgress, Index: 2}); !ok || loc != want {
		t.Fatalf("expected %+v, got %+v (ok=%v)", want, loc, ok)
	}
	if _, ok := h.state.Locate("missing"); ok {
		t.Fatal("expected missing task not to be located")
	}
}

func TestStateReadsAreCopies(t *testing.T) {
	h := newHarness(t)
	col := h.state.Column(domain.ColumnInProgress)
	col[0].Title = "mutated"
	if h.state.Column(domain.ColumnInProgress)[0].Title == "mutated" {
		t.Fatal("column reads must not alias the state")
	}
}
