package session

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"kuva-api/board"
	"kuva-api/domain"
	"kuva-api/editor"
	"kuva-api/notify"
	"kuva-api/overlay"
)

type memStore struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	users    map[string]domain.User
	projects map[string]domain.Project
	block    chan struct{}
	merges   int
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[string]domain.Task),
		users:    map[string]domain.User{"u1": {ID: "u1", Email: "ada@example.com", DisplayName: "Ada"}},
		projects: map[string]domain.Project{"p1": {ID: "p1", Title: "Kuva", Owner: "u1"}},
	}
}

func (s *memStore) put(t domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *memStore) QueryTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Task{}
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) CreateTask(ctx context.Context, userID, projectID string, nt domain.NewTask) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	col := nt.Column
	if col == "" {
		col = domain.ColumnBacklog
	}
	status, _ := col.StatusLabel()
	t := domain.Task{
		ID: "new" + string(rune('0'+s.nextID)), User: userID, ProjectID: projectID,
		Title: nt.Title, Column: col, Status: status, Priority: domain.PriorityMedium,
		Comments: []domain.Comment{},
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *memStore) MergeTask(ctx context.Context, id string, f domain.TaskFields) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges++
	s.tasks[id] = f.Apply(s.tasks[id])
	return nil
}

func (s *memStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *memStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memStore) FindUsersByEmail(ctx context.Context, email string) ([]domain.User, error) {
	return nil, nil
}

func (s *memStore) AddCollaborators(ctx context.Context, projectID string, add []domain.Collaborator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[projectID]
	p.Collaborators = domain.UnionCollaborators(p.Collaborators, add)
	s.projects[projectID] = p
	return nil
}

func (s *memStore) EnqueueMail(ctx context.Context, doc domain.MailDocument) error { return nil }

func silentLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestManager(t *testing.T, store *memStore) *Manager {
	t.Helper()
	logger := silentLogger()
	persister := board.NewPersister(store, board.PersisterConfig{Workers: 2, Buffer: 16, HandoffTimeout: time.Second}, logger)
	t.Cleanup(func() {
		store.mu.Lock()
		if store.block != nil {
			close(store.block)
			store.block = nil
		}
		store.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = persister.Shutdown(ctx)
	})
	return NewManager(Config{
		Store:         store,
		Persister:     persister,
		Layouts:       board.DefaultLayouts(),
		SignupURL:     "https://kuva.example/signup",
		Logger:        logger,
		DrainInterval: 5 * time.Millisecond,
	})
}

func task(id string, col domain.Column) domain.Task {
	status, _ := col.StatusLabel()
	return domain.Task{ID: id, User: "u1", ProjectID: "p1", Title: "Task " + id, Column: col, Status: status, Priority: domain.PriorityMedium, Comments: []domain.Comment{}}
}

func waitForEvent(t *testing.T, ch <-chan notify.Event, typ string) notify.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("feed closed before %s event", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event within 1s", typ)
		}
	}
}

func TestStartUsesProfile(t *testing.T) {
	m := newTestManager(t, newMemStore())

	ws, err := m.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ws.Session().User.DisplayName != "Ada" || ws.Session().ID == "" {
		t.Fatalf("unexpected session: %+v", ws.Session())
	}
	got, ok := m.Get(ws.Session().ID)
	if !ok || got != ws {
		t.Fatalf("session not registered")
	}

	anon, err := m.Start(context.Background(), "u9")
	if err != nil {
		t.Fatalf("start without profile: %v", err)
	}
	if anon.Session().User.ID != "u9" || displayName(anon.Session().User) != "u9" {
		t.Fatalf("unexpected fallback user: %+v", anon.Session().User)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Len())
	}

	if _, err := m.Start(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}

func TestBoardMountsAndPublishesChanges(t *testing.T) {
	store := newMemStore()
	store.put(task("t1", domain.ColumnSelectedForDevelopment))
	store.put(task("t2", domain.ColumnBacklog))
	m := newTestManager(t, store)
	ws, _ := m.Start(context.Background(), "u1")
	events, cancel := ws.Feed().Subscribe()
	defer cancel()

	page, err := ws.Board(context.Background(), "board", "p1")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	ev := waitForEvent(t, events, notify.EventBoard)
	if change, ok := ev.Data.(BoardChange); !ok || change.View != "board" || change.ProjectID != "p1" {
		t.Fatalf("unexpected board event: %#v", ev.Data)
	}
	if got := page.State().Counts()[domain.ColumnSelectedForDevelopment]; got != 1 {
		t.Fatalf("expected 1 selected task, got %d", got)
	}
	if _, ok := page.State().Counts()[domain.ColumnBacklog]; ok {
		t.Fatalf("board view must not contain the backlog column")
	}

	again, err := ws.Board(context.Background(), "board", "p1")
	if err != nil || again != page {
		t.Fatalf("expected the mounted page to be reused")
	}
	if _, err := ws.Board(context.Background(), "timeline", "p1"); !errors.Is(err, board.ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}
}

func TestTaskModalLifecycle(t *testing.T) {
	store := newMemStore()
	store.put(task("t1", domain.ColumnInProgress))
	m := newTestManager(t, store)
	ws, _ := m.Start(context.Background(), "u1")
	events, cancel := ws.Feed().Subscribe()
	defer cancel()

	ed, err := ws.OpenTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("open task: %v", err)
	}
	if ed.View().Task.Title != "Task t1" {
		t.Fatalf("task not loaded: %+v", ed.View().Task)
	}
	ev := waitForEvent(t, events, notify.EventOverlay)
	if entries, ok := ev.Data.([]overlay.Entry); !ok || len(entries) != 1 || entries[0].ID != "task:t1" {
		t.Fatalf("unexpected overlay event: %#v", ev.Data)
	}
	if got, err := ws.Task("t1"); err != nil || got != ed {
		t.Fatalf("expected open editor, got %v", err)
	}

	if !ws.CloseOverlay("task:t1") {
		t.Fatalf("expected modal to be open")
	}
	if _, err := ws.Task("t1"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after close, got %v", err)
	}
}

func TestArchiveReleasesEditor(t *testing.T) {
	store := newMemStore()
	store.put(task("t1", domain.ColumnInProgress))
	m := newTestManager(t, store)
	ws, _ := m.Start(context.Background(), "u1")
	page, _ := ws.Board(context.Background(), "board", "p1")

	ed, err := ws.OpenTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("open task: %v", err)
	}
	if err := ed.Archive(context.Background()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if ws.Overlays().IsOpen("task:t1") {
		t.Fatalf("modal should be closed")
	}
	if _, err := ws.Task("t1"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("editor should be released, got %v", err)
	}
	if n := len(page.State().Column(domain.ColumnInProgress)); n != 0 {
		t.Fatalf("archived task still on the board: %d", n)
	}
	recent := ws.Feed().Recent()
	if len(recent) == 0 || recent[len(recent)-1].Message != "Document archived!" {
		t.Fatalf("unexpected notifications: %+v", recent)
	}
}

func TestTeamModal(t *testing.T) {
	m := newTestManager(t, newMemStore())
	ws, _ := m.Start(context.Background(), "u1")

	if _, err := ws.Team("p1"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	ed, err := ws.OpenTeam("p1")
	if err != nil {
		t.Fatalf("open team: %v", err)
	}
	if got, _ := ws.Team("p1"); got != ed {
		t.Fatalf("expected the open team editor")
	}
	ws.CloseOverlay(overlay.ID(overlay.KindNewTeamMember, "p1"))
	if _, err := ws.Team("p1"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("team editor should be released, got %v", err)
	}
}

func TestProjectIsCachedUntilTeamChange(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ws, _ := m.Start(context.Background(), "u1")

	p, err := ws.Project(context.Background(), "p1")
	if err != nil || p.Title != "Kuva" {
		t.Fatalf("project: %+v %v", p, err)
	}
	_ = store.AddCollaborators(context.Background(), "p1", []domain.Collaborator{{Role: "None", UserID: "u2"}})
	p, _ = ws.Project(context.Background(), "p1")
	if len(p.Collaborators) != 0 {
		t.Fatalf("expected cached project")
	}
	if err := ws.Client().Invalidate(context.Background(), editor.ProjectKey("p1")); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	p, _ = ws.Project(context.Background(), "p1")
	if len(p.Collaborators) != 1 {
		t.Fatalf("expected refreshed project, got %+v", p)
	}
}

func TestCreateTaskRefreshesBoard(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ws, _ := m.Start(context.Background(), "u1")
	page, _ := ws.Board(context.Background(), "backlog", "p1")
	ws.Overlays().Open(overlay.KindNewTask, "p1")

	if _, err := ws.CreateTask(context.Background(), "p1", domain.NewTask{Title: " "}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
	created, err := ws.CreateTask(context.Background(), "p1", domain.NewTask{Title: "Plan sprint"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	backlog := page.State().Column(domain.ColumnBacklog)
	if len(backlog) != 1 || backlog[0].ID != created.ID {
		t.Fatalf("new task not on the backlog: %+v", backlog)
	}
	if ws.Overlays().IsOpen("new-task:p1") {
		t.Fatalf("new-task modal should be closed")
	}
}

func TestEndWaitsForUnconfirmedMoves(t *testing.T) {
	store := newMemStore()
	store.put(task("t1", domain.ColumnSelectedForDevelopment))
	m := newTestManager(t, store)
	ws, _ := m.Start(context.Background(), "u1")
	page, err := ws.Board(context.Background(), "board", "p1")
	if err != nil {
		t.Fatalf("board: %v", err)
	}

	release := make(chan struct{})
	store.mu.Lock()
	store.block = release
	store.mu.Unlock()

	_, err = page.Drop(board.DropResult{
		DraggableID: "t1",
		Source:      board.Location{Column: domain.ColumnSelectedForDevelopment, Index: 0},
		Destination: &board.Location{Column: domain.ColumnInProgress, Index: 0},
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if ws.Pending() != 1 {
		t.Fatalf("expected one unconfirmed move, got %d", ws.Pending())
	}

	done := make(chan error, 1)
	go func() { done <- m.End(context.Background(), ws.Session().ID) }()
	select {
	case err := <-done:
		t.Fatalf("End returned before the write settled: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	store.mu.Lock()
	store.block = nil
	store.mu.Unlock()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("end: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("End did not return")
	}
	if got, _ := store.GetTask(context.Background(), "t1"); got.Column != domain.ColumnInProgress {
		t.Fatalf("move not persisted: %+v", got)
	}
	if _, ok := m.Get(ws.Session().ID); ok {
		t.Fatalf("session still registered")
	}
	if _, err := ws.Board(context.Background(), "board", "p1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestEndGivesUpAtDeadline(t *testing.T) {
	store := newMemStore()
	store.put(task("t1", domain.ColumnSelectedForDevelopment))
	m := newTestManager(t, store)
	ws, _ := m.Start(context.Background(), "u1")
	page, _ := ws.Board(context.Background(), "board", "p1")
	store.mu.Lock()
	store.block = make(chan struct{})
	store.mu.Unlock()
	_, _ = page.Drop(board.DropResult{
		DraggableID: "t1",
		Source:      board.Location{Column: domain.ColumnSelectedForDevelopment, Index: 0},
		Destination: &board.Location{Column: domain.ColumnInReview, Index: 0},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.End(ctx, ws.Session().ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if err := m.End(context.Background(), ws.Session().ID); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestShutdownEndsAllSessions(t *testing.T) {
	m := newTestManager(t, newMemStore())
	a, _ := m.Start(context.Background(), "u1")
	b, _ := m.Start(context.Background(), "u1")
	events, _ := b.Feed().Subscribe()

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", m.Len())
	}
	if _, ok := m.Get(a.Session().ID); ok {
		t.Fatalf("session a still registered")
	}
	for range events {
	}
}
