package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kuva-api/board"
	"kuva-api/domain"
	"kuva-api/editor"
	"kuva-api/notify"
	"kuva-api/overlay"
	"kuva-api/query"
)

// ErrNotOpen is returned for actions on a modal that is not open.
var ErrNotOpen = errors.New("modal not open")

const (
	msgTaskCreated      = "Task created!"
	msgTaskCreateFailed = "Failed to create task!"
)

// BoardChange is published when the columns of a mounted page change.
type BoardChange struct {
	View      string `json:"view"`
	ProjectID string `json:"projectId"`
}

type pageKey struct {
	view      string
	projectID string
}

// Workspace is the server side state of one session.
type Workspace struct {
	session  Session
	cfg      Config
	logger   *log.Entry
	client   *query.Client
	overlays *overlay.Stack
	feed     *notify.Feed

	mu       sync.Mutex
	closed   bool
	pages    map[pageKey]*board.Page
	tasks    map[string]*editor.TaskEditor
	teams    map[string]*editor.TeamEditor
	projects map[string]*query.Query[domain.Project]
}

func newWorkspace(sess Session, cfg Config) *Workspace {
	logger := cfg.Logger.WithFields(log.Fields{"session_id": sess.ID, "user_id": sess.User.ID})
	w := &Workspace{
		session:  sess,
		cfg:      cfg,
		logger:   logger,
		feed:     notify.NewFeed(logger),
		pages:    make(map[pageKey]*board.Page),
		tasks:    make(map[string]*editor.TaskEditor),
		teams:    make(map[string]*editor.TeamEditor),
		projects: make(map[string]*query.Query[domain.Project]),
	}
	w.client = query.NewClient(sess.User.ID, query.Options{
		Cache:     cfg.Cache,
		Hub:       cfg.Hub,
		StaleTime: cfg.StaleTime,
		Logger:    cfg.Logger,
	})
	w.overlays = overlay.NewStack(w.overlaysChanged)
	return w
}

// Session returns the identity the workspace was started for.
func (w *Workspace) Session() Session { return w.session }

// Feed returns the notification feed of the session.
func (w *Workspace) Feed() *notify.Feed { return w.feed }

// Overlays returns the modal stack of the session.
func (w *Workspace) Overlays() *overlay.Stack { return w.overlays }

func (w *Workspace) Client() *query.Client { return w.client }

func (w *Workspace) Layouts() board.Layouts { return w.cfg.Layouts }

func (w *Workspace) author() editor.Author {
	return editor.Author{ID: w.session.User.ID, Name: displayName(w.session.User)}
}

// Board mounts the page for view and project on first use and loads its
// task list.
func (w *Workspace) Board(ctx context.Context, view, projectID string) (*board.Page, error) {
	layout, ok := w.cfg.Layouts[view]
	if !ok {
		return nil, fmt.Errorf("%w: %q", board.ErrUnknownView, view)
	}
	k := pageKey{view: view, projectID: projectID}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrSessionClosed
	}
	p, ok := w.pages[k]
	if !ok {
		p = board.Mount(board.PageConfig{
			View:      view,
			Layout:    layout,
			User:      w.session.User.ID,
			ProjectID: projectID,
			Client:    w.client,
			Store:     w.cfg.Store,
			Persister: w.cfg.Persister,
			Notifier:  w.feed,
			Logger:    w.logger,
			Changed:   w.boardChanged,
		})
		w.pages[k] = p
	}
	w.mu.Unlock()

	if err := p.Load(ctx); err != nil {
		return p, err
	}
	return p, nil
}

// Page returns an already mounted page.
func (w *Workspace) Page(view, projectID string) (*board.Page, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pages[pageKey{view: view, projectID: projectID}]
	return p, ok
}

// Project returns the project, cached under its project key.
func (w *Workspace) Project(ctx context.Context, projectID string) (domain.Project, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return domain.Project{}, ErrSessionClosed
	}
	q, ok := w.projects[projectID]
	if !ok {
		store := w.cfg.Store
		// Projects are readable by any signed-in user; membership is not checked.
		q = query.Register(w.client, editor.ProjectKey(projectID), func(ctx context.Context) (domain.Project, error) {
			return store.GetProject(ctx, projectID)
		})
		w.projects[projectID] = q
	}
	w.mu.Unlock()
	st, err := q.Fetch(ctx)
	return st.Data, err
}

// OpenTask opens the detail modal of a task and loads the task.
func (w *Workspace) OpenTask(ctx context.Context, taskID string) (*editor.TaskEditor, error) {
	if w.isClosed() {
		return nil, ErrSessionClosed
	}
	w.overlays.Open(overlay.KindTask, taskID)

	w.mu.Lock()
	ed, ok := w.tasks[taskID]
	if !ok {
		ed = editor.OpenTask(editor.TaskEditorConfig{
			TaskID:   taskID,
			Author:   w.author(),
			Client:   w.client,
			Store:    w.cfg.Store,
			Overlays: w.overlays,
			Notifier: w.feed,
			Logger:   w.logger,
		})
		w.tasks[taskID] = ed
	}
	w.mu.Unlock()

	if _, err := ed.Load(ctx); err != nil {
		return ed, err
	}
	return ed, nil
}

// Task returns the editor of an open task modal.
func (w *Workspace) Task(taskID string) (*editor.TaskEditor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ed, ok := w.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotOpen)
	}
	return ed, nil
}

// OpenTeam opens the new-team-member modal of a project.
func (w *Workspace) OpenTeam(projectID string) (*editor.TeamEditor, error) {
	if w.isClosed() {
		return nil, ErrSessionClosed
	}
	w.overlays.Open(overlay.KindNewTeamMember, projectID)

	w.mu.Lock()
	defer w.mu.Unlock()
	ed, ok := w.teams[projectID]
	if !ok {
		ed = editor.NewTeamEditor(editor.TeamEditorConfig{
			ProjectID: projectID,
			Inviter:   w.author(),
			SignupURL: w.cfg.SignupURL,
			Client:    w.client,
			Store:     w.cfg.Store,
			Overlays:  w.overlays,
			Notifier:  w.feed,
			Logger:    w.logger,
		})
		w.teams[projectID] = ed
	}
	return ed, nil
}

// Team returns the editor of an open new-team-member modal.
func (w *Workspace) Team(projectID string) (*editor.TeamEditor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ed, ok := w.teams[projectID]
	if !ok {
		return nil, fmt.Errorf("team of project %s: %w", projectID, ErrNotOpen)
	}
	return ed, nil
}

// CreateTask stores a new task for the session user, closes the new-task
// modal and refreshes every task list.
func (w *Workspace) CreateTask(ctx context.Context, projectID string, nt domain.NewTask) (domain.Task, error) {
	if err := nt.Validate(); err != nil {
		return domain.Task{}, err
	}
	t, err := w.cfg.Store.CreateTask(ctx, w.session.User.ID, projectID, nt)
	if err != nil {
		w.feed.Error(msgTaskCreateFailed, err)
		return domain.Task{}, err
	}
	w.overlays.Close(overlay.ID(overlay.KindNewTask, projectID))
	if err := w.client.Invalidate(ctx, board.TasksKey); err != nil {
		w.logger.WithError(err).Warn("refresh tasks after create")
	}
	w.feed.Success(msgTaskCreated)
	return t, nil
}

// CloseOverlay closes a modal. Editors of closed modals are released.
func (w *Workspace) CloseOverlay(id string) bool {
	return w.overlays.Close(id)
}

// Pending returns the number of unconfirmed moves over all mounted pages.
func (w *Workspace) Pending() int {
	w.mu.Lock()
	pages := make([]*board.Page, 0, len(w.pages))
	for _, p := range w.pages {
		pages = append(pages, p)
	}
	w.mu.Unlock()
	n := 0
	for _, p := range pages {
		n += p.Pending()
	}
	return n
}

func (w *Workspace) drain(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for w.Pending() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d unconfirmed moves: %w", w.Pending(), ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// Close unmounts every page, releases the editors and ends the feed.
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	pages := w.pages
	tasks := w.tasks
	w.pages = make(map[pageKey]*board.Page)
	w.tasks = make(map[string]*editor.TaskEditor)
	w.teams = make(map[string]*editor.TeamEditor)
	w.projects = make(map[string]*query.Query[domain.Project])
	w.mu.Unlock()

	for _, p := range pages {
		p.Unmount()
	}
	for _, ed := range tasks {
		ed.Close()
	}
	w.overlays.CloseAll()
	w.client.Close()
	w.feed.Close()
}

func (w *Workspace) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Workspace) boardChanged(view, projectID string) {
	w.feed.Publish(notify.Event{Type: notify.EventBoard, Data: BoardChange{View: view, ProjectID: projectID}})
}

// overlaysChanged releases the editors whose modal is no longer open and
// tells the browser about the new stack.
func (w *Workspace) overlaysChanged(entries []overlay.Entry) {
	open := make(map[string]bool, len(entries))
	for _, e := range entries {
		open[e.ID] = true
	}
	var released []*editor.TaskEditor
	w.mu.Lock()
	for id, ed := range w.tasks {
		if !open[overlay.ID(overlay.KindTask, id)] {
			released = append(released, ed)
			delete(w.tasks, id)
		}
	}
	for id := range w.teams {
		if !open[overlay.ID(overlay.KindNewTeamMember, id)] {
			delete(w.teams, id)
		}
	}
	w.mu.Unlock()
	for _, ed := range released {
		ed.Close()
	}
	w.feed.Publish(notify.Event{Type: notify.EventOverlay, Data: entries})
}

func displayName(u domain.User) string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Email != "":
		return u.Email
	}
	return u.ID
}
