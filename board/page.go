package board

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"kuva-api/domain"
	"kuva-api/query"
)

// TaskLister runs filtered task queries against the remote store.
type TaskLister interface {
	QueryTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
}

// ProjectTasksKey is the query key of the active task list of a project.
func ProjectTasksKey(projectID string) query.Key {
	return query.Key{"tasks", "project", projectID}
}

// PageConfig carries the collaborators of a board page.
type PageConfig struct {
	View      string
	Layout    Layout
	User      string
	ProjectID string
	Client    *query.Client
	Store     TaskLister
	Persister Submitter
	Notifier  Notifier
	Logger    *log.Entry
	// Changed is called whenever the page's columns change.
	Changed func(view, projectID string)
}

// Page is a mounted board view of one project. Its columns are reseeded
// only when the task query settles on a new result.
type Page struct {
	view       string
	projectID  string
	state      *State
	reconciler *Reconciler
	query      *query.Query[[]domain.Task]

	mu          sync.Mutex
	lastVersion uint64
	unsubscribe func()
}

// Mount registers the task query and subscribes the page to it.
func Mount(cfg PageConfig) *Page {
	user, projectID := cfg.User, cfg.ProjectID
	store := cfg.Store
	q := query.Register(cfg.Client, ProjectTasksKey(projectID), func(ctx context.Context) ([]domain.Task, error) {
		return store.QueryTasks(ctx, domain.TaskFilter{User: user, ProjectID: projectID})
	})
	logger := cfg.Logger.WithFields(log.Fields{"view": cfg.View, "project_id": projectID})
	state := NewState(cfg.Layout)
	p := &Page{
		view:       cfg.View,
		projectID:  projectID,
		state:      state,
		reconciler: NewReconciler(state, cfg.Persister, cfg.Client, cfg.Notifier, logger),
		query:      q,
	}
	if cfg.Changed != nil {
		changed := cfg.Changed
		state.OnChange(func() { changed(cfg.View, projectID) })
	}
	unsubscribe := q.Subscribe(p.onQueryState)
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
	return p
}

func (p *Page) onQueryState(st query.State[[]domain.Task]) {
	if !st.Settled() {
		return
	}
	p.mu.Lock()
	if st.Version == p.lastVersion {
		p.mu.Unlock()
		return
	}
	p.lastVersion = st.Version
	p.mu.Unlock()
	p.state.Seed(Partition(st.Data, p.state.Layout().Columns))
}

// Load fetches the task list unless a fresh result is cached.
func (p *Page) Load(ctx context.Context) error {
	_, err := p.query.Fetch(ctx)
	return err
}

// Unmount stops following the task query.
func (p *Page) Unmount() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// State exposes the page's board state.
func (p *Page) State() *State {
	return p.state
}

// Drop applies a drop event.
func (p *Page) Drop(drop DropResult) (Move, error) {
	return p.reconciler.OnDragEnd(drop)
}

// Pending returns the number of tasks whose moves are not yet confirmed.
func (p *Page) Pending() int {
	return p.reconciler.Pending()
}

// SetFilter applies a title filter to the page.
func (p *Page) SetFilter(term string) {
	if term == p.state.Filter() {
		return
	}
	p.state.SetFilter(term)
}

// Card is a task as rendered on the board. Index is the task's position in
// the board state and is what drop events refer to.
type Card struct {
	domain.Task
	Index int `json:"index"`
}

// ColumnView is one rendered column.
type ColumnView struct {
	ID    domain.Column `json:"id"`
	Label string        `json:"label"`
	Count int           `json:"count"`
	Cards []Card        `json:"cards"`
}

// View is the rendered page.
type View struct {
	View         string       `json:"view"`
	ProjectID    string       `json:"projectId"`
	Status       string       `json:"status"`
	IsRefetching bool         `json:"isRefetching"`
	Error        string       `json:"error,omitempty"`
	Filter       string       `json:"filter"`
	Pending      int          `json:"pending"`
	Columns      []ColumnView `json:"columns"`
}

// Render returns the columns in layout order, each sorted for display.
func (p *Page) Render() View {
	st := p.query.Current()
	v := View{
		View:         p.view,
		ProjectID:    p.projectID,
		Status:       st.Status.String(),
		IsRefetching: st.IsRefetching,
		Filter:       p.state.Filter(),
		Pending:      p.reconciler.Pending(),
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	snap := p.state.Snapshot()
	for _, c := range p.state.Layout().Columns {
		seq := snap[c]
		index := make(map[string]int, len(seq))
		for i, t := range seq {
			index[t.ID] = i
		}
		cards := make([]Card, 0, len(seq))
		for _, t := range DisplayOrder(seq) {
			cards = append(cards, Card{Task: t, Index: index[t.ID]})
		}
		label, _ := c.StatusLabel()
		v.Columns = append(v.Columns, ColumnView{ID: c, Label: label, Count: len(seq), Cards: cards})
	}
	return v
}
