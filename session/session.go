// Package session owns the per-user workspaces of the service. A workspace
// holds what the browser would otherwise keep in memory: the query client,
// the mounted board pages, the open modals and their editors, and the
// notification feed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kuva-api/board"
	"kuva-api/domain"
	"kuva-api/query"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session closed")
)

// Session identifies an authenticated user and their workspace. It is passed
// explicitly to everything that needs the current user.
type Session struct {
	ID        string      `json:"id"`
	User      domain.User `json:"user"`
	StartedAt time.Time   `json:"startedAt"`
}

// Store is the remote store as seen by a workspace.
type Store interface {
	QueryTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, userID, projectID string, nt domain.NewTask) (domain.Task, error)
	MergeTask(ctx context.Context, id string, f domain.TaskFields) error
	DeleteTask(ctx context.Context, id string) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)
	FindUsersByEmail(ctx context.Context, email string) ([]domain.User, error)
	AddCollaborators(ctx context.Context, projectID string, add []domain.Collaborator) error
	EnqueueMail(ctx context.Context, doc domain.MailDocument) error
}

// Config carries the shared dependencies of all workspaces.
type Config struct {
	Store     Store
	Persister board.Submitter
	Cache     query.ResultCache
	Hub       *query.Hub
	StaleTime time.Duration
	Layouts   board.Layouts
	SignupURL string
	Logger    *log.Logger
	// DrainInterval is how often End polls for unconfirmed moves.
	DrainInterval time.Duration
}

// Manager starts and ends workspaces.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewManager creates a manager without sessions.
func NewManager(cfg Config) *Manager {
	if cfg.Store == nil || cfg.Persister == nil {
		panic("session manager needs a store and a persister")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Layouts == nil {
		cfg.Layouts = board.DefaultLayouts()
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 20 * time.Millisecond
	}
	return &Manager{cfg: cfg, workspaces: make(map[string]*Workspace)}
}

// Start opens a workspace for userID. Users without a profile document get
// a session with only their id set.
func (m *Manager) Start(ctx context.Context, userID string) (*Workspace, error) {
	if userID == "" {
		return nil, errors.New("start session: empty user id")
	}
	user, err := m.cfg.Store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		user = domain.User{ID: userID}
	case err != nil:
		return nil, fmt.Errorf("start session: %w", err)
	}
	sess := Session{ID: uuid.NewString(), User: user, StartedAt: time.Now().UTC()}
	ws := newWorkspace(sess, m.cfg)

	m.mu.Lock()
	m.workspaces[sess.ID] = ws
	count := len(m.workspaces)
	m.mu.Unlock()

	m.cfg.Logger.WithFields(log.Fields{
		"session_id": sess.ID,
		"user_id":    userID,
		"sessions":   count,
	}).Info("session started")
	return ws, nil
}

// Get returns the workspace of a session.
func (m *Manager) Get(id string) (*Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	return ws, ok
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workspaces)
}

// End waits for the workspace's unconfirmed moves to settle or ctx to end,
// then tears the workspace down. The workspace is closed in both cases.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	delete(m.workspaces, id)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	err := ws.drain(ctx, m.cfg.DrainInterval)
	ws.Close()
	entry := m.cfg.Logger.WithField("session_id", id)
	if err != nil {
		entry.WithError(err).Warn("session ended with unconfirmed moves")
	} else {
		entry.Info("session ended")
	}
	return err
}

// Shutdown ends every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.End(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
