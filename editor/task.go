// Package editor implements the task detail and team invitation modals.
package editor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"kuva-api/domain"
	"kuva-api/overlay"
	"kuva-api/query"
)

// Field is an editable text field of a task.
type Field string

const (
	FieldTitle       Field = "title"
	FieldSummary     Field = "summary"
	FieldDescription Field = "description"
)

var fieldDefaults = map[Field]string{
	FieldTitle:       "No title added yet",
	FieldSummary:     "No summary added yet",
	FieldDescription: "No description added yet",
}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	f := Field(s)
	if _, ok := fieldDefaults[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
	}
	return f, nil
}

var (
	ErrUnknownField  = errors.New("unknown field")
	ErrEmptyComment  = errors.New("comment is empty")
	ErrNotLoaded     = errors.New("task not loaded")
	ErrEmptyPipeline = errors.New("no team members selected")
)

const (
	msgUpdateFailed    = "Failed to update task!"
	msgArchived        = "Document archived!"
	msgArchiveFailed   = "Failed to archive document!"
	msgUnarchived      = "Document unarchived!"
	msgUnarchiveFailed = "Failed to unarchive document!"
	msgCommented       = "Successfully added comment!"
	msgCommentFailed   = "Failed to comment!"
	msgDeleteFailed    = "Failed to delete task!"
)

// TaskStore is the subset of the remote store used by the task editor.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	MergeTask(ctx context.Context, id string, f domain.TaskFields) error
	DeleteTask(ctx context.Context, id string) error
}

// Notifier surfaces toast notifications.
type Notifier interface {
	Success(message string)
	Error(message string, err error)
}

// Overlays closes modals.
type Overlays interface {
	Close(id string) bool
}

// TaskKey is the query key of a single task.
func TaskKey(id string) query.Key {
	return query.Key{"tasks", id}
}

var tasksKey = query.Key{"tasks"}

// Author identifies who writes comments.
type Author struct {
	ID   string
	Name string
}

// TaskEditorConfig carries the collaborators of a task editor.
type TaskEditorConfig struct {
	TaskID   string
	Author   Author
	Client   *query.Client
	Store    TaskStore
	Overlays Overlays
	Notifier Notifier
	Logger   *log.Entry
}

// TaskEditor backs the detail modal of one task.
type TaskEditor struct {
	taskID    string
	author    Author
	client    *query.Client
	store     TaskStore
	overlays  Overlays
	notifier  Notifier
	logger    *log.Entry
	query     *query.Query[domain.Task]
	overlayID string
	now       func() time.Time

	mu          sync.Mutex
	editing     map[Field]bool
	drafts      map[Field]string
	unsubscribe func()
}

// OpenTask registers the task query and follows it until Close.
func OpenTask(cfg TaskEditorConfig) *TaskEditor {
	store, id := cfg.Store, cfg.TaskID
	q := query.Register(cfg.Client, TaskKey(id), func(ctx context.Context) (domain.Task, error) {
		return store.GetTask(ctx, id)
	})
	e := &TaskEditor{
		taskID:    id,
		author:    cfg.Author,
		client:    cfg.Client,
		store:     store,
		overlays:  cfg.Overlays,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger.WithField("task_id", id),
		query:     q,
		overlayID: overlay.ID(overlay.KindTask, id),
		now:       time.Now,
		editing:   make(map[Field]bool),
		drafts:    make(map[Field]string),
	}
	e.unsubscribe = q.Subscribe(func(query.State[domain.Task]) {})
	return e
}

// TaskID returns the id of the edited task.
func (e *TaskEditor) TaskID() string {
	return e.taskID
}

// Load fetches the task unless a fresh copy is cached.
func (e *TaskEditor) Load(ctx context.Context) (domain.Task, error) {
	st, err := e.query.Fetch(ctx)
	return st.Data, err
}

// Close stops following the task query.
func (e *TaskEditor) Close() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (e *TaskEditor) current() (domain.Task, bool) {
	st := e.query.Current()
	return st.Data, st.Version > 0
}

// StartEdit switches field to its input representation, prefilled with the
// current value or the field's placeholder.
func (e *TaskEditor) StartEdit(f Field) error {
	if _, ok := fieldDefaults[f]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	task, _ := e.current()
	value := fieldValue(task, f)
	if value == "" {
		value = fieldDefaults[f]
	}
	e.mu.Lock()
	e.editing[f] = true
	e.drafts[f] = value
	e.mu.Unlock()
	return nil
}

// CloseEditModes returns every field to display mode.
func (e *TaskEditor) CloseEditModes() {
	e.mu.Lock()
	e.editing = make(map[Field]bool)
	e.drafts = make(map[Field]string)
	e.mu.Unlock()
}

// Submit writes one field. The field stays in edit mode when the write
// fails.
func (e *TaskEditor) Submit(ctx context.Context, f Field, value string) error {
	patch, err := fieldPatch(f, value)
	if err != nil {
		return err
	}
	if err := e.store.MergeTask(ctx, e.taskID, patch); err != nil {
		e.notifier.Error(msgUpdateFailed, err)
		return err
	}
	e.mu.Lock()
	delete(e.editing, f)
	delete(e.drafts, f)
	e.mu.Unlock()
	e.invalidate(ctx, TaskKey(e.taskID), tasksKey)
	e.notifier.Success(fmt.Sprintf("Updated the %s!", f))
	return nil
}

// Archive hides the task from the board.
func (e *TaskEditor) Archive(ctx context.Context) error {
	return e.setArchived(ctx, true, msgArchived, msgArchiveFailed)
}

// Unarchive brings the task back to the board.
func (e *TaskEditor) Unarchive(ctx context.Context) error {
	return e.setArchived(ctx, false, msgUnarchived, msgUnarchiveFailed)
}

func (e *TaskEditor) setArchived(ctx context.Context, archived bool, ok, failed string) error {
	e.overlays.Close(e.overlayID)
	if err := e.store.MergeTask(ctx, e.taskID, domain.TaskFields{Archived: &archived}); err != nil {
		e.notifier.Error(failed, err)
		return err
	}
	e.invalidate(ctx, TaskKey(e.taskID), tasksKey)
	e.notifier.Success(ok)
	return nil
}

// Delete closes the modal and removes the task document.
func (e *TaskEditor) Delete(ctx context.Context) error {
	e.overlays.Close(e.overlayID)
	e.Close()
	if err := e.store.DeleteTask(ctx, e.taskID); err != nil {
		e.notifier.Error(msgDeleteFailed, err)
		return err
	}
	e.invalidate(ctx, tasksKey)
	return nil
}

// SubmitComment appends a comment to the comments held by this editor and
// rewrites the whole list. Comments written elsewhere since the editor last
// fetched the task are overwritten.
func (e *TaskEditor) SubmitComment(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyComment
	}
	task, ok := e.current()
	if !ok {
		return ErrNotLoaded
	}
	comments := append(slices.Clone(task.Comments), domain.Comment{
		AuthorID:   e.author.ID,
		AuthorName: e.author.Name,
		Text:       text,
		Timestamp:  e.now().UTC(),
	})
	if err := e.store.MergeTask(ctx, e.taskID, domain.TaskFields{Comments: &comments}); err != nil {
		e.notifier.Error(msgCommentFailed, err)
		return err
	}
	e.invalidate(ctx, TaskKey(e.taskID), tasksKey)
	e.notifier.Success(msgCommented)
	return nil
}

func (e *TaskEditor) invalidate(ctx context.Context, keys ...query.Key) {
	for _, k := range keys {
		if err := e.client.Invalidate(ctx, k); err != nil {
			e.logger.WithError(err).WithField("key", k.String()).Warn("invalidate after write")
		}
	}
}

// CommentView is a comment as rendered in the modal.
type CommentView struct {
	domain.Comment
	Mine bool   `json:"mine"`
	Ago  string `json:"ago"`
}

// TaskView is the rendered modal.
type TaskView struct {
	Task       domain.Task      `json:"task"`
	Status     string           `json:"status"`
	CreatedAgo string           `json:"createdAgo"`
	Comments   []CommentView    `json:"comments"`
	Editing    map[Field]bool   `json:"editing"`
	Drafts     map[Field]string `json:"drafts"`
}

// View renders the modal. Comments are ordered oldest first.
func (e *TaskEditor) View() TaskView {
	st := e.query.Current()
	now := e.now()
	v := TaskView{
		Task:     st.Data,
		Status:   st.Status.String(),
		Comments: []CommentView{},
		Editing:  map[Field]bool{},
		Drafts:   map[Field]string{},
	}
	if !st.Data.Timestamp.IsZero() {
		v.CreatedAgo = humanize.RelTime(st.Data.Timestamp, now, "ago", "from now")
	}
	comments := slices.Clone(st.Data.Comments)
	slices.SortStableFunc(comments, func(a, b domain.Comment) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	for _, c := range comments {
		v.Comments = append(v.Comments, CommentView{
			Comment: c,
			Mine:    c.AuthorID == e.author.ID,
			Ago:     humanize.RelTime(c.Timestamp, now, "ago", "from now"),
		})
	}
	e.mu.Lock()
	for f, on := range e.editing {
		v.Editing[f] = on
	}
	for f, d := range e.drafts {
		v.Drafts[f] = d
	}
	e.mu.Unlock()
	return v
}

func fieldValue(t domain.Task, f Field) string {
	switch f {
	case FieldTitle:
		return t.Title
	case FieldSummary:
		return t.Summary
	case FieldDescription:
		return t.Description
	}
	return ""
}

func fieldPatch(f Field, value string) (domain.TaskFields, error) {
	switch f {
	case FieldTitle:
		return domain.TaskFields{Title: &value}, nil
	case FieldSummary:
		return domain.TaskFields{Summary: &value}, nil
	case FieldDescription:
		return domain.TaskFields{Description: &value}, nil
	}
	return domain.TaskFields{}, fmt.Errorf("%w: %q", ErrUnknownField, f)
}
