package domain

import (
	"fmt"
	"strings"
	"time"
)

// Column identifies a workflow stage on a board page. The values double as
// the drop target identifiers used by the drag-and-drop surface.
type Column string

const (
	ColumnBacklog                Column = "backlog-column"
	ColumnSelectedForDevelopment Column = "selected-for-development-column"
	ColumnInProgress             Column = "in-progress-column"
	ColumnInReview               Column = "in-review-column"
	ColumnCompleted              Column = "completed-column"
)

var statusLabels = map[Column]string{
	ColumnBacklog:                "Backlog",
	ColumnSelectedForDevelopment: "Selected for Development",
	ColumnInProgress:             "In Progress",
	ColumnInReview:               "In Review",
	ColumnCompleted:              "Completed",
}

// StatusLabel returns the canonical human-readable status mirrored by a column.
func (c Column) StatusLabel() (string, bool) {
	l, ok := statusLabels[c]
	return l, ok
}

// Valid reports whether c is one of the known columns.
func (c Column) Valid() bool {
	_, ok := statusLabels[c]
	return ok
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities for display, lower first. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 3
}

// Comment is an immutable entry in a task's discussion thread.
type Comment struct {
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Task represents a single board item as stored in the remote task store.
type Task struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	ProjectID   string    `json:"projectId"`
	Identifier  string    `json:"identifier,omitempty"`
	Column      Column    `json:"column"`
	Status      string    `json:"status"`
	Priority    Priority  `json:"priority"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	AssignedTo  string    `json:"assignedTo,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Comments    []Comment `json:"comments"`
	Archived    bool      `json:"archived"`
}

// Clone returns a copy of t that shares no slices with it.
func (t Task) Clone() Task {
	if t.Comments != nil {
		t.Comments = append([]Comment(nil), t.Comments...)
	}
	return t
}

// TaskFields is a partial merge patch. Nil fields are left untouched by the
// store.
type TaskFields struct {
	Column      *Column    `json:"column,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Summary     *string    `json:"summary,omitempty"`
	Description *string    `json:"description,omitempty"`
	Comments    *[]Comment `json:"comments,omitempty"`
	Archived    *bool      `json:"archived,omitempty"`
}

// Empty reports whether the patch touches no field.
func (f TaskFields) Empty() bool {
	return f.Column == nil && f.Status == nil && f.Priority == nil && f.Title == nil &&
		f.Summary == nil && f.Description == nil && f.Comments == nil && f.Archived == nil
}

// MoveTo builds the patch for a cross-column move. Column and status are
// always written together.
func MoveTo(c Column, status string) TaskFields {
	return TaskFields{Column: &c, Status: &status}
}

// Apply merges the patch into t and returns the result.
func (f TaskFields) Apply(t Task) Task {
	if f.Column != nil {
		t.Column = *f.Column
	}
	if f.Status != nil {
		t.Status = *f.Status
	}
	if f.Priority != nil {
		t.Priority = *f.Priority
	}
	if f.Title != nil {
		t.Title = *f.Title
	}
	if f.Summary != nil {
		t.Summary = *f.Summary
	}
	if f.Description != nil {
		t.Description = *f.Description
	}
	if f.Comments != nil {
		t.Comments = append([]Comment(nil), (*f.Comments)...)
	}
	if f.Archived != nil {
		t.Archived = *f.Archived
	}
	return t
}

// TaskFilter selects tasks by owner and project.
type TaskFilter struct {
	User            string
	ProjectID       string
	IncludeArchived bool
}

// Matches reports whether t satisfies the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.User != "" && t.User != f.User {
		return false
	}
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if !f.IncludeArchived && t.Archived {
		return false
	}
	return true
}

// NewTask carries the caller supplied fields of a task to be created.
type NewTask struct {
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Column      Column   `json:"column"`
}

// Validate checks the caller supplied fields. Empty column and priority are
// allowed and take the store defaults.
func (nt NewTask) Validate() error {
	if strings.TrimSpace(nt.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if nt.Column != "" && !nt.Column.Valid() {
		return fmt.Errorf("%w: unknown column %q", ErrInvalidTask, nt.Column)
	}
	if nt.Priority != "" && !nt.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, nt.Priority)
	}
	return nil
}
