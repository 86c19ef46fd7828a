// Package overlay keeps the stack of modals open in a workspace.
package overlay

import (
	"sync"
	"time"
)

// Kind names the modal type.
type Kind string

const (
	KindTask          Kind = "task"
	KindNewTeamMember Kind = "new-team-member"
	KindNewTask       Kind = "new-task"
)

// Entry is one open modal. ID is the modal identity, for example
// "task:<id>".
type Entry struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Subject  string    `json:"subject,omitempty"`
	OpenedAt time.Time `json:"openedAt"`
}

// Stack is safe for concurrent use. The last entry is on top.
type Stack struct {
	mu       sync.Mutex
	entries  []Entry
	onChange func([]Entry)
	now      func() time.Time
}

// NewStack creates an empty stack. onChange, if set, receives the entries
// after every change.
func NewStack(onChange func([]Entry)) *Stack {
	return &Stack{onChange: onChange, now: time.Now}
}

// ID builds the identity of a modal about subject.
func ID(kind Kind, subject string) string {
	if subject == "" {
		return string(kind)
	}
	return string(kind) + ":" + subject
}

// Open pushes a modal. Opening a modal that is already open raises it to the
// top instead of stacking a second copy.
func (s *Stack) Open(kind Kind, subject string) Entry {
	id := ID(kind, subject)
	s.mu.Lock()
	e := Entry{ID: id, Kind: kind, Subject: subject, OpenedAt: s.now().UTC()}
	for i, cur := range s.entries {
		if cur.ID == id {
			e = cur
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			break
		}
	}
	s.entries = append(s.entries, e)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changed(snap)
	return e
}

// Close removes the modal with the given id. It reports whether it was open.
func (s *Stack) Close(id string) bool {
	s.mu.Lock()
	idx := -1
	for i, cur := range s.entries {
		if cur.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.entries = append(s.entries[:idx:idx], s.entries[idx+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changed(snap)
	return true
}

// CloseTop removes the topmost modal.
func (s *Stack) CloseTop() (Entry, bool) {
	s.mu.Lock()
	if len(s.entries) == 0 {
		s.mu.Unlock()
		return Entry{}, false
	}
	top := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1:len(s.entries)-1]
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.changed(snap)
	return top, true
}

// CloseAll empties the stack.
func (s *Stack) CloseAll() {
	s.mu.Lock()
	if len(s.entries) == 0 {
		s.mu.Unlock()
		return
	}
	s.entries = nil
	s.mu.Unlock()
	s.changed([]Entry{})
}

// Top returns the topmost modal.
func (s *Stack) Top() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// IsOpen reports whether the modal with the given id is open.
func (s *Stack) IsOpen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// List returns the open modals, bottom first.
func (s *Stack) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stack) snapshotLocked() []Entry {
	return append([]Entry{}, s.entries...)
}

func (s *Stack) changed(entries []Entry) {
	if s.onChange != nil {
		s.onChange(entries)
	}
}
