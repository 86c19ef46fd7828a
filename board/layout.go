// Package board derives per-column board state from the task list and keeps
// it in sync with drag-and-drop gestures.
package board

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"kuva-api/domain"
)

//go:embed layouts.yaml
var defaultLayouts []byte

// Layout is the ordered set of columns shown by one board view.
type Layout struct {
	Name    string          `yaml:"-"`
	Columns []domain.Column `yaml:"columns"`
}

// Has reports whether c is part of the layout.
func (l Layout) Has(c domain.Column) bool {
	for _, col := range l.Columns {
		if col == c {
			return true
		}
	}
	return false
}

// Label returns the canonical status label written when a task enters c.
func (l Layout) Label(c domain.Column) (string, bool) {
	if !l.Has(c) {
		return "", false
	}
	return c.StatusLabel()
}

// Layouts maps view names to layouts.
type Layouts map[string]Layout

type layoutFile struct {
	Views map[string]Layout `yaml:"views"`
}

// DefaultLayouts returns the built-in board and backlog views.
func DefaultLayouts() Layouts {
	l, err := ParseLayouts(defaultLayouts)
	if err != nil {
		panic(fmt.Sprintf("board: embedded layouts: %v", err))
	}
	return l
}

// LoadLayouts reads layouts from a YAML file. An empty path yields the
// defaults.
func LoadLayouts(path string) (Layouts, error) {
	if path == "" {
		return DefaultLayouts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLayouts(data)
}

// ParseLayouts decodes and validates a layout document.
func ParseLayouts(data []byte) (Layouts, error) {
	var f layoutFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Views) == 0 {
		return nil, fmt.Errorf("no views defined")
	}
	out := make(Layouts, len(f.Views))
	for name, l := range f.Views {
		if len(l.Columns) == 0 {
			return nil, fmt.Errorf("view %s: no columns", name)
		}
		seen := make(map[domain.Column]bool, len(l.Columns))
		for _, c := range l.Columns {
			if !c.Valid() {
				return nil, fmt.Errorf("view %s: %w: %s", name, ErrUnknownColumn, c)
			}
			if seen[c] {
				return nil, fmt.Errorf("view %s: duplicate column %s", name, c)
			}
			seen[c] = true
		}
		l.Name = name
		out[name] = l
	}
	return out, nil
}
