// Package id generates sortable identifiers for tasks and events.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally prefixed (e.g. "task_…").
type Generator struct {
	prefix string
}

// New creates a Generator; an empty prefix yields bare UUIDs.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a prefixed UUID v7. v7 IDs sort by creation time.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "_" + id.String(), nil
}
