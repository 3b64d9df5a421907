// Package userdir resolves sender addresses against the user registry
// file.
package userdir

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mailmind/internal/model"
)

// Directory reads user records from a JSON file. The file is re-read on
// every lookup so registry edits take effect without a restart; records
// are never mutated by the pipeline.
type Directory struct {
	path string
}

// New creates a Directory backed by the JSON file at path.
func New(path string) *Directory {
	return &Directory{path: path}
}

// Lookup returns the user record whose email exactly matches addr, or
// nil when the sender is not registered. Matching is case-insensitive
// on the address as a whole.
func (d *Directory) Lookup(addr string) (*model.User, error) {
	users, err := d.load()
	if err != nil {
		return nil, err
	}

	addr = strings.ToLower(strings.TrimSpace(addr))
	for i := range users {
		if strings.ToLower(users[i].Email) == addr {
			return &users[i], nil
		}
	}
	return nil, nil
}

// load parses the full registry file.
func (d *Directory) load() ([]model.User, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("reading user registry %s: %w", d.path, err)
	}

	var users []model.User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parsing user registry %s: %w", d.path, err)
	}
	return users, nil
}

// Validate reads the registry once and fails if it cannot be parsed.
// Called at startup so a broken file stops the process before polling.
func (d *Directory) Validate() error {
	_, err := d.load()
	return err
}
