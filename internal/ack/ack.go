// Package ack persists per-(task, partition) acknowledgment markers. A marker
// records the last successful completion of a unit and is what makes
// re-running the scheduler skip work that is already up to date.
package ack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoAck is returned when a unit has never completed.
	ErrNoAck = errors.New("no ack found")
)

// Ack is the marker written after a unit succeeds.
type Ack struct {
	Task        string    `json:"task"`
	Partition   int       `json:"partition"`
	RunID       string    `json:"run_id"`
	CompletedAt time.Time `json:"completed_at"`
	// InputModTime is the newest input modification time observed by the run.
	InputModTime time.Time `json:"input_mod_time,omitempty"`
	Records      int64     `json:"records"`
	Outputs      []string  `json:"outputs,omitempty"`
}

// Store handles ack persistence and retrieval.
type Store interface {
	// Load reads the ack of a unit. It returns ErrNoAck if there is none.
	Load(ctx context.Context, task string, partition int) (*Ack, error)

	// Save persists the ack atomically.
	Save(ctx context.Context, a *Ack) error

	// Remove deletes the ack of a unit, forcing it to run next time.
	Remove(ctx context.Context, task string, partition int) error
}

// Config configures the ack store.
type Config struct {
	Enabled bool
	Dir     string // directory holding the ack/ subdirectory
}

// NewStore creates an ack store based on configuration.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &noopStore{}, nil
	}

	dir := filepath.Join(cfg.Dir, "ack")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ack directory %s: %w", dir, err)
	}

	return &fileStore{dir: cfg.Dir}, nil
}

// fileStore keeps one JSON marker per unit under dir/ack.
type fileStore struct {
	dir string
}

// Path returns the marker path of a unit.
func Path(dir, task string, partition int) string {
	return filepath.Join(dir, "ack", fmt.Sprintf("%s_%d", task, partition))
}

func (s *fileStore) path(task string, partition int) string {
	return Path(s.dir, task, partition)
}

// Load reads the ack from file.
func (s *fileStore) Load(ctx context.Context, task string, partition int) (*Ack, error) {
	data, err := os.ReadFile(s.path(task, partition))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoAck
		}
		return nil, fmt.Errorf("read ack file: %w", err)
	}

	var a Ack
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse ack file %s: %w", s.path(task, partition), err)
	}

	return &a, nil
}

// Save persists the ack to file. The marker's mtime is set to the completion
// time so the directory can be inspected with ls -lt.
func (s *fileStore) Save(ctx context.Context, a *Ack) error {
	path := s.path(a.Task, a.Partition)

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write ack temp file: %w", err)
	}
	if err := os.Chtimes(tempPath, a.CompletedAt, a.CompletedAt); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("stamp ack file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename ack file: %w", err)
	}

	return nil
}

// Remove deletes the marker of a unit.
func (s *fileStore) Remove(ctx context.Context, task string, partition int) error {
	err := os.Remove(s.path(task, partition))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove ack: %w", err)
	}
	return nil
}

// noopStore never remembers anything, so every unit always runs.
type noopStore struct{}

func (s *noopStore) Load(ctx context.Context, task string, partition int) (*Ack, error) {
	return nil, ErrNoAck
}

func (s *noopStore) Save(ctx context.Context, a *Ack) error {
	return nil
}

func (s *noopStore) Remove(ctx context.Context, task string, partition int) error {
	return nil
}
