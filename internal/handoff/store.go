package handoff

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/agentmgr/internal/process"
)

// Failure is the marker left when a hand-off could not place the new binary.
type Failure struct {
	Request  Request   `json:"request"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Store keeps requests under <data_dir>/handoff and the failure marker at
// <data_dir>/handoff-failed.json.
type Store struct {
	dir     string
	failure string
}

func NewStore(dataDir string) *Store {
	return &Store{
		dir:     filepath.Join(dataDir, "handoff"),
		failure: filepath.Join(dataDir, "handoff-failed.json"),
	}
}

// StoreFor returns the store a request file saved by Save belongs to. The
// hand-off helper only receives the request path.
func StoreFor(requestPath string) *Store {
	return NewStore(filepath.Dir(filepath.Dir(requestPath)))
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+".json") }

// Save validates and writes req atomically, returning the file path.
func (s *Store) Save(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", err
	}
	p := s.path(req.ID)
	if err := process.WriteFileAtomic(p, data, 0o644); err != nil {
		return "", fmt.Errorf("save hand-off request: %w", err)
	}
	return p, nil
}

// Load reads and validates the request at path.
func (s *Store) Load(path string) (Request, error) {
	var req Request
	// #nosec G304 -- path is produced by Save
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode hand-off request %s: %w", path, err)
	}
	return req, req.Validate()
}

// Remove deletes the request file; a missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveID deletes the request saved under id.
func (s *Store) RemoveID(id string) error { return s.Remove(s.path(id)) }

func (s *Store) RecordFailure(req Request, cause error) error {
	f := Failure{Request: req, FailedAt: time.Now().UTC()}
	if cause != nil {
		f.Error = cause.Error()
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return process.WriteFileAtomic(s.failure, data, 0o644)
}

// ConsumeFailure returns the failure marker, if any, and deletes it.
func (s *Store) ConsumeFailure() (*Failure, error) {
	data, err := os.ReadFile(s.failure)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	_ = os.Remove(s.failure)
	var f Failure
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode hand-off failure marker: %w", err)
	}
	return &f, nil
}
