package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a workflow or session identifier
// contains characters that could escape the storage directory.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store using one JSON file per session.
// Storage layout:
//
//	<base>/
//	  └── <workflow>/
//	      └── <session-id>.json
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-based session store rooted at baseDir.
// If baseDir is empty, uses ~/.conductor/sessions.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".conductor", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

// Load retrieves a session by workflow and ID.
func (f *FileStore) Load(ctx context.Context, workflow, sessionID string) (*SessionData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	path, err := f.sessionPath(workflow, sessionID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session %s/%s: %w", workflow, sessionID, err)
	}

	var sess SessionData
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s/%s: %w", workflow, sessionID, err)
	}

	return &sess, nil
}

// Save creates or updates a session.
func (f *FileStore) Save(ctx context.Context, data *SessionData) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	path, err := f.sessionPath(data.Workflow, data.ID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create workflow directory: %w", err)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s/%s: %w", data.Workflow, data.ID, err)
	}

	// Write-then-rename so readers never observe a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write session %s/%s: %w", data.Workflow, data.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session %s/%s: %w", data.Workflow, data.ID, err)
	}

	return nil
}

// List returns sessions for a workflow ordered by most recent update.
func (f *FileStore) List(ctx context.Context, workflow string, opts ListOptions) ([]*SessionData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	if err := validatePathComponent(workflow); err != nil {
		return nil, fmt.Errorf("invalid workflow name: %w", err)
	}

	dir := filepath.Join(f.baseDir, workflow)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*SessionData{}, nil
		}
		return nil, fmt.Errorf("read workflow directory: %w", err)
	}

	var sessions []*SessionData
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name())) // #nosec G304 - directory listing of validated workflow dir
		if err != nil {
			continue
		}

		var sess SessionData
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}

		if opts.UserID != "" && sess.UserID != opts.UserID {
			continue
		}
		sessions = append(sessions, &sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if opts.Limit > 0 && opts.Limit < len(sessions) {
		sessions = sessions[:opts.Limit]
	}

	return sessions, nil
}

// Delete removes a session file. Missing sessions are not an error.
func (f *FileStore) Delete(ctx context.Context, workflow, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	path, err := f.sessionPath(workflow, sessionID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s/%s: %w", workflow, sessionID, err)
	}

	return nil
}

// Close marks the store closed. Further operations return ErrStoreClosed.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *FileStore) sessionPath(workflow, sessionID string) (string, error) {
	if err := validatePathComponent(workflow); err != nil {
		return "", fmt.Errorf("invalid workflow name: %w", err)
	}
	if err := validatePathComponent(sessionID); err != nil {
		return "", fmt.Errorf("invalid session ID: %w", err)
	}
	return filepath.Join(f.baseDir, workflow, sessionID+".json"), nil
}
