// Package store persists what outlives the process: session display names,
// per-session credentials directories and downloaded attachments.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"

	"github.com/Camifryou/whatsappcrm/internal/logger"
)

// MetadataFile is the name of the metadata document inside the sessions directory
const MetadataFile = "metadata.json"

// SessionMeta is what is remembered about a session across restarts
type SessionMeta struct {
	Name string `json:"name,omitempty"`
}

// NameChange reports a name edited on disk by another program
type NameChange struct {
	SessionID string
	Name      string
}

// MetadataStore is a JSON document mapping session ids to SessionMeta.
// Every mutation rewrites the whole file atomically.
type MetadataStore struct {
	path    string
	mu      sync.Mutex
	entries map[string]SessionMeta
}

// OpenMetadata loads the metadata document at path. A missing or corrupt
// file starts an empty store.
func OpenMetadata(path string) (*MetadataStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	m := &MetadataStore{path: path, entries: make(map[string]SessionMeta)}
	entries, err := readMetadata(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		logger.Warn("metadata: ignoring unreadable %s: %v", path, err)
	default:
		m.entries = entries
	}
	return m, nil
}

func readMetadata(path string) (map[string]SessionMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]SessionMeta)
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return entries, nil
}

// Path returns the metadata file path
func (m *MetadataStore) Path() string {
	return m.path
}

// Get returns the metadata for a session
func (m *MetadataStore) Get(sessionID string) (SessionMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.entries[sessionID]
	return meta, ok
}

// Name returns the stored name for a session, or "" when none is stored
func (m *MetadataStore) Name(sessionID string) string {
	meta, _ := m.Get(sessionID)
	return meta.Name
}

// All returns a copy of every entry
func (m *MetadataStore) All() map[string]SessionMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SessionMeta, len(m.entries))
	for id, meta := range m.entries {
		out[id] = meta
	}
	return out
}

// SetName records the display name of a session
func (m *MetadataStore) SetName(sessionID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.entries[sessionID]
	meta.Name = name
	m.entries[sessionID] = meta
	return m.flushLocked()
}

// Remove forgets a session. Removing an unknown id is not an error.
func (m *MetadataStore) Remove(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[sessionID]; !ok {
		return nil
	}
	delete(m.entries, sessionID)
	return m.flushLocked()
}

func (m *MetadataStore) flushLocked() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := atomic.WriteFile(m.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// reload re-reads the file and returns the names that differ from memory.
// The read happens under m.mu so a concurrent flush cannot be overwritten
// by older file contents.
func (m *MetadataStore) reload() ([]NameChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := readMetadata(m.path)
	if os.IsNotExist(err) {
		// Mid-rename or deleted by hand; keep what we have
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var changes []NameChange
	for id, meta := range entries {
		if meta.Name != "" && m.entries[id].Name != meta.Name {
			changes = append(changes, NameChange{SessionID: id, Name: meta.Name})
		}
	}
	m.entries = entries

	sort.Slice(changes, func(i, j int) bool { return changes[i].SessionID < changes[j].SessionID })
	return changes, nil
}

// Watch reports names edited on disk until ctx is done. Writes made by the
// store itself produce no changes.
func (m *MetadataStore) Watch(ctx context.Context, onChange func([]NameChange)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create metadata watcher: %w", err)
	}
	defer watcher.Close()

	// The file is replaced by rename, so watch the directory
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(m.path), err)
	}

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			changes, err := m.reload()
			if err != nil {
				logger.Warn("metadata: reload failed: %v", err)
				continue
			}
			if len(changes) > 0 {
				onChange(changes)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("metadata watcher error: %v", err)
		}
	}
}
