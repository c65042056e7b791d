package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CredentialStore owns the sessions directory: one subdirectory per session,
// handed to the provider client, next to the metadata document.
type CredentialStore struct {
	root string
}

// NewCredentialStore creates a credential store rooted at dir
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{root: dir}
}

// Root returns the sessions directory
func (c *CredentialStore) Root() string {
	return c.root
}

// MetadataPath is where the metadata document lives
func (c *CredentialStore) MetadataPath() string {
	return filepath.Join(c.root, MetadataFile)
}

// Dir returns the credentials directory of a session
func (c *CredentialStore) Dir(sessionID string) string {
	return filepath.Join(c.root, filepath.Base(sessionID))
}

// List returns the session ids that have a credentials directory, sorted so
// restored sessions keep their creation order.
func (c *CredentialStore) List() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == MetadataFile || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Slice(ids, func(i, j int) bool { return lessSessionID(ids[i], ids[j]) })
	return ids, nil
}

// lessSessionID orders "session_<millis>" ids numerically, falling back to
// plain string order.
func lessSessionID(a, b string) bool {
	if len(a) != len(b) && strings.HasPrefix(a, "session_") && strings.HasPrefix(b, "session_") {
		return len(a) < len(b)
	}
	return a < b
}

// Purge deletes the credentials directory of a session
func (c *CredentialStore) Purge(sessionID string) error {
	if base := filepath.Base(sessionID); base == "." || base == ".." || base == string(filepath.Separator) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.RemoveAll(c.Dir(sessionID)); err != nil {
		return fmt.Errorf("failed to purge credentials: %w", err)
	}
	return nil
}
