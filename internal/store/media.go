package store

import (
	"bytes"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/natefinch/atomic"
)

// MediaURLPrefix is where the HTTP surface serves the media directory
const MediaURLPrefix = "/media/"

// preferredExtensions wins over the platform MIME table, which often lists
// rarely used aliases first (jpe, oga).
var preferredExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"audio/ogg":       "ogg",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"audio/aac":       "aac",
	"video/mp4":       "mp4",
	"video/3gpp":      "3gp",
	"application/pdf": "pdf",
	"text/plain":      "txt",
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ExtensionFor maps a MIME type to a file extension without the dot
func ExtensionFor(mimeType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}

	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "jpg"
	case strings.HasPrefix(mediaType, "audio/"):
		return "mp3"
	case strings.HasPrefix(mediaType, "video/"):
		return "mp4"
	default:
		return "bin"
	}
}

// MediaStore writes attachments under root/<sessionId>/
type MediaStore struct {
	root string
}

// NewMediaStore creates a media store rooted at dir
func NewMediaStore(dir string) *MediaStore {
	return &MediaStore{root: dir}
}

// Root returns the directory served under MediaURLPrefix
func (s *MediaStore) Root() string {
	return s.root
}

// Save writes an attachment and returns the URL path it is served at
func (s *MediaStore) Save(sessionID, messageID, mimeType string, data []byte) (string, error) {
	sessionDir := safeName(sessionID)
	if sessionDir == "" {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	name := safeName(messageID)
	if name == "" {
		return "", fmt.Errorf("invalid message id %q", messageID)
	}
	fileName := name + "." + ExtensionFor(mimeType)

	dir := filepath.Join(s.root, sessionDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, fileName), bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to write media: %w", err)
	}

	return path.Join(MediaURLPrefix, sessionDir, fileName), nil
}

// Purge removes every attachment of a session
func (s *MediaStore) Purge(sessionID string) error {
	sessionDir := safeName(sessionID)
	if sessionDir == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.root, sessionDir)); err != nil {
		return fmt.Errorf("failed to purge media: %w", err)
	}
	return nil
}

func safeName(s string) string {
	s = unsafeFileChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._")
	return s
}
