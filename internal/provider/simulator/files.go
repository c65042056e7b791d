package simulator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/Camifryou/whatsappcrm/internal/provider"
)

// Files inside a session's credentials directory
const (
	DeviceFile = "device.json"
	ChatsFile  = "chats.json"
	OutboxFile = "outbox.jsonl"
	InboxDir   = "inbox"
)

// errBadDevice marks a device file that exists but cannot be used
var errBadDevice = errors.New("invalid device credentials")

// device is the pairing state that lets a restarted session skip the QR
type device struct {
	Identity string `json:"identity"`
	PairedAt int64  `json:"paired_at"`
}

// readDevice returns nil when the session was never paired
func readDevice(dir string) (*device, error) {
	data, err := os.ReadFile(filepath.Join(dir, DeviceFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var d device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadDevice, err)
	}
	if d.Identity == "" {
		return nil, fmt.Errorf("%w: missing identity", errBadDevice)
	}
	return &d, nil
}

func writeDevice(dir string, d device) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(dir, DeviceFile), bytes.NewReader(data))
}

// chatEntry is one line of chats.json
type chatEntry struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	IsGroup     bool    `json:"is_group"`
	LastMessage *string `json:"last_message"`
	Timestamp   *int64  `json:"timestamp"`
}

// readChats returns the chat list seeded by hand, or nil when there is none
func readChats(dir string) ([]provider.ChatSummary, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChatsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []chatEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ChatsFile, err)
	}
	chats := make([]provider.ChatSummary, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		chats = append(chats, provider.ChatSummary{
			ID:          normalizePeer(e.ID),
			Name:        e.Name,
			IsGroup:     e.IsGroup,
			LastMessage: e.LastMessage,
			Timestamp:   e.Timestamp,
		})
	}
	return chats, nil
}

// inboxMedia is an attachment of an injected message
type inboxMedia struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
	Filename string `json:"filename"`
}

// inboxMessage is the content of one file dropped into the inbox
type inboxMessage struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Body      string      `json:"body"`
	Timestamp int64       `json:"timestamp"`
	Media     *inboxMedia `json:"media"`
}

func parseInbox(data []byte) (inboxMessage, error) {
	var m inboxMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if strings.TrimSpace(m.From) == "" {
		return m, errors.New("missing from")
	}
	m.From = normalizePeer(m.From)
	return m, nil
}

// outboxEntry is one line appended to outbox.jsonl per sent message
type outboxEntry struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

func appendOutbox(dir string, e outboxEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, OutboxFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// normalizePeer gives bare phone numbers the user domain
func normalizePeer(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "@") {
		return id
	}
	return strings.TrimPrefix(id, "+") + "@c.us"
}
