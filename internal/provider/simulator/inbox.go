package simulator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/Camifryou/whatsappcrm/internal/provider"
)

// inboxDebounce lets writers finish a file before it is parsed
const inboxDebounce = 100 * time.Millisecond

// rejectedSuffix is appended to inbox files that cannot be parsed
const rejectedSuffix = ".rejected"

// watch delivers inbox files until ctx ends or the device file is removed,
// which counts as a logout from the phone.
func (c *Client) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.inboxPath()); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch credentials: %w", err)
	}

	devicePath := filepath.Join(c.dir, DeviceFile)

	// Files dropped before the watcher started
	scan := time.NewTimer(0)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == devicePath && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if _, err := os.Stat(devicePath); os.IsNotExist(err) {
					c.logout(ctx)
					return nil
				}
				continue
			}
			if filepath.Dir(event.Name) != c.inboxPath() || !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			scan.Reset(inboxDebounce)
		case <-scan.C:
			c.scanInbox(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("Watcher error: %v", err)
		}
	}
}

func (c *Client) logout(ctx context.Context) {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.log.Info("Device removed, logging out")
	c.events.OnDisconnected("LOGOUT")
}

// scanInbox delivers every pending inbox file in name order
func (c *Client) scanInbox(ctx context.Context) {
	names, err := filepath.Glob(filepath.Join(c.inboxPath(), "*.json"))
	if err != nil {
		c.log.Error("Failed to list inbox: %v", err)
		return
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		msg, ok := c.take(name)
		if ok {
			c.events.OnMessage(msg)
		}
	}
}

// take reads and removes one inbox file
func (c *Client) take(name string) (provider.InboundMessage, bool) {
	data, err := os.ReadFile(name)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("Failed to read %s: %v", filepath.Base(name), err)
		}
		return provider.InboundMessage{}, false
	}

	in, err := parseInbox(data)
	if err != nil {
		c.log.Warn("Rejecting %s: %v", filepath.Base(name), err)
		if err := os.Rename(name, name+rejectedSuffix); err != nil {
			c.log.Error("Failed to reject %s: %v", filepath.Base(name), err)
		}
		return provider.InboundMessage{}, false
	}
	if err := os.Remove(name); err != nil {
		c.log.Error("Failed to remove %s: %v", filepath.Base(name), err)
		return provider.InboundMessage{}, false
	}

	msg := provider.InboundMessage{
		ID:        in.ID,
		From:      in.From,
		Body:      in.Body,
		Timestamp: in.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = c.opts.Clock().Unix()
	}

	if in.Media != nil {
		msg.HasMedia = true
		c.mu.Lock()
		c.media[msg.ID] = &provider.Media{
			MimeType: in.Media.MimeType,
			Data:     in.Media.Data,
			Filename: in.Media.Filename,
		}
		c.mu.Unlock()
	}
	c.remember(msg.From, msg.Body, msg.Timestamp)
	return msg, true
}
