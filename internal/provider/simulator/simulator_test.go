package simulator

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/provider"
)

const waitFor = 2 * time.Second

type recordedEvents struct {
	mu       sync.Mutex
	qrs      []string
	ready    int
	failures []string
	gone     []string
	messages []provider.InboundMessage
}

func (e *recordedEvents) OnQR(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.qrs = append(e.qrs, code)
}

func (e *recordedEvents) OnReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready++
}

func (e *recordedEvents) OnAuthFailure(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, reason)
}

func (e *recordedEvents) OnDisconnected(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gone = append(e.gone, reason)
}

func (e *recordedEvents) OnMessage(msg provider.InboundMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
}

func (e *recordedEvents) Ready() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *recordedEvents) QRs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.qrs...)
}

func (e *recordedEvents) Messages() []provider.InboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]provider.InboundMessage(nil), e.messages...)
}

func (e *recordedEvents) Failures() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.failures...)
}

func (e *recordedEvents) Gone() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.gone...)
}

var fixedNow = time.Unix(1700000000, 0)

func newClient(t *testing.T, dir string) (*Client, *recordedEvents) {
	t.Helper()
	f := NewFactory(Options{
		PairDelay:      10 * time.Millisecond,
		IdentityPrefix: "549",
		Logger:         logger.NewWriter(logger.LevelNone, io.Discard, ""),
		Clock:          func() time.Time { return fixedNow },
	})
	events := &recordedEvents{}
	client, err := f.New("session_1", dir, events)
	require.NoError(t, err)
	c := client.(*Client)
	t.Cleanup(func() { _ = c.Destroy() })
	return c, events
}

func readyClient(t *testing.T) (*Client, *recordedEvents, string) {
	t.Helper()
	dir := t.TempDir()
	c, events := newClient(t, dir)
	require.NoError(t, c.Initialize(context.Background()))
	require.Eventually(t, func() bool { return events.Ready() == 1 }, waitFor, 5*time.Millisecond)
	return c, events, dir
}

// drop writes an inbox file the way an external writer should: complete
// first, then renamed into place.
func drop(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(dir, name+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, InboxDir, name)))
}

func TestNewSessionPairsAfterQR(t *testing.T) {
	c, events, dir := readyClient(t)

	qrs := events.QRs()
	require.Len(t, qrs, 1)
	assert.True(t, strings.HasPrefix(qrs[0], "whatsappcrm-sim:session_1:"))

	identity, err := c.Identity(context.Background())
	require.NoError(t, err)
	assert.Len(t, identity, 13)
	assert.True(t, strings.HasPrefix(identity, "549"))

	dev, err := readDevice(dir)
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, identity, dev.Identity)
	assert.Equal(t, fixedNow.Unix(), dev.PairedAt)
}

func TestRestoredSessionSkipsQR(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeDevice(dir, device{Identity: "5491199999999"}))

	c, events := newClient(t, dir)
	require.NoError(t, c.Initialize(context.Background()))
	require.Eventually(t, func() bool { return events.Ready() == 1 }, waitFor, 5*time.Millisecond)

	assert.Empty(t, events.QRs())
	identity, err := c.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5491199999999", identity)
}

func TestCorruptDeviceFailsAuth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DeviceFile), []byte("{"), 0644))

	c, events := newClient(t, dir)
	require.NoError(t, c.Initialize(context.Background()))
	require.Eventually(t, func() bool { return len(events.Failures()) == 1 }, waitFor, 5*time.Millisecond)

	assert.Contains(t, events.Failures()[0], "invalid device credentials")
	assert.Equal(t, 0, events.Ready())
}

func TestInitializeTwice(t *testing.T) {
	c, _, _ := readyClient(t)
	assert.Error(t, c.Initialize(context.Background()))
}

func TestInboxDeliversMessages(t *testing.T) {
	c, events, dir := readyClient(t)

	drop(t, dir, "001.json", `{"id": "in-1", "from": "+5491122334455", "body": "Hola", "timestamp": 100}`)
	drop(t, dir, "002.json", `{"from": "5491122334455@c.us", "media": {"mime_type": "image/png", "data": "iVBORw=="}}`)

	require.Eventually(t, func() bool { return len(events.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	msgs := events.Messages()

	assert.Equal(t, provider.InboundMessage{
		ID:        "in-1",
		From:      "5491122334455@c.us",
		Body:      "Hola",
		Timestamp: 100,
	}, msgs[0])

	assert.NotEmpty(t, msgs[1].ID)
	assert.True(t, msgs[1].HasMedia)
	assert.Equal(t, fixedNow.Unix(), msgs[1].Timestamp)

	media, err := c.DownloadMedia(context.Background(), msgs[1])
	require.NoError(t, err)
	assert.Equal(t, "image/png", media.MimeType)
	assert.Equal(t, "iVBORw==", media.Data)

	_, err = c.DownloadMedia(context.Background(), msgs[0])
	assert.ErrorIs(t, err, provider.ErrNoMedia)

	remaining, err := filepath.Glob(filepath.Join(dir, InboxDir, "*.json"))
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestInboxRejectsInvalidFiles(t *testing.T) {
	_, events, dir := readyClient(t)

	drop(t, dir, "bad.json", `{"body": "sin remitente"}`)

	rejected := filepath.Join(dir, InboxDir, "bad.json"+rejectedSuffix)
	require.Eventually(t, func() bool {
		_, err := os.Stat(rejected)
		return err == nil
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, events.Messages())
}

func TestInboxFilesDroppedBeforeStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeDevice(dir, device{Identity: "5491199999999"}))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, InboxDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, InboxDir, "early.json"), []byte(`{"from": "111", "body": "temprano"}`), 0644))

	c, events := newClient(t, dir)
	require.NoError(t, c.Initialize(context.Background()))
	require.Eventually(t, func() bool { return len(events.Messages()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "111@c.us", events.Messages()[0].From)
}

func TestSendMessageAppendsOutbox(t *testing.T) {
	dir := t.TempDir()
	c, _ := newClient(t, dir)

	_, err := c.SendMessage(context.Background(), "111", "antes")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, c.Initialize(context.Background()))
	require.Eventually(t, func() bool { return c.usable() == nil }, waitFor, 5*time.Millisecond)

	sent, err := c.SendMessage(context.Background(), "111", "primero")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, fixedNow.Unix(), sent.Timestamp)
	_, err = c.SendMessage(context.Background(), "222@c.us", "segundo")
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, OutboxFile))
	require.NoError(t, err)
	defer f.Close()

	var entries []outboxEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e outboxEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, entries, 2)
	assert.Equal(t, outboxEntry{ID: sent.ID, To: "111@c.us", Body: "primero", Timestamp: fixedNow.Unix()}, entries[0])
	assert.Equal(t, "222@c.us", entries[1].To)
}

func TestGetChatsMergesSeededAndSeen(t *testing.T) {
	c, _, dir := readyClient(t)
	seeded := `[
		{"id": "333", "name": "Carla", "last_message": "viejo", "timestamp": 10},
		{"id": "grupo@g.us", "name": "Equipo", "is_group": true},
		{"id": "111@c.us", "name": "Ana"}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ChatsFile), []byte(seeded), 0644))

	_, err := c.SendMessage(context.Background(), "111", "hola Ana")
	require.NoError(t, err)
	_, err = c.SendMessage(context.Background(), "999", "desconocido")
	require.NoError(t, err)

	chats, err := c.GetChats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 4)

	assert.Equal(t, "333@c.us", chats[0].ID)
	assert.Equal(t, "viejo", *chats[0].LastMessage)
	assert.True(t, chats[1].IsGroup)
	assert.Equal(t, "111@c.us", chats[2].ID)
	assert.Equal(t, "Ana", chats[2].Name)
	assert.Equal(t, "hola Ana", *chats[2].LastMessage)
	assert.Equal(t, "999@c.us", chats[3].ID)
	assert.Empty(t, chats[3].Name)
}

func TestRemovingDeviceLogsOut(t *testing.T) {
	c, events, dir := readyClient(t)

	require.NoError(t, os.Remove(filepath.Join(dir, DeviceFile)))
	require.Eventually(t, func() bool { return len(events.Gone()) == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, "LOGOUT", events.Gone()[0])
	_, err := c.SendMessage(context.Background(), "111", "hola")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDestroy(t *testing.T) {
	c, _, _ := readyClient(t)

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())

	_, err := c.SendMessage(context.Background(), "111", "hola")
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = c.GetChats(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, c.Initialize(context.Background()), ErrDestroyed)
}

func TestCancelledContextStopsPairing(t *testing.T) {
	dir := t.TempDir()
	f := NewFactory(Options{
		PairDelay: time.Hour,
		Logger:    logger.NewWriter(logger.LevelNone, io.Discard, ""),
	})
	events := &recordedEvents{}
	client, err := f.New("session_2", dir, events)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, client.Initialize(ctx))
	require.Eventually(t, func() bool { return len(events.QRs()) == 1 }, waitFor, 5*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		_ = client.Destroy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("destroy blocked")
	}
	assert.Equal(t, 0, events.Ready())
	assert.NoFileExists(t, filepath.Join(dir, DeviceFile))
}

func TestNormalizePeer(t *testing.T) {
	assert.Equal(t, "5491122@c.us", normalizePeer("+5491122"))
	assert.Equal(t, "5491122@c.us", normalizePeer(" 5491122 "))
	assert.Equal(t, "grupo@g.us", normalizePeer("grupo@g.us"))
	assert.Equal(t, "", normalizePeer(""))
}
