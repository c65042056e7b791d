package registry

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/provider/providertest"
	"github.com/Camifryou/whatsappcrm/internal/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorded struct {
	Event string
	Data  any
}

// recorder is a Broadcaster that keeps every event
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Broadcast(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Event: event, Data: data})
}

func (r *recorder) All() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

// Of returns the payloads of one event type in broadcast order
func (r *recorder) Of(event string) []any {
	var out []any
	for _, e := range r.All() {
		if e.Event == event {
			out = append(out, e.Data)
		}
	}
	return out
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	reg     *Registry
	factory *providertest.Factory
	out     *recorder
	meta    *store.MetadataStore
	creds   *store.CredentialStore
	media   *store.MediaStore
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	root := t.TempDir()
	creds := store.NewCredentialStore(filepath.Join(root, "sessions"))
	meta, err := store.OpenMetadata(creds.MetadataPath())
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		factory: providertest.NewFactory(),
		out:     &recorder{},
		meta:    meta,
		creds:   creds,
		media:   store.NewMediaStore(filepath.Join(root, "media")),
	}

	opts := Options{
		Factory:        h.factory,
		Metadata:       h.meta,
		Credentials:    h.creds,
		Media:          h.media,
		Broadcaster:    h.out,
		AutoReply:      true,
		AutoReplyDelay: 20 * time.Millisecond,
		PurgeOnDelete:  true,
		Logger:         logger.NewWriter(logger.LevelNone, io.Discard, ""),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	h.reg = New(opts)
	require.NoError(t, h.reg.Ref().Start(h.ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.reg.Ref().Stop(ctx)
	})
	return h
}

// create registers a session and returns it with its fake client
func (h *harness) create() (string, *providertest.Client) {
	h.t.Helper()
	id, err := h.reg.CreateSession(h.ctx)
	require.NoError(h.t, err)
	client := h.factory.Client(id)
	require.NotNil(h.t, client)
	return id, client
}

// connected creates a session and drives it to the connected state with
// its chats loaded once.
func (h *harness) connected() (string, *providertest.Client) {
	h.t.Helper()
	id, client := h.create()
	client.EmitReady()
	require.Eventually(h.t, func() bool {
		for _, data := range h.out.Of(EventChats) {
			if data.(ChatsUpdate).SessionID == id {
				return true
			}
		}
		return false
	}, waitFor, tick)
	return id, client
}

func (h *harness) snapshot(id string) Snapshot {
	h.t.Helper()
	snap, err := h.reg.Snapshot(h.ctx, id)
	require.NoError(h.t, err)
	require.NotNil(h.t, snap, "session %s", id)
	return *snap
}

func (h *harness) messages(id, peer string) []Message {
	h.t.Helper()
	msgs, err := h.reg.Messages(h.ctx, id, peer)
	require.NoError(h.t, err)
	return msgs
}

func (h *harness) chats(id string) []Chat {
	h.t.Helper()
	chats, err := h.reg.SessionChats(h.ctx, id)
	require.NoError(h.t, err)
	return chats
}

// settle waits until helper goroutines had a chance to post back
func (h *harness) settle() {
	time.Sleep(20 * time.Millisecond)
	_, err := h.reg.Snapshots(h.ctx)
	require.NoError(h.t, err)
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
