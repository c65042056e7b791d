package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Camifryou/whatsappcrm/internal/actor"
	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/provider/providertest"
	"github.com/Camifryou/whatsappcrm/internal/registry"
	"github.com/Camifryou/whatsappcrm/internal/store"
)

const waitFor = 2 * time.Second

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	hub      *Hub
	reg      *registry.Registry
	factory  *providertest.Factory
	meta     *store.MetadataStore
	mediaDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewWriter(logger.LevelNone, io.Discard, "")
	root := t.TempDir()

	creds := store.NewCredentialStore(filepath.Join(root, "sessions"))
	meta, err := store.OpenMetadata(creds.MetadataPath())
	require.NoError(t, err)
	mediaDir := filepath.Join(root, "media")

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(log)
	go hub.Run(ctx)

	factory := providertest.NewFactory()
	reg := registry.New(registry.Options{
		Factory:     factory,
		Metadata:    meta,
		Credentials: creds,
		Media:       store.NewMediaStore(mediaDir),
		Broadcaster: hub,
		Logger:      log,
	})
	system := actor.NewSystem()
	require.NoError(t, system.SpawnRef(ctx, reg.Ref()))

	server := NewServer(Options{
		Hub:      hub,
		Registry: reg,
		Health:   system,
		MediaDir: mediaDir,
		Logger:   log,
	})
	srv := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		srv.Close()
		stopCtx, stop := context.WithTimeout(context.Background(), waitFor)
		defer stop()
		_ = system.StopAll(stopCtx)
		hub.Stop()
		cancel()
	})

	return &testEnv{t: t, srv: srv, hub: hub, reg: reg, factory: factory, meta: meta, mediaDir: mediaDir}
}

// observer is a connected websocket test client. Messages skipped while
// waiting for a response are kept for expect.
type observer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []envelope
}

type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	Error     *ErrorInfo      `json:"error"`
}

func (e *testEnv) connect() *observer {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { conn.Close() })

	o := &observer{t: e.t, conn: conn}
	// Initial state for the newcomer
	o.expect(registry.EventSessions)
	o.expect(registry.EventAllChats)
	return o
}

func (o *observer) next() envelope {
	o.t.Helper()
	require.NoError(o.t, o.conn.SetReadDeadline(time.Now().Add(waitFor)))
	var env envelope
	require.NoError(o.t, o.conn.ReadJSON(&env))
	return env
}

// expect returns the first message of type typ, skipping others
func (o *observer) expect(typ string) envelope {
	o.t.Helper()
	for i, env := range o.pending {
		if env.Type == typ {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return env
		}
	}
	for {
		env := o.next()
		if env.Type == typ {
			return env
		}
	}
}

func (o *observer) request(typ, id string, data any) envelope {
	o.t.Helper()
	msg := map[string]any{"type": typ, "request_id": id}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(o.t, o.conn.WriteJSON(msg))
	for {
		env := o.next()
		if env.RequestID == id {
			return env
		}
		o.pending = append(o.pending, env)
	}
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestObserverReceivesInitialState(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.CreateSession(context.Background())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	o := &observer{t: t, conn: conn}

	first := o.next()
	require.Equal(t, registry.EventSessions, first.Type)
	snaps := decodeData[[]registry.Snapshot](t, first)
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ID)
	assert.Equal(t, registry.StateInitializing, snaps[0].Status)

	second := o.next()
	require.Equal(t, registry.EventAllChats, second.Type)
	assert.JSONEq(t, `[]`, string(second.Data))
}

func TestInitialStateComesFirstUnderLoad(t *testing.T) {
	env := newTestEnv(t)
	const sessions = 20

	created := make(chan string, sessions)
	go func() {
		for i := 0; i < sessions; i++ {
			id, err := env.reg.CreateSession(context.Background())
			if err != nil {
				close(created)
				return
			}
			created <- id
		}
		close(created)
	}()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	o := &observer{t: t, conn: conn}

	first := o.next()
	require.Equal(t, registry.EventSessions, first.Type)
	require.Equal(t, registry.EventAllChats, o.next().Type)

	// Every session is either in the snapshot or announced afterwards
	seen := make(map[string]bool)
	for _, snap := range decodeData[[]registry.Snapshot](t, first) {
		seen[snap.ID] = true
	}
	var ids []string
	for id := range created {
		ids = append(ids, id)
	}
	require.Len(t, ids, sessions)
	for len(seen) < sessions {
		update := o.expect(registry.EventSessionUpdate)
		seen[decodeData[registry.Snapshot](t, update).ID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], id)
	}
}

func TestCreateSessionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	o := env.connect()

	resp := o.request(MessageTypeCreateSession, "req-1", nil)
	assert.Equal(t, "create_session_response", resp.Type)
	assert.NotEmpty(t, resp.Timestamp)
	id := decodeData[string](t, resp)
	assert.True(t, strings.HasPrefix(id, "session_"))

	update := o.expect(registry.EventSessionUpdate)
	assert.Empty(t, update.RequestID)
	snap := decodeData[registry.Snapshot](t, update)
	assert.Equal(t, id, snap.ID)

	got := o.request(MessageTypeGetSession, "req-2", id)
	assert.Equal(t, id, decodeData[registry.Snapshot](t, got).ID)

	missing := o.request(MessageTypeGetSession, "req-3", "session_404")
	assert.Equal(t, "null", string(missing.Data))
}

func TestUpdateSessionName(t *testing.T) {
	env := newTestEnv(t)
	o := env.connect()
	id, err := env.reg.CreateSession(context.Background())
	require.NoError(t, err)

	resp := o.request(MessageTypeUpdateSessionName, "r1", map[string]any{"sessionId": id, "name": 42})
	assert.Equal(t, Result{Success: false, Error: "Nombre inválido"}, decodeData[Result](t, resp))

	resp = o.request(MessageTypeUpdateSessionName, "r2", map[string]any{"sessionId": "session_404", "name": "Ventas"})
	assert.Equal(t, Result{Success: false, Error: "Sesión no encontrada"}, decodeData[Result](t, resp))

	resp = o.request(MessageTypeUpdateSessionName, "r3", map[string]any{"sessionId": id, "name": "Ventas"})
	assert.Equal(t, Result{Success: true}, decodeData[Result](t, resp))
	assert.Equal(t, "Ventas", env.meta.Name(id))
}

func TestSendMessageFailures(t *testing.T) {
	env := newTestEnv(t)
	o := env.connect()
	id, err := env.reg.CreateSession(context.Background())
	require.NoError(t, err)

	resp := o.request(MessageTypeSendMessage, "s1", map[string]any{"sessionId": id, "to": "1@c.us", "message": "hola"})
	assert.Equal(t, "send_message_response", resp.Type)
	assert.Equal(t, Result{Success: false, Error: "Sesión no encontrada"}, decodeData[Result](t, resp))
}

func TestSendMessageSuccess(t *testing.T) {
	env := newTestEnv(t)
	o := env.connect()
	id, err := env.reg.CreateSession(context.Background())
	require.NoError(t, err)

	env.factory.Client(id).EmitReady()
	require.Eventually(t, func() bool {
		snap, err := env.reg.Snapshot(context.Background(), id)
		return err == nil && snap.Phone != ""
	}, waitFor, 5*time.Millisecond)

	resp := o.request(MessageTypeSendMessage, "s1", map[string]any{"sessionId": id, "to": "1@c.us", "message": "hola"})
	res := decodeData[Result](t, resp)
	require.True(t, res.Success)
	require.NotNil(t, res.Message)
	assert.Equal(t, "hola", res.Message.Body)
	assert.True(t, res.Message.FromMe)

	msgs := o.request(MessageTypeGetMessages, "m1", map[string]any{"sessionId": id, "chatId": "1@c.us"})
	list := decodeData[[]registry.Message](t, msgs)
	require.Len(t, list, 1)
	assert.Equal(t, res.Message.ID, list[0].ID)
}

func TestDeleteAndRefresh(t *testing.T) {
	env := newTestEnv(t)
	o := env.connect()
	id, err := env.reg.CreateSession(context.Background())
	require.NoError(t, err)

	refresh := o.request(MessageTypeRefreshChats, "f1", nil)
	assert.Equal(t, "true", string(refresh.Data))
	refresh = o.request(MessageTypeRefreshChats, "f2", id)
	assert.Equal(t, "false", string(refresh.Data))
	refresh = o.request(MessageTypeRefreshChats, "f3", "")
	assert.Equal(t, "true", string(refresh.Data))

	del := o.request(MessageTypeDeleteSession, "d1", id)
	assert.Equal(t, "true", string(del.Data))
	deleted := o.expect(registry.EventSessionDeleted)
	assert.Equal(t, id, decodeData[string](t, deleted))
	o.expect(registry.EventAllChats)

	del = o.request(MessageTypeDeleteSession, "d2", id)
	assert.Equal(t, "false", string(del.Data))

	chats := o.request(MessageTypeGetSessionChats, "c1", id)
	assert.JSONEq(t, `[]`, string(chats.Data))
	all := o.request(MessageTypeGetAllChats, "c2", nil)
	assert.JSONEq(t, `[]`, string(all.Data))
}

func TestUnknownAndMalformedRequests(t *testing.T) {
	env := newTestEnv(t)
	o := env.connect()

	require.NoError(t, o.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	resp := o.request("launch_rockets", "u1", nil)
	assert.Equal(t, MessageTypeError, resp.Type)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeUnknownType, resp.Error.Code)

	resp = o.request(MessageTypeGetSession, "u2", map[string]any{"id": 1})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeInvalidInput, resp.Error.Code)

	// The connection survives structured failures
	resp = o.request(MessageTypeGetAllChats, "u3", nil)
	assert.Equal(t, "get_all_chats_response", resp.Type)
}

func TestBroadcastReachesEveryObserver(t *testing.T) {
	env := newTestEnv(t)
	a := env.connect()
	b := env.connect()

	id, err := env.reg.CreateSession(context.Background())
	require.NoError(t, err)

	for _, o := range []*observer{a, b} {
		update := o.expect(registry.EventSessionUpdate)
		assert.Equal(t, id, decodeData[registry.Snapshot](t, update).ID)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.CreateSession(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(env.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st registry.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "running", st.Server)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, id, st.Sessions[0].ID)
	assert.Equal(t, "Sesión "+strings.TrimPrefix(id, "session_"), st.Sessions[0].Name)
}

func TestSessionNameEndpoint(t *testing.T) {
	env := newTestEnv(t)
	o := env.connect()

	post := func(id, body string) (*http.Response, string) {
		resp, err := http.Post(env.srv.URL+"/api/sessions/"+id+"/name", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(data)
	}

	for _, body := range []string{`{}`, `{"name": ""}`, `{"name": 7}`, `nope`} {
		resp, data := post("session_1", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.JSONEq(t, `{"error": "Nombre inválido"}`, data, body)
	}

	// Names may be stored before the session exists
	resp, data := post("session_1", `{"name": "Soporte"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success": true, "name": "Soporte"}`, data)
	assert.Equal(t, "Soporte", env.meta.Name("session_1"))

	update := o.expect(registry.EventSessionUpdate)
	assert.Equal(t, registry.Snapshot{ID: "session_1", Name: "Soporte"}, decodeData[registry.Snapshot](t, update))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string                        `json:"status"`
		Actors map[string]actor.HealthReport `json:"actors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Contains(t, body.Actors, registry.ActorID)
}

func TestMediaFilesAreServed(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.mediaDir, "session_1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.mediaDir, "session_1", "m1.txt"), []byte("adjunto"), 0644))

	resp, err := http.Get(env.srv.URL + "/media/session_1/m1.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "adjunto", string(data))
}
