package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/relayd/internal/auth"
	"github.com/streamspace/relayd/internal/backend"
)

// testServer wires a Registry + ConnectionHandler behind a raw
// net/http WebSocket upgrade, mirroring internal/transport's
// production wiring closely enough to exercise the full connect
// sequence end to end (spec.md §4.4, §8's concrete scenarios).
type testServer struct {
	httpServer *httptest.Server
	backend    *backend.Client
	mr         *miniredis.Miniredis
	registry   *Registry
}

func newTestServer(t *testing.T, authAPI string) *testServer {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	be, err := backend.NewClient(backend.Config{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)

	authClient := auth.NewClient(authAPI)
	handler := NewMessageHandler(be)
	registry := NewRegistry(be, handler, ExpireSeconds{Codespace: 3600, TmpCodespace: 300})
	connHandler := NewConnectionHandler(authClient, registry)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/ws/")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connHandler.Handle(r.Context(), conn, token)
	})

	srv := httptest.NewServer(mux)

	return &testServer{httpServer: srv, backend: be, mr: mr, registry: registry}
}

func (s *testServer) close() {
	s.httpServer.Close()
	s.backend.Close()
	s.mr.Close()
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ws/" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestTmpDocumentBypassesAuthAndGrantsEditMode(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	defer s.close()

	conn := s.dial(t, "tmp-abc")
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack connectAck
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, "connected", ack.Operation)
	require.Equal(t, ModeEdit, ack.Data.Mode)
	require.NotEmpty(t, ack.Data.ID)
}

func TestInvalidTokenClosesWithReason(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer authSrv.Close()

	s := newTestServer(t, authSrv.URL)
	defer s.close()

	conn := s.dial(t, "some-real-token")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	require.Equal(t, 1011, closeErr.Code)
	require.Equal(t, "Invalid token", closeErr.Text)
}

func TestInsertValueSingleChangeMutatesAndPublishes(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	defer s.close()

	conn := s.dial(t, "tmp-doc-1")
	defer conn.Close()
	_, _, err := conn.ReadMessage() // connect ack
	require.NoError(t, err)

	require.NoError(t, s.backend.HSet(context.Background(), "tmp-doc-1", "code", "Hello dlroW"))

	msg := `{"operation":"insert_value","changes":[{"from":6,"to":11,"insert":"World"}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, msg, string(echoed))

	code, ok, err := s.backend.HGet(context.Background(), "tmp-doc-1", "code")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello World", code)
}

func TestInsertValueTwoChangesAppliedRightToLeft(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	defer s.close()

	conn := s.dial(t, "tmp-doc-2")
	defer conn.Close()
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, s.backend.HSet(context.Background(), "tmp-doc-2", "code", "Hello dlroW"))

	msg := `{"operation":"insert_value","changes":[{"from":5,"to":5,"insert":" Great"},{"from":6,"to":11,"insert":"World"}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	code, ok, err := s.backend.HGet(context.Background(), "tmp-doc-2", "code")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello Great World", code)
}

func TestFanOutThenReapRemovesChannel(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	defer s.close()

	connA := s.dial(t, "tmp-doc-3")
	_, _, err := connA.ReadMessage()
	require.NoError(t, err)

	connB := s.dial(t, "tmp-doc-3")
	_, _, err = connB.ReadMessage()
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let both registrations land

	msg := `{"operation":"create_selection","from":0,"to":5}`
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(msg)))

	_, gotA, err := connA.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, msg, string(gotA))

	_, gotB, err := connB.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, msg, string(gotB))

	connA.Close()
	connB.Close()

	require.Eventually(t, func() bool {
		return s.registry.Count() == 0
	}, time.Second, 10*time.Millisecond, "expected channel to be reaped after both clients leave")
}

func TestExpirationClosesAllClientsOnChannel(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	defer s.close()

	conn := s.dial(t, "tmp-doc-4")
	defer conn.Close()
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.backend.Publish(context.Background(), "__keyevent@0__:expired", "tmp-doc-4"))

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	require.Equal(t, 1011, closeErr.Code)
	require.Equal(t, "Codespace data expired from cache", closeErr.Text)
}

func TestUnknownOperationIsRejected(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	defer s.close()

	conn := s.dial(t, "tmp-doc-5")
	defer conn.Close()
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"operation":"delete_everything"}`)))

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	require.Equal(t, 1011, closeErr.Code)
	require.Equal(t, "'delete_everything' operation is not allowed", closeErr.Text)
}
