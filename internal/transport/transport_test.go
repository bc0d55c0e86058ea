package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("room:join", "", map[string]string{"room": "project-1"})
	require.NoError(t, err)
	assert.Equal(t, "room:join", msg.Event)
	assert.JSONEq(t, `{"room":"project-1"}`, string(msg.Data))

	var payload struct {
		Room string `json:"room"`
	}
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "project-1", payload.Room)

	raw, err := NewMessage("x", "r", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw.Data))

	empty, err := NewMessage("ping", "", nil)
	require.NoError(t, err)
	assert.Error(t, empty.Decode(&payload))
}

func TestPollingBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080/poll"},
		{"wss://sync.example.com/ws?token=abc", "https://sync.example.com/poll"},
		{"http://localhost:8080/", "http://localhost:8080/poll"},
		{"https://relay/api/ws", "https://relay/api/poll"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := PollingBaseURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := PollingBaseURL("ftp://nope")
	assert.Error(t, err)
}

func TestCloseError(t *testing.T) {
	cause := errors.New("read tcp: reset")
	err := &CloseError{Err: cause}
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection lost")

	assert.Contains(t, (&CloseError{ByPeer: true, Reason: "bye"}).Error(), "closed by peer")
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWebSocketConn(ws, zap.NewNop())
		defer conn.Close()
		for {
			msg, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			if msg.Event == "quit" {
				return
			}
			msg.Event = strings.TrimSuffix(msg.Event, ":update") + ":updated"
			if err := conn.Send(context.Background(), msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestWebSocketConn_RoundTrip(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := NewWebSocketDialer(zap.NewNop())
	assert.Equal(t, ModeWebSocket, dialer.Mode())

	conn, err := dialer.Dial(ctx, wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	out, err := NewMessage("item:update", "project-1", map[string]string{"entityId": "1"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, out))

	in, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "item:updated", in.Event)
	assert.Equal(t, "project-1", in.Room)
	assert.JSONEq(t, `{"entityId":"1"}`, string(in.Data))
}

func TestWebSocketConn_PeerCloseIsReported(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWebSocketDialer(zap.NewNop()).Dial(ctx, wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, Message{Event: "quit"}))

	_, err = conn.Receive(ctx)
	var closeErr *CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
}

func TestWebSocketConn_LocalClose(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWebSocketDialer(zap.NewNop()).Dial(ctx, wsURL(server), nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conn.Send(ctx, Message{Event: "x"}), ErrClosed)
}

func TestWebSocketDialer_HandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websockets here", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := NewWebSocketDialer(zap.NewNop()).Dial(context.Background(), wsURL(server), nil)
	var dialErr *DialError
	require.True(t, errors.As(err, &dialErr))
	assert.Equal(t, ModeWebSocket, dialErr.Mode)
	assert.Equal(t, http.StatusBadRequest, dialErr.Status)
}

// fakePollServer is a minimal single-session polling endpoint
type fakePollServer struct {
	mu       sync.Mutex
	received []Message
	outbox   chan []Message
	gone     bool
	deleted  bool
	auth     string
}

func (f *fakePollServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/poll/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(PollSession{SessionID: "s1"})
	})
	mux.HandleFunc("/poll/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = r.Method == http.MethodDelete
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/poll/sessions/s1/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		gone := f.gone
		f.mu.Unlock()
		if gone {
			w.WriteHeader(http.StatusGone)
			return
		}
		switch r.Method {
		case http.MethodPost:
			var msg Message
			json.NewDecoder(r.Body).Decode(&msg)
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			select {
			case msgs := <-f.outbox:
				json.NewEncoder(w).Encode(msgs)
			case <-time.After(50 * time.Millisecond):
				w.WriteHeader(http.StatusNoContent)
			case <-r.Context().Done():
			}
		}
	})
	return mux
}

func TestPollingConn_SendReceiveClose(t *testing.T) {
	fake := &fakePollServer{outbox: make(chan []Message, 1)}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := NewPollingDialer(server.Client(), 100*time.Millisecond, nil, zap.NewNop())
	assert.Equal(t, ModePolling, dialer.Mode())

	header := http.Header{}
	header.Set("Authorization", "Bearer t0k3n")
	conn, err := dialer.Dial(ctx, wsURL(server), header)
	require.NoError(t, err)

	require.NoError(t, conn.Send(ctx, Message{Event: "room:join", Data: json.RawMessage(`{"room":"project-1"}`)}))

	fake.outbox <- []Message{{Event: "item:updated", Room: "project-1", Data: json.RawMessage(`{"data":{"id":"1"}}`)}}
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "item:updated", msg.Event)

	require.NoError(t, conn.Close())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "Bearer t0k3n", fake.auth)
	require.Len(t, fake.received, 1)
	assert.Equal(t, "room:join", fake.received[0].Event)
	assert.True(t, fake.deleted)
}

func TestPollingConn_ServerGoneClosesConn(t *testing.T) {
	fake := &fakePollServer{outbox: make(chan []Message, 1)}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewPollingDialer(server.Client(), 100*time.Millisecond, nil, zap.NewNop()).Dial(ctx, wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	fake.mu.Lock()
	fake.gone = true
	fake.mu.Unlock()

	_, err = conn.Receive(ctx)
	var closeErr *CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.True(t, closeErr.ByPeer)
}
