package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"project-board-sync/internal/clock"
	"project-board-sync/internal/connection"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/notify"
	"project-board-sync/internal/permission"
	"project-board-sync/internal/response"
	"project-board-sync/internal/session"
	"project-board-sync/internal/transport"
)

const testWait = 2 * time.Second

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryStore struct {
	mu    sync.Mutex
	saved []domain.Snapshot
}

func (s *memoryStore) persist(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Version = int64(len(s.saved) + 1)
	s.saved = append(s.saved, snap.Clone())
	return snap, nil
}

func (s *memoryStore) fetch(ctx context.Context, projectID string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return domain.Snapshot{ProjectID: projectID}, nil
	}
	return s.saved[len(s.saved)-1].Clone(), nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type syncFixture struct {
	engine   *gin.Engine
	registry *session.Registry
	conn     connection.Manager
	notes    *notify.Broadcaster
	store    *memoryStore
}

func newSyncFixture(t *testing.T, role string) *syncFixture {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewWithRegistry(prometheus.NewRegistry(), logger)
	dialer := transport.NewMemoryDialer(transport.ModeWebSocket)

	conn := connection.NewManager(connection.Config{URL: "ws://relay/api/ws"}, []transport.Dialer{dialer}, clock.Real(), m, logger)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Connect(context.Background()))

	var server transport.Conn
	select {
	case server = <-dialer.Accepted():
	case <-time.After(testWait):
		t.Fatal("no connection was dialed")
	}
	// the relay end only has to keep reading
	go func() {
		for {
			if _, err := server.Receive(context.Background()); err != nil {
				return
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, conn.AwaitConnected(ctx))

	store := &memoryStore{}
	notes := notify.NewBroadcaster(0, logger)
	s, err := session.New(session.Options{
		ProjectID: "p1",
		Identity:  domain.Identity{ID: "u1", Email: "alice@example.com"},
		Initial: domain.Snapshot{
			Columns: []domain.Column{{ID: "1", Name: "Title", Type: domain.ColumnTypeText, Width: 150}},
			Items:   []domain.Item{{ID: "1", Fields: map[string]any{"1": "Task A"}}},
		},
		Conn:          conn,
		Persist:       store.persist,
		Fetch:         store.fetch,
		Permissions:   permission.Static(permission.ForRole(role)),
		Notifier:      notes,
		AutosaveDelay: time.Hour,
		Metrics:       m,
		Logger:        logger,
	})
	require.NoError(t, err)

	registry := session.NewRegistry()
	registry.Add(s)
	t.Cleanup(func() { registry.CloseAll(context.Background()) })

	boardHandler := NewBoardHandler(registry, testWait, logger)
	connectionHandler := NewConnectionHandler(conn, logger)

	r := gin.New()
	r.GET("/projects", boardHandler.ListProjects)
	r.GET("/projects/:projectId/board", boardHandler.GetBoard)
	r.GET("/projects/:projectId/status", boardHandler.GetStatus)
	r.POST("/projects/:projectId/refresh", boardHandler.Refresh)
	r.POST("/projects/:projectId/flush", boardHandler.Flush)
	r.POST("/projects/:projectId/columns", boardHandler.CreateColumn)
	r.PATCH("/projects/:projectId/columns/:columnId", boardHandler.UpdateColumn)
	r.DELETE("/projects/:projectId/columns/:columnId", boardHandler.DeleteColumn)
	r.POST("/projects/:projectId/items", boardHandler.CreateItem)
	r.PATCH("/projects/:projectId/items/:itemId/fields/:columnId", boardHandler.UpdateItemField)
	r.DELETE("/projects/:projectId/items/:itemId", boardHandler.DeleteItem)
	r.GET("/connection", connectionHandler.GetStatus)

	return &syncFixture{engine: r, registry: registry, conn: conn, notes: notes, store: store}
}

func (f *syncFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), w.Body.String())
	return envelope.Data
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error.Code
}

func TestBoardHandler_GetBoard(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	w := f.do(t, http.MethodGet, "/projects/p1/board", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeData[domain.Snapshot](t, w)
	assert.Equal(t, "p1", snap.ProjectID)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "Task A", snap.Items[0].Fields["1"])

	w = f.do(t, http.MethodGet, "/projects", nil)
	assert.Equal(t, []string{"p1"}, decodeData[[]string](t, w))
}

func TestBoardHandler_UnknownProject(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	w := f.do(t, http.MethodGet, "/projects/nope/board", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrCodeNotFound, errorCode(t, w))
}

func TestBoardHandler_MutationsAreAcceptedThenFlushed(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	w := f.do(t, http.MethodPatch, "/projects/p1/items/1/fields/1", UpdateFieldRequest{Value: "Task B"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	mutation := decodeData[MutationResponse](t, w)
	assert.NotEmpty(t, mutation.ActionID)
	assert.Equal(t, domain.ActionUpdate, mutation.Kind)
	assert.Equal(t, domain.EntityItem, mutation.EntityType)
	assert.Equal(t, "1", mutation.EntityID)

	w = f.do(t, http.MethodGet, "/projects/p1/status", nil)
	status := decodeData[session.Status](t, w)
	assert.True(t, status.AutosavePending)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, mutation.ActionID, status.Pending[0].ID)

	w = f.do(t, http.MethodPost, "/projects/p1/flush", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	status = decodeData[session.Status](t, w)
	assert.Empty(t, status.Pending)
	assert.False(t, status.AutosavePending)
	assert.Equal(t, int64(1), status.PersistedVersion)
	assert.Equal(t, 1, f.store.count())

	w = f.do(t, http.MethodGet, "/projects/p1/board", nil)
	snap := decodeData[domain.Snapshot](t, w)
	assert.Equal(t, "Task B", snap.Items[0].Fields["1"])
}

func TestBoardHandler_CreateColumnAndItem(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	w := f.do(t, http.MethodPost, "/projects/p1/columns", CreateColumnRequest{Name: "Status", Type: "status"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	column := decodeData[MutationResponse](t, w)
	assert.Equal(t, domain.ActionCreate, column.Kind)
	assert.Equal(t, domain.EntityColumn, column.EntityType)

	w = f.do(t, http.MethodPost, "/projects/p1/items", CreateItemRequest{Fields: map[string]any{"1": "Task C"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	item := decodeData[MutationResponse](t, w)

	w = f.do(t, http.MethodGet, "/projects/p1/board", nil)
	snap := decodeData[domain.Snapshot](t, w)
	col, ok := snap.Column(column.EntityID)
	require.True(t, ok)
	assert.Equal(t, domain.ColumnTypeSingleSelect, col.Type)
	assert.Equal(t, domain.DefaultSelectOptions, col.Options)
	_, ok = snap.Item(item.EntityID)
	assert.True(t, ok)
}

func TestBoardHandler_UpdateColumnAppliesEachField(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	name, width := "Summary", 240
	w := f.do(t, http.MethodPatch, "/projects/p1/columns/1", UpdateColumnRequest{Name: &name, Width: &width})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Len(t, decodeData[[]MutationResponse](t, w), 2)

	snap := decodeData[domain.Snapshot](t, f.do(t, http.MethodGet, "/projects/p1/board", nil))
	col, ok := snap.Column("1")
	require.True(t, ok)
	assert.Equal(t, "Summary", col.Name)
	assert.Equal(t, 240, col.Width)

	w = f.do(t, http.MethodPatch, "/projects/p1/columns/1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBoardHandler_DeleteItemAndColumn(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	w := f.do(t, http.MethodDelete, "/projects/p1/items/1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	w = f.do(t, http.MethodDelete, "/projects/p1/columns/1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	snap := decodeData[domain.Snapshot](t, f.do(t, http.MethodGet, "/projects/p1/board", nil))
	assert.Empty(t, snap.Items)
	assert.Empty(t, snap.Columns)
}

func TestBoardHandler_ViewerIsForbidden(t *testing.T) {
	f := newSyncFixture(t, permission.RoleViewer)
	inbox, cancel := f.notes.Subscribe(4)
	defer cancel()

	w := f.do(t, http.MethodPatch, "/projects/p1/items/1/fields/1", UpdateFieldRequest{Value: "Task B"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrCodePermissionDenied, errorCode(t, w))

	select {
	case n := <-inbox:
		assert.Equal(t, notify.LevelWarning, n.Level)
		assert.Equal(t, "p1", n.ProjectID)
	case <-time.After(testWait):
		t.Fatal("no permission notification")
	}

	snap := decodeData[domain.Snapshot](t, f.do(t, http.MethodGet, "/projects/p1/board", nil))
	assert.Equal(t, "Task A", snap.Items[0].Fields["1"])
}

func TestBoardHandler_InvalidInput(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"column without name", http.MethodPost, "/projects/p1/columns", map[string]any{"type": "text"}, http.StatusBadRequest},
		{"unknown column type", http.MethodPost, "/projects/p1/columns", CreateColumnRequest{Name: "X", Type: "matrix"}, http.StatusBadRequest},
		{"unknown item", http.MethodPatch, "/projects/p1/items/missing/fields/1", UpdateFieldRequest{Value: "x"}, http.StatusNotFound},
		{"unknown column", http.MethodDelete, "/projects/p1/columns/missing", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestBoardHandler_RefreshRefusedWhilePending(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	w := f.do(t, http.MethodPost, "/projects/p1/items", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/projects/p1/refresh", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrCodeValidation, errorCode(t, w))

	w = f.do(t, http.MethodPost, "/projects/p1/flush", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/projects/p1/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decodeData[domain.Snapshot](t, w)
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Items, 2)
}

func TestConnectionHandler_GetStatus(t *testing.T) {
	f := newSyncFixture(t, permission.RoleMember)

	w := f.do(t, http.MethodGet, "/connection", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			State     string   `json:"state"`
			Exhausted bool     `json:"exhausted"`
			Mode      string   `json:"mode"`
			RoomNames []string `json:"room_names"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "connected", body.Data.State)
	assert.False(t, body.Data.Exhausted)
	assert.Equal(t, "websocket", body.Data.Mode)
	assert.Contains(t, body.Data.RoomNames, "project-p1")
}
