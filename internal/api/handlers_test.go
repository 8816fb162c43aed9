package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/realscribe/internal/chat"
	"github.com/manpreetbhatti/realscribe/internal/db"
	"github.com/manpreetbhatti/realscribe/internal/presence"
)

type fakeHub struct{}

func (fakeHub) ClientCount() int { return 2 }
func (fakeHub) TopicCount() int  { return 3 }

type testAPI struct {
	handler  http.Handler
	database *db.Database
	registry *presence.Registry
	chat     *chat.Log
}

func setupTestAPI(t *testing.T) testAPI {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err, "Failed to create database")
	t.Cleanup(func() { database.Close() })

	registry := presence.NewRegistry(log)
	chatLog := chat.NewLog(log)

	router := mux.NewRouter()
	New(fakeHub{}, database, registry, chatLog, 50, log).Routes(router)

	return testAPI{
		handler:  CORS(router),
		database: database,
		registry: registry,
		chat:     chatLog,
	}
}

func (a testAPI) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), "Failed to decode response")
	return v
}

func TestHealthHandler(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestStatsHandler(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)
	ctx := context.Background()
	_, err := a.registry.Join("r1", "u1", "Alice", "c1")
	req.NoError(err)
	req.NoError(a.database.SaveStrokeOperation(ctx, db.StrokeOperation{ID: 1, RoomID: "r1", OperationType: "stroke"}))

	w := a.do(t, http.MethodGet, "/api/stats", nil)

	req.Equal(http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	req.EqualValues(1, stats["active_rooms"])
	req.EqualValues(1, stats["active_users"])
	req.EqualValues(2, stats["active_clients"])
	req.EqualValues(1, stats["total_rooms"])
	req.EqualValues(1, stats["total_strokes"])
}

func TestCreateAndGetRoom(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)

	body, _ := json.Marshal(CreateRoomRequest{ID: "test-room", Name: "Test Room"})
	w := a.do(t, http.MethodPost, "/api/rooms", body)
	req.Equal(http.StatusCreated, w.Code)
	created := decode[RoomResponse](t, w)
	req.Equal("test-room", created.ID)
	req.Equal("Test Room", created.Name)

	_, err := a.registry.Join("test-room", "u1", "Alice", "c1")
	req.NoError(err)

	w = a.do(t, http.MethodGet, "/api/rooms/test-room", nil)
	req.Equal(http.StatusOK, w.Code)
	room := decode[RoomResponse](t, w)
	req.Equal(1, room.ActiveUsers)
}

func TestCreateRoom_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "missing id", body: `{"name":"No ID"}`},
		{name: "id with topic separator", body: `{"id":"a.b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := setupTestAPI(t)

			w := a.do(t, http.MethodPost, "/api/rooms", []byte(tt.body))

			require.Equal(t, http.StatusBadRequest, w.Code)
			require.NotEmpty(t, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestGetRoom_NotFound(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/rooms/non-existent", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRooms(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)
	ctx := context.Background()
	for _, id := range []string{"room-1", "room-2", "room-3"} {
		req.NoError(a.database.CreateRoom(ctx, id, ""))
	}

	w := a.do(t, http.MethodGet, "/api/rooms?limit=2", nil)

	req.Equal(http.StatusOK, w.Code)
	var response struct {
		Rooms []RoomResponse `json:"rooms"`
		Limit int            `json:"limit"`
	}
	req.NoError(json.NewDecoder(w.Body).Decode(&response))
	req.Len(response.Rooms, 2)
	req.Equal(2, response.Limit)
}

func TestDeleteRoom(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)
	req.NoError(a.database.CreateRoom(context.Background(), "delete-me", ""))

	w := a.do(t, http.MethodDelete, "/api/rooms/delete-me", nil)
	req.Equal(http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/api/rooms/delete-me", nil)
	req.Equal(http.StatusNotFound, w.Code)
}

func TestRoomUsers(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)
	for _, join := range [][4]string{
		{"r1", "u2", "Bob", "c1"},
		{"r1", "u1", "Alice", "c2"},
		{"r1", "u1", "Alice", "c3"},
		{"r2", "u3", "Carol", "c4"},
	} {
		_, err := a.registry.Join(join[0], join[1], join[2], join[3])
		req.NoError(err)
	}

	w := a.do(t, http.MethodGet, "/api/rooms/r1/users", nil)

	req.Equal(http.StatusOK, w.Code)
	req.Equal([]presence.User{{UserID: "u1", Name: "Alice"}, {UserID: "u2", Name: "Bob"}}, decode[[]presence.User](t, w))
}

func TestRoomMessages(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)
	for _, content := range []string{"one", "two", "three"} {
		_, ok := a.chat.Append("r1", "u1", "Alice", content, chat.KindMessage)
		req.True(ok)
	}

	w := a.do(t, http.MethodGet, "/api/rooms/r1/messages?limit=2", nil)
	req.Equal(http.StatusOK, w.Code)
	messages := decode[[]chat.Message](t, w)
	req.Len(messages, 2)
	req.Equal("two", messages[0].Content)
	req.Equal("three", messages[1].Content)

	w = a.do(t, http.MethodGet, "/api/rooms/r1/messages?limit=abc", nil)
	req.Equal(http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/api/rooms/r1/messages/count", nil)
	req.Equal(http.StatusOK, w.Code)
	count := decode[map[string]any](t, w)
	req.Equal("r1", count["roomId"])
	req.EqualValues(3, count["messageCount"])
}

func TestRoomStrokes(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/rooms/r1/strokes", nil)
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`[]`, w.Body.String())

	req.NoError(a.database.SaveStrokeOperation(context.Background(), db.StrokeOperation{
		ID: 9, RoomID: "r1", OperationType: "stroke", Payload: json.RawMessage(`{"color":"red"}`),
	}))

	w = a.do(t, http.MethodGet, "/api/rooms/r1/strokes", nil)
	strokes := decode[[]db.StrokeOperation](t, w)
	req.Len(strokes, 1)
	req.Equal(int64(9), strokes[0].ID)
	req.JSONEq(`{"color":"red"}`, string(strokes[0].Payload))
}

func TestLatestText(t *testing.T) {
	req := require.New(t)
	a := setupTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/text/latest/r1", nil)
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"exists":false,"content":{}}`, w.Body.String())

	req.NoError(a.database.ReplaceTextSnapshot(context.Background(), db.TextSnapshot{
		RoomID: "r1", UserID: "u1", Payload: json.RawMessage(`{"ops":[{"insert":"hi"}]}`),
	}))

	w = a.do(t, http.MethodGet, "/api/text/latest/r1", nil)
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"exists":true,"content":{"ops":[{"insert":"hi"}]}}`, w.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodPut, "/api/rooms/r1", nil)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodOptions, "/api/rooms", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
