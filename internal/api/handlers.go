package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/realscribe/internal/chat"
	"github.com/manpreetbhatti/realscribe/internal/db"
	"github.com/manpreetbhatti/realscribe/internal/presence"
)

// Hub reports the state of the websocket transport. *ws.Hub implements it.
type Hub interface {
	ClientCount() int
	TopicCount() int
}

type API struct {
	hub          Hub
	database     *db.Database
	registry     *presence.Registry
	chat         *chat.Log
	historyLimit int
	validate     *validator.Validate
	log          *slog.Logger
}

func New(hub Hub, database *db.Database, registry *presence.Registry, chatLog *chat.Log, historyLimit int, log *slog.Logger) *API {
	return &API{
		hub:          hub,
		database:     database,
		registry:     registry,
		chat:         chatLog,
		historyLimit: historyLimit,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		log:          log,
	}
}

// Routes registers every REST endpoint on r.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{roomId}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomId}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/rooms/{roomId}/users", a.RoomUsersHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomId}/messages", a.RoomMessagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomId}/messages/count", a.MessageCountHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomId}/strokes", a.RoomStrokesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/text/latest/{roomId}", a.LatestTextHandler).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	presenceStats := a.registry.Stats()
	stats := map[string]any{
		"active_rooms":   presenceStats.Rooms,
		"active_users":   presenceStats.Users,
		"active_clients": a.hub.ClientCount(),
		"topics":         a.hub.TopicCount(),
		"chat_rooms":     len(a.chat.Rooms()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err != nil {
		a.log.Warn("Failed to read database stats", "error", err)
	} else {
		stats["total_rooms"] = dbStats.Rooms
		stats["total_strokes"] = dbStats.Strokes
		stats["total_text_snapshots"] = dbStats.TextSnapshots
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
	StrokeCount int       `json:"stroke_count,omitempty"`
}

type CreateRoomRequest struct {
	ID   string `json:"id" validate:"required,max=128,excludesall=.*>"`
	Name string `json:"name,omitempty" validate:"max=256"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.log.Error("Failed to list rooms", "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.registry.ActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = RoomResponse{
			ID:          room.ID,
			Name:        room.Name,
			CreatedAt:   room.CreatedAt,
			UpdatedAt:   room.UpdatedAt,
			ActiveUsers: activeRooms[room.ID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := a.validate.Struct(req); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 && invalid[0].Field() == "ID" && invalid[0].Tag() == "required" {
			errorResponse(w, http.StatusBadRequest, "Room ID is required")
			return
		}
		errorResponse(w, http.StatusBadRequest, "Invalid room: "+err.Error())
		return
	}

	if err := a.database.CreateRoom(r.Context(), req.ID, req.Name); err != nil {
		a.log.Error("Failed to create room", "room", req.ID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	room, err := a.database.GetRoom(r.Context(), req.ID)
	if err != nil || room == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	jsonResponse(w, http.StatusCreated, RoomResponse{
		ID:        room.ID,
		Name:      room.Name,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	room, err := a.database.GetRoom(r.Context(), roomID)
	if err != nil {
		a.log.Error("Failed to get room", "room", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	strokes, err := a.database.ListStrokeOperations(r.Context(), roomID)
	if err != nil {
		a.log.Warn("Failed to count strokes", "room", roomID, "error", err)
	}

	jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          room.ID,
		Name:        room.Name,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
		ActiveUsers: a.registry.ActiveRooms()[roomID],
		StrokeCount: len(strokes),
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	if err := a.database.DeleteRoom(r.Context(), roomID); err != nil {
		a.log.Error("Failed to delete room", "room", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// Presence and chat handlers

func (a *API) RoomUsersHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, a.registry.List(mux.Vars(r)["roomId"]))
}

func (a *API) RoomMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := a.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			errorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	jsonResponse(w, http.StatusOK, a.chat.List(mux.Vars(r)["roomId"], limit))
}

func (a *API) MessageCountHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	jsonResponse(w, http.StatusOK, map[string]any{
		"roomId":       roomID,
		"messageCount": a.chat.Count(roomID),
	})
}

// Document handlers

func (a *API) RoomStrokesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	strokes, err := a.database.ListStrokeOperations(r.Context(), roomID)
	if err != nil {
		a.log.Error("Failed to list strokes", "room", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list strokes")
		return
	}
	if strokes == nil {
		strokes = []db.StrokeOperation{}
	}

	jsonResponse(w, http.StatusOK, strokes)
}

// LatestTextHandler always answers with exists/content so clients can load
// an empty document without special casing.
func (a *API) LatestTextHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	empty := json.RawMessage(`{}`)

	snap, err := a.database.LatestTextSnapshot(r.Context(), roomID)
	if err != nil {
		a.log.Error("Failed to load text snapshot", "room", roomID, "error", err)
		jsonResponse(w, http.StatusInternalServerError, map[string]any{
			"exists":  false,
			"content": empty,
			"error":   err.Error(),
		})
		return
	}

	if snap == nil {
		jsonResponse(w, http.StatusOK, map[string]any{"exists": false, "content": empty})
		return
	}

	content := snap.Payload
	if len(content) == 0 || string(content) == "null" {
		content = empty
	}
	jsonResponse(w, http.StatusOK, map[string]any{"exists": true, "content": content})
}

// CORS allows browser clients from any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
