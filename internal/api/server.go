package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"beacons/internal/auth"
	"beacons/pkg/interfaces"
	"beacons/pkg/types"
)

const defaultActivityLimit = 20

// Stats is the slice of the occupancy manager the API needs.
type Stats interface {
	Stats() map[string]int
}

// Server is the REST surface: read-only occupancy snapshots plus the
// health check. All mutation happens over the WebSocket.
type Server struct {
	store    interfaces.OccupancyStore
	stats    Stats
	verifier *auth.Verifier
	logger   zerolog.Logger
	router   *http.ServeMux
}

// NewServer creates the API server and wires its routes.
func NewServer(store interfaces.OccupancyStore, stats Stats, verifier *auth.Verifier, logger zerolog.Logger) *Server {
	s := &Server{
		store:    store,
		stats:    stats,
		verifier: verifier,
		logger:   logger.With().Str("component", "api").Logger(),
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/occupancy/rooms", s.wrap(s.authMiddleware(http.HandlerFunc(s.listRooms))))
	s.router.Handle("/occupancy/buildings", s.wrap(s.authMiddleware(http.HandlerFunc(s.listBuildings))))
	s.router.Handle("/occupancy/room/", s.wrap(s.authMiddleware(http.HandlerFunc(s.getRoom))))
	s.router.Handle("/occupancy/activity/", s.wrap(s.authMiddleware(http.HandlerFunc(s.roomActivity))))
	s.router.Handle("/health", s.wrap(http.HandlerFunc(s.healthCheck)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response types.

type RoomsResponse struct {
	Rooms []*types.RoomCount `json:"rooms"`
}

type BuildingsResponse struct {
	Buildings map[string]int `json:"buildings"`
}

type RoomResponse struct {
	RoomName      string           `json:"room_name"`
	OccupantCount int              `json:"occupant_count"`
	Occupants     []*types.CheckIn `json:"occupants"`
}

type ActivityResponse struct {
	RoomName string        `json:"room_name"`
	Events   []types.Event `json:"events"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /occupancy/rooms - rooms that currently have occupants.
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := s.store.ListRoomCounts(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list room counts")
		s.sendError(w, "Failed to list rooms", http.StatusInternalServerError)
		return
	}

	occupied := make([]*types.RoomCount, 0, len(counts))
	for _, rc := range counts {
		if rc.OccupantCount > 0 {
			occupied = append(occupied, rc)
		}
	}

	s.sendJSON(w, RoomsResponse{Rooms: occupied})
}

// GET /occupancy/buildings - occupant totals grouped by building. The
// building is the first word of the room name.
func (s *Server) listBuildings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := s.store.ListRoomCounts(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list room counts")
		s.sendError(w, "Failed to list buildings", http.StatusInternalServerError)
		return
	}

	buildings := make(map[string]int)
	for _, rc := range counts {
		if rc.OccupantCount > 0 {
			buildings[types.BuildingOf(rc.RoomName)] += rc.OccupantCount
		}
	}

	s.sendJSON(w, BuildingsResponse{Buildings: buildings})
}

// GET /occupancy/room/{name} - one room's count and current occupants.
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomName, ok := s.roomFromPath(w, r, "/occupancy/room/")
	if !ok {
		return
	}

	count := 0
	rc, err := s.store.GetRoomCount(r.Context(), roomName)
	if err == nil {
		count = rc.OccupantCount
	} else if !errors.Is(err, interfaces.ErrRoomNotFound) {
		s.logger.Error().Err(err).Str("room", roomName).Msg("failed to get room count")
		s.sendError(w, "Failed to get room", http.StatusInternalServerError)
		return
	}

	checkIns, err := s.store.ListActiveCheckIns(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomName).Msg("failed to list check-ins")
		s.sendError(w, "Failed to get room", http.StatusInternalServerError)
		return
	}

	// Rows the sweeper has not flipped yet are still active in the ledger;
	// don't report an occupant past their expiry time.
	now := time.Now()
	occupants := make([]*types.CheckIn, 0)
	for _, checkIn := range checkIns {
		if checkIn.RoomName == roomName && checkIn.ExpiryTime.After(now) {
			occupants = append(occupants, checkIn)
		}
	}

	s.sendJSON(w, RoomResponse{
		RoomName:      roomName,
		OccupantCount: count,
		Occupants:     occupants,
	})
}

// GET /occupancy/activity/{name}?limit=N - recent durable activity for
// one room, newest first.
func (s *Server) roomActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomName, ok := s.roomFromPath(w, r, "/occupancy/activity/")
	if !ok {
		return
	}

	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			s.sendError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	rows, err := s.store.ListRoomEvents(r.Context(), roomName, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomName).Msg("failed to list room activity")
		s.sendError(w, "Failed to get activity", http.StatusInternalServerError)
		return
	}

	events := make([]types.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, types.EventFromActivity(row))
	}

	s.sendJSON(w, ActivityResponse{RoomName: roomName, Events: events})
}

// GET /health - liveness plus database and registry status.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.stats.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.sendJSON(w, response)
}

// roomFromPath extracts and unescapes the room name path segment. Room
// names contain spaces, so clients percent-encode them.
func (s *Server) roomFromPath(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		s.sendError(w, "Room name required", http.StatusBadRequest)
		return "", false
	}

	roomName, err := url.PathUnescape(raw)
	if err != nil || !types.IsValidRoomName(roomName) {
		s.sendError(w, "Invalid room name", http.StatusBadRequest)
		return "", false
	}
	return roomName, true
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode error response")
	}
}

// authMiddleware requires a valid access_token cookie.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.verifier.VerifyRequest(r); err != nil {
			s.sendError(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wrap applies the CORS and JSON content-type middleware.
func (s *Server) wrap(next http.Handler) http.Handler {
	return s.corsMiddleware(s.jsonMiddleware(next))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(w, r)
	})
}
