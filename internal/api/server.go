package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ridehail/internal/session"
	"ridehail/internal/websocket"
	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// ConnectionStats is the registry view the health check reports.
type ConnectionStats interface {
	GetStats() websocket.Stats
}

// SessionStats is the session manager view the health check reports.
type SessionStats interface {
	GetStats() session.Stats
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	store       interfaces.TripStore
	identity    interfaces.Identity
	connections ConnectionStats
	sessions    SessionStats
	router      *mux.Router
	logger      *zap.Logger
}

type HealthResponse struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Database    string          `json:"database"`
	Connections websocket.Stats `json:"connections"`
	Sessions    session.Stats   `json:"sessions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewServer builds the HTTP surface. ws serves WebSocket upgrades and may be
// nil in tests that only exercise the REST routes.
func NewServer(store interfaces.TripStore, identity interfaces.Identity, connections ConnectionStats, sessions SessionStats, ws http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		store:       store,
		identity:    identity,
		connections: connections,
		sessions:    sessions,
		router:      mux.NewRouter(),
		logger:      logger.Named("api"),
	}

	s.setupRoutes(ws)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS and JSON middleware wrap the REST routes only; the upgrade path writes its own response.
func (s *Server) setupRoutes(ws http.Handler) {
	s.router.Use(s.loggingMiddleware)

	if ws != nil {
		s.router.Handle("/ws", ws).Methods(http.MethodGet)
		// Path kept for clients of the original deployment.
		s.router.Handle("/taxi/", ws).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.corsMiddleware, s.jsonMiddleware)
	api.HandleFunc("/trips", s.listTrips).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/trips/{id}", s.getTrip).Methods(http.MethodGet, http.MethodOptions)

	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))).
		Methods(http.MethodGet, http.MethodOptions)
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// GET /api/trips - every trip the caller is party to, newest first
func (s *Server) listTrips(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	trips, err := s.store.ListTripsFor(r.Context(), principal.UserID, principal.Role)
	if err != nil {
		s.logger.Error("failed to list trips", zap.String("user_id", principal.UserID), zap.Error(err))
		s.sendError(w, "Failed to list trips", http.StatusInternalServerError)
		return
	}

	out := make([]json.RawMessage, 0, len(trips))
	for _, trip := range trips {
		data, err := types.FlatTrip(trip)
		if err != nil {
			s.sendError(w, "Failed to serialize trips", http.StatusInternalServerError)
			return
		}
		out = append(out, data)
	}

	s.sendJSON(w, http.StatusOK, out)
}

// GET /api/trips/{id}
// FUNCTIONAL DISCOVERY: Trips the caller is not party to answer 404, the
// same as unknown ids, so trip ids cannot be probed.
func (s *Server) getTrip(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	trip, err := s.store.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, types.ErrTripNotFound) {
			s.sendError(w, "Trip not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to get trip", zap.Error(err))
		s.sendError(w, "Failed to get trip", http.StatusInternalServerError)
		return
	}

	if !isParticipant(trip, principal) {
		s.sendError(w, "Trip not found", http.StatusNotFound)
		return
	}

	data, err := types.FlatTrip(trip)
	if err != nil {
		s.sendError(w, "Failed to serialize trip", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, data)
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Database:    "healthy",
		Connections: s.connections.GetStats(),
		Sessions:    s.sessions.GetStats(),
	}

	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = "error: " + err.Error()
		code = http.StatusServiceUnavailable
	}

	s.sendJSON(w, code, response)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (types.Principal, bool) {
	principal, err := s.identity.Resolve(r.Context(), r)
	if err != nil {
		s.logger.Error("identity resolution failed", zap.Error(err))
		s.sendError(w, "Identity unavailable", http.StatusInternalServerError)
		return types.Principal{}, false
	}
	if principal.Anonymous() {
		s.sendError(w, "Authentication required", http.StatusUnauthorized)
		return types.Principal{}, false
	}
	return principal, true
}

func isParticipant(trip *types.Trip, principal types.Principal) bool {
	if trip.RiderID == principal.UserID {
		return true
	}
	return trip.DriverID != nil && *trip.DriverID == principal.UserID
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// Allows all origins; tokens travel in the Authorization header, not cookies.
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

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
