package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ordertrack/internal/db"
	"ordertrack/internal/protocol"
	"ordertrack/internal/relay"
)

type Server struct {
	Hub      *relay.Hub
	DB       *db.DB // nil if no database configured
	Registry *prometheus.Registry
	Log      *zap.Logger
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"rooms":  s.Hub.Rooms().Len(),
	}
	code := http.StatusOK
	if s.DB != nil {
		if err := s.DB.Ping(); err != nil {
			resp["status"] = "db_error"
			resp["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// handleRoom reports membership counts for one order. The current fix is
// never exposed here.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	orderID, err := protocol.ValidateOrderID(r.PathValue("orderId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, ok := s.Hub.Rooms().Get(orderID)
	if !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "Session history requires a database", http.StatusServiceUnavailable)
		return
	}
	orderID, err := protocol.ValidateOrderID(r.PathValue("orderId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := s.DB.SessionsForOrder(orderID, limit)
	if err != nil {
		s.Log.Error("SessionsForOrder failed", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Failed to load sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
