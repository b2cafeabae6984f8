package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/controller"
	"kc868-go-home/internal/inputs"
	"kc868-go-home/internal/sensors"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the firmware version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API of the board.
type Server struct {
	ctrl           *controller.Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts forwarding controller events
// to WebSocket clients.
func NewServer(ctrl *controller.Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = ctrl.Events().OnAll(func(event controller.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/relay", s.handleAPIRelay)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/schedules", s.handleAPIListSchedules)
	s.mux.HandleFunc("GET /api/schedules/{id}", s.handleAPIGetSchedule)
	s.mux.HandleFunc("PUT /api/schedules/{id}", s.handleAPIUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.handleAPIDeleteSchedule)
	s.mux.HandleFunc("POST /api/schedules/evaluate", s.handleAPIEvaluateSchedules)

	s.mux.HandleFunc("GET /api/analog-triggers", s.handleAPIListAnalogTriggers)
	s.mux.HandleFunc("GET /api/analog-triggers/{id}", s.handleAPIGetAnalogTrigger)
	s.mux.HandleFunc("PUT /api/analog-triggers/{id}", s.handleAPIUpdateAnalogTrigger)
	s.mux.HandleFunc("DELETE /api/analog-triggers/{id}", s.handleAPIDeleteAnalogTrigger)

	s.mux.HandleFunc("GET /api/interrupts", s.handleAPIListInterrupts)
	s.mux.HandleFunc("PUT /api/interrupts/{id}", s.handleAPIUpdateInterrupt)
	s.mux.HandleFunc("POST /api/interrupts/enable", s.handleAPIEnableInterrupts)

	s.mux.HandleFunc("GET /api/sensors", s.handleAPIListSensors)
	s.mux.HandleFunc("PUT /api/sensors/{id}", s.handleAPIUpdateSensor)

	s.mux.HandleFunc("GET /api/time", s.handleAPIGetTime)
	s.mux.HandleFunc("POST /api/time", s.handleAPISetTime)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers, so only /api/ is keyed.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// slot parses the {id} path value and checks it against [0, n). It writes a
// 404 and returns false when the slot does not exist.
func (s *Server) slot(w http.ResponseWriter, r *http.Request, n int) (int, bool) {
	i, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || i < 0 || i >= n {
		s.writeError(w, http.StatusNotFound, "slot not found")
		return 0, false
	}
	return i, true
}

// decode reads a JSON request body of at most 1 MiB.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeUpdateError maps a controller error onto a status code.
func (s *Server) writeUpdateError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrInvalid),
		errors.Is(err, inputs.ErrInvalid),
		errors.Is(err, sensors.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
