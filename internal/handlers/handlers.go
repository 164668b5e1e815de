package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"gator-threads/internal/api"
	"gator-threads/internal/engine"
	"gator-threads/internal/logging"
	"gator-threads/internal/middleware"
	"gator-threads/internal/utils"
	"gator-threads/internal/websocket"
)

// Server holds all server dependencies
type Server struct {
	Engines     *engine.Registry
	Hub         *websocket.Hub
	Auth        *middleware.Authenticator
	CORS        *middleware.CORSConfig
	Metrics     *utils.MetricsCollector
	BackendKind string
	log         *slog.Logger
}

// NewServer creates a new Server instance with the given components
func NewServer(
	engines *engine.Registry,
	hub *websocket.Hub,
	auth *middleware.Authenticator,
	cors *middleware.CORSConfig,
	metrics *utils.MetricsCollector,
	backendKind string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if cors == nil {
		cors = middleware.DefaultCORSConfig(nil)
	}
	return &Server{
		Engines:     engines,
		Hub:         hub,
		Auth:        auth,
		CORS:        cors,
		Metrics:     metrics,
		BackendKind: backendKind,
		log:         logger,
	}
}

// Routes registers every endpoint and wraps them in the auth and CORS
// middleware.
func (s *Server) Routes(metricsEnabled bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HandleHealth())
	if metricsEnabled {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}

	mux.HandleFunc("GET /threads/{threadID}", s.HandleForest())
	mux.HandleFunc("POST /threads/{threadID}/pages", s.HandleNextPage())
	mux.HandleFunc("POST /threads/{threadID}/refresh", s.HandleRefresh())
	mux.HandleFunc("GET /threads/{threadID}/pending", s.HandlePending())
	mux.HandleFunc("GET /threads/{threadID}/mutations/{correlationID}", s.HandleAwait())

	mux.HandleFunc("POST /threads/{threadID}/nodes", s.HandleCreate())
	mux.HandleFunc("POST /threads/{threadID}/nodes/{nodeID}/replies", s.HandleReply())
	mux.HandleFunc("POST /threads/{threadID}/nodes/{nodeID}/like", s.HandleLike())
	mux.HandleFunc("POST /threads/{threadID}/nodes/{nodeID}/vote", s.HandleVote())
	mux.HandleFunc("PUT /threads/{threadID}/nodes/{nodeID}", s.HandleEdit())
	mux.HandleFunc("DELETE /threads/{threadID}/nodes/{nodeID}", s.HandleDelete())

	mux.HandleFunc("GET /threads/{threadID}/ws", s.HandleWebSocket())

	return middleware.CORSMiddleware(s.CORS)(s.Auth.Middleware(mux))
}

// engineFor returns the engine of the viewer the request was made by.
func (s *Server) engineFor(r *http.Request) *engine.Engine {
	return s.Engines.For(middleware.ViewerIDFromContext(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *utils.AppError
	if !errors.As(err, &appErr) {
		appErr = utils.NewAppError("INTERNAL", "internal error", err)
	}
	status := utils.AppErrorToHTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		s.Metrics.IncrementErrors()
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.log.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, api.ErrorResponse{Code: appErr.Code, Message: appErr.Message})
}

// decode reads a JSON body into v, turning malformed input into a
// validation error.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return utils.NewValidationError("invalid request body: %v", err)
	}
	return nil
}
