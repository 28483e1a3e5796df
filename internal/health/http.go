package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler serves /health, /health/ready and /health/live.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.get(h.detailed))
	mux.HandleFunc("/health/ready", h.get(h.ready))
	mux.HandleFunc("/health/live", h.get(h.live))
}

type view func(r *http.Request) (int, interface{})

func (h *HTTPHandler) get(p view) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.write(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		code, body := p(r)
		h.write(w, code, body)
	}
}

func (h *HTTPHandler) detailed(r *http.Request) (int, interface{}) {
	d := h.manager.GetDetailedHealth(r.Context())
	if d.Overall.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable, d
	}
	return http.StatusOK, d
}

func (h *HTTPHandler) ready(r *http.Request) (int, interface{}) {
	ready := h.manager.IsReady(r.Context())
	code, status := http.StatusOK, "ready"
	if !ready {
		code, status = http.StatusServiceUnavailable, "not ready"
	}
	return code, map[string]interface{}{"status": status, "ready": ready, "timestamp": time.Now().Unix()}
}

func (h *HTTPHandler) live(r *http.Request) (int, interface{}) {
	return http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"live":      h.manager.IsLive(r.Context()),
		"timestamp": time.Now().Unix(),
	}
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// StartHealthServer serves the health routes on port in the background.
func StartHealthServer(manager *Manager, port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	NewHTTPHandler(manager, logger).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		logger.Info("Starting health check server", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed", zap.Error(err))
		}
	}()
	return server
}
