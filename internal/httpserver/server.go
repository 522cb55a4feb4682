// Package httpserver exposes the worker's read-only operational endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/septivank/device-telemetry-worker/internal/db"
	"github.com/septivank/device-telemetry-worker/internal/repository"
	"github.com/septivank/device-telemetry-worker/internal/stats"
	"go.uber.org/zap"
)

// DeviceReader loads a single device.
type DeviceReader interface {
	GetDevice(ctx context.Context, id int64) (*db.Device, error)
}

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Server serves /healthz, /stats and /devices/{id}/status.
type Server struct {
	http       *http.Server
	devices    DeviceReader
	counters   *stats.Counters
	health     map[string]HealthFunc
	inactivity time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewServer builds the router. inactivity is the last-seen threshold of the
// active predicate.
func NewServer(port int, devices DeviceReader, counters *stats.Counters, health map[string]HealthFunc, inactivity time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		devices:    devices,
		counters:   counters,
		health:     health,
		inactivity: inactivity,
		now:        time.Now,
		logger:     logger.Named("http"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/devices/{id:[0-9]+}/status", s.handleDeviceStatus).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens in the background. Bind errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.health))}
	code := http.StatusOK
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.counters.Snapshot())
}

type deviceStatusResponse struct {
	DeviceID int64      `json:"device_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen"`
	Active   bool       `json:"active"`
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.devices.GetDevice(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load device", zap.Int64("device_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}

	resp := deviceStatusResponse{
		DeviceID: device.ID,
		Status:   string(device.Status),
		Active:   device.IsActive(s.now(), s.inactivity),
	}
	if !device.LastSeen.IsZero() {
		lastSeen := device.LastSeen
		resp.LastSeen = &lastSeen
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
