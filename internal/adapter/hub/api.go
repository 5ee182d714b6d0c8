package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"

	"agentbridge/internal/domain"
)

// Metrics counts hub traffic for the /metrics endpoint.
type Metrics struct {
	DirectDelivered   atomic.Int64
	DirectUndelivered atomic.Int64
	Broadcasts        atomic.Int64
	Registrations     atomic.Int64
	Evictions         atomic.Int64
	FramesRejected    atomic.Int64
}

// Metrics returns the hub's counters.
func (s *Server) Metrics() *Metrics { return &s.metrics }

// handleStatus serves GET /api/v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	WriteJSON(w, http.StatusOK, s.StatusSnapshot())
}

// handleMetrics serves GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	snap := s.StatusSnapshot()
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, v)
	}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}

	gauge("agentbridge_connections_active", "Registered agent connections.", snap.ActiveConnections)
	gauge("agentbridge_uptime_seconds", "Seconds since the hub started.", snap.UptimeSeconds)
	counter("agentbridge_direct_delivered_total", "Direct messages handed to a recipient.", s.metrics.DirectDelivered.Load())
	counter("agentbridge_direct_undelivered_total", "Direct messages with no reachable recipient.", s.metrics.DirectUndelivered.Load())
	counter("agentbridge_broadcasts_total", "Broadcast messages relayed.", s.metrics.Broadcasts.Load())
	counter("agentbridge_registrations_total", "Successful registrations.", s.metrics.Registrations.Load())
	counter("agentbridge_evictions_total", "Connections removed for send failure or liveness timeout.", s.metrics.Evictions.Load())
	counter("agentbridge_frames_rejected_total", "Inbound frames rejected by validation or rate limiting.", s.metrics.FramesRejected.Load())
	gauge("go_goroutines", "Number of goroutines.", snap.Goroutines)
	gauge("go_memstats_heap_alloc_bytes", "Heap bytes allocated and in use.", snap.MemoryBytes)
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pidOf() int { return os.Getpid() }

func goroutines() int { return runtime.NumGoroutine() }

func memoryEstimate() uint64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.HeapAlloc
}

// Executor runs one orchestrator operation.
type Executor func(ctx context.Context, req domain.OperationRequest) (domain.OperationResult, error)

// apiError is the JSON body of a failed API call.
type apiError struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// HandleOperations returns the POST /api/v1/operations handler.
func (s *Server) HandleOperations(exec Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req domain.OperationRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageBytes+4096)).Decode(&req); err != nil {
			WriteJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body: " + err.Error(), Code: domain.CodeInvalidInput})
			return
		}
		res, err := exec(r.Context(), req)
		if err != nil {
			WriteJSON(w, httpStatusOf(err), apiError{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleUsage returns the GET /api/v1/usage handler.
func (s *Server) HandleUsage(report func(ctx context.Context) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		v, err := report(r.Context())
		if err != nil {
			WriteJSON(w, httpStatusOf(err), apiError{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
			return
		}
		WriteJSON(w, http.StatusOK, v)
	}
}

func httpStatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoLocalHandler):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRemoteTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrRecipientNotFound), errors.Is(err, domain.ErrRemoteDispatch):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrUsageStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
