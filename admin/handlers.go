package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/replicatord/replicatord/sink"
	"github.com/replicatord/replicatord/state"
	"github.com/rs/zerolog/log"
)

const syncTimeout = 10 * time.Second

// StateProvider is the part of the replication state the API exposes
type StateProvider interface {
	Snapshot() state.Status
	Persist(ctx context.Context) error
}

// QueueProvider reports the delivery queue depth
type QueueProvider interface {
	Len() int
	Cap() int
}

// Handlers serves the replication status API
type Handlers struct {
	state   StateProvider
	queue   QueueProvider
	metrics http.Handler
}

// NewHandlers creates the API handlers. metrics may be nil when prometheus
// is disabled.
func NewHandlers(st StateProvider, queue QueueProvider, metrics http.Handler) *Handlers {
	return &Handlers{state: st, queue: queue, metrics: metrics}
}

type statusResponse struct {
	state.Status
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.state.Snapshot()}
	if h.queue != nil {
		resp.QueueDepth = h.queue.Len()
		resp.QueueCapacity = h.queue.Cap()
	}
	writeJSONResponse(w, resp)
}

// handleSync forces a binlog position commit to the sink
func (h *Handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
	defer cancel()

	err := h.state.Persist(ctx)
	switch {
	case err == nil:
	case errors.Is(err, sink.ErrNotConnected), errors.Is(err, state.ErrNoHooks):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeErrorResponse(w, http.StatusGatewayTimeout, "sync timed out")
		return
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	st := h.state.Snapshot()
	log.Info().Str("committed", st.Committed).Msg("Forced position commit")
	writeJSONResponse(w, map[string]interface{}{
		"committed": st.Committed,
	})
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeErrorResponse(w, http.StatusNotFound, "prometheus is disabled")
		return
	}
	h.metrics.ServeHTTP(w, r)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.state.Snapshot()
	if st.Connections == 0 {
		writeErrorResponse(w, http.StatusServiceUnavailable, "sink is not connected")
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"status": "ok",
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
