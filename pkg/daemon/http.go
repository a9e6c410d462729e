package daemon

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/storage"
	"github.com/cuemby/herd/pkg/types"
)

func (d *Daemon) routes() {
	d.mux.Handle("/metrics", metrics.Handler())
	d.mux.HandleFunc("/health", metrics.HealthHandler())
	d.mux.HandleFunc("/ready", metrics.ReadyHandler())
	d.mux.HandleFunc("/live", metrics.LivenessHandler())

	d.mux.HandleFunc("/v1/events", d.eventsHandler)
	d.mux.HandleFunc("/v1/leadership", d.leadershipHandler)
	d.mux.HandleFunc("/v1/status", d.statusHandler)
}

// EventRequest is the body of POST /v1/events
type EventRequest struct {
	Kind          events.Kind  `json:"kind"`
	Relation      string       `json:"relation,omitempty"`
	Endpoint      string       `json:"endpoint,omitempty"`
	RemoteApp     string       `json:"remote_app,omitempty"`
	RemoteUnit    types.PeerID `json:"remote_unit,omitempty"`
	DepartingUnit types.PeerID `json:"departing_unit,omitempty"`
}

// EventResponse acknowledges a queued event
type EventResponse struct {
	ID string `json:"id"`
}

// LeadershipRequest is the body of PUT /v1/leadership
type LeadershipRequest struct {
	Leader bool `json:"leader"`
}

// StatusResponse is the body of GET /v1/status
type StatusResponse struct {
	Status          string              `json:"status"`
	Leader          bool                `json:"leader"`
	State           *types.ClusterState `json:"state,omitempty"`
	PendingRemovals []string            `json:"pending_removals,omitempty"`
}

func (d *Daemon) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ev := events.New(req.Kind)
	ev.Relation = req.Relation
	ev.Endpoint = req.Endpoint
	ev.RemoteApp = req.RemoteApp
	ev.RemoteUnit = req.RemoteUnit
	ev.DepartingUnit = req.DepartingUnit

	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := d.Publish(ev); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, EventResponse{ID: ev.ID})
}

// leadershipHandler records the leadership decided by the host runtime.
// Gaining leadership queues a leader-elected event.
func (d *Daemon) leadershipHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LeadershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	was := d.leader.Set(req.Leader)
	metrics.UnitLeader.Set(metrics.BoolGauge(req.Leader))
	if req.Leader && !was {
		d.logger.Info().Msg("Gained leadership")
		if err := d.Publish(events.New(events.LeaderElected)); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	} else if !req.Leader && was {
		d.logger.Info().Msg("Lost leadership")
	}

	writeJSON(w, http.StatusOK, LeadershipRequest{Leader: req.Leader})
}

func (d *Daemon) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	resp := StatusResponse{Leader: d.leader.IsLeader()}

	status, err := d.coordinator.Status(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		resp.Status = types.UnitStatus{}.String()
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	default:
		resp.Status = status.String()
	}

	state, err := d.coordinator.State(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.State = state

	if resp.PendingRemovals, err = d.coordinator.PendingRemovals(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
