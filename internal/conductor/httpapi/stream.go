package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"symphony/internal/wire"
	"symphony/pkg/model"
)

const snapshotStreamInterval = 2 * time.Second

// logStreamFrame matches §6's "{entries: [LogEntry...], error?}" contract.
type logStreamFrame struct {
	Entries []model.LogEntry `json:"entries"`
	Error   string           `json:"error,omitempty"`
}

// streamLogs asks the deployment's assigned node to start forwarding log
// entries, then relays them to the client as newline-delimited JSON
// frames until the request context is cancelled. Supports `tail=N`
// backfill via the subscribe request.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if d.AssignedNodeID == "" {
		writeError(w, http.StatusConflict, "deployment is not currently assigned to a node")
		return
	}

	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	subscriberID := "http-" + id + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	sender := s.registry.Sender(d.AssignedNodeID)
	if sender == nil {
		writeError(w, http.StatusConflict, "assigned node is not currently connected")
		return
	}
	subEnv, err := wire.NewEnvelope(wire.KindLogSubscribe, wire.LogSubscribe{
		DeploymentID: id,
		SubscriberID: subscriberID,
		Tail:         tail,
	})
	if err == nil {
		_ = sender.Send(subEnv)
	}
	defer func() {
		if unsubEnv, err := wire.NewEnvelope(wire.KindLogUnsubscribe, wire.LogUnsubscribe{
			DeploymentID: id,
			SubscriberID: subscriberID,
		}); err == nil {
			if sender := s.registry.Sender(d.AssignedNodeID); sender != nil {
				_ = sender.Send(unsubEnv)
			}
		}
	}()

	ch, unsubscribe := s.logs.Subscribe(id)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(logStreamFrame{Entries: []model.LogEntry{line.Entry}}); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// fleetSnapshot is one frame of the §6 snapshot stream: the node
// registry plus every deployment record the store lists (tombstoned
// records still awaiting purge included), refreshed on an interval.
type fleetSnapshot struct {
	Nodes       []model.Node        `json:"nodes"`
	Deployments []*model.Deployment `json:"deployments"`
}

// streamSnapshot periodically emits the fleet's current state as
// newline-delimited JSON until the client disconnects.
func (s *Server) streamSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)

	ticker := time.NewTicker(snapshotStreamInterval)
	defer ticker.Stop()

	emit := func() bool {
		deployments, err := s.store.List(r.Context(), 0, 0)
		if err != nil {
			return true
		}
		snap := fleetSnapshot{Nodes: s.registry.Snapshot(), Deployments: deployments}
		if err := enc.Encode(snap); err != nil {
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}
