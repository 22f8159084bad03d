// Package httpapi implements the conductor's external control surface:
// CRUD on deployments, the node registry snapshot, and the
// per-deployment log and fleet-snapshot streams. Routing follows
// go-chi/chi.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"symphony/internal/conductor/capacity"
	"symphony/internal/conductor/eventbus"
	"symphony/internal/conductor/metrics"
	"symphony/internal/conductor/registry"
	"symphony/internal/conductor/store"
	"symphony/pkg/model"
)

// Server exposes the conductor's control surface over HTTP.
type Server struct {
	store    store.Store
	registry *registry.Registry
	ledger   *capacity.Ledger
	logs     *eventbus.Bus
	log      *zap.Logger
	nowMs    func() int64
}

// New wires a Server to the conductor's shared components and returns its
// chi.Router, ready to mount on an http.Server.
func New(st store.Store, reg *registry.Registry, ledger *capacity.Ledger, logs *eventbus.Bus, log *zap.Logger, nowMs func() int64) http.Handler {
	s := &Server{store: st, registry: reg, ledger: ledger, logs: logs, log: log, nowMs: nowMs}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/deployments", func(r chi.Router) {
		r.Post("/", s.createDeployment)
		r.Get("/", s.listDeployments)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getDeployment)
			r.Patch("/", s.patchDeployment)
			r.Delete("/", s.deleteDeployment)
			r.Get("/logs", s.streamLogs)
		})
	})

	r.Get("/nodes", s.listNodes)
	r.Get("/stream", s.streamSnapshot)
	r.Handle("/metrics", metrics.Handler())

	return r
}

type deploymentCreateRequest struct {
	Name             string              `json:"name"`
	Kind             model.Kind          `json:"kind"`
	NodeGroup        string              `json:"node_group"`
	CapacityRequests model.Capacity      `json:"capacity_requests"`
	Specification    model.Specification `json:"specification"`
	DesiredState     model.DesiredState  `json:"desired_state"`
}

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req deploymentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	desired := req.DesiredState
	if desired == "" {
		desired = model.DesiredRunning
	}

	d := &model.Deployment{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Kind:             req.Kind,
		NodeGroup:        req.NodeGroup,
		CapacityRequests: req.CapacityRequests,
		Specification:    req.Specification,
		DesiredState:     desired,
	}
	if err := s.store.Create(r.Context(), d); err != nil {
		if err == store.ErrNameConflict {
			writeError(w, http.StatusConflict, "a deployment with this name already exists")
			return
		}
		s.log.Error("httpapi: create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	deployments, err := s.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && d.Deleted {
		err = store.ErrNotFound
	}
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) patchDeployment(w http.ResponseWriter, r *http.Request) {
	var patch model.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := s.store.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		switch err {
		case store.ErrNotFound:
			writeError(w, http.StatusNotFound, "deployment not found")
		case store.ErrNameConflict:
			writeError(w, http.StatusConflict, "a deployment with this name already exists")
		default:
			s.log.Error("httpapi: patch failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "patch failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	type nodeView struct {
		model.Node
		Available model.Capacity `json:"available"`
		Reserved  model.Capacity `json:"reserved"`
	}
	snapshot := s.registry.Snapshot()
	out := make([]nodeView, 0, len(snapshot))
	for _, n := range snapshot {
		v := nodeView{Node: n}
		v.Available, _ = s.ledger.Available(n.NodeID)
		v.Reserved, _ = s.ledger.Reserved(n.NodeID)
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
