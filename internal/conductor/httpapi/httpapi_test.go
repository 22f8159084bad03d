package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"symphony/internal/conductor/capacity"
	"symphony/internal/conductor/eventbus"
	"symphony/internal/conductor/registry"
	"symphony/internal/conductor/store"
	"symphony/pkg/model"
)

func newTestServer() http.Handler {
	nowMs := func() int64 { return 1000 }
	return New(store.NewMemStore(nowMs), registry.New(zap.NewNop()), capacity.New(), eventbus.New(), zap.NewNop(), nowMs)
}

func TestCreateDeployment_RejectsMissingName(t *testing.T) {
	h := newTestServer()
	body, _ := json.Marshal(deploymentCreateRequest{Kind: model.KindExec})
	req := httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rec.Code)
	}
}

func TestCreateThenGetDeployment(t *testing.T) {
	h := newTestServer()
	body, _ := json.Marshal(deploymentCreateRequest{
		Name: "web",
		Kind: model.KindExec,
		Specification: model.Specification{
			Command: []string{"/bin/true"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created model.Deployment
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created deployment: %v", err)
	}
	if created.DesiredState != model.DesiredRunning {
		t.Fatalf("expected default desired state RUNNING, got %q", created.DesiredState)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/deployments/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getRec.Code)
	}
}

func TestGetDeployment_NotFound(t *testing.T) {
	h := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/deployments/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateDeployment_DuplicateNameConflicts(t *testing.T) {
	h := newTestServer()
	body, _ := json.Marshal(deploymentCreateRequest{Name: "dup", Kind: model.KindExec})

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body)))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected first create to succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body)))
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate name, got %d", second.Code)
	}
}

func TestDeleteDeployment_ThenGetNotFound(t *testing.T) {
	h := newTestServer()
	body, _ := json.Marshal(deploymentCreateRequest{Name: "to-delete", Kind: model.KindExec})
	createRec := httptest.NewRecorder()
	h.ServeHTTP(createRec, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body)))
	var created model.Deployment
	json.Unmarshal(createRec.Body.Bytes(), &created)

	delRec := httptest.NewRecorder()
	h.ServeHTTP(delRec, httptest.NewRequest(http.MethodDelete, "/deployments/"+created.ID, nil))
	if delRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on delete, got %d", delRec.Code)
	}

	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/deployments/"+created.ID, nil))
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", getRec.Code)
	}
}

func TestStreamLogs_RejectsUnassignedDeployment(t *testing.T) {
	h := newTestServer()
	body, _ := json.Marshal(deploymentCreateRequest{Name: "unassigned", Kind: model.KindExec})
	createRec := httptest.NewRecorder()
	h.ServeHTTP(createRec, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body)))
	var created model.Deployment
	json.Unmarshal(createRec.Body.Bytes(), &created)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/"+created.ID+"/logs", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a deployment with no assigned node, got %d", rec.Code)
	}
}

func TestListNodes_EmptyRegistry(t *testing.T) {
	h := newTestServer()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var nodes []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected empty node list, got %d", len(nodes))
	}
}
