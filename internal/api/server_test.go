package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/copilfi/copil/internal/chain"
	"github.com/copilfi/copil/internal/dispatch"
	"github.com/copilfi/copil/internal/execution"
	"github.com/copilfi/copil/internal/signing"
	"github.com/copilfi/copil/internal/workflow"
)

type noopEvaluator struct{}

func (noopEvaluator) Evaluate(context.Context, *workflow.Workflow) (bool, map[string]any, error) {
	return false, nil, nil
}

type recordingProducer struct {
	published []string
}

func (p *recordingProducer) Publish(_ context.Context, workflowID string) error {
	p.published = append(p.published, workflowID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type healthStub struct {
	statuses []chain.Health
}

func (h *healthStub) HealthCheck(context.Context) []chain.Health {
	return h.statuses
}

func newTestServer(t *testing.T) (*Server, workflow.Store, *recordingProducer) {
	t.Helper()
	workflows := workflow.NewMemoryStore()
	executions := execution.NewMemoryStore()
	producer := &recordingProducer{}
	dispatcher := dispatch.NewDispatcher(workflows, noopEvaluator{}, producer, time.Second, 10)

	vault, err := signing.NewLocalVault("2b7e151628aed2a6abf7158809cf4f3c2b7e151628aed2a6abf7158809cf4f3c")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	sessions := signing.NewResolver(signing.NewMemoryStore(), vault)

	srv := NewServer(":0", workflows, executions, dispatcher, sessions, nil)
	return srv, workflows, producer
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateWorkflow(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/v1/workflows", map[string]any{
		"user_id":      "u1",
		"name":         "dca",
		"trigger_type": "schedule",
		"trigger_config": map[string]any{
			"interval_seconds": 3600,
			"recurring":        true,
		},
		"nodes": []map[string]any{
			{"id": "buy", "type": "swap", "config": map[string]any{"from_token": "USDC"}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created workflow.Workflow
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated workflow ID")
	}
	if created.State != workflow.StatusPending || !created.IsActive {
		t.Fatalf("unexpected initial state: %s active=%v", created.State, created.IsActive)
	}

	if _, err := workflows.Get(context.Background(), created.ID); err != nil {
		t.Fatalf("workflow not persisted: %v", err)
	}
}

func TestCreateWorkflowRejectsInvalidGraph(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	// 边指向不存在的节点。
	rec := postJSON(t, handler, "/api/v1/workflows", map[string]any{
		"user_id":      "u1",
		"name":         "broken",
		"trigger_type": "manual",
		"nodes": []map[string]any{
			{"id": "a", "type": "condition"},
		},
		"edges": []map[string]any{
			{"source": "a", "target": "ghost"},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["code"] != string(workflow.CodeWorkflowStructure) {
		t.Fatalf("unexpected error code: %v", body["code"])
	}
}

func TestCreateWorkflowRequiresUserAndName(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/api/v1/workflows", map[string]any{"name": "no user"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestExecuteWorkflow(t *testing.T) {
	srv, workflows, producer := newTestServer(t)
	handler := srv.Handler()

	wf := &workflow.Workflow{
		ID:          "wf1",
		UserID:      "u1",
		Name:        "manual",
		IsActive:    true,
		TriggerType: workflow.TriggerManual,
		State:       workflow.StatusActive,
		Nodes:       []workflow.Node{{ID: "n1", Type: "condition"}},
	}
	if err := workflows.Create(context.Background(), wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := postJSON(t, handler, "/api/v1/workflows/wf1/execute", map[string]any{})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(producer.published) != 1 || producer.published[0] != "wf1" {
		t.Fatalf("expected wf1 queued, got %v", producer.published)
	}

	// 同一工作流在途时再次执行返回冲突。
	rec = postJSON(t, handler, "/api/v1/workflows/wf1/execute", map[string]any{})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, handler, "/api/v1/workflows/ghost/execute", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListWorkflowsRequiresUserID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSessionKeyLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/v1/session-keys", map[string]any{
		"user_id":     "u1",
		"ttl_seconds": 3600,
		"description": "trading key",
		"permissions": map[string]any{
			"allowed_targets": []string{"0x00000000000000000000000000000000000000cc"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var grant signing.Grant
	if err := json.Unmarshal(rec.Body.Bytes(), &grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if grant.ID == "" || grant.PublicAddress == "" {
		t.Fatalf("incomplete grant: %+v", grant)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session-keys?user_id=u1", nil)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}
	var grants []signing.Grant
	if err := json.Unmarshal(listRec.Body.Bytes(), &grants); err != nil {
		t.Fatalf("decode grants: %v", err)
	}
	if len(grants) != 1 || grants[0].ID != grant.ID {
		t.Fatalf("unexpected grants: %+v", grants)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/session-keys/"+grant.ID, nil)
	delRec := httptest.NewRecorder()
	handler.ServeHTTP(delRec, req)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}

	listRec = httptest.NewRecorder()
	handler.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/v1/session-keys?user_id=u1", nil))
	grants = nil
	if err := json.Unmarshal(listRec.Body.Bytes(), &grants); err != nil {
		t.Fatalf("decode grants: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("revoked grant still listed: %+v", grants)
	}
}

func TestHealthEndpoint(t *testing.T) {
	workflows := workflow.NewMemoryStore()
	executions := execution.NewMemoryStore()

	srv := NewServer(":0", workflows, executions, nil, nil, &healthStub{
		statuses: []chain.Health{{Provider: "onebalance", Healthy: true}},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// 所有服务商都不可用时返回 503。
	srv = NewServer(":0", workflows, executions, nil, nil, &healthStub{
		statuses: []chain.Health{{Provider: "onebalance", Healthy: false, Error: "timeout"}},
	})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Fatalf("unexpected status: %v", body["status"])
	}
}
