// Package api 暴露工作流与会话密钥的 REST 接口。
package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/copilfi/copil/internal/chain"
	"github.com/copilfi/copil/internal/dispatch"
	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/internal/execution"
	"github.com/copilfi/copil/internal/signing"
	"github.com/copilfi/copil/internal/workflow"
	"github.com/copilfi/copil/pkg/logger"
)

// SessionKeyService 是 API 需要的会话密钥管理能力。
type SessionKeyService interface {
	CreateSessionKey(ctx context.Context, userID string, permissions signing.Permissions, ttl time.Duration, description string) (*signing.Grant, error)
	ListActive(ctx context.Context, userID string) ([]*signing.Grant, error)
	Revoke(ctx context.Context, grantID string) error
}

// HealthChecker 汇报各链上服务商的可用性。
type HealthChecker interface {
	HealthCheck(ctx context.Context) []chain.Health
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr       string
	workflows  workflow.Store
	executions execution.Store
	dispatcher *dispatch.Dispatcher
	sessions   SessionKeyService
	health     HealthChecker
	registrar  chain.Registrar
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithRegistrar 启用创建工作流时的链上注册。
func WithRegistrar(registrar chain.Registrar) ServerOption {
	return func(s *Server) {
		s.registrar = registrar
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, workflows workflow.Store, executions execution.Store,
	dispatcher *dispatch.Dispatcher, sessions SessionKeyService, health HealthChecker, opts ...ServerOption) *Server {
	s := &Server{
		addr:       addr,
		workflows:  workflows,
		executions: executions,
		dispatcher: dispatcher,
		sessions:   sessions,
		health:     health,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回路由后的 HTTP 处理器，测试也从这里进入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/execute", s.handleExecuteWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("POST /api/v1/session-keys", s.handleCreateSessionKey)
	mux.HandleFunc("GET /api/v1/session-keys", s.handleListSessionKeys)
	mux.HandleFunc("DELETE /api/v1/session-keys/{id}", s.handleRevokeSessionKey)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createWorkflowRequest struct {
	UserID        string          `json:"user_id"`
	SCAAddress    string          `json:"sca_address"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	TriggerType   string          `json:"trigger_type"`
	TriggerConfig map[string]any  `json:"trigger_config"`
	Nodes         []workflow.Node `json:"nodes"`
	Edges         []workflow.Edge `json:"edges"`
	MaxRetries    int             `json:"max_retries"`
	Register      bool            `json:"register_onchain"`
	Chain         string          `json:"chain"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Name == "" {
		http.Error(w, "user_id 与 name 不能为空", http.StatusBadRequest)
		return
	}

	wf := &workflow.Workflow{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		SCAAddress:    req.SCAAddress,
		Name:          req.Name,
		Description:   req.Description,
		IsActive:      true,
		TriggerType:   workflow.TriggerType(req.TriggerType),
		TriggerConfig: req.TriggerConfig,
		Nodes:         req.Nodes,
		Edges:         req.Edges,
		State:         workflow.StatusPending,
		MaxRetries:    req.MaxRetries,
	}
	if err := wf.Validate(); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if req.Register && s.registrar != nil {
		result, err := s.registrar.RegisterWorkflow(ctx, chain.RegistrationRequest{
			WorkflowID: wf.ID,
			Owner:      req.SCAAddress,
			Chain:      req.Chain,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		wf.UpkeepID = result.UpkeepID
		wf.RegistrationTxHash = result.TxHash
	}

	if err := s.workflows.Create(ctx, wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "缺少 user_id", http.StatusBadRequest)
		return
	}
	limit := queryLimit(r, 50)

	items, err := s.workflows.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "调度器未初始化", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := s.dispatcher.ExecuteNow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": id,
		"status":      "queued",
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20)
	items, err := s.executions.ListByWorkflow(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type createSessionKeyRequest struct {
	UserID      string              `json:"user_id"`
	Permissions signing.Permissions `json:"permissions"`
	TTLSeconds  int64               `json:"ttl_seconds"`
	Description string              `json:"description"`
}

func (s *Server) handleCreateSessionKey(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话密钥服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req createSessionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.TTLSeconds <= 0 {
		http.Error(w, "user_id 与 ttl_seconds 不能为空", http.StatusBadRequest)
		return
	}

	grant, err := s.sessions.CreateSessionKey(r.Context(), req.UserID, req.Permissions,
		time.Duration(req.TTLSeconds)*time.Second, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleListSessionKeys(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话密钥服务未初始化", http.StatusServiceUnavailable)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "缺少 user_id", http.StatusBadRequest)
		return
	}
	grants, err := s.sessions.ListActive(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (s *Server) handleRevokeSessionKey(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话密钥服务未初始化", http.StatusServiceUnavailable)
		return
	}
	if err := s.sessions.Revoke(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	statuses := s.health.HealthCheck(r.Context())
	healthy := false
	for _, item := range statuses {
		if item.Healthy {
			healthy = true
			break
		}
	}
	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"providers": statuses,
	})
}

func queryLimit(r *http.Request, fallback int) int {
	limit := fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.L().Error("写响应失败", "error", err)
	}
}

// writeError 把统一错误映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case workflow.CodeWorkflowNotFound, execution.CodeExecutionNotFound, signing.CodeGrantNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case workflow.CodeWorkflowConflict, execution.CodeExecutionConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	case workflow.CodeWorkflowStructure, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case signing.CodeGrantDenied, xerrors.CodePermissionDenied:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}
