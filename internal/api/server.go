package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"AutoDCA-Chain/internal/audit"
	"AutoDCA-Chain/internal/decision"
	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/internal/grant"
	"AutoDCA-Chain/internal/observability/metrics"
	"AutoDCA-Chain/internal/orchestrator"
)

// Deps 汇总 API 服务的协作方。
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Engine       *decision.Engine
	Audits       *audit.Pipeline
}

// Server 负责暴露 REST 接口，供外部驱动定投编排器。
type Server struct {
	addr string
	deps Deps
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Handler 返回完整路由，测试可直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.instrument("healthz", s.handleHealthz))
	mux.Handle("/api/v1/schedule/start", s.instrument("schedule_start", s.handleScheduleStart))
	mux.Handle("/api/v1/schedule/stop", s.instrument("schedule_stop", s.handleScheduleStop))
	mux.Handle("/api/v1/execute", s.instrument("execute", s.handleExecute))
	mux.Handle("/api/v1/grant/renew", s.instrument("grant_renew", s.handleRenewGrant))
	mux.Handle("/api/v1/status", s.instrument("status", s.handleStatus))
	mux.Handle("/api/v1/decisions", s.instrument("decisions", s.handleDecisions))
	mux.Handle("/api/v1/audits", s.instrument("audits", s.handleAudits))
	return mux
}

// executeRequest 是调度启动与单次执行共用的请求体。
type executeRequest struct {
	Personality     string         `json:"personality,omitempty"`
	Mode            string         `json:"mode,omitempty"`
	IntervalSeconds int64          `json:"interval_seconds,omitempty"`
	Manual          *manualRequest `json:"manual,omitempty"`
}

type manualRequest struct {
	Source          string `json:"source"`
	Target          string `json:"target"`
	Amount          string `json:"amount"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
}

func (r *executeRequest) toRunParams() orchestrator.RunParams {
	params := orchestrator.RunParams{
		Personality:     r.Personality,
		Mode:            decision.Mode(r.Mode),
		IntervalSeconds: r.IntervalSeconds,
	}
	if r.Manual != nil {
		params.Mode = decision.ModeManual
		params.Manual = &decision.ManualParams{
			Source:          r.Manual.Source,
			Target:          r.Manual.Target,
			Amount:          r.Manual.Amount,
			IntervalSeconds: r.Manual.IntervalSeconds,
		}
	}
	return params
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleScheduleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Orchestrator == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.deps.Orchestrator.StartSchedule(r.Context(), req.toRunParams()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.GetStatus())
}

func (s *Server) handleScheduleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Orchestrator == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	s.deps.Orchestrator.StopSchedule()
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.GetStatus())
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Orchestrator == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Orchestrator.RunOnce(r.Context(), req.toRunParams())
	if err != nil {
		// 审计拒绝时仍返回决策与报告，调用方需要知道被拦截的原因。
		if result != nil && xerrors.CodeOf(err) == orchestrator.CodeAuditRejected {
			writeJSON(w, http.StatusConflict, result)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRenewGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Orchestrator == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	fresh, err := s.deps.Orchestrator.RenewGrant(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Orchestrator == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.GetStatus())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Engine == nil {
		http.Error(w, "决策引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.History(parseLimit(r, 20)))
}

func (s *Server) handleAudits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Audits == nil {
		http.Error(w, "审计流水线未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Audits.History(parseLimit(r, 20)))
}

// instrument 把请求结果与耗时计入运行指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(out)
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, decision.CodeDecisionParse:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case grant.CodeGrantExpired, orchestrator.CodeAuditRejected:
		status = http.StatusConflict
	case orchestrator.CodeInsufficientBalance:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeNetworkTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
