package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AutoDCA-Chain/internal/audit"
	"AutoDCA-Chain/internal/decision"
	"AutoDCA-Chain/internal/grant"
	"AutoDCA-Chain/internal/llm"
	"AutoDCA-Chain/internal/market"
	"AutoDCA-Chain/internal/orchestrator"
	"AutoDCA-Chain/internal/retry"
	"AutoDCA-Chain/internal/storage"
	"AutoDCA-Chain/internal/web3"
)

type stubLLM struct{ content string }

func (s *stubLLM) Generate(_ context.Context, _ llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: s.content}, nil
}

type stubSigner struct{}

func (stubSigner) SignGrant(_ context.Context, _ *grant.CapabilityGrant) (string, error) {
	return "0xsignature", nil
}

type stubPlanner struct{}

func (stubPlanner) PlanCalls(_ *decision.Decision) ([]web3.Call, error) {
	return []web3.Call{{Data: []byte{0x01}}}, nil
}

type stubGateway struct {
	balances market.Balances
}

func (g *stubGateway) SubmitBatch(_ context.Context, _ string, _ *grant.CapabilityGrant, _ []web3.Call) (*web3.OperationHandle, error) {
	return &web3.OperationHandle{ID: "op-api", SubmittedAt: time.Now()}, nil
}

func (g *stubGateway) WaitForReceipt(_ context.Context, _ *web3.OperationHandle, _ time.Duration) (*web3.Receipt, error) {
	return &web3.Receipt{Success: true, GasUsed: 21000, BlockNumber: 7}, nil
}

func (g *stubGateway) GetBytecode(_ context.Context, _ string) ([]byte, error) { return nil, nil }

func (g *stubGateway) GetBalances(_ context.Context, _ string) (market.Balances, error) {
	return g.balances, nil
}

func (g *stubGateway) GetMarketMetrics(_ context.Context) (market.Metrics, error) {
	return market.Metrics{}, nil
}

func (g *stubGateway) RevokeGrant(_ context.Context, _ *grant.CapabilityGrant) error { return nil }

func (g *stubGateway) Close() {}

func newTestServer(t *testing.T) (*Server, *decision.Engine, *audit.Pipeline) {
	t.Helper()

	engine := decision.New(decision.Config{
		Client:         &stubLLM{content: `{"action":"hold","reason":"观望","confidence":0.5}`},
		Store:          storage.NewMemoryStore(),
		AllowedTargets: []string{"WETH", "USDC"},
		StableSymbol:   "USDC",
		NativeSymbol:   "ETH",
	})
	audits := audit.New()
	grants := grant.NewManager(storage.NewMemoryStore(), stubSigner{},
		[]grant.ScopePair{{Target: "0x00000000000000000000000000000000000000aa", Selector: "0x12345678"}},
	)
	orch, err := orchestrator.New(orchestrator.Config{
		Grantor:  "0xowner",
		Executor: "0xexecutor",
		Retry:    retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Audit: orchestrator.AuditParams{
			MaxDailySpend:     1000,
			MaxTradePortfolio: 0.5,
			AllowedTargets:    []string{"WETH", "USDC"},
		},
	}, orchestrator.Deps{
		Grants:  grants,
		Engine:  engine,
		Audit:   audits,
		Gateway: &stubGateway{balances: market.Balances{"USDC": "100"}},
		Planner: stubPlanner{},
	})
	if err != nil {
		t.Fatalf("构建编排器失败: %v", err)
	}
	t.Cleanup(orch.Dispose)

	return NewServer(":0", Deps{Orchestrator: orch, Engine: engine, Audits: audits}), engine, audits
}

func TestHandleExecuteManual(t *testing.T) {
	server, engine, _ := newTestServer(t)
	handler := server.Handler()

	body := `{"manual":{"source":"USDC","target":"WETH","amount":"10","interval_seconds":900}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var result orchestrator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Handle == nil || result.Handle.ID != "op-api" {
		t.Fatalf("期望操作句柄, got %+v", result.Handle)
	}
	if len(engine.History(1)) != 1 {
		t.Fatal("期望决策进入历史")
	}
}

func TestHandleExecuteRejectsBadManualParams(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := `{"manual":{"source":"USDC","target":"USDC","amount":"10"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleExecuteMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/execute", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestScheduleStartStopAndStatus(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedule/start",
		strings.NewReader(`{"personality":"balanced","interval_seconds":120}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("启动调度失败: %d %s", rec.Code, rec.Body.String())
	}

	var status orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Active || status.IntervalSeconds != 120 {
		t.Fatalf("unexpected status: %+v", status)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/schedule/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("停止调度失败: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("状态查询失败: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Active {
		t.Fatal("停止后不应保持活跃")
	}
}

func TestHandleRenewGrant(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/grant/renew", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("续签失败: %d %s", rec.Code, rec.Body.String())
	}
	var fresh grant.CapabilityGrant
	if err := json.Unmarshal(rec.Body.Bytes(), &fresh); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if fresh.Signature == "" || fresh.Grantor != "0xowner" {
		t.Fatalf("unexpected grant: %+v", fresh)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	// 先产生一条决策与一份审计报告
	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("执行失败: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/decisions?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("决策历史查询失败: %d", rec.Code)
	}
	var decisions []decision.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decisions); err != nil {
		t.Fatalf("decode decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("期望 1 条决策, got %d", len(decisions))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audits", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("审计历史查询失败: %d", rec.Code)
	}
	var reports []audit.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatalf("decode reports: %v", err)
	}
	if len(reports) != 1 || len(reports[0].Results) != 8 {
		t.Fatalf("期望 1 份 8 规则报告, got %+v", reports)
	}
}

func TestHealthz(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}
