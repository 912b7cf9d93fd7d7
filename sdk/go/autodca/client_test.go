package autodca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestExecuteManualRound(t *testing.T) {
	var gotBody ExecuteRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/execute" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Decision": {"id":"d-1","origin":"manual","action":{"action":"buy","source":"USDC","target":"WETH","amount":"10"}},
			"Report": {"id":"r-1","decision_id":"d-1","status":"PASS","risk_score":0,"results":[]},
			"Handle": {"id":"op-1","tx_hashes":["0xabc"]},
			"Receipt": {"success":true,"gas_used":21000,"block_number":7}
		}`))
	})

	result, err := client.Execute(context.Background(), ExecuteRequest{
		Manual: &ManualParams{Source: "USDC", Target: "WETH", Amount: "10"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotBody.Manual == nil || gotBody.Manual.Amount != "10" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if result.Decision == nil || result.Decision.ID != "d-1" {
		t.Fatalf("unexpected decision: %+v", result.Decision)
	}
	if result.Handle == nil || result.Handle.ID != "op-1" {
		t.Fatalf("unexpected handle: %+v", result.Handle)
	}
	if result.Receipt == nil || !result.Receipt.Success {
		t.Fatalf("unexpected receipt: %+v", result.Receipt)
	}
}

func TestScheduleAndStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/schedule/start", "/api/v1/schedule/stop":
			if r.Method != http.MethodPost {
				t.Fatalf("expected POST, got %s", r.Method)
			}
		case "/api/v1/status":
			if r.Method != http.MethodGet {
				t.Fatalf("expected GET, got %s", r.Method)
			}
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"interval_seconds":3600,"last_operation_id":"op-9"}`))
	})

	status, err := client.StartSchedule(context.Background(), ExecuteRequest{Personality: "balanced"})
	if err != nil {
		t.Fatalf("start schedule: %v", err)
	}
	if !status.Active || status.IntervalSeconds != 3600 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if _, err := client.StopSchedule(context.Background()); err != nil {
		t.Fatalf("stop schedule: %v", err)
	}
	if _, err := client.GetStatus(context.Background()); err != nil {
		t.Fatalf("get status: %v", err)
	}
}

func TestDecisionsPassesLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("expected limit=5, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"d-1","origin":"policy","action":{"action":"hold"}}]`))
	})

	decisions, err := client.Decisions(context.Background(), 5)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Action.Action != "hold" {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"AUDIT_REJECTED","error":"审计未通过，执行被拒绝"}`))
	})

	_, err := client.Execute(context.Background(), ExecuteRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "AUDIT_REJECTED" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}
