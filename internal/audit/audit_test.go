package audit

import (
	"sync"
	"testing"
	"time"

	"AutoDCA-Chain/internal/decision"
	"AutoDCA-Chain/internal/market"
)

func buyDecision(id, source, target, amount string) *decision.Decision {
	return &decision.Decision{
		ID:     id,
		Action: decision.Buy{Source: source, Target: target, Amount: amount},
	}
}

func baseContext() Context {
	return Context{
		Balances:          market.Balances{"USDC": "100", "ETH": "2"},
		MaxDailySpend:     50,
		MaxTradePortfolio: 0.25,
		MaxSlippageBps:    100,
		AllowedTargets:    []string{"WETH", "WBTC", "USDC"},
		WhaleAlertCount:   5,
	}
}

func TestCleanDecisionPasses(t *testing.T) {
	p := New()
	report := p.Audit(buyDecision("d1", "USDC", "WETH", "10"), baseContext())

	if report.Status != StatusPass {
		t.Fatalf("status = %s, want PASS", report.Status)
	}
	if report.RiskScore != 0 {
		t.Fatalf("risk score = %d, want 0", report.RiskScore)
	}
	if len(report.Results) != 8 {
		t.Fatalf("expected 8 rule results, got %d", len(report.Results))
	}
}

func TestExpiredGrantAlwaysFails(t *testing.T) {
	p := New()
	ctx := baseContext()
	ctx.GrantExpired = true

	report := p.Audit(buyDecision("d1", "USDC", "WETH", "10"), ctx)
	if report.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL for expired grant", report.Status)
	}
	if report.RiskScore < 40 {
		t.Fatalf("risk score = %d, want >= 40", report.RiskScore)
	}
}

func TestInsufficientBalanceFails(t *testing.T) {
	p := New()
	report := p.Audit(buyDecision("d1", "USDC", "WETH", "500"), baseContext())
	if report.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL for insufficient balance", report.Status)
	}
}

func TestOffAllowlistTargetFails(t *testing.T) {
	p := New()
	report := p.Audit(buyDecision("d1", "USDC", "DOGE", "10"), baseContext())
	if report.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL for off-allowlist target", report.Status)
	}
}

func TestMediumFailuresOnlyWarn(t *testing.T) {
	p := New()
	ctx := baseContext()
	ctx.Metrics = market.Metrics{RecentLargeTransfers: make([]market.LargeTransfer, 8)}

	report := p.Audit(buyDecision("d1", "USDC", "WETH", "10"), ctx)
	if report.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN for whale caution", report.Status)
	}
	if report.RiskScore != 15 {
		t.Fatalf("risk score = %d, want 15 for one medium failure", report.RiskScore)
	}
}

func TestTradeSizeLimit(t *testing.T) {
	p := New()
	// 组合总值 102，上限 25% ≈ 25.5，30 超限但余额充足。
	report := p.Audit(buyDecision("d1", "USDC", "WETH", "30"), baseContext())
	if report.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN for oversized trade", report.Status)
	}
}

func TestLooseSlippageBudgetWarns(t *testing.T) {
	p := New()
	ctx := baseContext()
	ctx.MaxSlippageBps = 500

	report := p.Audit(buyDecision("d1", "USDC", "WETH", "10"), ctx)
	if report.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN for loose slippage budget", report.Status)
	}
	if report.RiskScore != 15 {
		t.Fatalf("risk score = %d, want 15 for one medium failure", report.RiskScore)
	}
}

func TestUnsetSlippageBudgetPasses(t *testing.T) {
	p := New()
	ctx := baseContext()
	ctx.MaxSlippageBps = 0

	report := p.Audit(buyDecision("d1", "USDC", "WETH", "10"), ctx)
	if report.Status != StatusPass {
		t.Fatalf("status = %s, want PASS when no budget is configured", report.Status)
	}
}

func TestHoldConsumesNothing(t *testing.T) {
	p := New()
	ctx := baseContext()
	ctx.Balances = market.Balances{}

	report := p.Audit(&decision.Decision{ID: "d1", Action: decision.Hold{}}, ctx)
	if report.Status != StatusPass {
		t.Fatalf("status = %s, want PASS for hold with empty balances", report.Status)
	}
}

func TestDailySpendCapUsesRollingWindow(t *testing.T) {
	current := time.Now()
	p := New(WithClock(func() time.Time { return current }))

	p.RecordSpend(45)
	report := p.Audit(buyDecision("d1", "USDC", "WETH", "10"), baseContext())
	if report.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN when cap would be exceeded", report.Status)
	}

	// 25 小时后旧支出滚出窗口，额度恢复。
	current = current.Add(25 * time.Hour)
	report = p.Audit(buyDecision("d2", "USDC", "WETH", "10"), baseContext())
	if report.Status != StatusPass {
		t.Fatalf("status = %s, want PASS after window rolls over", report.Status)
	}
}

func TestHistoryIsBoundedAndRecentFirst(t *testing.T) {
	p := New(WithHistoryCap(2))
	p.Audit(buyDecision("d1", "USDC", "WETH", "1"), baseContext())
	p.Audit(buyDecision("d2", "USDC", "WETH", "1"), baseContext())
	p.Audit(buyDecision("d3", "USDC", "WETH", "1"), baseContext())

	history := p.History(0)
	if len(history) != 2 {
		t.Fatalf("history size = %d, want 2", len(history))
	}
	if history[0].DecisionID != "d3" || history[1].DecisionID != "d2" {
		t.Fatalf("unexpected history order: %s, %s", history[0].DecisionID, history[1].DecisionID)
	}
}

func TestAuditAsyncDelivers(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	wg.Add(1)

	var got *Report
	p.AuditAsync(buyDecision("d1", "USDC", "WETH", "10"), baseContext(), func(r *Report) {
		got = r
		wg.Done()
	})
	wg.Wait()

	if got == nil || got.Status != StatusPass {
		t.Fatalf("async report = %+v, want PASS", got)
	}
}
