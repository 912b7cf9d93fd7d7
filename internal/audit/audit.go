// Package audit 实现决策的事后校验流水线。流水线由八条固定规则
// 组成，各自独立判定，输出聚合后的状态与风险分。它只做观测与
// 取证，本身从不拦截执行，是否据此阻断交易由调用方决定。
package audit

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AutoDCA-Chain/internal/decision"
	"AutoDCA-Chain/internal/market"
	"AutoDCA-Chain/pkg/logger"
)

// Status 是审计报告的聚合状态。
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Severity 是单条规则的严重程度。
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// 风险分权重，按严重程度累加并封顶在 100。
const (
	weightCritical = 40
	weightHigh     = 25
	weightMedium   = 15
	weightLow      = 5
	maxRiskScore   = 100
)

// highActivityTxCount 触发市场活跃度提示的日交易数阈值。
const highActivityTxCount = 1_000_000

// looseSlippageBps 是滑点预算的宽松上界，超过即提示收紧。
const looseSlippageBps = 300

// RuleResult 是单条规则的判定结果。
type RuleResult struct {
	Name           string   `json:"name"`
	Severity       Severity `json:"severity"`
	Passed         bool     `json:"passed"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Context 汇总审计一条决策所需的外部事实。
type Context struct {
	Balances market.Balances
	Metrics  market.Metrics
	// PortfolioValue 为 0 时按余额之和近似。
	PortfolioValue float64
	GrantExpired   bool
	// MaxDailySpend 为 0 表示不设日累计上限。
	MaxDailySpend float64
	// MaxTradePortfolio 是单笔交易占组合总值的比例上限。
	MaxTradePortfolio float64
	// MaxSlippageBps 是单笔成交可接受的最大滑点（基点），0 表示未配置。
	MaxSlippageBps  int
	AllowedTargets  []string
	WhaleAlertCount int
}

// Report 是一次审计的完整产物。
type Report struct {
	ID         string       `json:"id"`
	DecisionID string       `json:"decision_id"`
	CreatedAt  time.Time    `json:"created_at"`
	Status     Status       `json:"status"`
	RiskScore  int          `json:"risk_score"`
	Results    []RuleResult `json:"results"`
}

// Pipeline 按序评估全部规则并维护一份有界的报告历史，以及用于
// 日累计上限规则的 24 小时滚动支出账本。
type Pipeline struct {
	mu         sync.Mutex
	history    []*Report
	spends     []spendEntry
	historyCap int
	now        func() time.Time
	newID      func() string
}

type spendEntry struct {
	at     time.Time
	amount float64
}

// Option 定义可选的流水线配置。
type Option func(*Pipeline)

// WithHistoryCap 覆盖报告历史容量。
func WithHistoryCap(cap int) Option {
	return func(p *Pipeline) {
		if cap > 0 {
			p.historyCap = cap
		}
	}
}

// WithClock 覆盖时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New 创建审计流水线。
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		historyCap: 50,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Audit 同步评估全部规则并归档报告。
func (p *Pipeline) Audit(d *decision.Decision, ctx Context) *Report {
	amount := actionAmount(d)
	portfolio := ctx.PortfolioValue
	if portfolio <= 0 {
		portfolio = sumBalances(ctx.Balances)
	}

	results := []RuleResult{
		p.ruleGrantValidity(ctx),
		p.ruleSourceBalance(d, ctx, amount),
		p.ruleTradeSize(ctx, amount, portfolio),
		p.ruleAllowList(d, ctx),
		p.ruleWhaleCaution(ctx),
		p.ruleDailySpend(ctx, amount),
		p.ruleSlippageBudget(ctx, amount),
		p.ruleMarketNote(ctx),
	}

	report := &Report{
		ID:         p.newID(),
		DecisionID: decisionID(d),
		CreatedAt:  p.now(),
		Status:     aggregateStatus(results),
		RiskScore:  riskScore(results),
		Results:    results,
	}

	p.mu.Lock()
	p.history = append([]*Report{report}, p.history...)
	if len(p.history) > p.historyCap {
		p.history = p.history[:p.historyCap]
	}
	p.mu.Unlock()

	logger.Trail().Info("审计报告生成",
		slog.String("report_id", report.ID),
		slog.String("decision_id", report.DecisionID),
		slog.String("status", string(report.Status)),
		slog.Int("risk_score", report.RiskScore),
	)
	return report
}

// AuditAsync 在独立协程中评估，绝不阻塞调用方。onDone 可以为 nil。
func (p *Pipeline) AuditAsync(d *decision.Decision, auditCtx Context, onDone func(*Report)) {
	go func() {
		report := p.Audit(d, auditCtx)
		if onDone != nil {
			onDone(report)
		}
	}()
}

// RecordSpend 把一笔已执行的支出计入滚动账本。
func (p *Pipeline) RecordSpend(amount float64) {
	if amount <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spends = append(p.spends, spendEntry{at: p.now(), amount: amount})
}

// History 返回最近的报告，最近的排在最前。
func (p *Pipeline) History(limit int) []*Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.history) {
		limit = len(p.history)
	}
	out := make([]*Report, limit)
	copy(out, p.history[:limit])
	return out
}

// spentLast24h 汇总 24 小时内的支出，顺带淘汰过期条目。
func (p *Pipeline) spentLast24h() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-24 * time.Hour)
	kept := p.spends[:0]
	total := 0.0
	for _, entry := range p.spends {
		if entry.at.Before(cutoff) {
			continue
		}
		kept = append(kept, entry)
		total += entry.amount
	}
	p.spends = kept
	return total
}

func (p *Pipeline) ruleGrantValidity(ctx Context) RuleResult {
	r := RuleResult{Name: "grant_validity", Severity: SeverityCritical, Passed: !ctx.GrantExpired, Message: "执行凭证有效"}
	if ctx.GrantExpired {
		r.Message = "执行凭证已过期"
		r.Recommendation = "调用 renewGrant 重新签发凭证后再继续定投"
	}
	return r
}

func (p *Pipeline) ruleSourceBalance(d *decision.Decision, ctx Context, amount float64) RuleResult {
	r := RuleResult{Name: "source_balance", Severity: SeverityHigh, Passed: true, Message: "来源资产余额充足"}
	source := actionSource(d)
	if source == "" || amount <= 0 {
		r.Message = "本决策不消耗余额"
		return r
	}
	balance := parseDecimal(ctx.Balances[source])
	if balance < amount {
		r.Passed = false
		r.Message = "来源资产 " + source + " 余额不足以覆盖本次支出"
		r.Recommendation = "减小交易金额或先为账户充值"
	}
	return r
}

func (p *Pipeline) ruleTradeSize(ctx Context, amount, portfolio float64) RuleResult {
	r := RuleResult{Name: "trade_size", Severity: SeverityMedium, Passed: true, Message: "单笔规模在限额内"}
	if amount <= 0 || portfolio <= 0 || ctx.MaxTradePortfolio <= 0 {
		return r
	}
	if amount > ctx.MaxTradePortfolio*portfolio {
		r.Passed = false
		r.Message = "单笔交易超过组合总值比例上限"
		r.Recommendation = "把单笔金额压缩到组合总值的 " +
			strconv.FormatFloat(ctx.MaxTradePortfolio*100, 'f', -1, 64) + "% 以内"
	}
	return r
}

func (p *Pipeline) ruleAllowList(d *decision.Decision, ctx Context) RuleResult {
	r := RuleResult{Name: "target_allowlist", Severity: SeverityHigh, Passed: true, Message: "目标资产在白名单内"}
	target := actionTarget(d)
	if target == "" {
		r.Message = "本决策没有目标资产"
		return r
	}
	for _, allowed := range ctx.AllowedTargets {
		if strings.EqualFold(allowed, target) {
			return r
		}
	}
	r.Passed = false
	r.Message = "目标资产 " + target + " 不在白名单内"
	r.Recommendation = "检查决策引擎的白名单配置是否与审计侧一致"
	return r
}

func (p *Pipeline) ruleWhaleCaution(ctx Context) RuleResult {
	r := RuleResult{Name: "whale_caution", Severity: SeverityMedium, Passed: true, Message: "近期无异常大额转账"}
	threshold := ctx.WhaleAlertCount
	if threshold <= 0 {
		threshold = 5
	}
	if len(ctx.Metrics.RecentLargeTransfers) > threshold {
		r.Passed = false
		r.Message = "近期大额转账数量偏高，市场可能剧烈波动"
		r.Recommendation = "考虑暂缓大额买入或缩短观察周期"
	}
	return r
}

func (p *Pipeline) ruleDailySpend(ctx Context, amount float64) RuleResult {
	r := RuleResult{Name: "daily_spend_cap", Severity: SeverityMedium, Passed: true, Message: "24 小时累计支出在上限内"}
	if ctx.MaxDailySpend <= 0 || amount <= 0 {
		return r
	}
	if p.spentLast24h()+amount > ctx.MaxDailySpend {
		r.Passed = false
		r.Message = "本次支出将突破 24 小时累计上限"
		r.Recommendation = "等待滚动窗口释放额度后再执行"
	}
	return r
}

func (p *Pipeline) ruleSlippageBudget(ctx Context, amount float64) RuleResult {
	r := RuleResult{Name: "slippage_budget", Severity: SeverityMedium, Passed: true, Message: "滑点预算在稳健区间"}
	if amount <= 0 {
		r.Message = "本决策不产生成交，滑点预算不适用"
		return r
	}
	if ctx.MaxSlippageBps <= 0 {
		r.Message = "未配置滑点预算，按网关默认参数执行"
		return r
	}
	if ctx.MaxSlippageBps > looseSlippageBps {
		r.Passed = false
		r.Message = "滑点预算 " + strconv.Itoa(ctx.MaxSlippageBps) + " bps 过于宽松"
		r.Recommendation = "把 max_slippage_bps 收紧到 " + strconv.Itoa(looseSlippageBps) + " 以内"
	}
	return r
}

func (p *Pipeline) ruleMarketNote(ctx Context) RuleResult {
	r := RuleResult{Name: "market_note", Severity: SeverityLow, Passed: true, Message: "市场活跃度正常"}
	if ctx.Metrics.TxCountToday > highActivityTxCount {
		r.Passed = false
		r.Message = "今日链上交易数异常偏高"
	}
	return r
}

func aggregateStatus(results []RuleResult) Status {
	warn := false
	for _, r := range results {
		if r.Passed {
			continue
		}
		switch r.Severity {
		case SeverityCritical, SeverityHigh:
			return StatusFail
		case SeverityMedium:
			warn = true
		}
	}
	if warn {
		return StatusWarn
	}
	return StatusPass
}

func riskScore(results []RuleResult) int {
	score := 0
	for _, r := range results {
		if r.Passed {
			continue
		}
		switch r.Severity {
		case SeverityCritical:
			score += weightCritical
		case SeverityHigh:
			score += weightHigh
		case SeverityMedium:
			score += weightMedium
		case SeverityLow:
			score += weightLow
		}
	}
	if score > maxRiskScore {
		return maxRiskScore
	}
	return score
}

func decisionID(d *decision.Decision) string {
	if d == nil {
		return ""
	}
	return d.ID
}

func actionSource(d *decision.Decision) string {
	if d == nil || d.Action == nil {
		return ""
	}
	env := envelopeFor(d)
	return env.source
}

func actionTarget(d *decision.Decision) string {
	if d == nil || d.Action == nil {
		return ""
	}
	return envelopeFor(d).target
}

func actionAmount(d *decision.Decision) float64 {
	if d == nil || d.Action == nil {
		return 0
	}
	return parseDecimal(envelopeFor(d).amount)
}

// flatAction 抽平动作字段，避免在审计侧重复类型开关。
type flatAction struct {
	source string
	target string
	amount string
}

func envelopeFor(d *decision.Decision) flatAction {
	switch act := d.Action.(type) {
	case decision.Buy:
		return flatAction{source: act.Source, target: act.Target, amount: act.Amount}
	case decision.Swap:
		return flatAction{source: act.Source, target: act.Target, amount: act.Amount}
	case decision.SellToBase:
		return flatAction{source: act.Source, amount: act.Amount}
	case decision.SellToStable:
		return flatAction{source: act.Source, amount: act.Amount}
	default:
		return flatAction{}
	}
}

func parseDecimal(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func sumBalances(balances market.Balances) float64 {
	total := 0.0
	for _, raw := range balances {
		total += parseDecimal(raw)
	}
	return total
}
