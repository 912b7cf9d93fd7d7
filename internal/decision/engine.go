// Package decision 实现人格化的定投决策引擎。引擎负责三条决策
// 路径：手动直通、推理服务驱动的策略路径、以及推理不可用时的
// 确定性兜底。所有路径的输出都会经过统一的边界裁剪。
package decision

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/internal/llm"
	"AutoDCA-Chain/internal/market"
	"AutoDCA-Chain/internal/storage"
	"AutoDCA-Chain/pkg/logger"
)

// CodeDecisionParse 表示推理服务输出无法解析为合法动作。
const CodeDecisionParse xerrors.Code = "DECISION_PARSE_FAILED"

func init() {
	xerrors.Register(CodeDecisionParse, xerrors.Attributes{
		Message:   "reasoning output could not be parsed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// 决策来源，记录在历史中供审计与回溯。
const (
	OriginPolicy   = "policy"
	OriginManual   = "manual"
	OriginFallback = "fallback"
)

// Mode 指定决策引擎的工作模式。
type Mode string

const (
	// ModePolicy 由推理服务在人格约束下自主选择动作。
	ModePolicy Mode = "policy"
	// ModeManual 按调用方给定的参数直通执行，不咨询推理服务。
	ModeManual Mode = "manual"
)

// fallbackConfidence 低于策略路径的置信度，提醒下游这是兜底产物。
const fallbackConfidence = 0.3

// historyStorageKey 是决策历史在 KV 存储中的持久化键。
const historyStorageKey = "decision:history"

// ManualParams 是手动模式的定投参数。
type ManualParams struct {
	Source          string
	Target          string
	Amount          string
	IntervalSeconds int64
}

// Request 汇总一次决策所需的全部上下文。
type Request struct {
	Personality string
	Mode        Mode
	Manual      *ManualParams
	Balances    market.Balances
	Metrics     market.Metrics
}

// Decision 是一条已经过裁剪、可供执行与审计的最终决策。
type Decision struct {
	ID                  string
	CreatedAt           time.Time
	Personality         string
	Origin              string
	Action              Action
	Reason              string
	NextIntervalSeconds int64
	Confidence          float64
	Executed            bool
	Thought             string
	Balances            map[string]string
}

type decisionRecord struct {
	ID          string            `json:"id"`
	CreatedAt   int64             `json:"created_at"`
	Personality string            `json:"personality"`
	Origin      string            `json:"origin"`
	Action      envelope          `json:"action"`
	Executed    bool              `json:"executed"`
	Thought     string            `json:"thought,omitempty"`
	Balances    map[string]string `json:"balances,omitempty"`
}

// MarshalJSON 把决策序列化为扁平动作信封，历史持久化与 API
// 输出共用同一份编码。
func (d *Decision) MarshalJSON() ([]byte, error) {
	rec := decisionRecord{
		ID:          d.ID,
		CreatedAt:   d.CreatedAt.Unix(),
		Personality: d.Personality,
		Origin:      d.Origin,
		Action: envelopeOf(&Proposal{
			Action:              d.Action,
			Reason:              d.Reason,
			NextIntervalSeconds: d.NextIntervalSeconds,
			Confidence:          d.Confidence,
		}),
		Executed: d.Executed,
		Thought:  d.Thought,
		Balances: d.Balances,
	}
	return json.Marshal(rec)
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Decision) UnmarshalJSON(data []byte) error {
	var rec decisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	action, err := rec.Action.toAction()
	if err != nil {
		return err
	}
	d.ID = rec.ID
	d.CreatedAt = time.Unix(rec.CreatedAt, 0)
	d.Personality = rec.Personality
	d.Origin = rec.Origin
	d.Action = action
	d.Reason = rec.Action.Reason
	d.NextIntervalSeconds = rec.Action.NextIntervalSeconds
	d.Confidence = rec.Action.Confidence
	d.Executed = rec.Executed
	d.Thought = rec.Thought
	d.Balances = rec.Balances
	return nil
}

// Config 描述引擎的固定配置。
type Config struct {
	Client             llm.Client
	Store              storage.Store
	AllowedTargets     []string
	StableSymbol       string
	NativeSymbol       string
	MinIntervalSeconds int64
	MaxIntervalSeconds int64
	// WhaleAlertCount 是兜底路径判定“大额转账密集”的阈值。
	WhaleAlertCount int
	HistoryCap      int
}

// Engine 是决策引擎本体。历史按最近优先排列，并发安全。
type Engine struct {
	client      llm.Client
	store       storage.Store
	allowed     []string
	stable      string
	native      string
	minInterval int64
	maxInterval int64
	whaleCount  int
	historyCap  int

	mu      sync.Mutex
	history []*Decision

	now   func() time.Time
	newID func() string
}

// Option 定义可选的引擎配置。
type Option func(*Engine)

// WithClock 覆盖时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator 覆盖决策 ID 生成器，测试用。
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// New 创建决策引擎，并尽力从存储恢复历史。
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		client:      cfg.Client,
		store:       cfg.Store,
		allowed:     append([]string(nil), cfg.AllowedTargets...),
		stable:      cfg.StableSymbol,
		native:      cfg.NativeSymbol,
		minInterval: cfg.MinIntervalSeconds,
		maxInterval: cfg.MaxIntervalSeconds,
		whaleCount:  cfg.WhaleAlertCount,
		historyCap:  cfg.HistoryCap,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	if e.minInterval <= 0 {
		e.minInterval = 60
	}
	if e.maxInterval < e.minInterval {
		e.maxInterval = 86400
	}
	if e.whaleCount <= 0 {
		e.whaleCount = 5
	}
	if e.historyCap <= 0 {
		e.historyCap = 100
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.restoreHistory()
	return e
}

// Decide 产出一条最终决策。策略路径失败时自动降级到确定性兜底，
// 因此只有手动参数非法或引擎未初始化才会返回错误。
func (e *Engine) Decide(ctx context.Context, req Request) (*Decision, error) {
	p, ok := PersonalityByName(req.Personality)
	if !ok {
		p = presets[DefaultPersonality]
	}

	var (
		prop    *Proposal
		origin  string
		thought string
	)
	if req.Mode == ModeManual {
		manual, err := manualProposal(req.Manual, p)
		if err != nil {
			return nil, err
		}
		prop, origin = manual, OriginManual
	} else {
		proposed, proposedThought, err := e.propose(ctx, req, p)
		if err != nil {
			logger.L().Warn("策略路径失败，降级到确定性兜底",
				slog.Any("error", err),
				slog.String("personality", p.Name),
			)
			prop, origin = e.fallback(req, p), OriginFallback
		} else {
			prop, origin, thought = e.applyGuards(proposed, req, p), OriginPolicy, proposedThought
		}
	}

	interval := prop.NextIntervalSeconds
	if interval <= 0 {
		interval = p.DefaultIntervalSeconds
	}
	if interval < e.minInterval {
		interval = e.minInterval
	}
	if interval > e.maxInterval {
		interval = e.maxInterval
	}

	// 观望动作必须携带持有时长：缺省时取本条决策的周期，显式给出
	// 时同样收敛到周期边界内。
	if hold, ok := prop.Action.(Hold); ok {
		duration := hold.DurationSeconds
		if duration <= 0 {
			duration = interval
		}
		if duration < e.minInterval {
			duration = e.minInterval
		}
		if duration > e.maxInterval {
			duration = e.maxInterval
		}
		prop.Action = Hold{DurationSeconds: duration}
	}

	d := &Decision{
		ID:                  e.newID(),
		CreatedAt:           e.now(),
		Personality:         p.Name,
		Origin:              origin,
		Action:              prop.Action,
		Reason:              prop.Reason,
		NextIntervalSeconds: interval,
		Confidence:          math.Min(math.Max(prop.Confidence, 0), 1),
		Thought:             thought,
		Balances:            cloneBalances(req.Balances),
	}

	e.mu.Lock()
	e.settleElapsedHoldsLocked(d.CreatedAt)
	e.history = append([]*Decision{d}, e.history...)
	if len(e.history) > e.historyCap {
		e.history = e.history[:e.historyCap]
	}
	e.mu.Unlock()
	e.persistHistory(ctx)

	logger.Trail().Info("决策生成",
		slog.String("decision_id", d.ID),
		slog.String("origin", d.Origin),
		slog.String("action", d.Action.Kind()),
		slog.String("target", targetOf(d.Action)),
		slog.Float64("confidence", d.Confidence),
		slog.Int64("next_interval_seconds", d.NextIntervalSeconds),
	)
	return d, nil
}

// settleElapsedHoldsLocked 把持有期已满的观望决策结算为已执行。
// 观望通过时间流逝兑现，结算发生在之后的决策轮次。调用方必须持锁。
func (e *Engine) settleElapsedHoldsLocked(now time.Time) {
	for _, d := range e.history {
		if d.Executed {
			continue
		}
		hold, ok := d.Action.(Hold)
		if !ok {
			continue
		}
		duration := hold.DurationSeconds
		if duration <= 0 {
			duration = d.NextIntervalSeconds
		}
		if !now.Before(d.CreatedAt.Add(time.Duration(duration) * time.Second)) {
			d.Executed = true
		}
	}
}

// MarkExecuted 把指定决策标记为已执行。
func (e *Engine) MarkExecuted(ctx context.Context, id string) error {
	e.mu.Lock()
	var found *Decision
	for _, d := range e.history {
		if d.ID == id {
			d.Executed = true
			found = d
			break
		}
	}
	e.mu.Unlock()
	if found == nil {
		return xerrors.New(xerrors.CodeNotFound, "决策不存在: "+id)
	}
	e.persistHistory(ctx)
	return nil
}

// History 返回最近的决策，最多 limit 条，最近的排在最前。
func (e *Engine) History(limit int) []*Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]*Decision, limit)
	copy(out, e.history[:limit])
	return out
}

// propose 走策略路径：咨询推理服务并解析其输出。
func (e *Engine) propose(ctx context.Context, req Request, p Personality) (*Proposal, string, error) {
	if e.client == nil {
		return nil, "", xerrors.New(xerrors.CodeInitializationFailure, "未配置推理客户端")
	}

	metrics := make([]llm.TokenMetric, 0, len(req.Metrics.TokenScores))
	for _, score := range req.Metrics.TokenScores {
		metrics = append(metrics, llm.TokenMetric{
			Symbol:     score.Symbol,
			Momentum:   score.Momentum,
			Volatility: score.Volatility,
			Liquidity:  score.Liquidity,
		})
	}

	resp, err := e.client.Generate(ctx, llm.Request{
		Personality: p.Name,
		Posture:     p.Posture,
		Balances:    req.Balances,
		Market: llm.MarketSummary{
			TxCountToday:   req.Metrics.TxCountToday,
			FeesTodayEth:   req.Metrics.FeesTodayEth,
			LargeTransfers: len(req.Metrics.RecentLargeTransfers),
		},
		TokenMetrics:   metrics,
		RecentTargets:  e.recentTargets(5),
		AllowedTargets: e.allowed,
		StableSymbol:   e.stable,
		NativeSymbol:   e.native,
	})
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeNetworkTimeout, err, "调用推理服务失败")
	}

	prop, err := ParseProposal(resp.Content)
	if err != nil {
		return nil, "", err
	}
	if target := targetOf(prop.Action); target != "" && !e.isAllowed(target) {
		return nil, "", xerrors.New(CodeDecisionParse, "推理结果选择了白名单外的标的: "+target)
	}
	return prop, resp.Thought, nil
}

// applyGuards 对策略路径的候选动作执行反集中轮换、保守守护与
// 金额裁剪。兜底与手动路径不经过这里。
func (e *Engine) applyGuards(prop *Proposal, req Request, p Personality) *Proposal {
	target := targetOf(prop.Action)
	source := sourceOf(prop.Action)

	if target != "" && e.streakLength(target) >= p.MaxRepeat {
		if alt := e.pickAlternative(target, source, req.Metrics, p); alt != "" {
			prop.Action = withTarget(prop.Action, alt)
			prop.Reason = appendNote(prop.Reason, "已轮换标的以打散连续集中")
			target = alt
		}
	}

	if p.Guarded && target != "" && !e.scoreClears(target, req.Metrics, p) {
		if alt := e.pickAlternative(target, source, req.Metrics, p); alt != "" {
			prop.Action = withTarget(prop.Action, alt)
			prop.Reason = appendNote(prop.Reason, "目标指标未达保守阈值，已替换为更稳健的标的")
		} else {
			prop.Action = Hold{}
			prop.Reason = appendNote(prop.Reason, "没有满足保守阈值的标的，本轮观望")
		}
	}

	if amount := amountOf(prop.Action); amount != "" {
		if total := portfolioValue(req.Balances); total > 0 {
			low := p.MinAmountPct * total
			high := p.MaxAmountPct * total
			value, err := strconv.ParseFloat(amount, 64)
			if err != nil || value <= 0 {
				value = low
			}
			value = math.Min(math.Max(value, low), high)
			prop.Action = withAmount(prop.Action, formatAmount(value))
		}
	}
	return prop
}

// fallback 是推理不可用时的确定性策略：鲸鱼活动密集时小比例
// 转入稳定资产，原生资产过度集中时小比例分散，否则观望。
// 兜底决策一律采用人格的默认周期。
func (e *Engine) fallback(req Request, p Personality) *Proposal {
	total := portfolioValue(req.Balances)
	nativeBal := parseBalance(req.Balances[e.native])

	base := &Proposal{
		NextIntervalSeconds: p.DefaultIntervalSeconds,
		Confidence:          fallbackConfidence,
	}

	if len(req.Metrics.RecentLargeTransfers) > e.whaleCount && nativeBal > 0 && e.stable != "" {
		amount := math.Min(nativeBal, total*p.MinAmountPct)
		base.Action = SellToStable{Source: e.native, Amount: formatAmount(amount)}
		base.Reason = "近期大额转账密集，先把小部分原生资产轮动到稳定资产"
		return base
	}
	if total > 0 && nativeBal/total > 0.7 && e.stable != "" && !strings.EqualFold(e.native, e.stable) {
		base.Action = Swap{Source: e.native, Target: e.stable, Amount: formatAmount(total * p.MinAmountPct)}
		base.Reason = "原生资产占比过高，小比例分散到稳定资产"
		return base
	}
	base.Action = Hold{}
	base.Reason = "缺少足够信号，保持观望"
	return base
}

// manualProposal 把调用方参数直通为买入动作，置信度恒为 1。
func manualProposal(params *ManualParams, p Personality) (*Proposal, error) {
	if params == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "手动模式缺少参数")
	}
	source := strings.TrimSpace(params.Source)
	target := strings.TrimSpace(params.Target)
	if source == "" || target == "" || strings.EqualFold(source, target) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "手动模式 source 与 target 必须是两个不同资产")
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(params.Amount), 64)
	if err != nil || amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "手动模式 amount 必须是正的十进制数")
	}
	interval := params.IntervalSeconds
	if interval <= 0 {
		interval = p.DefaultIntervalSeconds
	}
	return &Proposal{
		Action:              Buy{Source: source, Target: target, Amount: strings.TrimSpace(params.Amount)},
		Reason:              "手动定投指令",
		NextIntervalSeconds: interval,
		Confidence:          1,
	}, nil
}

// streakLength 返回最近历史中连续选中 target 的次数，遇到不同
// 目标（含无目标动作）即终止计数。
func (e *Engine) streakLength(target string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, d := range e.history {
		if !strings.EqualFold(targetOf(d.Action), target) {
			break
		}
		count++
	}
	return count
}

// recentTargets 返回最近 n 条有目标决策的标的列表。
func (e *Engine) recentTargets(n int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var targets []string
	for _, d := range e.history {
		if target := targetOf(d.Action); target != "" {
			targets = append(targets, target)
		}
		if len(targets) >= n {
			break
		}
	}
	return targets
}

// pickAlternative 在白名单中挑选替代标的：排除被轮换的目标与
// 来源资产，保守人格还要求通过指标阈值，动量最高者胜出。没有
// 合格候选时保守人格退回稳定资产。
func (e *Engine) pickAlternative(exclude, source string, metrics market.Metrics, p Personality) string {
	best := ""
	bestMomentum := -1.0
	for _, symbol := range e.allowed {
		if strings.EqualFold(symbol, exclude) || strings.EqualFold(symbol, source) {
			continue
		}
		if p.Guarded && !e.scoreClears(symbol, metrics, p) && !strings.EqualFold(symbol, e.stable) {
			continue
		}
		momentum := 0.0
		if score, ok := metrics.ScoreOf(symbol); ok {
			momentum = score.Momentum
		}
		if momentum > bestMomentum {
			best, bestMomentum = symbol, momentum
		}
	}
	if best == "" && p.Guarded && e.stable != "" &&
		!strings.EqualFold(e.stable, exclude) && !strings.EqualFold(e.stable, source) {
		return e.stable
	}
	return best
}

func (e *Engine) scoreClears(symbol string, metrics market.Metrics, p Personality) bool {
	score, ok := metrics.ScoreOf(symbol)
	if !ok {
		return false
	}
	return score.Momentum >= p.MinMomentum &&
		score.Volatility <= p.MaxVolatility &&
		score.Liquidity >= p.MinLiquidity
}

func (e *Engine) isAllowed(symbol string) bool {
	for _, allowed := range e.allowed {
		if strings.EqualFold(allowed, symbol) {
			return true
		}
	}
	return false
}

// restoreHistory 在构造时从存储恢复历史，失败只降级为空历史。
func (e *Engine) restoreHistory() {
	if e.store == nil {
		return
	}
	raw, err := e.store.Get(context.Background(), historyStorageKey)
	if err != nil {
		return
	}
	var history []*Decision
	if err := json.Unmarshal(raw, &history); err != nil {
		logger.L().Warn("决策历史反序列化失败，从空历史启动", slog.Any("error", err))
		return
	}
	if len(history) > e.historyCap {
		history = history[:e.historyCap]
	}
	e.history = history
}

// persistHistory 尽力持久化历史快照，失败只记录日志。
func (e *Engine) persistHistory(ctx context.Context) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	encoded, err := json.Marshal(e.history)
	e.mu.Unlock()
	if err != nil {
		logger.L().Warn("决策历史序列化失败", slog.Any("error", err))
		return
	}
	if err := e.store.Set(ctx, historyStorageKey, encoded); err != nil {
		logger.L().Warn("决策历史持久化失败", slog.Any("error", err))
	}
}

func appendNote(reason, note string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return note
	}
	return reason + "（" + note + "）"
}

func cloneBalances(balances market.Balances) map[string]string {
	if balances == nil {
		return nil
	}
	clone := make(map[string]string, len(balances))
	for symbol, amount := range balances {
		clone[symbol] = amount
	}
	return clone
}

func parseBalance(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

// portfolioValue 以余额数值之和近似组合总值，用于比例裁剪。
func portfolioValue(balances market.Balances) float64 {
	total := 0.0
	for _, raw := range balances {
		total += parseBalance(raw)
	}
	return total
}

func formatAmount(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
