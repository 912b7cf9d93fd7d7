// Package orchestrator 把凭证管理、决策、审计、串行执行与链网关
// 装配成完整的定投控制回路。所有对外入口（定时调度、单次执行、
// 凭证续签、状态查询）都收敛在这里。
package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"AutoDCA-Chain/internal/audit"
	"AutoDCA-Chain/internal/decision"
	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/internal/grant"
	"AutoDCA-Chain/internal/market"
	"AutoDCA-Chain/internal/observability/alerting"
	"AutoDCA-Chain/internal/observability/metrics"
	"AutoDCA-Chain/internal/opqueue"
	"AutoDCA-Chain/internal/retry"
	"AutoDCA-Chain/internal/scheduler"
	"AutoDCA-Chain/internal/trail"
	"AutoDCA-Chain/internal/web3"
	"AutoDCA-Chain/pkg/logger"
)

const (
	// CodeInsufficientBalance 表示执行前置检查发现余额不足。
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	// CodeAuditRejected 表示执行被审计 FAIL 结论拦下。
	CodeAuditRejected xerrors.Code = "AUDIT_REJECTED"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient source balance",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAuditRejected, xerrors.Attributes{
		Message:   "execution rejected by audit",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

const defaultReceiptTimeout = 2 * time.Minute

// CallPlanner 把决策转换成链上调用序列。具体的调用数据编码属于
// 链实现细节，由网关侧提供。
type CallPlanner interface {
	PlanCalls(d *decision.Decision) ([]web3.Call, error)
}

// AuditParams 是审计上下文中的固定限额。
type AuditParams struct {
	MaxDailySpend     float64
	MaxTradePortfolio float64
	MaxSlippageBps    int
	AllowedTargets    []string
	WhaleAlertCount   int
}

// Config 描述编排器的固定配置。
type Config struct {
	Grantor            string
	Executor           string
	DefaultPersonality string
	MinIntervalSeconds int64
	MaxIntervalSeconds int64
	ReceiptTimeout     time.Duration
	Retry              retry.Policy
	Audit              AuditParams
}

// Deps 汇总编排器的协作方。Trail 与 Alerts 可以为 nil。
type Deps struct {
	Grants  *grant.Manager
	Engine  *decision.Engine
	Audit   *audit.Pipeline
	Gateway web3.Gateway
	Planner CallPlanner
	Trail   trail.Publisher
	Alerts  alerting.Dispatcher
}

// RunParams 是一次执行（或一个调度周期）的参数。
type RunParams struct {
	Personality     string
	Mode            decision.Mode
	Manual          *decision.ManualParams
	IntervalSeconds int64
}

// Result 是一次完整执行的产物。未触发链上操作时 Handle 为 nil。
type Result struct {
	Decision *decision.Decision
	Report   *audit.Report
	Handle   *web3.OperationHandle
	Receipt  *web3.Receipt
}

// Status 对外暴露编排器的当前状态。
type Status struct {
	Active            bool      `json:"active"`
	NextExecutionTime time.Time `json:"next_execution_time"`
	IntervalSeconds   int64     `json:"interval_seconds"`
	LastOperationID   string    `json:"last_operation_id"`
	LastError         string    `json:"last_error"`
}

// Orchestrator 是定投控制回路的核心。链上执行经由内部的操作
// 串行器排队，任何时刻最多一笔批量操作在途。
type Orchestrator struct {
	cfg     Config
	grants  *grant.Manager
	engine  *decision.Engine
	audits  *audit.Pipeline
	gateway web3.Gateway
	planner CallPlanner
	trailer trail.Publisher
	alerts  alerting.Dispatcher

	queue *opqueue.Serializer
	timer *scheduler.Scheduler

	mu         sync.Mutex
	params     RunParams
	lastHandle *web3.OperationHandle
	lastErr    error
}

// New 创建编排器。
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Grants == nil || deps.Engine == nil || deps.Audit == nil || deps.Gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少必要协作方")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.MinIntervalSeconds <= 0 {
		cfg.MinIntervalSeconds = 60
	}
	if cfg.MaxIntervalSeconds < cfg.MinIntervalSeconds {
		cfg.MaxIntervalSeconds = 86400
	}
	if cfg.DefaultPersonality == "" {
		cfg.DefaultPersonality = decision.DefaultPersonality
	}
	return &Orchestrator{
		cfg:     cfg,
		grants:  deps.Grants,
		engine:  deps.Engine,
		audits:  deps.Audit,
		gateway: deps.Gateway,
		planner: deps.Planner,
		trailer: deps.Trail,
		alerts:  deps.Alerts,
		queue:   opqueue.New(),
		timer:   scheduler.New(),
	}, nil
}

// StartSchedule 启动（或重启）定投调度。间隔被裁剪到配置边界内。
func (o *Orchestrator) StartSchedule(ctx context.Context, params RunParams) error {
	if params.Mode == "" {
		params.Mode = decision.ModePolicy
	}
	if params.Personality == "" {
		params.Personality = o.cfg.DefaultPersonality
	}
	interval := o.clampInterval(params.IntervalSeconds, params.Personality)
	params.IntervalSeconds = interval

	o.mu.Lock()
	o.params = params
	o.lastErr = nil
	o.mu.Unlock()

	// 启动前确认授权凭证可用，过期凭证必须显式续签。
	g, err := o.grants.EnsureGrant(ctx, o.cfg.Grantor, o.cfg.Executor)
	if err != nil {
		return err
	}
	if o.grants.IsExpired(g) {
		return grant.ErrGrantExpired
	}

	// 字节码探测只用于记录执行账户是否已完成链上开通。
	if code, codeErr := o.gateway.GetBytecode(ctx, o.cfg.Executor); codeErr == nil {
		logger.L().Info("执行账户开通状态",
			slog.String("executor", o.cfg.Executor),
			slog.Bool("provisioned", len(code) > 0),
		)
	}

	return o.timer.Start(scheduler.Config{
		Interval:  time.Duration(interval) * time.Second,
		OnExecute: o.tick,
		OnError:   o.onTickError,
		OnStatusChange: func(status scheduler.Status) {
			logger.L().Info("调度状态变更",
				slog.Bool("active", status.Active),
				slog.Int64("interval_seconds", status.IntervalSeconds),
			)
		},
	})
}

// StopSchedule 停止定投调度，幂等。
func (o *Orchestrator) StopSchedule() {
	o.timer.Stop()
}

// RunOnce 立即执行一轮完整流程，不影响既有调度。
func (o *Orchestrator) RunOnce(ctx context.Context, params RunParams) (*Result, error) {
	if params.Mode == "" {
		params.Mode = decision.ModePolicy
	}
	if params.Personality == "" {
		params.Personality = o.cfg.DefaultPersonality
	}
	return o.execute(ctx, params)
}

// RenewGrant 无条件签发新凭证，替换任何缓存。
func (o *Orchestrator) RenewGrant(ctx context.Context) (*grant.CapabilityGrant, error) {
	fresh, err := o.grants.Renew(ctx, o.cfg.Grantor, o.cfg.Executor)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()
	trail.Emit(ctx, o.trailer, trail.EventGrant, fresh)
	return fresh, nil
}

// GetStatus 返回调度与最近一次执行的汇总状态。
func (o *Orchestrator) GetStatus() Status {
	timerStatus := o.timer.Status()
	o.mu.Lock()
	defer o.mu.Unlock()

	status := Status{
		Active:            timerStatus.Active,
		NextExecutionTime: timerStatus.NextExecutionTime,
		IntervalSeconds:   timerStatus.IntervalSeconds,
	}
	if o.lastHandle != nil {
		status.LastOperationID = o.lastHandle.ID
	}
	if o.lastErr != nil {
		status.LastError = o.lastErr.Error()
	}
	return status
}

// Dispose 停止调度并结清队列中尚未执行的操作。
func (o *Orchestrator) Dispose() {
	o.timer.Dispose()
	o.queue.Close()
}

// tick 是每个调度周期的入口。执行失败只记录并上报，调度保持活跃。
func (o *Orchestrator) tick(ctx context.Context) error {
	o.mu.Lock()
	params := o.params
	o.mu.Unlock()

	result, err := o.execute(ctx, params)
	if err != nil {
		return err
	}
	if result != nil && result.Decision != nil {
		o.maybeReschedule(result.Decision.NextIntervalSeconds)
	}
	return nil
}

func (o *Orchestrator) onTickError(err error) {
	o.setLastError(err)
	logger.L().Error("定投周期执行失败", slog.Any("error", err))
	if o.alerts != nil && xerrors.ShouldAlert(err) {
		_ = o.alerts.Notify(context.Background(), alerting.Event{
			Code:       xerrors.CodeOf(err),
			Message:    err.Error(),
			Severity:   xerrors.SeverityOf(err),
			Grantor:    o.cfg.Grantor,
			OccurredAt: time.Now(),
		})
	}
}

// execute 跑完一轮决策、审计与（必要时的）链上执行。
func (o *Orchestrator) execute(ctx context.Context, params RunParams) (*Result, error) {
	g, err := o.grants.EnsureGrant(ctx, o.cfg.Grantor, o.cfg.Executor)
	if err != nil {
		return nil, err
	}
	if o.grants.IsExpired(g) {
		// 过期凭证是用户可处理的状态，绝不静默续签。
		o.setLastError(grant.ErrGrantExpired)
		return nil, grant.ErrGrantExpired
	}

	balances, err := o.gateway.GetBalances(ctx, o.cfg.Grantor)
	if err != nil {
		return nil, err
	}
	marketMetrics, err := o.gateway.GetMarketMetrics(ctx)
	if err != nil {
		logger.L().Warn("市场指标采集失败，按空指标决策", slog.Any("error", err))
		marketMetrics = market.Metrics{}
	}

	d, err := o.engine.Decide(ctx, decision.Request{
		Personality: params.Personality,
		Mode:        params.Mode,
		Manual:      params.Manual,
		Balances:    balances,
		Metrics:     marketMetrics,
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveDecision(d.Origin)
	trail.Emit(ctx, o.trailer, trail.EventDecision, d)

	report := o.audits.Audit(d, audit.Context{
		Balances:          balances,
		Metrics:           marketMetrics,
		GrantExpired:      o.grants.IsExpired(g),
		MaxDailySpend:     o.cfg.Audit.MaxDailySpend,
		MaxTradePortfolio: o.cfg.Audit.MaxTradePortfolio,
		MaxSlippageBps:    o.cfg.Audit.MaxSlippageBps,
		AllowedTargets:    o.cfg.Audit.AllowedTargets,
		WhaleAlertCount:   o.cfg.Audit.WhaleAlertCount,
	})
	metrics.ObserveAudit(string(report.Status))
	trail.Emit(ctx, o.trailer, trail.EventAudit, report)

	result := &Result{Decision: d, Report: report}

	// 审计流水线本身不拦截执行，是否放行是编排策略：FAIL 一票否决。
	if report.Status == audit.StatusFail {
		err := xerrors.New(CodeAuditRejected, "审计未通过，执行被拒绝",
			xerrors.WithMetadata("decision_id", d.ID),
			xerrors.WithMetadata("risk_score", strconv.Itoa(report.RiskScore)),
		)
		o.setLastError(err)
		return result, err
	}

	// 观望不产生链上操作；它随持有期流逝兑现，由决策引擎在之后的
	// 轮次结算为已执行。
	if _, isHold := d.Action.(decision.Hold); isHold {
		o.setLastError(nil)
		return result, nil
	}

	if o.planner == nil {
		return result, xerrors.New(xerrors.CodeInitializationFailure, "未配置调用规划器")
	}
	calls, err := o.planner.PlanCalls(d)
	if err != nil {
		return result, err
	}

	// 链上执行经过串行器：任何时刻最多一笔批量操作在途。
	execErr := <-o.queue.Enqueue(ctx, func(jobCtx context.Context) error {
		return o.submitAndConfirm(jobCtx, g, d, calls, result)
	})
	if execErr != nil {
		o.setLastError(execErr)
		return result, execErr
	}
	o.setLastError(nil)
	return result, nil
}

// submitAndConfirm 执行余额前置检查、带重试的批量提交与回执确认。
func (o *Orchestrator) submitAndConfirm(ctx context.Context, g *grant.CapabilityGrant, d *decision.Decision, calls []web3.Call, result *Result) error {
	// 余额可能在决策后发生变化，提交前重新核对。
	source := decision.SourceOf(d.Action)
	amount := parseDecimal(decision.AmountOf(d.Action))
	if source != "" && amount > 0 {
		balances, err := o.gateway.GetBalances(ctx, o.cfg.Grantor)
		if err == nil && parseDecimal(balances[source]) < amount {
			return xerrors.New(CodeInsufficientBalance,
				"来源资产 "+source+" 余额不足",
				xerrors.WithMetadata("decision_id", d.ID),
			)
		}
	}

	var handle *web3.OperationHandle
	err := retry.Do(ctx, "submit_batch", o.cfg.Retry, func(attemptCtx context.Context) error {
		submitted, submitErr := o.gateway.SubmitBatch(attemptCtx, o.cfg.Executor, g, calls)
		if submitErr != nil {
			// 在途冲突说明先前的提交可能已被节点接受，改走回执轮询。
			if xerrors.CodeOf(submitErr) == web3.CodeOperationInFlight && handle != nil {
				return nil
			}
			return submitErr
		}
		handle = submitted
		return nil
	})
	if err != nil {
		return err
	}
	if handle == nil {
		return xerrors.New(web3.CodeRelayFailure, "批量提交未返回操作句柄")
	}

	o.mu.Lock()
	o.lastHandle = handle
	o.mu.Unlock()
	result.Handle = handle

	receipt, err := o.gateway.WaitForReceipt(ctx, handle, o.cfg.ReceiptTimeout)
	if err != nil {
		return err
	}
	result.Receipt = receipt
	if !receipt.Success {
		return xerrors.New(web3.CodeRelayFailure, receipt.Details,
			xerrors.WithMetadata("operation_id", handle.ID))
	}

	if err := o.engine.MarkExecuted(ctx, d.ID); err != nil {
		logger.L().Warn("标记决策已执行失败", slog.Any("error", err))
	}
	o.audits.RecordSpend(amount)
	trail.Emit(ctx, o.trailer, trail.EventExecution, map[string]any{
		"operation_id": handle.ID,
		"decision_id":  d.ID,
		"success":      receipt.Success,
		"gas_used":     receipt.GasUsed,
		"block_number": receipt.BlockNumber,
	})
	logger.Trail().Info("链上执行完成",
		slog.String("operation_id", handle.ID),
		slog.String("decision_id", d.ID),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return nil
}

// maybeReschedule 让下一个周期跟随决策给出的建议间隔。
func (o *Orchestrator) maybeReschedule(intervalSeconds int64) {
	status := o.timer.Status()
	if !status.Active {
		return
	}
	clamped := o.clampInterval(intervalSeconds, "")
	if clamped == status.IntervalSeconds {
		return
	}
	if err := o.timer.UpdateInterval(time.Duration(clamped) * time.Second); err != nil {
		logger.L().Warn("更新调度间隔失败", slog.Any("error", err))
	}
}

func (o *Orchestrator) clampInterval(seconds int64, personality string) int64 {
	if seconds <= 0 {
		if p, ok := decision.PersonalityByName(personality); ok {
			seconds = p.DefaultIntervalSeconds
		} else {
			seconds = o.cfg.MinIntervalSeconds
		}
	}
	if seconds < o.cfg.MinIntervalSeconds {
		seconds = o.cfg.MinIntervalSeconds
	}
	if seconds > o.cfg.MaxIntervalSeconds {
		seconds = o.cfg.MaxIntervalSeconds
	}
	return seconds
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

func parseDecimal(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
