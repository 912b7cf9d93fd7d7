package decision

import (
	"encoding/json"
	"strings"

	xerrors "AutoDCA-Chain/internal/errors"
)

// 动作联合类型的判别值，与推理服务约定的 JSON 契约保持一致。
const (
	KindBuy          = "buy"
	KindSwap         = "swap"
	KindHold         = "hold"
	KindSellToBase   = "sell_to_base"
	KindSellToStable = "sell_to_stable"
)

// Action 是决策引擎输出的封闭动作联合类型。除本文件定义的五种
// 动作外不存在其它实现。
type Action interface {
	Kind() string
}

// Buy 表示用 Source 资产定投买入 Target 资产。
type Buy struct {
	Source string
	Target string
	Amount string
}

// Kind 实现 Action 接口。
func (Buy) Kind() string { return KindBuy }

// Swap 表示把 Source 资产置换为 Target 资产。
type Swap struct {
	Source string
	Target string
	Amount string
}

// Kind 实现 Action 接口。
func (Swap) Kind() string { return KindSwap }

// Hold 表示本轮不交易，保持观望。观望持续 DurationSeconds 后即视
// 为已兑现，由引擎在之后的决策轮次结算为已执行。
type Hold struct {
	DurationSeconds int64
}

// Kind 实现 Action 接口。
func (Hold) Kind() string { return KindHold }

// SellToBase 表示把 Source 资产卖出为链上原生资产。
type SellToBase struct {
	Source string
	Amount string
}

// Kind 实现 Action 接口。
func (SellToBase) Kind() string { return KindSellToBase }

// SellToStable 表示把 Source 资产卖出为稳定资产。
type SellToStable struct {
	Source string
	Amount string
}

// Kind 实现 Action 接口。
func (SellToStable) Kind() string { return KindSellToStable }

// Proposal 是一条尚未经过守护规则与边界裁剪的候选动作。
type Proposal struct {
	Action              Action
	Reason              string
	NextIntervalSeconds int64
	Confidence          float64
}

// envelope 是动作在 JSON 中的扁平表示，同时用于推理服务的输出
// 解析和决策历史的持久化。
type envelope struct {
	Action              string  `json:"action"`
	Source              string  `json:"source,omitempty"`
	Target              string  `json:"target,omitempty"`
	Amount              string  `json:"amount,omitempty"`
	DurationSeconds     int64   `json:"duration_seconds,omitempty"`
	Reason              string  `json:"reason,omitempty"`
	NextIntervalSeconds int64   `json:"next_interval_seconds,omitempty"`
	Confidence          float64 `json:"confidence,omitempty"`
}

func envelopeOf(p *Proposal) envelope {
	env := envelope{
		Action:              p.Action.Kind(),
		Reason:              p.Reason,
		NextIntervalSeconds: p.NextIntervalSeconds,
		Confidence:          p.Confidence,
	}
	switch act := p.Action.(type) {
	case Buy:
		env.Source, env.Target, env.Amount = act.Source, act.Target, act.Amount
	case Swap:
		env.Source, env.Target, env.Amount = act.Source, act.Target, act.Amount
	case Hold:
		env.DurationSeconds = act.DurationSeconds
	case SellToBase:
		env.Source, env.Amount = act.Source, act.Amount
	case SellToStable:
		env.Source, env.Amount = act.Source, act.Amount
	}
	return env
}

func (env envelope) toAction() (Action, error) {
	kind := strings.ToLower(strings.TrimSpace(env.Action))
	switch kind {
	case KindBuy, KindSwap:
		if env.Source == "" || env.Target == "" || env.Amount == "" {
			return nil, xerrors.New(CodeDecisionParse, "交易动作缺少 source/target/amount 字段")
		}
		if kind == KindBuy {
			return Buy{Source: env.Source, Target: env.Target, Amount: env.Amount}, nil
		}
		return Swap{Source: env.Source, Target: env.Target, Amount: env.Amount}, nil
	case KindHold:
		return Hold{DurationSeconds: env.DurationSeconds}, nil
	case KindSellToBase:
		if env.Source == "" || env.Amount == "" {
			return nil, xerrors.New(CodeDecisionParse, "卖出动作缺少 source/amount 字段")
		}
		return SellToBase{Source: env.Source, Amount: env.Amount}, nil
	case KindSellToStable:
		if env.Source == "" || env.Amount == "" {
			return nil, xerrors.New(CodeDecisionParse, "卖出动作缺少 source/amount 字段")
		}
		return SellToStable{Source: env.Source, Amount: env.Amount}, nil
	default:
		return nil, xerrors.New(CodeDecisionParse, "未知的动作类型: "+env.Action)
	}
}

// ParseProposal 解析推理服务返回的动作 JSON。容忍模型常见的
// Markdown 代码块包装。
func ParseProposal(raw string) (*Proposal, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, xerrors.Wrap(CodeDecisionParse, err, "动作 JSON 解析失败")
	}
	action, err := env.toAction()
	if err != nil {
		return nil, err
	}
	return &Proposal{
		Action:              action,
		Reason:              env.Reason,
		NextIntervalSeconds: env.NextIntervalSeconds,
		Confidence:          env.Confidence,
	}, nil
}

// TargetOf 返回动作的目标资产，没有目标的动作返回空串。
func TargetOf(a Action) string { return targetOf(a) }

// SourceOf 返回动作的来源资产，Hold 返回空串。
func SourceOf(a Action) string { return sourceOf(a) }

// AmountOf 返回动作携带的数量，Hold 返回空串。
func AmountOf(a Action) string { return amountOf(a) }

// targetOf 返回动作的目标资产，没有目标的动作返回空串。
// sell_to_base 与 sell_to_stable 的隐含目标由引擎配置决定，
// 这里不做推断。
func targetOf(a Action) string {
	switch act := a.(type) {
	case Buy:
		return act.Target
	case Swap:
		return act.Target
	default:
		return ""
	}
}

// sourceOf 返回动作的来源资产，Hold 返回空串。
func sourceOf(a Action) string {
	switch act := a.(type) {
	case Buy:
		return act.Source
	case Swap:
		return act.Source
	case SellToBase:
		return act.Source
	case SellToStable:
		return act.Source
	default:
		return ""
	}
}

// amountOf 返回动作携带的数量，Hold 返回空串。
func amountOf(a Action) string {
	switch act := a.(type) {
	case Buy:
		return act.Amount
	case Swap:
		return act.Amount
	case SellToBase:
		return act.Amount
	case SellToStable:
		return act.Amount
	default:
		return ""
	}
}

// withAmount 返回替换了数量字段的动作副本。
func withAmount(a Action, amount string) Action {
	switch act := a.(type) {
	case Buy:
		act.Amount = amount
		return act
	case Swap:
		act.Amount = amount
		return act
	case SellToBase:
		act.Amount = amount
		return act
	case SellToStable:
		act.Amount = amount
		return act
	default:
		return a
	}
}

// withTarget 返回替换了目标资产的动作副本，对无目标动作是 no-op。
func withTarget(a Action, target string) Action {
	switch act := a.(type) {
	case Buy:
		act.Target = target
		return act
	case Swap:
		act.Target = target
		return act
	default:
		return a
	}
}
