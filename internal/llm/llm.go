package llm

import "context"

// Request 描述发送给推理服务的决策上下文。
type Request struct {
	Personality    string
	Posture        string
	Balances       map[string]string
	Market         MarketSummary
	TokenMetrics   []TokenMetric
	RecentTargets  []string
	AllowedTargets []string
	StableSymbol   string
	NativeSymbol   string
}

// MarketSummary 汇总链上市场活跃度。
type MarketSummary struct {
	TxCountToday   int64
	FeesTodayEth   string
	LargeTransfers int
}

// TokenMetric 是单个资产的量化指标，取值范围 [0,1]。
type TokenMetric struct {
	Symbol     string
	Momentum   float64
	Volatility float64
	Liquidity  float64
}

// Response 是推理服务返回的结构化输出。Content 应当是一个紧凑的
// JSON 动作对象，由决策引擎负责解析与校验。
type Response struct {
	Thought string
	Content string
}

// Client 定义了调用推理服务的统一接口。实现可以随意替换，只要
// 返回内容在解析后满足动作联合类型即可。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
