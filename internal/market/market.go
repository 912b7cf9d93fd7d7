// Package market 定义余额与市场指标采集方的边界。具体取数逻辑由
// 链网关或外部行情服务实现，核心编排逻辑只消费这里的类型。
package market

import "context"

// Balances 是 symbol 到十进制余额字符串的映射。
type Balances map[string]string

// LargeTransfer 描述一笔近期观测到的大额转账。
type LargeTransfer struct {
	Hash   string `json:"hash"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// TokenScore 是单个资产的量化评分，取值范围 [0,1]。
type TokenScore struct {
	Symbol     string  `json:"symbol"`
	Momentum   float64 `json:"momentum"`
	Volatility float64 `json:"volatility"`
	Liquidity  float64 `json:"liquidity"`
}

// Metrics 汇总当前链上市场活跃度与各资产评分。
type Metrics struct {
	TxCountToday         int64           `json:"tx_count_today"`
	FeesTodayEth         string          `json:"fees_today_eth"`
	RecentLargeTransfers []LargeTransfer `json:"recent_large_transfers"`
	TokenScores          []TokenScore    `json:"token_scores"`
}

// ScoreOf 返回指定资产的评分，不存在时第二个返回值为 false。
func (m Metrics) ScoreOf(symbol string) (TokenScore, bool) {
	for _, score := range m.TokenScores {
		if score.Symbol == symbol {
			return score, true
		}
	}
	return TokenScore{}, false
}

// Provider 是余额与市场指标采集方的统一接口。
type Provider interface {
	GetBalances(ctx context.Context, address string) (Balances, error)
	GetMarketMetrics(ctx context.Context) (Metrics, error)
}

// StaticProvider 返回固定数据，用于测试与演练模式。
type StaticProvider struct {
	Balances Balances
	Metrics  Metrics
}

// GetBalances 实现 Provider 接口。
func (p *StaticProvider) GetBalances(context.Context, string) (Balances, error) {
	clone := make(Balances, len(p.Balances))
	for symbol, amount := range p.Balances {
		clone[symbol] = amount
	}
	return clone, nil
}

// GetMarketMetrics 实现 Provider 接口。
func (p *StaticProvider) GetMarketMetrics(context.Context) (Metrics, error) {
	return p.Metrics, nil
}
