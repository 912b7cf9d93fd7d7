package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"AutoDCA-Chain/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容接口产生交易决策。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 调用推理服务生成结构化的交易动作。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	var structured struct {
		Thought string          `json:"thought"`
		Action  json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err == nil && len(structured.Action) > 0 {
		return &llm.Response{Thought: structured.Thought, Content: string(structured.Action)}, nil
	}
	// 模型有时直接返回动作对象本身，原样交给引擎解析。
	return &llm.Response{Content: content}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the reasoning engine of a delegated dollar-cost-averaging agent. " +
	"Always respond with a compact JSON object: " +
	`{"thought": string, "action": {"action": "buy"|"swap"|"hold"|"sell_to_base"|"sell_to_stable", ` +
	`"source": string, "target": string, "amount": string, "reason": string, ` +
	`"duration_seconds": number, "next_interval_seconds": number, "confidence": number}}. ` +
	"Only choose targets from the allow-list. Amounts are decimal strings in source-token units. " +
	"For hold actions set duration_seconds to how long the position should stay untouched."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## 账户持仓\n")
	symbols := make([]string, 0, len(req.Balances))
	for symbol := range req.Balances {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		builder.WriteString(fmt.Sprintf("%s: %s\n", symbol, req.Balances[symbol]))
	}

	builder.WriteString("\n## 市场活跃度\n")
	builder.WriteString(fmt.Sprintf("今日交易数: %d | 今日手续费: %s | 近期大额转账: %d\n",
		req.Market.TxCountToday, req.Market.FeesTodayEth, req.Market.LargeTransfers))

	if len(req.TokenMetrics) > 0 {
		builder.WriteString("\n## 资产指标\n")
		for idx, metric := range req.TokenMetrics {
			builder.WriteString(fmt.Sprintf("[%d] %s 动量:%.2f 波动:%.2f 流动性:%.2f\n",
				idx+1, metric.Symbol, metric.Momentum, metric.Volatility, metric.Liquidity))
			if idx >= 9 {
				break
			}
		}
	}

	builder.WriteString("\n## 风险立场\n")
	builder.WriteString(fmt.Sprintf("人格: %s\n%s\n", req.Personality, strings.TrimSpace(req.Posture)))

	if len(req.RecentTargets) > 0 {
		builder.WriteString("\n## 近期已选标的\n")
		builder.WriteString(strings.Join(req.RecentTargets, ", "))
		builder.WriteString("\n避免连续集中于同一标的。\n")
	}

	builder.WriteString("\n## 可选标的白名单\n")
	builder.WriteString(strings.Join(req.AllowedTargets, ", "))
	builder.WriteString(fmt.Sprintf("\n稳定资产: %s | 原生资产: %s\n", req.StableSymbol, req.NativeSymbol))

	builder.WriteString("\n请依据上述信息给出下一步动作的 JSON。")
	return builder.String()
}
