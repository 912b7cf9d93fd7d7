package ethereum

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AutoDCA-Chain/internal/decision"
	xerrors "AutoDCA-Chain/internal/errors"
)

func newTestPlanner() *CallPlanner {
	return &CallPlanner{
		Router: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Tokens: []TokenBinding{
			{Symbol: "ETH", Decimals: 18, Native: true},
			{Symbol: "USDC", Address: common.HexToAddress("0x00000000000000000000000000000000000000b1"), Decimals: 6, Stable: true},
			{Symbol: "WETH", Address: common.HexToAddress("0x00000000000000000000000000000000000000b2"), Decimals: 18},
		},
	}
}

func TestPlanCallsBuy(t *testing.T) {
	p := newTestPlanner()
	calls, err := p.PlanCalls(&decision.Decision{
		Action: decision.Buy{Source: "USDC", Target: "WETH", Amount: "1.5"},
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("期望 1 笔调用, got %d", len(calls))
	}
	call := calls[0]
	if call.To != p.Router {
		t.Fatalf("调用必须指向路由合约, got %s", call.To.Hex())
	}
	if call.Value != "" {
		t.Fatalf("ERC20 来源不应携带原生价值, got %q", call.Value)
	}
	if len(call.Data) != 4+3*32 {
		t.Fatalf("调用数据长度异常: %d", len(call.Data))
	}
	// 1.5 USDC = 1_500_000 最小单位，出现在最后一个参数槽
	amountSlot := call.Data[4+2*32:]
	if !bytes.Equal(amountSlot, common.LeftPadBytes([]byte{0x16, 0xe3, 0x60}, 32)) {
		t.Fatalf("数量编码错误: %x", amountSlot)
	}
}

func TestPlanCallsNativeSourceCarriesValue(t *testing.T) {
	p := newTestPlanner()
	calls, err := p.PlanCalls(&decision.Decision{
		Action: decision.Swap{Source: "ETH", Target: "USDC", Amount: "2"},
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if calls[0].Value != "2000000000000000000" {
		t.Fatalf("原生来源应携带 wei 价值, got %q", calls[0].Value)
	}
}

func TestPlanCallsSellToStableImpliedTarget(t *testing.T) {
	p := newTestPlanner()
	calls, err := p.PlanCalls(&decision.Decision{
		Action: decision.SellToStable{Source: "WETH", Amount: "0.5"},
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	targetSlot := calls[0].Data[4+32 : 4+2*32]
	usdc := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	if !bytes.Equal(targetSlot, common.LeftPadBytes(usdc.Bytes(), 32)) {
		t.Fatalf("隐含目标应解析为稳定资产, got %x", targetSlot)
	}
}

func TestPlanCallsRejectsUnknownSymbolAndHold(t *testing.T) {
	p := newTestPlanner()
	if _, err := p.PlanCalls(&decision.Decision{
		Action: decision.Buy{Source: "DOGE", Target: "WETH", Amount: "1"},
	}); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("未绑定资产应返回 NOT_FOUND, got %v", err)
	}
	if _, err := p.PlanCalls(&decision.Decision{Action: decision.Hold{}}); err == nil {
		t.Fatal("Hold 不应可规划")
	}
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		raw      string
		decimals int
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"42", 0, "42"},
		{"0.1234567", 6, "123456"}, // 超出精度的尾数被截断
	}
	for _, tc := range cases {
		got, err := parseUnits(tc.raw, tc.decimals)
		if err != nil {
			t.Fatalf("parseUnits(%q, %d) 失败: %v", tc.raw, tc.decimals, err)
		}
		if got.String() != tc.want {
			t.Fatalf("parseUnits(%q, %d) = %s, want %s", tc.raw, tc.decimals, got, tc.want)
		}
	}
	if _, err := parseUnits("", 18); err == nil {
		t.Fatal("空数量应报错")
	}
	if _, err := parseUnits("abc", 18); err == nil {
		t.Fatal("非法数量应报错")
	}
}
