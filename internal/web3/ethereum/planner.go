package ethereum

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AutoDCA-Chain/internal/decision"
	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/internal/web3"
)

// CallPlanner 把交易决策编码为对兑换路由合约的调用。路由合约
// 地址必须包含在执行凭证的作用域内。
type CallPlanner struct {
	Router common.Address
	Tokens []TokenBinding
}

// PlanCalls 实现编排层的调用规划接口。
func (p *CallPlanner) PlanCalls(d *decision.Decision) ([]web3.Call, error) {
	if p == nil || p.Router == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置兑换路由地址")
	}
	if d == nil || d.Action == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "决策不能为空")
	}

	source, err := p.binding(decision.SourceOf(d.Action))
	if err != nil {
		return nil, err
	}
	target, err := p.resolveTarget(d.Action)
	if err != nil {
		return nil, err
	}
	amount, err := parseUnits(decision.AmountOf(d.Action), source.Decimals)
	if err != nil {
		return nil, err
	}

	call := web3.Call{To: p.Router, Data: swapCalldata(source.Address, target.Address, amount)}
	if source.Native {
		call.Value = amount.String()
	}
	return []web3.Call{call}, nil
}

// resolveTarget 推导动作的目标资产：卖出类动作的隐含目标分别是
// 原生资产与稳定资产。
func (p *CallPlanner) resolveTarget(a decision.Action) (TokenBinding, error) {
	if target := decision.TargetOf(a); target != "" {
		return p.binding(target)
	}
	switch a.(type) {
	case decision.SellToBase:
		return p.flagged(func(t TokenBinding) bool { return t.Native })
	case decision.SellToStable:
		return p.flagged(func(t TokenBinding) bool { return t.Stable })
	default:
		return TokenBinding{}, xerrors.New(xerrors.CodeInvalidArgument, "动作 "+a.Kind()+" 无法规划链上调用")
	}
}

func (p *CallPlanner) binding(symbol string) (TokenBinding, error) {
	for _, token := range p.Tokens {
		if strings.EqualFold(token.Symbol, symbol) {
			return token, nil
		}
	}
	return TokenBinding{}, xerrors.New(xerrors.CodeNotFound, "未绑定的资产: "+symbol)
}

func (p *CallPlanner) flagged(match func(TokenBinding) bool) (TokenBinding, error) {
	for _, token := range p.Tokens {
		if match(token) {
			return token, nil
		}
	}
	return TokenBinding{}, xerrors.New(xerrors.CodeNotFound, "缺少原生或稳定资产绑定")
}

// swapCalldata 构造 executeSwap(address,address,uint256) 的调用数据。
func swapCalldata(source, target common.Address, amount *big.Int) []byte {
	selector := crypto.Keccak256([]byte("executeSwap(address,address,uint256)"))[:4]
	data := make([]byte, 0, 100)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(source.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(target.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// parseUnits 把十进制数量字符串换算成最小单位整数。
func parseUnits(raw string, decimals int) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数量不能为空")
	}
	parts := strings.SplitN(raw, ".", 2)
	integer := parts[0]
	fraction := ""
	if len(parts) == 2 {
		fraction = parts[1]
	}
	if len(fraction) > decimals {
		fraction = fraction[:decimals]
	}
	for len(fraction) < decimals {
		fraction += "0"
	}
	combined := strings.TrimLeft(integer+fraction, "0")
	if combined == "" {
		combined = "0"
	}
	value, ok := new(big.Int).SetString(combined, 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的数量: "+raw)
	}
	return value, nil
}
