package web3

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/internal/grant"
	"AutoDCA-Chain/internal/market"
)

const (
	// CodeOperationInFlight 表示节点侧已存在冲突的在途操作，
	// 调用方应当改为轮询确认而不是重新提交。
	CodeOperationInFlight xerrors.Code = "OPERATION_IN_FLIGHT"
	// CodeRelayFailure 表示交易中继失败。
	CodeRelayFailure xerrors.Code = "RELAY_FAILURE"
)

func init() {
	xerrors.Register(CodeOperationInFlight, xerrors.Attributes{
		Message:   "conflicting in-flight operation",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRelayFailure, xerrors.Attributes{
		Message:   "transaction relay failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// inFlightMarkers 是各类节点对"同一账户已有在途交易"的报错片段。
var inFlightMarkers = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"known transaction",
}

// MapSubmitError 把节点返回的提交错误归一化为统一错误码。
func MapSubmitError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range inFlightMarkers {
		if strings.Contains(msg, marker) {
			return xerrors.Wrap(CodeOperationInFlight, err, "存在冲突的在途操作")
		}
	}
	return xerrors.Wrap(CodeRelayFailure, err, "交易中继失败")
}

// Call 是一笔待执行的链上调用。
type Call struct {
	To    common.Address
	Data  []byte
	Value string
}

// OperationHandle 标识一次已提交的批量操作。
type OperationHandle struct {
	ID          string        `json:"id"`
	TxHashes    []common.Hash `json:"tx_hashes"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// Receipt 是一次批量操作的确认结果。
type Receipt struct {
	Success     bool   `json:"success"`
	Details     string `json:"details"`
	GasUsed     uint64 `json:"gas_used"`
	BlockNumber uint64 `json:"block_number"`
}

// Gateway 是外部链网关的统一接口。实现必须把"在途操作冲突"
// 映射为 OPERATION_IN_FLIGHT，让编排层改走轮询确认路径。
type Gateway interface {
	SubmitBatch(ctx context.Context, executor string, g *grant.CapabilityGrant, calls []Call) (*OperationHandle, error)
	WaitForReceipt(ctx context.Context, handle *OperationHandle, timeout time.Duration) (*Receipt, error)
	// GetBytecode 返回地址上的合约字节码，普通账户返回 nil。
	GetBytecode(ctx context.Context, address string) ([]byte, error)
	GetBalances(ctx context.Context, address string) (market.Balances, error)
	GetMarketMetrics(ctx context.Context) (market.Metrics, error)
	RevokeGrant(ctx context.Context, g *grant.CapabilityGrant) error
	Close()
}
