// Package ethereum 是外部链网关在 EVM 兼容链上的实现。
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/internal/grant"
	"AutoDCA-Chain/internal/market"
	"AutoDCA-Chain/internal/web3"
)

const (
	defaultPollInterval = 2 * time.Second
	fallbackGasLimit    = 250_000
	sampledBlocks       = 5
	// 以 12 秒出块估算的每日区块数，用于把采样外推成日指标。
	blocksPerDay = 7200
)

// whaleThresholdWei 是判定大额转账的原生资产数量（100 个）。
var whaleThresholdWei = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))

// TokenBinding 把资产符号绑定到链上地址。
type TokenBinding struct {
	Symbol   string
	Address  common.Address
	Decimals int
	Native   bool
	Stable   bool
}

// Config 描述构建 EVM 网关所需的信息。
type Config struct {
	Name          string
	RPCURL        string
	BatchRPCURL   string
	Notes         string
	ExecutorKey   string
	GrantRegistry string
	Tokens        []TokenBinding
	PollInterval  time.Duration
}

// Client 在 EVM 兼容链上实现 web3.Gateway。
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	batchClient  *gethrpc.Client
	eth          *ethclient.Client
	backend      bind.ContractBackend
	chainID      *big.Int
	executorKey  *ecdsa.PrivateKey
	registry     common.Address
	tokens       []TokenBinding
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewClient 连接配置的 RPC 端点并返回可用的网关。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	c := &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		rpcClient:    rpcClient,
		batchClient:  batchClient,
		eth:          eth,
		backend:      eth,
		tokens:       append([]TokenBinding(nil), cfg.Tokens...),
		pollInterval: cfg.PollInterval,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if key := strings.TrimSpace(cfg.ExecutorKey); key != "" {
		parsed, keyErr := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if keyErr != nil {
			return nil, fmt.Errorf("解析执行私钥失败: %w", keyErr)
		}
		c.executorKey = parsed
	}
	if registry := strings.TrimSpace(cfg.GrantRegistry); registry != "" {
		c.registry = common.HexToAddress(registry)
	}
	return c, nil
}

// NewSimulatedClient 基于 go-ethereum 模拟后端构建网关，测试用。
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend, key *ecdsa.PrivateKey, tokens []TokenBinding) *Client {
	return &Client{
		name:         name,
		notes:        "simulated backend",
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		executorKey:  key,
		tokens:       append([]TokenBinding(nil), tokens...),
		pollInterval: 20 * time.Millisecond,
	}
}

// Close 释放客户端持有的网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// SubmitBatch 校验凭证作用域后签名并批量广播全部调用。
func (c *Client) SubmitBatch(ctx context.Context, executor string, g *grant.CapabilityGrant, calls []web3.Call) (*web3.OperationHandle, error) {
	if len(calls) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可提交的调用")
	}
	if g == nil || strings.TrimSpace(g.Signature) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少已签名的执行凭证")
	}
	if g.ExpiresAt != 0 && time.Now().Unix() > g.ExpiresAt {
		return nil, grant.ErrGrantExpired
	}
	for _, call := range calls {
		if !grantCovers(g, call.To) {
			return nil, grant.ErrGrantScopeMismatch
		}
	}
	if c.executorKey == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "网关未配置执行私钥")
	}
	from := crypto.PubkeyToAddress(c.executorKey.PublicKey)
	if executor != "" && !strings.EqualFold(executor, from.Hex()) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行账户与网关私钥不匹配")
	}

	signed, err := c.signCalls(ctx, from, calls)
	if err != nil {
		return nil, err
	}
	hashes, err := c.broadcast(ctx, signed)
	if err != nil {
		return nil, err
	}
	return &web3.OperationHandle{
		ID:          uuid.NewString(),
		TxHashes:    hashes,
		SubmittedAt: time.Now(),
	}, nil
}

// WaitForReceipt 轮询直到批内全部交易确认或超时。
func (c *Client) WaitForReceipt(ctx context.Context, handle *web3.OperationHandle, timeout time.Duration) (*web3.Receipt, error) {
	if handle == nil || len(handle.TxHashes) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无效的操作句柄")
	}
	reader := c.receiptReader()
	if reader == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前网关不支持回执查询")
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := c.collectReceipts(ctx, reader, handle.TxHashes)
		if err != nil {
			return nil, err
		}
		if done {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, xerrors.New(xerrors.CodeNetworkTimeout, "等待交易回执超时",
				xerrors.WithMetadata("operation_id", handle.ID))
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeNetworkTimeout, ctx.Err(), "等待交易回执被取消")
		case <-ticker.C:
		}
	}
}

// GetBytecode 返回地址上的合约字节码，普通账户返回 nil。
func (c *Client) GetBytecode(ctx context.Context, address string) ([]byte, error) {
	code, err := c.backend.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkTimeout, err, "查询字节码失败")
	}
	if len(code) == 0 {
		return nil, nil
	}
	return code, nil
}

// GetBalances 读取全部已绑定资产的余额，返回十进制字符串。
func (c *Client) GetBalances(ctx context.Context, address string) (market.Balances, error) {
	owner := common.HexToAddress(address)
	balances := make(market.Balances, len(c.tokens))
	for _, token := range c.tokens {
		var raw *big.Int
		var err error
		if token.Native {
			reader := c.balanceReader()
			if reader == nil {
				return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前网关不支持余额查询")
			}
			raw, err = reader.BalanceAt(ctx, owner, nil)
		} else {
			raw, err = c.erc20Balance(ctx, token.Address, owner)
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeNetworkTimeout, err, "查询 "+token.Symbol+" 余额失败")
		}
		balances[token.Symbol] = formatUnits(raw, token.Decimals)
	}
	return balances, nil
}

// GetMarketMetrics 采样最近的区块并外推成日级指标。
func (c *Client) GetMarketMetrics(ctx context.Context) (market.Metrics, error) {
	reader := c.blockReader()
	if reader == nil {
		return market.Metrics{}, xerrors.New(xerrors.CodeInitializationFailure, "当前网关不支持区块查询")
	}

	head, err := reader.BlockByNumber(ctx, nil)
	if err != nil {
		return market.Metrics{}, xerrors.Wrap(xerrors.CodeNetworkTimeout, err, "读取最新区块失败")
	}

	nativeSymbol := c.nativeSymbol()
	txCount := 0
	fees := new(big.Int)
	var transfers []market.LargeTransfer
	sampled := 0

	number := new(big.Int).Set(head.Number())
	for i := 0; i < sampledBlocks && number.Sign() >= 0; i++ {
		block := head
		if i > 0 {
			block, err = reader.BlockByNumber(ctx, number)
			if err != nil {
				break
			}
		}
		sampled++
		txCount += len(block.Transactions())
		if block.BaseFee() != nil {
			blockFee := new(big.Int).Mul(block.BaseFee(), new(big.Int).SetUint64(block.GasUsed()))
			fees.Add(fees, blockFee)
		}
		for _, tx := range block.Transactions() {
			if tx.Value() != nil && tx.Value().Cmp(whaleThresholdWei) >= 0 {
				transfers = append(transfers, market.LargeTransfer{
					Hash:   tx.Hash().Hex(),
					Token:  nativeSymbol,
					Amount: formatUnits(tx.Value(), 18),
				})
			}
		}
		number.Sub(number, big.NewInt(1))
	}

	metrics := market.Metrics{RecentLargeTransfers: transfers}
	if sampled > 0 {
		metrics.TxCountToday = int64(txCount) * blocksPerDay / int64(sampled)
		dailyFees := new(big.Int).Mul(fees, big.NewInt(blocksPerDay))
		dailyFees.Div(dailyFees, big.NewInt(int64(sampled)))
		metrics.FeesTodayEth = formatUnits(dailyFees, 18)
	}
	return metrics, nil
}

// RevokeGrant 向授权注册表合约发送撤销调用。未配置注册表地址时
// 撤销只发生在本地存储侧，这里直接返回成功。
func (c *Client) RevokeGrant(ctx context.Context, g *grant.CapabilityGrant) error {
	if g == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证不能为空")
	}
	if c.registry == (common.Address{}) {
		return nil
	}
	if c.executorKey == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "网关未配置执行私钥")
	}

	from := crypto.PubkeyToAddress(c.executorKey.PublicKey)
	call := web3.Call{To: c.registry, Data: revokeCalldata(g)}
	signed, err := c.signCalls(ctx, from, []web3.Call{call})
	if err != nil {
		return xerrors.Wrap(grant.CodeGrantRevocation, err, "构建撤销交易失败")
	}
	if _, err := c.broadcast(ctx, signed); err != nil {
		return xerrors.Wrap(grant.CodeGrantRevocation, err, "广播撤销交易失败")
	}
	return nil
}

// signCalls 为每笔调用装配 nonce、gas 与费率并用执行私钥签名。
func (c *Client) signCalls(ctx context.Context, from common.Address, calls []web3.Call) ([]*coretypes.Transaction, error) {
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, web3.MapSubmitError(err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, web3.MapSubmitError(err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}

	signer := coretypes.LatestSignerForChainID(chainID)
	signed := make([]*coretypes.Transaction, 0, len(calls))
	for i, call := range calls {
		to := call.To
		value := parseWei(call.Value)
		gas, gasErr := c.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  call.Data,
		})
		if gasErr != nil {
			gas = fallbackGasLimit
		}
		tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce + uint64(i),
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		})
		signedTx, signErr := coretypes.SignTx(tx, signer, c.executorKey)
		if signErr != nil {
			return nil, fmt.Errorf("签名交易失败: %w", signErr)
		}
		signed = append(signed, signedTx)
	}
	return signed, nil
}

// broadcast 广播已签名交易。真实节点走批量 RPC，模拟后端直接发送。
func (c *Client) broadcast(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if backend, ok := c.backend.(*backends.SimulatedBackend); ok && c.rpcClient == nil {
		hashes := make([]common.Hash, 0, len(txs))
		for _, tx := range txs {
			if err := backend.SendTransaction(ctx, tx); err != nil {
				return nil, web3.MapSubmitError(err)
			}
			backend.Commit()
			hashes = append(hashes, tx.Hash())
		}
		return hashes, nil
	}

	if c.batchClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前网关未配置批量 RPC")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}
	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, web3.MapSubmitError(err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, web3.MapSubmitError(elems[i].Error)
		}
	}
	return hashes, nil
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// collectReceipts 聚合批内全部交易的回执。任何一笔尚未上链即返回
// done=false，等待下一轮轮询。
func (c *Client) collectReceipts(ctx context.Context, reader receiptReader, hashes []common.Hash) (*web3.Receipt, bool, error) {
	result := &web3.Receipt{Success: true}
	for _, hash := range hashes {
		receipt, err := reader.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, gethcore.NotFound) {
				return nil, false, nil
			}
			return nil, false, xerrors.Wrap(xerrors.CodeNetworkTimeout, err, "查询回执失败")
		}
		if receipt == nil {
			return nil, false, nil
		}
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			result.Success = false
			result.Details = "交易 " + hash.Hex() + " 执行回滚"
		}
		result.GasUsed += receipt.GasUsed
		if receipt.BlockNumber != nil && receipt.BlockNumber.Uint64() > result.BlockNumber {
			result.BlockNumber = receipt.BlockNumber.Uint64()
		}
	}
	if result.Details == "" {
		result.Details = fmt.Sprintf("%d 笔交易全部确认", len(hashes))
	}
	return result, true, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链 ID")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkTimeout, err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return chainID, nil
}

func (c *Client) receiptReader() receiptReader {
	if c.eth != nil {
		return c.eth
	}
	if reader, ok := c.backend.(receiptReader); ok {
		return reader
	}
	return nil
}

func (c *Client) balanceReader() interface {
	BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
} {
	if reader, ok := c.backend.(interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	}); ok {
		return reader
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

func (c *Client) blockReader() interface {
	BlockByNumber(context.Context, *big.Int) (*coretypes.Block, error)
} {
	if reader, ok := c.backend.(interface {
		BlockByNumber(context.Context, *big.Int) (*coretypes.Block, error)
	}); ok {
		return reader
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

// erc20Balance 通过 balanceOf(address) 静态调用读取代币余额。
func (c *Client) erc20Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)

	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func (c *Client) nativeSymbol() string {
	for _, token := range c.tokens {
		if token.Native {
			return token.Symbol
		}
	}
	return "ETH"
}

// balanceOfSelector 是 keccak256("balanceOf(address)") 的前四字节。
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// revokeCalldata 构造 revokeGrant(address,address) 的调用数据。
func revokeCalldata(g *grant.CapabilityGrant) []byte {
	selector := crypto.Keccak256([]byte("revokeGrant(address,address)"))[:4]
	data := make([]byte, 0, 68)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(g.Grantor).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(g.Grantee).Bytes(), 32)...)
	return data
}

func grantCovers(g *grant.CapabilityGrant, target common.Address) bool {
	for _, allowed := range g.Targets {
		if strings.EqualFold(allowed, target.Hex()) {
			return true
		}
	}
	return false
}

func parseWei(raw string) *big.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return new(big.Int)
	}
	return value
}

// formatUnits 把最小单位的整数转换为十进制字符串。
func formatUnits(value *big.Int, decimals int) string {
	if value == nil || value.Sign() == 0 {
		return "0"
	}
	if decimals <= 0 {
		return value.String()
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	integer, fraction := new(big.Int).QuoRem(value, divisor, new(big.Int))
	if fraction.Sign() == 0 {
		return integer.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%0*s", decimals, fraction.String()), "0")
	return integer.String() + "." + frac
}

var (
	_ web3.Gateway    = (*Client)(nil)
	_ market.Provider = (*Client)(nil)
	_ grant.Revoker   = (*Client)(nil)
)
