// Package provider 按链名维护网关实例，配置来自 chain.yaml 与
// 顶层守护进程配置的合并结果。
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AutoDCA-Chain/internal/config"
	"AutoDCA-Chain/internal/web3"
	"AutoDCA-Chain/internal/web3/ethereum"
)

// Registry 管理一组以可读名称为键的链网关。
type Registry struct {
	defaultChain string
	clients      map[string]web3.Gateway
}

// NewRegistry 加载链定义并实例化对应的网关。
func NewRegistry(ctx context.Context, cfg config.Web3Config, tokens []config.TokenConfig) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	bindings := TokenBindings(tokens)
	clients := make(map[string]web3.Gateway)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:          name,
				RPCURL:        chain.RPCURL,
				BatchRPCURL:   chain.BatchRPCURL,
				Notes:         chain.Description,
				ExecutorKey:   cfg.ExecutorKey,
				GrantRegistry: cfg.GrantRegistry,
				Tokens:        bindings,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:          "default",
			RPCURL:        cfg.RPCURL,
			ExecutorKey:   cfg.ExecutorKey,
			GrantRegistry: cfg.GrantRegistry,
			Tokens:        bindings,
		})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultGateway 返回配置为默认链的网关。
func (r *Registry) DefaultGateway() (web3.Gateway, error) {
	if r == nil {
		return nil, errors.New("未初始化的链网关注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Gateway 返回指定名称的链网关。
func (r *Registry) Gateway(name string) (web3.Gateway, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close 释放注册表管理的全部网关。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains 返回全部已注册链名。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TokenBindings 把配置中的资产描述转换为链侧绑定。
func TokenBindings(tokens []config.TokenConfig) []ethereum.TokenBinding {
	bindings := make([]ethereum.TokenBinding, 0, len(tokens))
	for _, token := range tokens {
		bindings = append(bindings, ethereum.TokenBinding{
			Symbol:   token.Symbol,
			Address:  common.HexToAddress(token.Address),
			Decimals: token.Decimals,
			Native:   token.Native,
			Stable:   token.Stable,
		})
	}
	return bindings
}
