package grant

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "AutoDCA-Chain/internal/errors"
)

// SchemaVersion 是当前持久化凭证的结构版本。
const SchemaVersion = 2

// ScopeKindAllowList 表示凭证作用域为显式 (合约, 选择器) 白名单。
const ScopeKindAllowList = "allow_list"

// CapabilityGrant 描述一份由资产所有者签名、授权代理账户在限定
// 范围内代为执行链上调用的凭证。Grantor/Grantee 在创建后不可变更。
type CapabilityGrant struct {
	Schema    int      `json:"schema_version"`
	Grantor   string   `json:"grantor"`
	Grantee   string   `json:"grantee"`
	Targets   []string `json:"targets"`
	Selectors []string `json:"selectors"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
	Signature string   `json:"signature"`
	ScopeKind string   `json:"scope_kind"`
	CreatedAt int64    `json:"created_at"`
}

// ScopePair 表示一个允许调用的 (合约地址, 函数选择器) 组合。
type ScopePair struct {
	Target   string
	Selector string
}

var (
	// ErrGrantExpired 表示凭证已过期，执行被拒绝，需要用户续签。
	ErrGrantExpired = xerrors.New(CodeGrantExpired, "capability grant expired")
	// ErrGrantScopeMismatch 表示缓存凭证与期望作用域不一致。
	ErrGrantScopeMismatch = xerrors.New(CodeGrantScopeMismatch, "capability grant scope mismatch")
	// ErrGrantSigning 表示凭证签名失败。
	ErrGrantSigning = xerrors.New(CodeGrantSigning, "capability grant signing failed")
)

const (
	CodeGrantExpired       xerrors.Code = "GRANT_EXPIRED"
	CodeGrantScopeMismatch xerrors.Code = "GRANT_SCOPE_MISMATCH"
	CodeGrantSigning       xerrors.Code = "GRANT_SIGNING_FAILED"
	CodeGrantRevocation    xerrors.Code = "GRANT_REVOCATION_FAILED"
)

func init() {
	xerrors.Register(CodeGrantExpired, xerrors.Attributes{
		Message:   "capability grant expired",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGrantScopeMismatch, xerrors.Attributes{
		Message:   "capability grant scope mismatch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGrantSigning, xerrors.Attributes{
		Message:   "capability grant signing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeGrantRevocation, xerrors.Attributes{
		Message:   "capability grant revocation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Key 返回凭证在存储中的组合键，地址统一转为小写。
func Key(grantor, grantee string) string {
	return fmt.Sprintf("grant:%s:%s", strings.ToLower(strings.TrimSpace(grantor)), strings.ToLower(strings.TrimSpace(grantee)))
}

// indexKey 返回某个所有者名下全部凭证的索引键。
func indexKey(grantor string) string {
	return "grant:index:" + strings.ToLower(strings.TrimSpace(grantor))
}

// Matches 判断凭证双方身份是否与给定账户对一致（大小写不敏感）。
func (g *CapabilityGrant) Matches(grantor, grantee string) bool {
	if g == nil {
		return false
	}
	return strings.EqualFold(g.Grantor, strings.TrimSpace(grantor)) &&
		strings.EqualFold(g.Grantee, strings.TrimSpace(grantee))
}

// CoversScope 判断凭证作用域是否与期望的白名单完全一致。
// 比较是保序的：作用域在创建时即按配置顺序写入。
func (g *CapabilityGrant) CoversScope(scope []ScopePair) bool {
	if g == nil {
		return false
	}
	if len(g.Targets) != len(scope) || len(g.Selectors) != len(scope) {
		return false
	}
	for i, pair := range scope {
		if !strings.EqualFold(g.Targets[i], pair.Target) || g.Selectors[i] != pair.Selector {
			return false
		}
	}
	return true
}

// legacyGrant 是迁移前的扁平持久化结构（无 schema_version 字段）。
type legacyGrant struct {
	Owner  string `json:"owner"`
	Agent  string `json:"agent"`
	Expiry int64  `json:"expiry,omitempty"`
	Sig    string `json:"sig"`
	Scope  []struct {
		Target   string `json:"target"`
		Selector string `json:"selector"`
	} `json:"scope"`
	CreatedAt int64 `json:"created_at,omitempty"`
}

// decodeGrant 解析持久化凭证。旧版扁平结构在此一次性迁移为
// 规范结构，调用方负责把迁移结果写回存储。
func decodeGrant(raw []byte) (*CapabilityGrant, bool, error) {
	var probe struct {
		Schema int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false, fmt.Errorf("解析凭证失败: %w", err)
	}

	if probe.Schema >= SchemaVersion {
		var grant CapabilityGrant
		if err := json.Unmarshal(raw, &grant); err != nil {
			return nil, false, fmt.Errorf("解析凭证失败: %w", err)
		}
		return &grant, false, nil
	}

	var legacy legacyGrant
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, false, fmt.Errorf("解析旧版凭证失败: %w", err)
	}
	migrated := &CapabilityGrant{
		Schema:    SchemaVersion,
		Grantor:   legacy.Owner,
		Grantee:   legacy.Agent,
		ExpiresAt: legacy.Expiry,
		Signature: legacy.Sig,
		ScopeKind: ScopeKindAllowList,
		CreatedAt: legacy.CreatedAt,
	}
	for _, pair := range legacy.Scope {
		migrated.Targets = append(migrated.Targets, pair.Target)
		migrated.Selectors = append(migrated.Selectors, pair.Selector)
	}
	return migrated, true, nil
}
