package grant

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/internal/storage"
	"AutoDCA-Chain/pkg/logger"
)

// Signer 抽象了所有者的交互式签名过程。签名代价较高（需要用户
// 确认），因此 Manager 会尽量复用缓存凭证。
type Signer interface {
	SignGrant(ctx context.Context, grant *CapabilityGrant) (string, error)
}

// Revoker 负责把凭证的撤销动作落到链上。
type Revoker interface {
	RevokeGrant(ctx context.Context, grant *CapabilityGrant) error
}

// Manager 独占管理每个 (grantor, grantee) 账户对的当前凭证。
type Manager struct {
	store   storage.Store
	signer  Signer
	revoker Revoker
	scope   []ScopePair
	ttl     time.Duration
	now     func() time.Time
}

// Option 定义可选的 Manager 配置。
type Option func(*Manager)

// WithTTL 设置新凭证的有效期，0 表示永不过期。
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithRevoker 配置链上撤销器。
func WithRevoker(revoker Revoker) Option {
	return func(m *Manager) {
		m.revoker = revoker
	}
}

// WithClock 覆盖时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建凭证管理器。scope 是固定的调用白名单，
// 后续创建的每份凭证都只覆盖这份白名单，绝不静默扩大。
func NewManager(store storage.Store, signer Signer, scope []ScopePair, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		signer: signer,
		scope:  append([]ScopePair(nil), scope...),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// EnsureGrant 返回匹配账户对的缓存凭证；缓存缺失、身份或作用域
// 不匹配、签名为空时创建并持久化一份新凭证。
func (m *Manager) EnsureGrant(ctx context.Context, grantor, grantee string) (*CapabilityGrant, error) {
	if m.store == nil || m.signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "凭证管理器未初始化")
	}
	grantor = strings.TrimSpace(grantor)
	grantee = strings.TrimSpace(grantee)
	if grantor == "" || grantee == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "grantor 与 grantee 不能为空")
	}

	cached, err := m.load(ctx, grantor, grantee)
	if err == nil && cached != nil {
		if cached.Matches(grantor, grantee) && cached.Signature != "" && cached.CoversScope(m.scope) {
			return cached, nil
		}
		// 身份或作用域不匹配：丢弃缓存，透明地重新签发。
		logger.L().Warn("缓存凭证与当前账户对不匹配，重新签发",
			slog.String("grantor", grantor),
			slog.String("grantee", grantee),
		)
	}

	return m.mint(ctx, grantor, grantee)
}

// IsExpired 判断凭证是否过期。未设置 ExpiresAt 的凭证永不过期。
func (m *Manager) IsExpired(grant *CapabilityGrant) bool {
	if grant == nil {
		return true
	}
	if grant.ExpiresAt == 0 {
		return false
	}
	return m.now().Unix() > grant.ExpiresAt
}

// Renew 无条件创建并持久化一份新凭证，替换任何缓存。
func (m *Manager) Renew(ctx context.Context, grantor, grantee string) (*CapabilityGrant, error) {
	if m.store == nil || m.signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "凭证管理器未初始化")
	}
	grantor = strings.TrimSpace(grantor)
	grantee = strings.TrimSpace(grantee)
	if grantor == "" || grantee == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "grantor 与 grantee 不能为空")
	}
	return m.mint(ctx, grantor, grantee)
}

// RevokeAll 尽力撤销某个所有者名下的全部活跃凭证。撤销属于紧急
// 退出流程中的纵深防御动作，单次失败只记录日志，不中断整体流程。
func (m *Manager) RevokeAll(ctx context.Context, grantor string) error {
	if m.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "凭证管理器未初始化")
	}
	grantees, err := m.loadIndex(ctx, grantor)
	if err != nil {
		return err
	}

	var lastErr error
	for _, grantee := range grantees {
		cached, loadErr := m.load(ctx, grantor, grantee)
		if loadErr != nil {
			if stdErrors.Is(loadErr, storage.ErrKeyNotFound) {
				continue
			}
			lastErr = loadErr
			continue
		}
		if m.revoker != nil {
			if revokeErr := m.revoker.RevokeGrant(ctx, cached); revokeErr != nil {
				lastErr = xerrors.Wrap(CodeGrantRevocation, revokeErr, "链上撤销凭证失败")
				logger.L().Error("链上撤销凭证失败",
					slog.Any("error", revokeErr),
					slog.String("grantor", grantor),
					slog.String("grantee", grantee),
				)
			}
		}
		if removeErr := m.store.Remove(ctx, Key(grantor, grantee)); removeErr != nil {
			lastErr = removeErr
		}
	}
	if removeErr := m.store.Remove(ctx, indexKey(grantor)); removeErr != nil {
		lastErr = removeErr
	}
	logger.Trail().Info("凭证批量撤销完成",
		slog.String("grantor", grantor),
		slog.Int("count", len(grantees)),
		slog.Bool("clean", lastErr == nil),
	)
	return lastErr
}

// mint 创建、签名并持久化一份新凭证。
func (m *Manager) mint(ctx context.Context, grantor, grantee string) (*CapabilityGrant, error) {
	now := m.now()
	fresh := &CapabilityGrant{
		Schema:    SchemaVersion,
		Grantor:   grantor,
		Grantee:   grantee,
		ScopeKind: ScopeKindAllowList,
		CreatedAt: now.Unix(),
	}
	for _, pair := range m.scope {
		fresh.Targets = append(fresh.Targets, pair.Target)
		fresh.Selectors = append(fresh.Selectors, pair.Selector)
	}
	if m.ttl > 0 {
		fresh.ExpiresAt = now.Add(m.ttl).Unix()
	}

	signature, err := m.signer.SignGrant(ctx, fresh)
	if err != nil {
		return nil, xerrors.Wrap(CodeGrantSigning, err, "所有者签名失败")
	}
	if strings.TrimSpace(signature) == "" {
		return nil, ErrGrantSigning
	}
	fresh.Signature = signature

	if err := m.persist(ctx, fresh); err != nil {
		return nil, err
	}
	logger.Trail().Info("凭证已签发",
		slog.String("grantor", grantor),
		slog.String("grantee", grantee),
		slog.Int64("expires_at", fresh.ExpiresAt),
		slog.Int("scope_size", len(fresh.Targets)),
	)
	return fresh, nil
}

// load 读取并按需迁移缓存凭证。
func (m *Manager) load(ctx context.Context, grantor, grantee string) (*CapabilityGrant, error) {
	raw, err := m.store.Get(ctx, Key(grantor, grantee))
	if err != nil {
		return nil, err
	}
	cached, migrated, err := decodeGrant(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取凭证失败")
	}
	if migrated {
		// 迁移写回是尽力而为：失败只意味着下次读取时再迁移一遍。
		if persistErr := m.persist(ctx, cached); persistErr != nil {
			logger.L().Warn("凭证结构迁移写回失败", slog.Any("error", persistErr))
		}
	}
	return cached, nil
}

// persist 保存凭证并维护所有者索引。
func (m *Manager) persist(ctx context.Context, grant *CapabilityGrant) error {
	encoded, err := json.Marshal(grant)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化凭证失败")
	}
	if err := m.store.Set(ctx, Key(grant.Grantor, grant.Grantee), encoded); err != nil {
		return err
	}
	return m.updateIndex(ctx, grant.Grantor, grant.Grantee)
}

func (m *Manager) loadIndex(ctx context.Context, grantor string) ([]string, error) {
	raw, err := m.store.Get(ctx, indexKey(grantor))
	if err != nil {
		if stdErrors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var grantees []string
	if err := json.Unmarshal(raw, &grantees); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析凭证索引失败")
	}
	return grantees, nil
}

func (m *Manager) updateIndex(ctx context.Context, grantor, grantee string) error {
	grantees, err := m.loadIndex(ctx, grantor)
	if err != nil {
		return err
	}
	lowered := strings.ToLower(grantee)
	for _, existing := range grantees {
		if existing == lowered {
			return nil
		}
	}
	grantees = append(grantees, lowered)
	encoded, err := json.Marshal(grantees)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化凭证索引失败")
	}
	return m.store.Set(ctx, indexKey(grantor), encoded)
}
