package grant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"AutoDCA-Chain/internal/storage"
)

type countingSigner struct {
	calls int
	fail  bool
}

func (s *countingSigner) SignGrant(_ context.Context, _ *CapabilityGrant) (string, error) {
	s.calls++
	if s.fail {
		return "", errors.New("signer unavailable")
	}
	return "0xsigned", nil
}

type recordingRevoker struct {
	revoked []string
	fail    bool
}

func (r *recordingRevoker) RevokeGrant(_ context.Context, grant *CapabilityGrant) error {
	r.revoked = append(r.revoked, grant.Grantee)
	if r.fail {
		return errors.New("rpc unavailable")
	}
	return nil
}

var testScope = []ScopePair{
	{Target: "0xRouter", Selector: "swapExactTokensForTokens(uint256,uint256,address[],address,uint256)"},
	{Target: "0xUSDC", Selector: "approve(address,uint256)"},
}

func TestEnsureGrantReusesCachedGrant(t *testing.T) {
	store := storage.NewMemoryStore()
	signer := &countingSigner{}
	manager := NewManager(store, signer, testScope, WithTTL(time.Hour))
	ctx := context.Background()

	first, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgent")
	if err != nil {
		t.Fatalf("ensure grant: %v", err)
	}
	if signer.calls != 1 {
		t.Fatalf("expected 1 signing prompt, got %d", signer.calls)
	}

	second, err := manager.EnsureGrant(ctx, "0xOWNER", "0xagent")
	if err != nil {
		t.Fatalf("ensure grant again: %v", err)
	}
	if signer.calls != 1 {
		t.Fatalf("cached grant must not trigger another signing prompt, got %d calls", signer.calls)
	}
	if first.Signature != second.Signature || first.CreatedAt != second.CreatedAt {
		t.Fatalf("expected structurally equal grants, got %+v vs %+v", first, second)
	}
}

func TestEnsureGrantReplacesMismatchedIdentity(t *testing.T) {
	store := storage.NewMemoryStore()
	signer := &countingSigner{}
	manager := NewManager(store, signer, testScope)
	ctx := context.Background()

	if _, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgent"); err != nil {
		t.Fatalf("ensure grant: %v", err)
	}

	// 同键位写入身份不符的凭证，模拟账户切换后的陈旧缓存。
	stale := &CapabilityGrant{
		Schema:    SchemaVersion,
		Grantor:   "0xSomeoneElse",
		Grantee:   "0xAgent",
		Signature: "0xstale",
		ScopeKind: ScopeKindAllowList,
	}
	raw, _ := json.Marshal(stale)
	if err := store.Set(ctx, Key("0xOwner", "0xAgent"), raw); err != nil {
		t.Fatalf("seed stale grant: %v", err)
	}

	fresh, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgent")
	if err != nil {
		t.Fatalf("ensure grant after mismatch: %v", err)
	}
	if fresh.Grantor != "0xOwner" || fresh.Signature != "0xsigned" {
		t.Fatalf("expected freshly minted grant, got %+v", fresh)
	}
	if signer.calls != 2 {
		t.Fatalf("expected re-signing after mismatch, got %d calls", signer.calls)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	manager := NewManager(storage.NewMemoryStore(), &countingSigner{}, testScope,
		WithClock(func() time.Time { return now }))

	if manager.IsExpired(&CapabilityGrant{ExpiresAt: 0}) {
		t.Fatal("grant without expiry must never expire")
	}
	if manager.IsExpired(&CapabilityGrant{ExpiresAt: now.Unix() + 1}) {
		t.Fatal("grant expiring in the future reported expired")
	}
	if !manager.IsExpired(&CapabilityGrant{ExpiresAt: now.Unix() - 1}) {
		t.Fatal("grant expired in the past reported valid")
	}
}

func TestRenewSupersedesCachedGrant(t *testing.T) {
	store := storage.NewMemoryStore()
	signer := &countingSigner{}
	now := time.Unix(1_700_000_000, 0)
	manager := NewManager(store, signer, testScope, WithTTL(time.Hour),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgent")
	if err != nil {
		t.Fatalf("ensure grant: %v", err)
	}

	now = now.Add(10 * time.Minute)
	renewed, err := manager.Renew(ctx, "0xOwner", "0xAgent")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.CreatedAt == old.CreatedAt {
		t.Fatal("renew must mint a new grant")
	}

	cached, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgent")
	if err != nil {
		t.Fatalf("ensure after renew: %v", err)
	}
	if cached.CreatedAt != renewed.CreatedAt {
		t.Fatalf("ensure must return the renewed grant, got created_at=%d want %d", cached.CreatedAt, renewed.CreatedAt)
	}
	if signer.calls != 2 {
		t.Fatalf("expected exactly 2 signing prompts, got %d", signer.calls)
	}
}

func TestLegacyGrantMigratesOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	signer := &countingSigner{}
	manager := NewManager(store, signer, testScope)
	ctx := context.Background()

	legacy := map[string]any{
		"owner":  "0xOwner",
		"agent":  "0xAgent",
		"expiry": time.Now().Add(time.Hour).Unix(),
		"sig":    "0xlegacy",
		"scope": []map[string]string{
			{"target": testScope[0].Target, "selector": testScope[0].Selector},
			{"target": testScope[1].Target, "selector": testScope[1].Selector},
		},
	}
	raw, _ := json.Marshal(legacy)
	if err := store.Set(ctx, Key("0xOwner", "0xAgent"), raw); err != nil {
		t.Fatalf("seed legacy grant: %v", err)
	}

	migrated, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgent")
	if err != nil {
		t.Fatalf("ensure grant over legacy record: %v", err)
	}
	if migrated.Signature != "0xlegacy" {
		t.Fatalf("legacy grant should survive migration, got %+v", migrated)
	}
	if signer.calls != 0 {
		t.Fatalf("migration must not trigger re-signing, got %d calls", signer.calls)
	}

	stored, err := store.Get(ctx, Key("0xOwner", "0xAgent"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var canonical CapabilityGrant
	if err := json.Unmarshal(stored, &canonical); err != nil {
		t.Fatalf("decode canonical grant: %v", err)
	}
	if canonical.Schema != SchemaVersion {
		t.Fatalf("expected schema %d after migration, got %d", SchemaVersion, canonical.Schema)
	}
}

func TestRevokeAllIsBestEffort(t *testing.T) {
	store := storage.NewMemoryStore()
	signer := &countingSigner{}
	revoker := &recordingRevoker{fail: true}
	manager := NewManager(store, signer, testScope, WithRevoker(revoker))
	ctx := context.Background()

	if _, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgentA"); err != nil {
		t.Fatalf("ensure grant a: %v", err)
	}
	if _, err := manager.EnsureGrant(ctx, "0xOwner", "0xAgentB"); err != nil {
		t.Fatalf("ensure grant b: %v", err)
	}

	err := manager.RevokeAll(ctx, "0xOwner")
	if err == nil {
		t.Fatal("expected revocation error to surface")
	}
	if len(revoker.revoked) != 2 {
		t.Fatalf("revocation must be attempted for every grant, got %d", len(revoker.revoked))
	}
	// 链上撤销失败不应阻止本地清理。
	if _, getErr := store.Get(ctx, Key("0xOwner", "0xAgentA")); !errors.Is(getErr, storage.ErrKeyNotFound) {
		t.Fatalf("expected local grant removal, got %v", getErr)
	}
}
