package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	if err := store.Set(ctx, "grant:a:b", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := store.Get(ctx, "grant:a:b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"v":2}` {
		t.Fatalf("unexpected value: %s", value)
	}

	// 返回值必须是副本，调用方修改不应影响存储内容。
	value[0] = 'X'
	again, err := store.Get(ctx, "grant:a:b")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if string(again) != `{"v":2}` {
		t.Fatalf("stored value mutated: %s", again)
	}

	if err := store.Remove(ctx, "grant:a:b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(ctx, "grant:a:b"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after remove, got %v", err)
	}
	if err := store.Remove(ctx, "grant:a:b"); err != nil {
		t.Fatalf("remove missing key should not fail: %v", err)
	}
}
