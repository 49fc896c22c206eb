// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
	if has, err := store.Has(ctx, "missing"); err != nil || has {
		t.Fatalf("Has(missing) = %v, %v", has, err)
	}

	if err := store.Set(ctx, "key", []byte("first")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "key", []byte("second")); err != nil {
		t.Fatalf("Set (overwrite): %v", err)
	}
	value, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(value, []byte("second")) {
		t.Errorf("Get = %q, want %q", value, "second")
	}
	if has, err := store.Has(ctx, "key"); err != nil || !has {
		t.Errorf("Has(key) = %v, %v", has, err)
	}

	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
	if _, err := store.Get(ctx, "key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}

	type record struct {
		Name  string
		Count int
		When  time.Time
		Tags  []string
	}
	want := record{Name: "x", Count: 3, When: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC), Tags: []string{"a"}}
	if err := SetValue(ctx, store, "typed", want); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	got, found, err := GetValue[record](ctx, store, "typed")
	if err != nil || !found {
		t.Fatalf("GetValue = %v, %v", found, err)
	}
	if got.Name != want.Name || got.Count != want.Count || !got.When.Equal(want.When) || len(got.Tags) != 1 {
		t.Errorf("GetValue = %+v, want %+v", got, want)
	}
	if _, found, err := GetValue[record](ctx, store, "absent"); err != nil || found {
		t.Errorf("GetValue(absent) = %v, %v", found, err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	value := []byte("abc")
	store.Set(ctx, "k", value)
	value[0] = 'z'
	got, _ := store.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller slice: %q", got)
	}
}

func TestPrefixed(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	alice := Prefixed(inner, "alice:")
	bob := Prefixed(inner, "bob:")
	exerciseStore(t, alice)

	alice.Set(ctx, "shared", []byte("a"))
	bob.Set(ctx, "shared", []byte("b"))
	got, _ := alice.Get(ctx, "shared")
	if string(got) != "a" {
		t.Errorf("namespaces collided: %q", got)
	}
	if has, _ := inner.Has(ctx, "bob:shared"); !has {
		t.Error("prefix not applied to the inner key")
	}
}

func TestSQLite(t *testing.T) {
	store, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db"), PoolSize: 2})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	exerciseStore(t, store)
}

func TestSQLitePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := first.Set(ctx, "survives", []byte("yes")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	value, err := second.Get(ctx, "survives")
	if err != nil || string(value) != "yes" {
		t.Errorf("Get after reopen = %q, %v", value, err)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite(SQLiteConfig{}); err == nil {
		t.Fatal("OpenSQLite without Path succeeded")
	}
}

// TestRedis runs against a real server when COURIER_TEST_REDIS_URL is
// set, e.g. redis://localhost:6379/15.
func TestRedis(t *testing.T) {
	url := os.Getenv("COURIER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COURIER_TEST_REDIS_URL not set")
	}
	store, err := NewRedis(context.Background(), RedisConfig{URL: url, KeyPrefix: "courier-test:" + t.Name() + ":"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	exerciseStore(t, store)
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{}); err == nil {
		t.Error("NewRedis without URL succeeded")
	}
	if _, err := NewRedis(context.Background(), RedisConfig{URL: "http://not-redis"}); err == nil {
		t.Error("NewRedis with a non-redis URL succeeded")
	}
}

func TestDeterministicEncoding(t *testing.T) {
	first, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("equal maps encoded differently")
	}
}
