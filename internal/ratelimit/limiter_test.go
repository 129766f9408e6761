package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/kvstore"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, kvstore.ErrUnavailable
}

func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return kvstore.ErrUnavailable
}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.Join(kvstore.ErrUnavailable, errors.New("connection refused"))
}

func (failingStore) Delete(context.Context, string) error { return kvstore.ErrUnavailable }

func (failingStore) Ping(context.Context) error { return kvstore.ErrUnavailable }

func TestAllowRefusesExactlyAboveLimit(t *testing.T) {
	now := time.Now()
	store := kvstore.NewMemoryWithClock(func() time.Time { return now })
	limiter := New(store, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "user-1") {
			t.Fatalf("call %d refused below limit", i+1)
		}
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("call above limit allowed")
	}

	// The next window admits the user again.
	now = now.Add(61 * time.Second)
	if !limiter.Allow(ctx, "user-1") {
		t.Fatal("call in fresh window refused")
	}
}

func TestAllowIsPerUser(t *testing.T) {
	limiter := New(kvstore.NewMemory(), 1, nil)
	ctx := context.Background()

	if !limiter.Allow(ctx, "user-1") {
		t.Fatal("first call for user-1 refused")
	}
	if !limiter.Allow(ctx, "user-2") {
		t.Fatal("first call for user-2 refused")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("second call for user-1 allowed with limit 1")
	}
}

func TestAllowFailsOpenWhenStoreDown(t *testing.T) {
	limiter := New(failingStore{}, 1, nil)

	if !limiter.Allow(context.Background(), "user-1") {
		t.Fatal("limiter must fail open when the store is unreachable")
	}
}

func TestCurrentStatus(t *testing.T) {
	store := kvstore.NewMemory()
	limiter := New(store, 5, nil)
	ctx := context.Background()

	limiter.Allow(ctx, "user-1")
	limiter.Allow(ctx, "user-1")

	status := limiter.CurrentStatus(ctx, "user-1")
	if status.Count != 2 || status.Remaining != 3 {
		t.Fatalf("status = %+v", status)
	}
}
