package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "submit:c1", time.Minute)
	b := NewRedisLock(client, "submit:c1", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second locker acquired a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Errorf("acquire after release = %v, %v", ok, err)
	}
}

func TestRedisLockReleaseIsOwnershipChecked(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "submit:c1", time.Minute)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	// A different instance never acquired, so its release must not free a's
	// lock.
	stranger := NewRedisLock(client, "submit:c1", time.Minute)
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("stranger release: %v", err)
	}
	if ok, _ := stranger.Acquire(ctx); ok {
		t.Error("lock was freed by a non-owner release")
	}
}

func TestRedisLockDistinctKeys(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "submit:c1", time.Minute)
	b := NewRedisLock(client, "submit:c2", time.Minute)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire c1 failed")
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Error("distinct key blocked by unrelated lock")
	}
}

func TestTryWithLock(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	ran := false
	err := TryWithLock(ctx, NewRedisLock(client, "submit:c1", time.Minute), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("TryWithLock = %v, ran = %v", err, ran)
	}

	// Lock released after fn: a second run succeeds.
	if err := TryWithLock(ctx, NewRedisLock(client, "submit:c1", time.Minute), func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Errorf("second TryWithLock: %v", err)
	}
}

func TestTryWithLockHeldElsewhere(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(client, "submit:c1", time.Minute)
	if ok, _ := holder.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	err := TryWithLock(ctx, NewRedisLock(client, "submit:c1", time.Minute), func(ctx context.Context) error {
		t.Error("fn ran while the lock was held elsewhere")
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) {
		t.Errorf("err = %v, want ErrNotAcquired", err)
	}
}
