package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		c := NewLRUCache(100)
		if err := c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := c.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected value1, got %s", val)
		}
	})

	t.Run("MissReturnsNil", func(t *testing.T) {
		c := NewLRUCache(100)
		val, err := c.Get(ctx, tenantID, "missing")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil on miss, got %s", val)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		c := NewLRUCache(100)
		c.Set(ctx, tenantID, "short", []byte("v"), 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		val, err := c.Get(ctx, tenantID, "short")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Error("expected expired entry to miss")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c := NewLRUCache(100)
		c.Set(ctx, "tenant-a", "shared-key", []byte("a"), time.Minute)
		c.Set(ctx, "tenant-b", "shared-key", []byte("b"), time.Minute)

		val, _ := c.Get(ctx, "tenant-a", "shared-key")
		if string(val) != "a" {
			t.Errorf("expected tenant-a value, got %s", val)
		}
	})

	t.Run("Eviction", func(t *testing.T) {
		c := NewLRUCache(2)
		c.Set(ctx, tenantID, "k1", []byte("1"), time.Minute)
		c.Set(ctx, tenantID, "k2", []byte("2"), time.Minute)
		c.Get(ctx, tenantID, "k1") // k1 now most recent
		c.Set(ctx, tenantID, "k3", []byte("3"), time.Minute)

		if val, _ := c.Get(ctx, tenantID, "k2"); val != nil {
			t.Error("expected k2 evicted")
		}
		if val, _ := c.Get(ctx, tenantID, "k1"); val == nil {
			t.Error("expected k1 retained")
		}
		if size, capacity := c.Stats(); size != 2 || capacity != 2 {
			t.Errorf("expected size 2 cap 2, got %d/%d", size, capacity)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c := NewLRUCache(100)
		c.Set(ctx, tenantID, "key", []byte("v"), time.Minute)
		c.Delete(ctx, tenantID, "key")
		if val, _ := c.Get(ctx, tenantID, "key"); val != nil {
			t.Error("expected deleted entry to miss")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		c := NewLRUCache(100)
		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrementCounter(ctx, tenantID, "scores:user-1", time.Minute)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("expected count %d, got %d", want, got)
			}
		}

		// A new window starts over.
		c.IncrementCounter(ctx, tenantID, "burst", 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		got, _ := c.IncrementCounter(ctx, tenantID, "burst", time.Minute)
		if got != 1 {
			t.Errorf("expected counter reset after window, got %d", got)
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		c := NewLRUCache(100)
		if _, err := c.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenant")
		}
		if err := c.Set(ctx, "", "key", nil, time.Minute); err == nil {
			t.Error("expected error for empty tenant")
		}
	})
}

func TestNewFactory(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 10})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("expected LRU cache, got %T", c)
	}

	if _, err := New(domain.CacheConfig{Type: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

// stubStore implements the profile methods CachedStore overrides.
type stubStore struct {
	domain.Store

	userReads     int
	merchantReads int
	userProfile   *domain.UserProfile
}

func (s *stubStore) GetUserProfile(ctx context.Context, tenantID, userID string) (*domain.UserProfile, error) {
	s.userReads++
	if s.userProfile == nil {
		return nil, domain.ErrNotFound
	}
	return s.userProfile, nil
}

func (s *stubStore) SaveUserProfile(ctx context.Context, tenantID string, p *domain.UserProfile) error {
	s.userProfile = p
	return nil
}

func (s *stubStore) GetMerchantProfile(ctx context.Context, tenantID, name string) (*domain.MerchantProfile, error) {
	s.merchantReads++
	return &domain.MerchantProfile{Name: name, FraudRate: 0.1}, nil
}

func (s *stubStore) SaveMerchantProfile(ctx context.Context, tenantID string, p *domain.MerchantProfile) error {
	return nil
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("ReadThrough", func(t *testing.T) {
		store := &stubStore{userProfile: &domain.UserProfile{UserID: "u1", AverageAmount: 150}}
		cached := NewCachedStore(store, NewLRUCache(100), time.Minute)

		for i := 0; i < 3; i++ {
			p, err := cached.GetUserProfile(ctx, tenantID, "u1")
			if err != nil {
				t.Fatalf("GetUserProfile failed: %v", err)
			}
			if p.AverageAmount != 150 {
				t.Errorf("unexpected profile: %+v", p)
			}
		}
		if store.userReads != 1 {
			t.Errorf("expected 1 store read, got %d", store.userReads)
		}
	})

	t.Run("NotFoundNotCached", func(t *testing.T) {
		store := &stubStore{}
		cached := NewCachedStore(store, NewLRUCache(100), time.Minute)

		if _, err := cached.GetUserProfile(ctx, tenantID, "ghost"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := cached.GetUserProfile(ctx, tenantID, "ghost"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second read, got %v", err)
		}
		if store.userReads != 2 {
			t.Errorf("expected misses to reach the store, got %d reads", store.userReads)
		}
	})

	t.Run("SaveInvalidates", func(t *testing.T) {
		store := &stubStore{userProfile: &domain.UserProfile{UserID: "u1", AverageAmount: 150}}
		cached := NewCachedStore(store, NewLRUCache(100), time.Minute)

		cached.GetUserProfile(ctx, tenantID, "u1")
		if err := cached.SaveUserProfile(ctx, tenantID, &domain.UserProfile{UserID: "u1", AverageAmount: 200}); err != nil {
			t.Fatalf("SaveUserProfile failed: %v", err)
		}

		p, err := cached.GetUserProfile(ctx, tenantID, "u1")
		if err != nil {
			t.Fatalf("GetUserProfile failed: %v", err)
		}
		if p.AverageAmount != 200 {
			t.Errorf("expected fresh profile after save, got %.2f", p.AverageAmount)
		}
	})

	t.Run("MerchantReadThrough", func(t *testing.T) {
		store := &stubStore{}
		cached := NewCachedStore(store, NewLRUCache(100), time.Minute)

		for i := 0; i < 2; i++ {
			if _, err := cached.GetMerchantProfile(ctx, tenantID, "Shop"); err != nil {
				t.Fatalf("GetMerchantProfile failed: %v", err)
			}
		}
		if store.merchantReads != 1 {
			t.Errorf("expected 1 store read, got %d", store.merchantReads)
		}
	})
}
