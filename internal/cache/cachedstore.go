package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CachedStore decorates a Store with read-through caching for user and
// merchant profiles, the hottest reads on the scoring path. Cache
// failures fall through to the store; a broken cache slows scoring, it
// never breaks it.
type CachedStore struct {
	domain.Store

	cache domain.Cache
	ttl   time.Duration
}

// NewCachedStore wraps a store with profile caching.
func NewCachedStore(store domain.Store, cache domain.Cache, profileTTL time.Duration) *CachedStore {
	if profileTTL <= 0 {
		profileTTL = time.Minute
	}
	return &CachedStore{Store: store, cache: cache, ttl: profileTTL}
}

// GetUserProfile serves from cache when possible.
func (s *CachedStore) GetUserProfile(ctx context.Context, tenantID string, userID string) (*domain.UserProfile, error) {
	key := "profile:user:" + userID

	if data, err := s.cache.Get(ctx, tenantID, key); err == nil && data != nil {
		var p domain.UserProfile
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.Store.GetUserProfile(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		_ = s.cache.Set(ctx, tenantID, key, data, s.ttl)
	}
	return p, nil
}

// SaveUserProfile writes through and invalidates.
func (s *CachedStore) SaveUserProfile(ctx context.Context, tenantID string, profile *domain.UserProfile) error {
	if err := s.Store.SaveUserProfile(ctx, tenantID, profile); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, tenantID, "profile:user:"+profile.UserID)
	return nil
}

// GetMerchantProfile serves from cache when possible.
func (s *CachedStore) GetMerchantProfile(ctx context.Context, tenantID string, name string) (*domain.MerchantProfile, error) {
	key := "profile:merchant:" + name

	if data, err := s.cache.Get(ctx, tenantID, key); err == nil && data != nil {
		var p domain.MerchantProfile
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.Store.GetMerchantProfile(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		_ = s.cache.Set(ctx, tenantID, key, data, s.ttl)
	}
	return p, nil
}

// SaveMerchantProfile writes through and invalidates.
func (s *CachedStore) SaveMerchantProfile(ctx context.Context, tenantID string, profile *domain.MerchantProfile) error {
	if err := s.Store.SaveMerchantProfile(ctx, tenantID, profile); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, tenantID, "profile:merchant:"+profile.Name)
	return nil
}
