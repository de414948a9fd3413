// Package settings is the per-tenant configuration lookup. It replaces the
// old pattern of ambient static caches: the cache TTL is a constructor
// parameter and the provider is injected into every collaborator that needs
// tenant or device settings.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/models"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrNoRouterDevice = errors.New("tenant has no active router device")
)

type Provider struct {
	db     *gorm.DB
	rdb    *redis.Client // nil disables caching
	ttl    time.Duration
	logger *slog.Logger
}

func NewProvider(db *gorm.DB, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Provider {
	return &Provider{db: db, rdb: rdb, ttl: ttl, logger: logger}
}

// Tenant returns the tenant row, cached for the provider's TTL.
func (p *Provider) Tenant(ctx context.Context, tenantID uint) (*models.Tenant, error) {
	key := fmt.Sprintf("settings:tenant:%d", tenantID)
	var tenant models.Tenant
	if p.cacheGet(ctx, key, &tenant) {
		return &tenant, nil
	}

	err := p.db.WithContext(ctx).First(&tenant, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}

	p.cacheSet(ctx, key, &tenant)
	return &tenant, nil
}

// RouterDevice returns the tenant's active access-controller endpoint.
func (p *Provider) RouterDevice(ctx context.Context, tenantID uint) (*models.RouterDevice, error) {
	key := fmt.Sprintf("settings:router:%d", tenantID)
	var device models.RouterDevice
	if p.cacheGet(ctx, key, &device) {
		return &device, nil
	}

	err := p.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoRouterDevice
	}
	if err != nil {
		return nil, fmt.Errorf("load router device: %w", err)
	}

	p.cacheSet(ctx, key, &device)
	return &device, nil
}

func (p *Provider) cacheGet(ctx context.Context, key string, dst interface{}) bool {
	if p.rdb == nil {
		return false
	}
	raw, err := p.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Error("settings cache GET failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		p.logger.Warn("settings cache entry unreadable", "key", key, "error", err)
		return false
	}
	return true
}

func (p *Provider) cacheSet(ctx context.Context, key string, src interface{}) {
	if p.rdb == nil {
		return
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return
	}
	if err := p.rdb.Set(ctx, key, raw, p.ttl).Err(); err != nil {
		p.logger.Error("settings cache SET failed", "key", key, "error", err)
	}
}
