package deposit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	configCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "payment_config_cache_hits_total"})
	configCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "payment_config_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(configCacheHits, configCacheMiss)
}

// ConfigCache hands out PaymentConfig snapshots. Reads within the TTL serve
// the cached snapshot; concurrent misses collapse into one database load.
type ConfigCache struct {
	db  *gorm.DB
	ttl time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot
	loadedAt time.Time
	group    singleflight.Group
}

func NewConfigCache(db *gorm.DB, ttl time.Duration) *ConfigCache {
	return &ConfigCache{db: db, ttl: ttl}
}

func (c *ConfigCache) Get(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	if c.snapshot != nil && (c.ttl <= 0 || time.Since(c.loadedAt) <= c.ttl) {
		snap := c.snapshot
		c.mu.RUnlock()
		configCacheHits.Inc()
		return snap, nil
	}
	c.mu.RUnlock()
	configCacheMiss.Inc()

	v, err, _ := c.group.Do("payment_config", func() (any, error) {
		snap, err := c.load(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.snapshot = snap
		c.loadedAt = time.Now()
		c.mu.Unlock()

		return snap, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Snapshot), nil
}

// Invalidate drops the cached snapshot so the next read reloads the row.
// Called after an admin config update.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}

func (c *ConfigCache) load(ctx context.Context) (*Snapshot, error) {
	var row PaymentConfig
	err := c.db.WithContext(ctx).Where("id = ?", paymentConfigID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = defaultPaymentConfig()
	} else if err != nil {
		return nil, err
	}

	return row.Snapshot()
}

func defaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		ID:                        paymentConfigID,
		StrictMode:                false,
		ProviderAccuracyMode:      false,
		ToleranceBps:              100,
		SubmittedStaleMinutes:     120,
		ReconcileEveryMs:          60000,
		AdminCreditAlertThreshold: 100_000,
	}
}
