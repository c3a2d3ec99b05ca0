package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ratelimit",
	fx.Provide(NewFixedWindow),
)

// Limiter is a fixed-window counter. Allow reports whether one more hit under
// key fits within limit hits per window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) bool
}

type Params struct {
	fx.In

	Redis *redis.Client `optional:"true"`
}

// FixedWindow counts hits in redis so the limit holds across gateway
// instances. When redis is unreachable it degrades to a per-process counter
// rather than failing the request.
type FixedWindow struct {
	rdb *redis.Client

	mu    sync.Mutex
	local map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewFixedWindow(p Params) Limiter {
	return &FixedWindow{
		rdb:   p.Redis,
		local: make(map[string]*window),
	}
}

func (l *FixedWindow) Allow(ctx context.Context, key string, limit int, windowSize time.Duration) bool {
	if limit <= 0 {
		return true
	}

	if l.rdb != nil {
		count, err := l.rdb.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				_ = l.rdb.Expire(ctx, key, windowSize).Err()
			}
			return count <= int64(limit)
		}
		zap.L().Warn("[RateLimit] redis unavailable, falling back to local counter", zap.Error(err))
	}

	return l.allowLocal(key, limit, windowSize)
}

func (l *FixedWindow) allowLocal(key string, limit int, windowSize time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.local[key]
	if !ok || now.After(w.resetAt) {
		l.local[key] = &window{count: 1, resetAt: now.Add(windowSize)}
		return true
	}

	w.count++
	return w.count <= limit
}
