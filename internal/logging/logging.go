package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Debug mode switches to development
// encoding with per-call sites, the default stays terse for long-running
// nodes.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// RateLimited suppresses repeat log lines per key inside an interval so a
// misbehaving peer cannot flood the log from a hot path.
type RateLimited struct {
	log      *zap.Logger
	interval time.Duration

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RateLimited{
		log:      log,
		interval: interval,
		last:     make(map[string]time.Time),
		sweep:    time.Now(),
	}
}

func (r *RateLimited) Warn(key, msg string, fields ...zap.Field) {
	if r.allow(key) {
		r.log.Warn(msg, fields...)
	}
}

func (r *RateLimited) Info(key, msg string, fields ...zap.Field) {
	if r.allow(key) {
		r.log.Info(msg, fields...)
	}
}

func (r *RateLimited) allow(key string) bool {
	if key == "" {
		return true
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.last[key]) < r.interval {
		return false
	}
	r.last[key] = now
	if now.Sub(r.sweep) > 2*r.interval {
		for k, ts := range r.last {
			if now.Sub(ts) > 4*r.interval {
				delete(r.last, k)
			}
		}
		r.sweep = now
	}
	return true
}
