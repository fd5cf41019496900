package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/chaindoc/internal/metrics"
)

var bucketRateLimits = []byte("rate_limits")

// Level represents the level of rate limiting
type Level string

const (
	LevelGlobal   Level = "global"
	LevelIssuer   Level = "issuer"
	LevelTemplate Level = "template"
)

// Config contains issuance rate limit configuration
type Config struct {
	// Global limits across all issuers
	Global *LimitConfig `yaml:"global,omitempty"`

	// Default limits for issuers without specific config
	DefaultIssuer *LimitConfig `yaml:"default_issuer,omitempty"`

	// Per-issuer overrides keyed by issuer ID
	Issuers map[string]*LimitConfig `yaml:"issuers,omitempty"`

	// Default limits per template contract
	DefaultTemplate *LimitConfig `yaml:"default_template,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	DocumentsPerHour int `yaml:"documents_per_hour" json:"documents_per_hour"`
	DocumentsPerDay  int `yaml:"documents_per_day" json:"documents_per_day"`
}

// Counter tracks rate limit counters
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter implements issuance rate limiting with multiple levels
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter // key -> counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow checks if an issuance is allowed and increments counters
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	result := &Result{Allowed: true, ReservedAt: now}
	checks := l.getChecks(req)

	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		resetExpiredCounters(counter, now)

		if denied := evaluate(check, counter.HourlyCount, counter.DailyCount, counter, now); denied != nil {
			metrics.IncRateLimitExceeded(string(check.level))
			return denied, nil
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return result, nil
}

// Release gives back an issuance reserved by Allow at reservedAt that did
// not complete. Windows that rolled over since the reservation are left
// untouched.
func (l *Limiter) Release(ctx context.Context, req *Request, reservedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for _, check := range l.getChecks(req) {
		counter, exists := l.counters[check.key]
		if !exists {
			continue
		}
		resetExpiredCounters(counter, now)

		if !counter.HourStart.After(reservedAt) && counter.HourlyCount > 0 {
			counter.HourlyCount--
		}
		if !counter.DayStart.After(reservedAt) && counter.DailyCount > 0 {
			counter.DailyCount--
		}
	}

	return nil
}

// Check reports whether an issuance would be allowed without incrementing
// counters
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := time.Now()
	for _, check := range l.getChecks(req) {
		counter, exists := l.counters[check.key]
		if !exists {
			continue
		}

		hourlyCount := counter.HourlyCount
		dailyCount := counter.DailyCount
		if now.Sub(counter.HourStart) >= time.Hour {
			hourlyCount = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			dailyCount = 0
		}

		if denied := evaluate(check, hourlyCount, dailyCount, counter, now); denied != nil {
			return denied, nil
		}
	}

	return &Result{Allowed: true}, nil
}

func evaluate(check limitCheck, hourly, daily int, counter *Counter, now time.Time) *Result {
	if check.limit.DocumentsPerHour > 0 && hourly >= check.limit.DocumentsPerHour {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}
	if check.limit.DocumentsPerDay > 0 && daily >= check.limit.DocumentsPerDay {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return nil
}

// GetStats returns current rate limit statistics
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return &Stats{Level: level, Key: key}, nil
	}

	now := time.Now()
	stats := &Stats{
		Level:       level,
		Key:         key,
		HourlyCount: counter.HourlyCount,
		DailyCount:  counter.DailyCount,
		HourStart:   counter.HourStart,
		DayStart:    counter.DayStart,
	}
	if now.Sub(counter.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}

	return stats, nil
}

// Stop stops the rate limiter and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

// Request describes an issuance to be rate limited
type Request struct {
	IssuerID   string
	TemplateID string
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
	// ReservedAt is set on allowed results and identifies the windows
	// the issuance was counted in.
	ReservedAt time.Time
}

// Stats contains rate limit statistics
type Stats struct {
	Level       Level
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if l.config.Global != nil {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: l.config.Global,
		})
	}

	if req.IssuerID != "" {
		limit := l.config.DefaultIssuer
		if override, ok := l.config.Issuers[req.IssuerID]; ok {
			limit = override
		}
		if limit != nil {
			checks = append(checks, limitCheck{
				level: LevelIssuer,
				key:   makeKey(LevelIssuer, req.IssuerID),
				limit: limit,
			})
		}
	}

	if req.TemplateID != "" && l.config.DefaultTemplate != nil {
		checks = append(checks, limitCheck{
			level: LevelTemplate,
			key:   makeKey(LevelTemplate, req.TemplateID),
			limit: l.config.DefaultTemplate,
		})
	}

	return checks
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = counter
	}
	return counter
}

func resetExpiredCounters(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
