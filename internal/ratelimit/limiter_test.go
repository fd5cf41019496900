package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) (*bolt.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "ratelimit_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(dir, "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open db: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return db, cleanup
}

func newTestLimiter(t *testing.T, cfg *Config) *Limiter {
	t.Helper()

	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })
	return limiter
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
}

func TestAllowGlobalLimit(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		Global:        &LimitConfig{DocumentsPerHour: 3, DocumentsPerDay: 10},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	for i, issuer := range []string{"a", "b", "c"} {
		result, err := limiter.Allow(ctx, &Request{IssuerID: issuer})
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, err := limiter.Allow(ctx, &Request{IssuerID: "d"})
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Error("request 4 should be denied")
	}
	if result.DeniedBy != LevelGlobal {
		t.Errorf("expected DeniedBy=global, got %s", result.DeniedBy)
	}
	if result.RetryAfter <= 0 {
		t.Error("expected positive RetryAfter")
	}
}

func TestAllowIssuerLimit(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultIssuer: &LimitConfig{DocumentsPerHour: 2},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	reqA := &Request{IssuerID: "issuer-a"}
	for i := 0; i < 2; i++ {
		result, _ := limiter.Allow(ctx, reqA)
		if !result.Allowed {
			t.Errorf("issuer A request %d should be allowed", i+1)
		}
	}
	result, _ := limiter.Allow(ctx, reqA)
	if result.Allowed {
		t.Error("issuer A request 3 should be denied")
	}
	if result.DeniedBy != LevelIssuer || result.DeniedKey != "issuer:issuer-a" {
		t.Errorf("denied by %s/%s, want issuer/issuer:issuer-a", result.DeniedBy, result.DeniedKey)
	}

	result, _ = limiter.Allow(ctx, &Request{IssuerID: "issuer-b"})
	if !result.Allowed {
		t.Error("issuer B request 1 should be allowed")
	}
}

func TestAllowIssuerOverride(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultIssuer: &LimitConfig{DocumentsPerHour: 1},
		Issuers: map[string]*LimitConfig{
			"registrar": {DocumentsPerHour: 3},
		},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{IssuerID: "registrar"}
	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, req)
		if !result.Allowed {
			t.Errorf("request %d should be allowed by override", i+1)
		}
	}
	if result, _ := limiter.Allow(ctx, req); result.Allowed {
		t.Error("request 4 should be denied")
	}
}

func TestAllowTemplateLimit(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultTemplate: &LimitConfig{DocumentsPerHour: 2},
		FlushInterval:   time.Hour,
	})

	ctx := context.Background()
	for i, issuer := range []string{"a", "b"} {
		result, _ := limiter.Allow(ctx, &Request{IssuerID: issuer, TemplateID: "tmpl-1"})
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	result, _ := limiter.Allow(ctx, &Request{IssuerID: "c", TemplateID: "tmpl-1"})
	if result.Allowed || result.DeniedBy != LevelTemplate {
		t.Errorf("result = %+v, want denied by template", result)
	}

	result, _ = limiter.Allow(ctx, &Request{IssuerID: "c", TemplateID: "tmpl-2"})
	if !result.Allowed {
		t.Error("other template should be allowed")
	}
}

func TestAllowDailyLimit(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		Global:        &LimitConfig{DocumentsPerHour: 100, DocumentsPerDay: 3},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{IssuerID: "issuer-1"}
	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, req)
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, _ := limiter.Allow(ctx, req)
	if result.Allowed {
		t.Error("request 4 should be denied by daily limit")
	}
	if result.RetryAfter <= time.Hour {
		t.Errorf("RetryAfter = %v, want the rest of the day", result.RetryAfter)
	}
}

func TestDeniedRequestDoesNotCount(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		Global:        &LimitConfig{DocumentsPerHour: 10},
		DefaultIssuer: &LimitConfig{DocumentsPerHour: 1},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{IssuerID: "issuer-1"}
	limiter.Allow(ctx, req)
	limiter.Allow(ctx, req)
	limiter.Allow(ctx, req)

	stats, _ := limiter.GetStats(ctx, LevelGlobal, "global")
	if stats.HourlyCount != 1 {
		t.Errorf("global HourlyCount = %d, want only the allowed request", stats.HourlyCount)
	}
}

func TestRelease(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		Global:        &LimitConfig{DocumentsPerHour: 10},
		DefaultIssuer: &LimitConfig{DocumentsPerHour: 1},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{IssuerID: "issuer-1"}

	result, err := limiter.Allow(ctx, req)
	if err != nil || !result.Allowed {
		t.Fatalf("first Allow = %+v, %v", result, err)
	}
	if result.ReservedAt.IsZero() {
		t.Fatal("allowed result should carry ReservedAt")
	}
	if denied, _ := limiter.Allow(ctx, req); denied.Allowed {
		t.Fatal("second Allow should hit the issuer limit")
	}

	if err := limiter.Release(ctx, req, result.ReservedAt); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	stats, _ := limiter.GetStats(ctx, LevelGlobal, "global")
	if stats.HourlyCount != 0 || stats.DailyCount != 0 {
		t.Errorf("global stats after release = %+v, want 0/0", stats)
	}
	if again, _ := limiter.Allow(ctx, req); !again.Allowed {
		t.Error("released quota should be available again")
	}
}

func TestReleaseAfterWindowRollover(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultIssuer: &LimitConfig{DocumentsPerHour: 5, DocumentsPerDay: 50},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{IssuerID: "issuer-1"}
	result, _ := limiter.Allow(ctx, req)

	// The hourly window restarted after the reservation was made.
	counter := limiter.counters[makeKey(LevelIssuer, "issuer-1")]
	counter.HourStart = result.ReservedAt.Add(time.Minute)
	counter.HourlyCount = 2

	if err := limiter.Release(ctx, req, result.ReservedAt); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	stats, _ := limiter.GetStats(ctx, LevelIssuer, "issuer-1")
	if stats.HourlyCount != 2 {
		t.Errorf("HourlyCount = %d, want the new window untouched", stats.HourlyCount)
	}
	if stats.DailyCount != 0 {
		t.Errorf("DailyCount = %d, want the reservation returned", stats.DailyCount)
	}
}

func TestReleaseUnknownKey(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultIssuer: &LimitConfig{DocumentsPerHour: 5},
		FlushInterval: time.Hour,
	})

	if err := limiter.Release(context.Background(), &Request{IssuerID: "nobody"}, time.Now()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, exists := limiter.counters[makeKey(LevelIssuer, "nobody")]; exists {
		t.Error("Release should not create counters")
	}
}

func TestCheck(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		Global:        &LimitConfig{DocumentsPerHour: 2},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{IssuerID: "issuer-1"}

	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, req)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("Check %d should return allowed (doesn't increment)", i+1)
		}
	}

	limiter.Allow(ctx, req)
	limiter.Allow(ctx, req)
	if result, _ := limiter.Check(ctx, req); result.Allowed {
		t.Error("Check should report the exhausted limit")
	}
}

func TestGetStats(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultIssuer: &LimitConfig{DocumentsPerHour: 100},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, &Request{IssuerID: "issuer-1"})
	}

	stats, err := limiter.GetStats(ctx, LevelIssuer, "issuer-1")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 3 || stats.DailyCount != 3 {
		t.Errorf("stats = %+v, want 3/3", stats)
	}

	stats, _ = limiter.GetStats(ctx, LevelIssuer, "nobody")
	if stats.HourlyCount != 0 {
		t.Errorf("expected HourlyCount=0, got %d", stats.HourlyCount)
	}
}

func TestPersistence(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cfg := &Config{
		Global:        &LimitConfig{DocumentsPerHour: 10},
		FlushInterval: 50 * time.Millisecond,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, &Request{IssuerID: "issuer-1"})
	}
	limiter.Stop()

	limiter2, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create second limiter: %v", err)
	}
	defer limiter2.Stop()

	stats, err := limiter2.GetStats(ctx, LevelGlobal, "global")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 5 {
		t.Errorf("expected persisted HourlyCount=5, got %d", stats.HourlyCount)
	}
}

func TestStopTwice(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestMakeKey(t *testing.T) {
	tests := []struct {
		level    Level
		key      string
		expected string
	}{
		{LevelGlobal, "global", "global:global"},
		{LevelIssuer, "issuer-1", "issuer:issuer-1"},
		{LevelTemplate, "tmpl-1", "template:tmpl-1"},
	}

	for _, tc := range tests {
		result := makeKey(tc.level, tc.key)
		if result != tc.expected {
			t.Errorf("makeKey(%s, %s) = %s, expected %s", tc.level, tc.key, result, tc.expected)
		}
	}
}

func TestZeroLimits(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		Global:        &LimitConfig{},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{IssuerID: "issuer-1"}
	for i := 0; i < 1000; i++ {
		result, _ := limiter.Allow(ctx, req)
		if !result.Allowed {
			t.Errorf("request %d should be allowed with zero limits", i+1)
			break
		}
	}
}
