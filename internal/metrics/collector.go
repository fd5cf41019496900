package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// StoreStats contains entity counts for the store gauges
type StoreStats struct {
	Templates int64
	Documents int64
}

// StoreStatsProvider provides entity counts for metrics
type StoreStatsProvider interface {
	StoreStats(ctx context.Context) (*StoreStats, error)
}

var bucketMetrics = []byte("metrics")

var countersKey = []byte("counters")

// ShadowCounters stores counter values for persistence
type ShadowCounters struct {
	TemplatesDeployed float64            `json:"templates_deployed"`
	DocumentsIssued   float64            `json:"documents_issued"`
	DocumentsRevoked  float64            `json:"documents_revoked"`
	PipelineFailures  map[string]float64 `json:"pipeline_failures"`
	Verifications     map[string]float64 `json:"verifications"`
	APIRequests       map[string]float64 `json:"api_requests"`
	APIErrors         map[string]float64 `json:"api_errors"`
	RateLimitExceeded map[string]float64 `json:"ratelimit_exceeded"`
}

// Collector persists counters across restarts and refreshes system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         StoreStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	shadow ShadowCounters
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector. db may be shared with the
// bolt entity stores; stats may be nil.
func NewCollector(db *bolt.DB, m *Metrics, stats StoreStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		shadow: ShadowCounters{
			PipelineFailures:  make(map[string]float64),
			Verifications:     make(map[string]float64),
			APIRequests:       make(map[string]float64),
			APIErrors:         make(map[string]float64),
			RateLimitExceeded: make(map[string]float64),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(countersKey)
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		c.shadow.TemplatesDeployed = shadow.TemplatesDeployed
		c.shadow.DocumentsIssued = shadow.DocumentsIssued
		c.shadow.DocumentsRevoked = shadow.DocumentsRevoked
		c.metrics.TemplatesDeployedTotal.Add(shadow.TemplatesDeployed)
		c.metrics.DocumentsIssuedTotal.Add(shadow.DocumentsIssued)
		c.metrics.DocumentsRevokedTotal.Add(shadow.DocumentsRevoked)

		for k, v := range shadow.PipelineFailures {
			c.shadow.PipelineFailures[k] = v
			c.metrics.PipelineFailuresTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range shadow.Verifications {
			c.shadow.Verifications[k] = v
			c.metrics.VerificationsTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range shadow.APIRequests {
			method, path, status := splitRequestKey(k)
			c.shadow.APIRequests[k] = v
			c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Add(v)
		}
		for k, v := range shadow.APIErrors {
			c.shadow.APIErrors[k] = v
			c.metrics.APIErrorsTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range shadow.RateLimitExceeded {
			c.shadow.RateLimitExceeded[k] = v
			c.metrics.RateLimitExceededTotal.WithLabelValues(k).Add(v)
		}

		return nil
	})
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.shadow)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(countersKey, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats != nil {
		if stats, err := c.stats.StoreStats(ctx); err == nil {
			c.metrics.TemplatesStored.Set(float64(stats.Templates))
			c.metrics.DocumentsStored.Set(float64(stats.Documents))
		}
	}
}

// TrackTemplateDeployed counts a deployed template
func (c *Collector) TrackTemplateDeployed() {
	c.mu.Lock()
	c.shadow.TemplatesDeployed++
	c.mu.Unlock()
	c.metrics.TemplatesDeployedTotal.Inc()
}

// TrackDocumentIssued counts an issued document
func (c *Collector) TrackDocumentIssued() {
	c.mu.Lock()
	c.shadow.DocumentsIssued++
	c.mu.Unlock()
	c.metrics.DocumentsIssuedTotal.Inc()
}

// TrackDocumentRevoked counts a revoked document
func (c *Collector) TrackDocumentRevoked() {
	c.mu.Lock()
	c.shadow.DocumentsRevoked++
	c.mu.Unlock()
	c.metrics.DocumentsRevokedTotal.Inc()
}

// TrackPipelineFailure counts a failure at stage
func (c *Collector) TrackPipelineFailure(stage string) {
	c.mu.Lock()
	c.shadow.PipelineFailures[stage]++
	c.mu.Unlock()
	c.metrics.PipelineFailuresTotal.WithLabelValues(stage).Inc()
}

// TrackVerification counts a verification outcome
func (c *Collector) TrackVerification(result string) {
	c.mu.Lock()
	c.shadow.Verifications[result]++
	c.mu.Unlock()
	c.metrics.VerificationsTotal.WithLabelValues(result).Inc()
}

// TrackAPIRequest counts an API request
func (c *Collector) TrackAPIRequest(method, path, status string) {
	key := makeRequestKey(method, path, status)
	c.mu.Lock()
	c.shadow.APIRequests[key]++
	c.mu.Unlock()
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// TrackAPIError counts an API error
func (c *Collector) TrackAPIError(errorType string) {
	c.mu.Lock()
	c.shadow.APIErrors[errorType]++
	c.mu.Unlock()
	c.metrics.APIErrorsTotal.WithLabelValues(errorType).Inc()
}

// TrackRateLimitExceeded counts a rate limit denial
func (c *Collector) TrackRateLimitExceeded(level string) {
	c.mu.Lock()
	c.shadow.RateLimitExceeded[level]++
	c.mu.Unlock()
	c.metrics.RateLimitExceededTotal.WithLabelValues(level).Inc()
}

// Route patterns never contain a space, so it separates label values.
func makeRequestKey(method, path, status string) string {
	return method + " " + path + " " + status
}

func splitRequestKey(key string) (string, string, string) {
	parts := strings.SplitN(key, " ", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
