// Package monitoring provides comprehensive observability for the gating
// and accounting core: rate limiter decisions, tier resolutions, budget
// reservations/finalizations, and write-behind replication health.
//
// Design Philosophy:
// - Lock-free or minimal-lock metrics collection for high throughput
// - Sliding window aggregation for real-time statistics
// - Anomaly detection for proactive alerting
// - Low memory overhead with bounded buffers
//
// Architecture:
// - Event-driven ingestion via Pub/Sub subscriptions
// - In-memory time-series store with circular buffers
// - Real-time aggregation with configurable windows
// - Anomaly detection using statistical methods
// - Alert engine with threshold-based and dynamic rules
package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"encore.dev/pubsub"
)

//encore:service
type Service struct {
	collector  *MetricsCollector
	aggregator *Aggregator
	alertMgr   *AlertManager
	config     Config
	mu         sync.RWMutex
}

// Config holds monitoring service configuration.
type Config struct {
	MetricsRetention  time.Duration // How long to keep raw metrics
	AggregationWindow time.Duration // Aggregation window size
	AlertEvalInterval time.Duration // How often to evaluate alerts
	MaxMetricsPerSec  int           // Nominal ingestion ceiling; RecordMetric does not enforce it
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsRetention:  1 * time.Hour,
		AggregationWindow: 1 * time.Second,
		AlertEvalInterval: 10 * time.Second,
		MaxMetricsPerSec:  1000000, // 1M events/sec
	}
}

// MetricType represents the type of metric being recorded.
type MetricType string

const (
	MetricRequestAllowed     MetricType = "request.allowed"
	MetricRequestDenied      MetricType = "request.denied"
	MetricBudgetReservation  MetricType = "budget.reservation"
	MetricBudgetFinalization MetricType = "budget.finalization"
	MetricReservationReaped  MetricType = "budget.reservation_reaped"
	MetricWriteBehindSync    MetricType = "writebehind.sync"
	MetricError              MetricType = "error"
	MetricLatency            MetricType = "latency"
)

// MetricEvent represents a single metric event from any service.
type MetricEvent struct {
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"` // "ratelimit", "tier", "budget", "writebehind"
	Labels    map[string]string `json:"labels,omitempty"`
}

// Request and response types

type GetMetricsRequest struct {
	Window time.Duration `json:"window"` // Time window (e.g., 1m, 5m, 1h)
}

type GetMetricsResponse struct {
	Timestamp           time.Time `json:"timestamp"`
	Window              time.Duration `json:"window"`
	TotalRequests       int64     `json:"total_requests"`
	Allowed             int64     `json:"allowed"`
	Denied              int64     `json:"denied"`
	AllowRate           float64   `json:"allow_rate"`
	QPS                 float64   `json:"qps"`
	AvgLatency          float64   `json:"avg_latency_ms"`
	P50Latency          float64   `json:"p50_latency_ms"`
	P90Latency          float64   `json:"p90_latency_ms"`
	P95Latency          float64   `json:"p95_latency_ms"`
	P99Latency          float64   `json:"p99_latency_ms"`
	ErrorRate           float64   `json:"error_rate"`
	BudgetFinalizations int64     `json:"budget_finalizations"`
	WriteBehindSyncs    int64     `json:"write_behind_syncs"`
	ReservationsReaped  int64     `json:"reservations_reaped"`
}

type GetAggregatedRequest struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Interval  time.Duration `json:"interval"` // Aggregation interval
}

type AggregatedDataPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Requests   int64     `json:"requests"`
	AllowRate  float64   `json:"allow_rate"`
	AvgLatency float64   `json:"avg_latency_ms"`
	P95Latency float64   `json:"p95_latency_ms"`
	QPS        float64   `json:"qps"`
	ErrorRate  float64   `json:"error_rate"`
}

type GetAggregatedResponse struct {
	DataPoints []AggregatedDataPoint `json:"data_points"`
	Summary    GetMetricsResponse    `json:"summary"`
}

type GetAlertsResponse struct {
	ActiveAlerts []Alert    `json:"active_alerts"`
	RecentAlerts []Alert    `json:"recent_alerts"` // Last 10 resolved alerts
	AlertStats   AlertStats `json:"alert_stats"`
}

type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}

// Global service instance
var svc *Service

// initService initializes the monitoring service.
func initService() (*Service, error) {
	config := DefaultConfig()

	collector := NewMetricsCollector(config)
	aggregator := NewAggregator(collector, config)
	alertMgr := NewAlertManager(aggregator, config)

	s := &Service{
		collector:  collector,
		aggregator: aggregator,
		alertMgr:   alertMgr,
		config:     config,
	}

	go aggregator.Run()
	go alertMgr.Run()

	return s, nil
}

var once sync.Once

func init() {
	var err error
	once.Do(func() {
		svc, err = initService()
	})
	if err != nil {
		panic(err)
	}
}

// GetMetrics returns current metrics snapshot for a time window.
//encore:api public method=GET path=/monitoring/metrics
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx, req)
}

func (s *Service) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	window := req.Window
	if window == 0 {
		window = 1 * time.Minute
	}

	now := time.Now()
	startTime := now.Add(-window)

	stats := s.aggregator.GetStats(startTime, now)

	return &GetMetricsResponse{
		Timestamp:           now,
		Window:              window,
		TotalRequests:       stats.TotalRequests,
		Allowed:             stats.Allowed,
		Denied:              stats.Denied,
		AllowRate:           stats.AllowRate,
		QPS:                 stats.QPS,
		AvgLatency:          stats.AvgLatency,
		P50Latency:          stats.P50Latency,
		P90Latency:          stats.P90Latency,
		P95Latency:          stats.P95Latency,
		P99Latency:          stats.P99Latency,
		ErrorRate:           stats.ErrorRate,
		BudgetFinalizations: stats.BudgetFinalizations,
		WriteBehindSyncs:    stats.WriteBehindSyncs,
		ReservationsReaped:  stats.ReservationsReaped,
	}, nil
}

// GetAggregated returns time-series aggregated metrics.
//encore:api public method=POST path=/monitoring/aggregated
func GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAggregated(ctx, req)
}

func (s *Service) GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if req.EndTime.Before(req.StartTime) {
		return nil, errors.New("end_time must be after start_time")
	}

	interval := req.Interval
	if interval == 0 {
		interval = 1 * time.Minute
	}

	dataPoints := make([]AggregatedDataPoint, 0)
	currentTime := req.StartTime

	for currentTime.Before(req.EndTime) {
		nextTime := currentTime.Add(interval)
		if nextTime.After(req.EndTime) {
			nextTime = req.EndTime
		}

		stats := s.aggregator.GetStats(currentTime, nextTime)

		dataPoints = append(dataPoints, AggregatedDataPoint{
			Timestamp:  currentTime,
			Requests:   stats.TotalRequests,
			AllowRate:  stats.AllowRate,
			AvgLatency: stats.AvgLatency,
			P95Latency: stats.P95Latency,
			QPS:        stats.QPS,
			ErrorRate:  stats.ErrorRate,
		})

		currentTime = nextTime
	}

	overallStats := s.aggregator.GetStats(req.StartTime, req.EndTime)
	summary := &GetMetricsResponse{
		Timestamp:           req.EndTime,
		Window:              req.EndTime.Sub(req.StartTime),
		TotalRequests:       overallStats.TotalRequests,
		Allowed:             overallStats.Allowed,
		Denied:              overallStats.Denied,
		AllowRate:           overallStats.AllowRate,
		QPS:                 overallStats.QPS,
		AvgLatency:          overallStats.AvgLatency,
		P50Latency:          overallStats.P50Latency,
		P90Latency:          overallStats.P90Latency,
		P95Latency:          overallStats.P95Latency,
		P99Latency:          overallStats.P99Latency,
		ErrorRate:           overallStats.ErrorRate,
		BudgetFinalizations: overallStats.BudgetFinalizations,
		WriteBehindSyncs:    overallStats.WriteBehindSyncs,
		ReservationsReaped:  overallStats.ReservationsReaped,
	}

	return &GetAggregatedResponse{
		DataPoints: dataPoints,
		Summary:    *summary,
	}, nil
}

// GetAlerts returns current active alerts and alert statistics.
//encore:api public method=GET path=/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAlerts(ctx)
}

func (s *Service) GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	activeAlerts := s.alertMgr.GetActiveAlerts()
	recentAlerts := s.alertMgr.GetRecentResolvedAlerts(10)
	stats := s.alertMgr.GetStats()

	return &GetAlertsResponse{
		ActiveAlerts: activeAlerts,
		RecentAlerts: recentAlerts,
		AlertStats:   stats,
	}, nil
}

// Pub/Sub subscriptions for metric events

// Subscribe to rate limiter check outcomes
var _ = pubsub.NewSubscription(
	RateLimitMetricsTopic,
	"monitoring-ratelimit-metrics",
	pubsub.SubscriptionConfig[*RateLimitMetricEvent]{
		Handler: HandleRateLimitMetric,
	},
)

// RateLimitMetricEvent represents a single Check() outcome from the
// multi-dimensional rate limiter or the tenant-tier limiter.
type RateLimitMetricEvent struct {
	Dimension string    `json:"dimension"` // "user", "guild", "channel", "burst", "tier"
	Allowed   bool      `json:"allowed"`
	LatencyMs float64   `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "ratelimit", "tier"
}

var RateLimitMetricsTopic = pubsub.NewTopic[*RateLimitMetricEvent](
	"ratelimit-metrics",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// HandleRateLimitMetric processes check outcomes from ratelimit/tier.
func HandleRateLimitMetric(ctx context.Context, event *RateLimitMetricEvent) error {
	if svc == nil {
		return nil
	}

	if event.Allowed {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricRequestAllowed,
			Value:     1,
			Timestamp: event.Timestamp,
			Source:    event.Source,
			Labels:    map[string]string{"dimension": event.Dimension},
		})
	} else {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricRequestDenied,
			Value:     1,
			Timestamp: event.Timestamp,
			Source:    event.Source,
			Labels:    map[string]string{"dimension": event.Dimension},
		})
	}

	if event.LatencyMs > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricLatency,
			Value:     event.LatencyMs,
			Timestamp: event.Timestamp,
			Source:    event.Source,
			Labels:    map[string]string{"dimension": event.Dimension},
		})
	}

	return nil
}

// Subscribe to budget reserve/finalize outcomes
var _ = pubsub.NewSubscription(
	BudgetMetricsTopic,
	"monitoring-budget-metrics",
	pubsub.SubscriptionConfig[*BudgetMetricEvent]{
		Handler: HandleBudgetMetric,
	},
)

// BudgetMetricEvent represents a reserve/finalize/reap outcome from the
// budget manager.
type BudgetMetricEvent struct {
	Operation  string    `json:"operation"` // "reserve", "finalize", "reap"
	Status     string    `json:"status"`
	LatencyMs  float64   `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

var BudgetMetricsTopic = pubsub.NewTopic[*BudgetMetricEvent](
	"budget-metrics",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// HandleBudgetMetric processes budget manager metrics.
func HandleBudgetMetric(ctx context.Context, event *BudgetMetricEvent) error {
	if svc == nil {
		return nil
	}

	switch event.Operation {
	case "reserve":
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricBudgetReservation,
			Value:     1,
			Timestamp: event.Timestamp,
			Source:    "budget",
			Labels:    map[string]string{"status": event.Status},
		})
	case "finalize":
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricBudgetFinalization,
			Value:     1,
			Timestamp: event.Timestamp,
			Source:    "budget",
			Labels:    map[string]string{"status": event.Status},
		})
	case "reap":
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricReservationReaped,
			Value:     1,
			Timestamp: event.Timestamp,
			Source:    "budget",
		})
	}

	if event.LatencyMs > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricLatency,
			Value:     event.LatencyMs,
			Timestamp: event.Timestamp,
			Source:    "budget",
			Labels:    map[string]string{"operation": event.Operation},
		})
	}

	if event.Status == "error" {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     1,
			Timestamp: event.Timestamp,
			Source:    "budget",
		})
	}

	return nil
}

// Subscribe to write-behind sync batches
var _ = pubsub.NewSubscription(
	WriteBehindMetricsTopic,
	"monitoring-writebehind-metrics",
	pubsub.SubscriptionConfig[*WriteBehindMetricEvent]{
		Handler: HandleWriteBehindMetric,
	},
)

// WriteBehindMetricEvent represents one ProcessSyncQueue batch outcome.
type WriteBehindMetricEvent struct {
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

var WriteBehindMetricsTopic = pubsub.NewTopic[*WriteBehindMetricEvent](
	"writebehind-metrics",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// HandleWriteBehindMetric processes write-behind sync batch metrics.
func HandleWriteBehindMetric(ctx context.Context, event *WriteBehindMetricEvent) error {
	if svc == nil {
		return nil
	}

	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricWriteBehindSync,
		Value:     float64(event.Success),
		Timestamp: event.Timestamp,
		Source:    "writebehind",
	})

	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricLatency,
		Value:     float64(event.DurationMs),
		Timestamp: event.Timestamp,
		Source:    "writebehind",
		Labels:    map[string]string{"operation": "sync"},
	})

	if event.Failed > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     float64(event.Failed),
			Timestamp: event.Timestamp,
			Source:    "writebehind",
		})
	}

	return nil
}

// Shutdown gracefully stops the monitoring service.
func (s *Service) Shutdown() {
	s.aggregator.Stop()
	s.alertMgr.Stop()
}
