package observability

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "tokenvest/vesting"

// VestingMetrics tracks schedule creation, claims and the HTTP surface that
// fronts them.
type VestingMetrics struct {
	initialize *prometheus.CounterVec
	claims     *prometheus.CounterVec
	released   *prometheus.CounterVec
	claimTime  prometheus.Histogram
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
	events     *prometheus.CounterVec

	// releasedUnits mirrors released into the global OTLP meter provider.
	releasedUnits metric.Float64Counter
}

var (
	vestingMetricsOnce sync.Once
	vestingRegistry    *VestingMetrics
)

// Vesting returns the lazily-initialised vesting metrics registry.
func Vesting() *VestingMetrics {
	vestingMetricsOnce.Do(func() {
		vestingRegistry = &VestingMetrics{
			initialize: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenvest",
				Subsystem: "vesting",
				Name:      "initialize_total",
				Help:      "Schedule initialisation attempts segmented by outcome.",
			}, []string{"outcome"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenvest",
				Subsystem: "vesting",
				Name:      "claims_total",
				Help:      "Claim attempts segmented by outcome.",
			}, []string{"outcome"}),
			released: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenvest",
				Subsystem: "vesting",
				Name:      "released_total",
				Help:      "Base units released to beneficiaries segmented by asset.",
			}, []string{"asset"}),
			claimTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tokenvest",
				Subsystem: "vesting",
				Name:      "claim_duration_seconds",
				Help:      "Latency of the claim protocol including custody release.",
				Buckets:   prometheus.DefBuckets,
			}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenvest",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tokenvest",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenvest",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting segmented by route.",
			}, []string{"route"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenvest",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Structured vesting events segmented by type.",
			}, []string{"type"}),
		}
		vestingRegistry.releasedUnits = releasedCounter()
		prometheus.MustRegister(
			vestingRegistry.initialize,
			vestingRegistry.claims,
			vestingRegistry.released,
			vestingRegistry.claimTime,
			vestingRegistry.requests,
			vestingRegistry.latency,
			vestingRegistry.throttles,
			vestingRegistry.events,
		)
	})
	return vestingRegistry
}

func releasedCounter() metric.Float64Counter {
	const name = "tokenvest.vesting.released"
	counter, err := otel.GetMeterProvider().Meter(meterName).Float64Counter(name,
		metric.WithDescription("Base units released to beneficiaries."))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter(meterName).Float64Counter(name)
	}
	return counter
}

func label(value, fallback string) string {
	if value = strings.TrimSpace(value); value == "" {
		return fallback
	}
	return value
}

// RecordInitialize counts a schedule initialisation attempt.
func (m *VestingMetrics) RecordInitialize(outcome string) {
	if m == nil {
		return
	}
	m.initialize.WithLabelValues(label(outcome, "unknown")).Inc()
}

// RecordClaim counts a claim attempt and its latency. Released units are added
// to the asset counter only for successful claims.
func (m *VestingMetrics) RecordClaim(outcome, asset string, released uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(label(outcome, "unknown")).Inc()
	m.claimTime.Observe(duration.Seconds())
	if released > 0 {
		asset = strings.ToUpper(label(asset, "UNKNOWN"))
		m.released.WithLabelValues(asset).Add(float64(released))
		if m.releasedUnits != nil {
			m.releasedUnits.Add(context.Background(), float64(released),
				metric.WithAttributes(attribute.String("asset", asset)))
		}
	}
}

// ObserveRequest records an HTTP request against its route pattern.
func (m *VestingMetrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route, "unmatched")
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *VestingMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(route, "unmatched")).Inc()
}

// RecordEvent counts an emitted event.
func (m *VestingMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(eventType, "unknown")).Inc()
}
