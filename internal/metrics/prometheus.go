package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultapi"

// PrometheusRecorder exports metrics through a dedicated Prometheus registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	signups        prometheus.Counter
	logins         *prometheus.CounterVec
	keysCreated    *prometheus.CounterVec
	keysRevoked    prometheus.Counter
	keysRevealed   prometheus.Counter
	verifications  *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	usagePublished *prometheus.CounterVec
	usageProcessed *prometheus.CounterVec
	usageDepth     prometheus.Gauge
	usageBatchSize prometheus.Histogram
	usageBatchTime prometheus.Histogram
	webhookEvents  *prometheus.CounterVec
	planChanges    *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewPrometheus creates and registers the application collectors.
func NewPrometheus() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		signups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "signups_total",
			Help:      "Total number of accounts created.",
		}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Total number of login attempts by outcome.",
		}, []string{"outcome"}),
		keysCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "created_total",
			Help:      "Total number of API keys created by provider.",
		}, []string{"provider"}),
		keysRevoked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "revoked_total",
			Help:      "Total number of API keys revoked.",
		}),
		keysRevealed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "revealed_total",
			Help:      "Total number of API key decryptions served.",
		}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "verifications_total",
			Help:      "Total number of API key verifications by outcome.",
		}, []string{"outcome"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "cache_hits_total",
			Help:      "Total number of API key cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "cache_misses_total",
			Help:      "Total number of API key cache misses.",
		}),
		usagePublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_published_total",
			Help:      "Total number of key usage events published by outcome.",
		}, []string{"outcome"}),
		usageProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_processed_total",
			Help:      "Total number of key usage events consumed by outcome.",
		}, []string{"outcome"}),
		usageDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "queue_depth",
			Help:      "Pending plus unread key usage stream entries.",
		}),
		usageBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "batch_size",
			Help:      "Number of events per applied usage batch.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		usageBatchTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "batch_duration_seconds",
			Help:      "Time spent applying a usage batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of Stripe events by type and outcome.",
		}, []string{"type", "outcome"}),
		planChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "plan_changes_total",
			Help:      "Total number of plan transitions by target plan.",
		}, []string{"plan"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry returns the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusRecorder) IncSignup()              { p.signups.Inc() }
func (p *PrometheusRecorder) IncLogin(outcome string) { p.logins.WithLabelValues(outcome).Inc() }
func (p *PrometheusRecorder) IncKeyCreated(provider string) {
	p.keysCreated.WithLabelValues(provider).Inc()
}
func (p *PrometheusRecorder) IncKeyRevoked()  { p.keysRevoked.Inc() }
func (p *PrometheusRecorder) IncKeyRevealed() { p.keysRevealed.Inc() }
func (p *PrometheusRecorder) IncKeyVerification(outcome string) {
	p.verifications.WithLabelValues(outcome).Inc()
}
func (p *PrometheusRecorder) IncKeyCacheHit()  { p.cacheHits.Inc() }
func (p *PrometheusRecorder) IncKeyCacheMiss() { p.cacheMisses.Inc() }
func (p *PrometheusRecorder) IncUsageEventPublished(outcome string) {
	p.usagePublished.WithLabelValues(outcome).Inc()
}
func (p *PrometheusRecorder) IncUsageEventProcessed(outcome string) {
	p.usageProcessed.WithLabelValues(outcome).Inc()
}
func (p *PrometheusRecorder) SetUsageQueueDepth(depth int64) { p.usageDepth.Set(float64(depth)) }
func (p *PrometheusRecorder) ObserveUsageBatch(size int, duration time.Duration) {
	p.usageBatchSize.Observe(float64(size))
	p.usageBatchTime.Observe(duration.Seconds())
}
func (p *PrometheusRecorder) IncWebhookEvent(eventType, outcome string) {
	p.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}
func (p *PrometheusRecorder) IncPlanChange(plan string) { p.planChanges.WithLabelValues(plan).Inc() }

// ObserveHTTPRequest records request latency. route should be the chi route pattern.
func (p *PrometheusRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
