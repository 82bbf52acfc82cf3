package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// Loop metrics
	LoopTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_loop_ticks_total",
			Help: "Total number of background loop ticks",
		},
		[]string{"loop", "status"},
	)

	LoopTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_loop_tick_duration_seconds",
			Help:    "Background loop tick duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"loop"},
	)

	LoopConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_loop_consecutive_failures",
			Help: "Current run of failed ticks per loop",
		},
		[]string{"loop"},
	)

	// Business metrics
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_assignments_total",
			Help: "Total number of order assignment attempts",
		},
		[]string{"service_class", "outcome"},
	)

	ReassignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_reassignments_total",
			Help: "Total number of reassignment attempts",
		},
		[]string{"trigger", "outcome"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_escalations_total",
			Help: "Total number of escalation tickets opened",
		},
		[]string{"level", "reason"},
	)

	SLAOrdersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_sla_orders",
			Help: "In-flight orders per SLA category at the last monitor pass",
		},
		[]string{"category"},
	)

	SLABreachesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sla_breaches_total",
			Help: "Total number of recorded SLA breaches",
		},
		[]string{"service_class"},
	)

	CompensationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sla_compensation_total",
			Help: "Sum of compensation issued for SLA breaches",
		},
		[]string{"service_class", "currency"},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_batches_total",
			Help: "Total number of batches formed",
		},
		[]string{"outcome"},
	)

	RoutePlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_route_plans_total",
			Help: "Total number of route plans by the engine that produced them",
		},
		[]string{"requested", "engine"},
	)

	EngineFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_engine_fallbacks_total",
			Help: "Total number of route engine fallbacks",
		},
		[]string{"from", "to"},
	)

	// Infrastructure metrics
	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_database_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_published_total",
			Help: "Total number of events handed to Kafka",
		},
		[]string{"topic", "status"},
	)

	EventsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_consumed_total",
			Help: "Total number of courier progress events consumed",
		},
		[]string{"type", "status"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_notifications_total",
			Help: "Total number of notifications published to RabbitMQ",
		},
		[]string{"kind", "status"},
	)
)

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordHTTPMetrics records HTTP request metrics
func RecordHTTPMetrics(method, route string, statusCode int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordLoopTick records one background loop tick
// RecordRateLimited counts a request rejected by the rate limiter
func RecordRateLimited(route string) {
	RateLimitedTotal.WithLabelValues(route).Inc()
}

func RecordLoopTick(loop string, err error, duration time.Duration) {
	LoopTicksTotal.WithLabelValues(loop, statusOf(err)).Inc()
	LoopTickDuration.WithLabelValues(loop).Observe(duration.Seconds())
}

// RecordLoopSkipped counts a tick dropped because the previous one was still running
func RecordLoopSkipped(loop string) {
	LoopTicksTotal.WithLabelValues(loop, "skipped").Inc()
}

// RecordDatabaseQuery records database query metrics
func RecordDatabaseQuery(operation string, err error, duration time.Duration) {
	DatabaseQueriesTotal.WithLabelValues(operation, statusOf(err)).Inc()
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEventPublished records a Kafka publish outcome
func RecordEventPublished(topic string, err error) {
	EventsPublishedTotal.WithLabelValues(topic, statusOf(err)).Inc()
}

// RecordEventConsumed records a consumed courier progress event
func RecordEventConsumed(eventType string, err error) {
	EventsConsumedTotal.WithLabelValues(eventType, statusOf(err)).Inc()
}

// RecordNotification records a RabbitMQ publish outcome
func RecordNotification(kind string, err error) {
	NotificationsTotal.WithLabelValues(kind, statusOf(err)).Inc()
}

// RecordAssignment records the outcome of one dispatch attempt
func RecordAssignment(serviceClass, outcome string) {
	AssignmentsTotal.WithLabelValues(serviceClass, outcome).Inc()
}

// RecordReassignment records the outcome of one reassignment attempt
func RecordReassignment(trigger, outcome string) {
	ReassignmentsTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordEscalation counts an opened ticket
func RecordEscalation(level int, reason string) {
	EscalationsTotal.WithLabelValues(strconv.Itoa(level), reason).Inc()
}

// RecordBreach counts a recorded breach and its compensation
func RecordBreach(serviceClass, currency string, compensation float64) {
	SLABreachesTotal.WithLabelValues(serviceClass).Inc()
	CompensationTotal.WithLabelValues(serviceClass, currency).Add(compensation)
}

// RecordRoutePlan records which engine produced a plan
func RecordRoutePlan(requested, engine string) {
	RoutePlansTotal.WithLabelValues(requested, engine).Inc()
}

// RecordEngineFallback counts a step down the engine tiers
func RecordEngineFallback(from, to string) {
	EngineFallbacksTotal.WithLabelValues(from, to).Inc()
}

// SetSLACategoryCounts replaces the per-category gauge values
func SetSLACategoryCounts(counts map[string]int) {
	for category, n := range counts {
		SLAOrdersGauge.WithLabelValues(category).Set(float64(n))
	}
}

// RecordBatches counts batches by outcome (formed, discarded, assigned, fallback)
func RecordBatches(outcome string, n int) {
	if n <= 0 {
		return
	}
	BatchesTotal.WithLabelValues(outcome).Add(float64(n))
}
