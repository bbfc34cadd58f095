package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector methods are safe to call on a nil receiver so components can run
// without metrics.
type Collector struct {
	// Request outcomes fed by producers
	outcomesTotal *prometheus.CounterVec

	// Report cycle
	reportsPublished prometheus.Counter
	reportBuild      prometheus.Histogram
	hostLatency      prometheus.Histogram
	supplierErrors   prometheus.Counter

	// Push targets
	targetState    *prometheus.GaugeVec
	targetConnects *prometheus.CounterVec
	targetErrors   *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	subscriberLag  *prometheus.CounterVec

	// Notification relay
	notifications  *prometheus.CounterVec
	deliveryErrors prometheus.Counter

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_outcomes_total",
				Help:      "Request outcomes recorded by producers",
			},
			[]string{"outcome"},
		),
		reportsPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_published_total",
				Help:      "Reports handed to the broadcast pusher",
			},
		),
		reportBuild: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_build_duration_seconds",
				Help:      "Time to probe hosts and build one report",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		hostLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_connect_latency_seconds",
				Help:      "TCP connect latency to probed hosts",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		supplierErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_supplier_errors_total",
				Help:      "Failed host list loads",
			},
		),
		targetState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "push_target_state",
				Help:      "1 for the current state of each push target",
			},
			[]string{"target", "state"},
		),
		targetConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_connects_total",
				Help:      "Successful connections per push target",
			},
			[]string{"target"},
		),
		targetErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_errors_total",
				Help:      "Connection failures per push target",
			},
			[]string{"target", "reason"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_frames_sent_total",
				Help:      "Frames written per push target",
			},
			[]string{"target", "kind"},
		),
		subscriberLag: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_reports_lagged_total",
				Help:      "Reports discarded because a target fell behind",
			},
			[]string{"target"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification relay events",
			},
			[]string{"event"},
		),
		deliveryErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_delivery_errors_total",
				Help:      "Failed deliveries to the notification transport",
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordOutcome(outcome string) {
	if c == nil {
		return
	}
	c.outcomesTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordReportPublished() {
	if c == nil {
		return
	}
	c.reportsPublished.Inc()
}

func (c *Collector) RecordReportBuild(seconds float64) {
	if c == nil {
		return
	}
	c.reportBuild.Observe(seconds)
}

func (c *Collector) RecordHostLatency(seconds float64) {
	if c == nil {
		return
	}
	c.hostLatency.Observe(seconds)
}

func (c *Collector) RecordSupplierError() {
	if c == nil {
		return
	}
	c.supplierErrors.Inc()
}

// SetTargetState marks state as the only active state of target.
func (c *Collector) SetTargetState(target, state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.targetState.WithLabelValues(target, s).Set(v)
	}
}

func (c *Collector) RecordTargetConnect(target string) {
	if c == nil {
		return
	}
	c.targetConnects.WithLabelValues(target).Inc()
}

func (c *Collector) RecordTargetError(target, reason string) {
	if c == nil {
		return
	}
	c.targetErrors.WithLabelValues(target, reason).Inc()
}

func (c *Collector) RecordFrameSent(target, kind string) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(target, kind).Inc()
}

func (c *Collector) RecordLagged(target string, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.subscriberLag.WithLabelValues(target).Add(float64(n))
}

func (c *Collector) RecordNotification(event string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(event).Inc()
}

func (c *Collector) RecordDeliveryError() {
	if c == nil {
		return
	}
	c.deliveryErrors.Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
