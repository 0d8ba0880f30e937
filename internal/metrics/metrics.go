package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	CRMRequests       *prometheus.CounterVec
	CRMLatency        *prometheus.HistogramVec
	NotificationsSent *prometheus.CounterVec
	CallbackActions   *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	MonitorTicks      *prometheus.CounterVec
	OrdersNotified    prometheus.Counter
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			CRMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crm_requests_total",
				Help:      "Total order-management API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			CRMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crm_request_duration_seconds",
				Help:      "Latency distribution for order-management API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total notification sends by outcome.",
			}, []string{"outcome"}),
			CallbackActions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_actions_total",
				Help:      "Total button-press actions handled by action and outcome.",
			}, []string{"action", "outcome"}),
			RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total actions rejected by the rate limiter.",
			}, []string{"action"}),
			MonitorTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_ticks_total",
				Help:      "Total monitoring loop ticks by outcome.",
			}, []string{"outcome"}),
			OrdersNotified: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_notified_total",
				Help:      "Total orders for which a notification was dispatched.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.CRMRequests,
			metricsInstance.CRMLatency,
			metricsInstance.NotificationsSent,
			metricsInstance.CallbackActions,
			metricsInstance.RateLimited,
			metricsInstance.MonitorTicks,
			metricsInstance.OrdersNotified,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
