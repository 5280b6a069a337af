// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	// EventsProcessed counts dispatched chat events by kind.
	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_events_processed_total",
		Help: "Chat events dispatched, by kind",
	}, []string{"kind"})

	EventsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_events_duplicate_total",
		Help: "Chat events dropped because they were already processed",
	})

	MailsBridged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_mails_bridged_total",
		Help: "Mails delivered into chat rooms",
	})

	MailsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_mails_sent_total",
		Help: "Mails sent on behalf of chat users",
	})

	// DeliveryDegraded counts oversize fallbacks; step is "strip_html" or "truncate".
	DeliveryDegraded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_delivery_degraded_total",
		Help: "Chat messages resent in degraded form after a too-large rejection",
	}, []string{"step"})

	SyncErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_sync_errors_total",
		Help: "Mail sync cycle failures, by kind",
	}, []string{"kind"})

	SyncTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_sync_tasks",
		Help: "Running per-user mail sync tasks",
	})
)

// Register adds the collectors to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsProcessed,
			EventsDuplicate,
			MailsBridged,
			MailsSent,
			DeliveryDegraded,
			SyncErrors,
			SyncTasks,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
