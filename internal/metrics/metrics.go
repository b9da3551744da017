// Package metrics registers the sender stat family. Counters carry the
// mode label (email, sms, call, chat) where one exists.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SendCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "send_total",
		Help:      "Vendor send attempts by mode.",
	}, []string{"mode"})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "send_failures_total",
		Help:      "Vendor send failures by mode.",
	}, []string{"mode"})

	SendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "send_latency_seconds",
		Help:      "Vendor send latency by mode.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"mode"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "messages_sent_total",
		Help:      "Messages successfully dispatched.",
	})

	TaskFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "task_failures_total",
		Help:      "Background task crashes and abandoned sends.",
	})

	RoleLookupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "role_target_lookup_errors_total",
		Help:      "Role expansions that resolved no targets.",
	})

	TargetsNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "targets_not_found_total",
		Help:      "Resolved names with no target row.",
	})

	RPCPassSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "rpc_message_pass_success_total",
		Help:      "Messages successfully handed to a slave.",
	})

	RPCPassFailure = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "rpc_message_pass_failures_total",
		Help:      "Slave hand-offs that failed.",
	})

	Notifications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "notifications_total",
		Help:      "Out-of-band notifications accepted over RPC.",
	})

	BufferedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "aggregation_buffered_messages",
		Help:      "Messages held back for batch aggregation.",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "klaxon",
		Subsystem: "sender",
		Name:      "task_duration_seconds",
		Help:      "Maintenance pass duration by task.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"task"})
)
