// Package metrics defines the prometheus instruments for the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngressTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_ingress_total",
		Help: "Messages admitted to conversations",
	}, []string{"kind"})

	MessagesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_rejected_total",
		Help: "Ingress messages rejected before admission",
	}, []string{"reason"})

	MessageProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_message_process_duration_seconds",
		Help:    "Time from ingress to sequenced return",
		Buckets: prometheus.DefBuckets,
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_queue_depth",
		Help: "Per-conversation admission queue depth",
	}, []string{"conversation_id"})

	ConversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_conversations_active",
		Help: "Conversations tracked by the manager",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_active",
		Help: "Open message channels",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_broadcasts_total",
		Help: "Frames handed to the connection manager for fan-out",
	})

	BroadcastFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_broadcast_failures_total",
		Help: "Per-channel delivery failures",
	}, []string{"reason"})

	AIJobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_ai_jobs_active",
		Help: "AI jobs currently running",
	})

	AIJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_ai_jobs_total",
		Help: "Completed AI jobs by outcome",
	}, []string{"status"})

	AIJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_ai_job_duration_seconds",
		Help:    "AI job wall-clock duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_cache_hits_total",
		Help: "Conversation cache hits",
	})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_cache_misses_total",
		Help: "Conversation cache misses",
	})

	CachedConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_cached_conversations",
		Help: "Conversations currently cached",
	})

	CachedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_cached_messages",
		Help: "Messages currently cached across conversations",
	})

	StorageWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_storage_writes_total",
		Help: "Message persistence attempts by outcome",
	}, []string{"status"})
)
