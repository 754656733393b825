package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agentctl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var AuthTokensMintedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentctl",
		Subsystem: "auth",
		Name:      "tokens_minted_total",
		Help:      "Total number of machine tokens minted, by client.",
	},
	[]string{"client_id"},
)

var AuthTokensRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentctl",
		Subsystem: "auth",
		Name:      "tokens_rejected_total",
		Help:      "Total number of rejected bearer tokens, by reason.",
	},
	[]string{"reason"},
)

var AgentVersionsCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "agentctl",
		Subsystem: "agent",
		Name:      "versions_created_total",
		Help:      "Total number of agent versions created.",
	},
)

var DeploymentsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentctl",
		Subsystem: "deployment",
		Name:      "created_total",
		Help:      "Total number of deployments created, by build and deploy strategy.",
	},
	[]string{"build_strategy", "deploy_strategy"},
)

var DeploymentTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentctl",
		Subsystem: "deployment",
		Name:      "transitions_total",
		Help:      "Total number of deployment state transitions, by from/to state.",
	},
	[]string{"from", "to"},
)

var DeploymentPipelineDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agentctl",
		Subsystem: "deployment",
		Name:      "pipeline_duration_seconds",
		Help:      "End-to-end deployment pipeline duration in seconds, from pending to running or failed.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	},
	[]string{"result"},
)

var DeploymentWorkerRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentctl",
		Subsystem: "deployment",
		Name:      "worker_retries_total",
		Help:      "Total number of deployment worker step retries, by step.",
	},
	[]string{"step"},
)

var ConversationMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentctl",
		Subsystem: "conversation",
		Name:      "messages_total",
		Help:      "Total number of conversation messages, by role.",
	},
	[]string{"role"},
)

var ConversationSubscribersGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "agentctl",
		Subsystem: "conversation",
		Name:      "subscribers",
		Help:      "Current number of live WebSocket subscribers across all conversations.",
	},
)

var RuntimeStreamDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agentctl",
		Subsystem: "runtime",
		Name:      "stream_duration_seconds",
		Help:      "Duration of a single agent runtime streaming response in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"outcome"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and all agentctl-specific collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// All returns all agentctl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AuthTokensMintedTotal,
		AuthTokensRejectedTotal,
		AgentVersionsCreatedTotal,
		DeploymentsCreatedTotal,
		DeploymentTransitionsTotal,
		DeploymentPipelineDuration,
		DeploymentWorkerRetriesTotal,
		ConversationMessagesTotal,
		ConversationSubscribersGauge,
		RuntimeStreamDuration,
	}
}
