// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestAccepted counts transmissions accepted and persisted.
	IngestAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trunkfeed_ingest_accepted_total",
		Help: "Transmissions accepted and persisted",
	})

	// IngestRejected counts rejected ingestion attempts by error kind.
	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkfeed_ingest_rejected_total",
		Help: "Rejected ingestion attempts by error kind",
	}, []string{"kind"})

	// SinkSuccess counts successful fan-out sink executions by sink name.
	SinkSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkfeed_sink_success_total",
		Help: "Successful fan-out sink executions",
	}, []string{"sink"})

	// SinkFailure counts failed fan-out sink executions by sink name.
	SinkFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkfeed_sink_failure_total",
		Help: "Failed fan-out sink executions",
	}, []string{"sink"})

	// MQTTConnected tracks broker connection state per target.
	MQTTConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trunkfeed_mqtt_connected",
		Help: "MQTT broker connection state (1 connected, 0 not)",
	}, []string{"broker"})

	// MQTTPublished counts delivered broker messages per target.
	MQTTPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkfeed_mqtt_published_total",
		Help: "Messages delivered to MQTT brokers",
	}, []string{"broker"})

	// MQTTErrors counts broker errors per target.
	MQTTErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkfeed_mqtt_errors_total",
		Help: "MQTT connection and publish errors",
	}, []string{"broker"})

	// ForwardAttempts counts federation forward attempts by forwarder and outcome.
	ForwardAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkfeed_forward_attempts_total",
		Help: "Federation forward attempts by forwarder and outcome",
	}, []string{"forwarder", "outcome"})

	// AlertsFired counts fired alert triggers by trigger type.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trunkfeed_alerts_fired_total",
		Help: "Fired alert triggers by trigger type",
	}, []string{"trigger"})

	// PrunedTransmissions counts rows removed by the retention pruner.
	PrunedTransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trunkfeed_pruned_transmissions_total",
		Help: "Transmissions deleted by the retention pruner",
	})

	// RealtimeSessions tracks connected websocket sessions.
	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trunkfeed_realtime_sessions",
		Help: "Currently connected realtime sessions",
	})
)
