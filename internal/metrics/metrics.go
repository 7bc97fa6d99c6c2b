package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/agentdesk/internal/coordinator"
)

// SnapshotProvider exposes the coordinator's latest state.
type SnapshotProvider interface {
	Snapshot() coordinator.Snapshot
}

var (
	allStates = []coordinator.State{
		coordinator.StateInitializing,
		coordinator.StateReady,
		coordinator.StateOfferPending,
		coordinator.StateConnecting,
		coordinator.StateInCall,
		coordinator.StateError,
		coordinator.StateDeviceUnavailable,
	}
	allReadiness = []coordinator.Readiness{
		coordinator.ReadinessStarting,
		coordinator.ReadinessAvailable,
		coordinator.ReadinessDegraded,
		coordinator.ReadinessOffline,
		coordinator.ReadinessRinging,
		coordinator.ReadinessBusy,
		coordinator.ReadinessError,
		coordinator.ReadinessUnavailable,
	}
)

// Collector is a prometheus.Collector that reads the agent's state at
// scrape time.
type Collector struct {
	source    SnapshotProvider
	startTime time.Time

	stateDesc       *prometheus.Desc
	readinessDesc   *prometheus.Desc
	signalingDesc   *prometheus.Desc
	registeredDesc  *prometheus.Desc
	callsTotalDesc  *prometheus.Desc
	callElapsedDesc *prometheus.Desc
	queuedDesc      *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source SnapshotProvider, startTime time.Time) *Collector {
	return &Collector{
		source:    source,
		startTime: startTime,

		stateDesc: prometheus.NewDesc(
			"agentdesk_call_state",
			"Current call state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		readinessDesc: prometheus.NewDesc(
			"agentdesk_readiness",
			"Current agent readiness (1 for the active value, 0 otherwise)",
			[]string{"readiness"}, nil,
		),
		signalingDesc: prometheus.NewDesc(
			"agentdesk_signaling_connected",
			"Whether the signaling channel is connected",
			nil, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"agentdesk_device_registered",
			"Whether the telephony device is registered",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"agentdesk_calls_total",
			"Calls logged since start, by outcome",
			[]string{"outcome"}, nil,
		),
		callElapsedDesc: prometheus.NewDesc(
			"agentdesk_call_elapsed_seconds",
			"Elapsed seconds of the current call",
			nil, nil,
		),
		queuedDesc: prometheus.NewDesc(
			"agentdesk_offers_queued",
			"Offers waiting behind the current call",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"agentdesk_uptime_seconds",
			"Seconds since the agentdesk process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.readinessDesc
	ch <- c.signalingDesc
	ch <- c.registeredDesc
	ch <- c.callsTotalDesc
	ch <- c.callElapsedDesc
	ch <- c.queuedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	for _, s := range allStates {
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, boolValue(snap.State == s), string(s))
	}
	for _, r := range allReadiness {
		ch <- prometheus.MustNewConstMetric(c.readinessDesc, prometheus.GaugeValue, boolValue(snap.Readiness == r), string(r))
	}

	ch <- prometheus.MustNewConstMetric(c.signalingDesc, prometheus.GaugeValue, boolValue(snap.Health.SignalingConnected))
	ch <- prometheus.MustNewConstMetric(c.registeredDesc, prometheus.GaugeValue, boolValue(snap.Health.DeviceRegistered))

	ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(snap.Totals.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(snap.Totals.Missed), "missed")
	ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(snap.Totals.Failed), "failed")

	elapsed := 0
	if snap.Session != nil {
		elapsed = snap.ElapsedSeconds
	}
	ch <- prometheus.MustNewConstMetric(c.callElapsedDesc, prometheus.GaugeValue, float64(elapsed))
	ch <- prometheus.MustNewConstMetric(c.queuedDesc, prometheus.GaugeValue, float64(snap.QueuedOffers))

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
