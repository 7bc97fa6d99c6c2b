package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/flowpbx/agentdesk/internal/coordinator"
)

type staticSnapshot coordinator.Snapshot

func (s staticSnapshot) Snapshot() coordinator.Snapshot { return coordinator.Snapshot(s) }

func gather(t *testing.T, snap coordinator.Snapshot) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(staticSnapshot(snap), time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string][]*dto.Metric)
	for _, f := range families {
		out[f.GetName()] = f.GetMetric()
	}
	return out
}

func labelled(metrics []*dto.Metric, name, value string) *dto.Metric {
	for _, m := range metrics {
		for _, l := range m.GetLabel() {
			if l.GetName() == name && l.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestCollectorInCall(t *testing.T) {
	got := gather(t, coordinator.Snapshot{
		State:          coordinator.StateInCall,
		Readiness:      coordinator.ReadinessBusy,
		Health:         coordinator.ConnectionHealth{SignalingConnected: true, DeviceRegistered: true},
		Session:        &coordinator.ActiveSession{ID: "s1"},
		ElapsedSeconds: 75,
		QueuedOffers:   2,
		Totals:         coordinator.CallTotals{Completed: 3, Missed: 1, Failed: 4},
	})

	states := got["agentdesk_call_state"]
	if len(states) != 7 {
		t.Fatalf("state series = %d, want 7", len(states))
	}
	if m := labelled(states, "state", "in_call"); m == nil || m.GetGauge().GetValue() != 1 {
		t.Errorf("in_call gauge = %v", m)
	}
	if m := labelled(states, "state", "ready"); m == nil || m.GetGauge().GetValue() != 0 {
		t.Errorf("ready gauge = %v", m)
	}
	if m := labelled(got["agentdesk_readiness"], "readiness", "busy"); m == nil || m.GetGauge().GetValue() != 1 {
		t.Errorf("busy readiness = %v", m)
	}

	calls := got["agentdesk_calls_total"]
	for outcome, want := range map[string]float64{"completed": 3, "missed": 1, "failed": 4} {
		if m := labelled(calls, "outcome", outcome); m == nil || m.GetCounter().GetValue() != want {
			t.Errorf("calls_total{%s} = %v, want %v", outcome, m, want)
		}
	}

	if v := got["agentdesk_call_elapsed_seconds"][0].GetGauge().GetValue(); v != 75 {
		t.Errorf("elapsed = %v", v)
	}
	if v := got["agentdesk_offers_queued"][0].GetGauge().GetValue(); v != 2 {
		t.Errorf("queued = %v", v)
	}
	if v := got["agentdesk_signaling_connected"][0].GetGauge().GetValue(); v != 1 {
		t.Errorf("signaling = %v", v)
	}
	if v := got["agentdesk_uptime_seconds"][0].GetGauge().GetValue(); v < 59 {
		t.Errorf("uptime = %v", v)
	}
}

func TestCollectorElapsedZeroWithoutSession(t *testing.T) {
	got := gather(t, coordinator.Snapshot{
		State:          coordinator.StateReady,
		Readiness:      coordinator.ReadinessOffline,
		ElapsedSeconds: 42,
	})
	if v := got["agentdesk_call_elapsed_seconds"][0].GetGauge().GetValue(); v != 0 {
		t.Errorf("elapsed after call = %v, want 0", v)
	}
	if v := got["agentdesk_device_registered"][0].GetGauge().GetValue(); v != 0 {
		t.Errorf("registered = %v", v)
	}
}
