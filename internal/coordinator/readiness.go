package coordinator

// Readiness is the agent availability shown to the agent and reported to
// routing. It is derived, never stored.
type Readiness string

const (
	ReadinessStarting    Readiness = "starting"
	ReadinessAvailable   Readiness = "available"
	ReadinessDegraded    Readiness = "degraded"
	ReadinessOffline     Readiness = "offline"
	ReadinessRinging     Readiness = "ringing"
	ReadinessBusy        Readiness = "busy"
	ReadinessError       Readiness = "error"
	ReadinessUnavailable Readiness = "unavailable"
)

// DeriveReadiness computes readiness from the call state, transport health
// and whether a media session exists. A live session keeps the agent busy
// even when signaling drops.
func DeriveReadiness(state State, health ConnectionHealth, hasSession bool) Readiness {
	switch state {
	case StateDeviceUnavailable:
		return ReadinessUnavailable
	case StateError:
		return ReadinessError
	}
	if hasSession || state == StateInCall || state == StateConnecting {
		return ReadinessBusy
	}
	if state == StateInitializing {
		return ReadinessStarting
	}
	if !health.DeviceRegistered {
		return ReadinessOffline
	}
	if state == StateOfferPending {
		return ReadinessRinging
	}
	if !health.SignalingConnected {
		return ReadinessDegraded
	}
	return ReadinessAvailable
}

// Available reports whether new calls may be routed to the agent.
func (r Readiness) Available() bool {
	return r == ReadinessAvailable
}
