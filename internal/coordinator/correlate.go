package coordinator

import "time"

// sameCall reports whether offers a and b describe the same inbound call.
// Device call refs and conference refs identify a call outright. When only
// one side carries a conference ref, offers from different channels that
// arrive within window of each other are taken to be the same call.
func sameCall(a, b *IncomingOffer, window time.Duration) bool {
	if a.DeviceCallRef != "" && a.DeviceCallRef == b.DeviceCallRef {
		return true
	}
	if a.ConferenceRef != "" && b.ConferenceRef != "" {
		return a.ConferenceRef == b.ConferenceRef
	}
	if !complementary(a, b) {
		return false
	}
	return withinWindow(a.ReceivedAt, b.ReceivedAt, window)
}

// complementary reports whether one offer came from signaling and the other
// from the device, and neither already holds both halves.
func complementary(a, b *IncomingOffer) bool {
	if a.Merged || b.Merged {
		return false
	}
	return a.Source != b.Source
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// merge folds incoming into existing. The device leg supplies the call ref
// accept and reject act on; signaling metadata wins for display fields.
func merge(existing, incoming *IncomingOffer) {
	if existing.Source != incoming.Source {
		existing.Merged = true
	}

	if incoming.Source == SourceDevice {
		if existing.DeviceCallRef == "" {
			existing.DeviceCallRef = incoming.DeviceCallRef
		}
		existing.Source = SourceDevice
		if existing.CallerRef == "" {
			existing.CallerRef = incoming.CallerRef
		}
		if existing.CallerName == "" {
			existing.CallerName = incoming.CallerName
		}
		if existing.ConferenceRef == "" {
			existing.ConferenceRef = incoming.ConferenceRef
		}
		return
	}

	if incoming.CallerRef != "" {
		existing.CallerRef = incoming.CallerRef
	}
	if incoming.CallerName != "" {
		existing.CallerName = incoming.CallerName
	}
	if incoming.ConferenceRef != "" {
		existing.ConferenceRef = incoming.ConferenceRef
	}
}
