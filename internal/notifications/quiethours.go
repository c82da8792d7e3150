package notifications

import (
	"time"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/settings"
)

// Gate reasons reported on ResolvedDelivery
const (
	ReasonNoChannels       = "no-channels"
	ReasonQuietHoursOff    = "quiet-hours-disabled"
	ReasonOutsideWindow    = "outside-quiet-hours"
	ReasonUrgentBypass     = "urgent-bypass"
	ReasonQuietHoursDigest = "quiet-hours-summary"
	ReasonQuietHoursMuted  = "quiet-hours-no-email"
)

// GateInput is everything the quiet-hours gate looks at. At must already be
// in the user's local time.
type GateInput struct {
	Priority   catalog.Priority
	Category   catalog.Category
	Channels   catalog.ChannelSet
	QuietHours settings.QuietHours
	At         time.Time
}

type GateResult struct {
	Decision GateDecision
	Reason   string
}

// Evaluate decides whether an event goes out now, waits for the end of quiet
// hours, or is dropped. Only events that have an email leg can wait, since
// the deferred summary is sent by email. A non-urgent event inside the window
// with no email channel is Suppressed rather than Deferred: there is no
// channel the quiet-hours summary could carry it on.
func Evaluate(in GateInput) GateResult {
	if in.Channels.IsEmpty() {
		return GateResult{Decision: DecisionSuppressed, Reason: ReasonNoChannels}
	}
	if !in.QuietHours.Enabled {
		return GateResult{Decision: DecisionAllowed, Reason: ReasonQuietHoursOff}
	}
	if !in.QuietHours.Contains(settings.ClockOf(in.At)) {
		return GateResult{Decision: DecisionAllowed, Reason: ReasonOutsideWindow}
	}

	urgent := in.Priority == catalog.PriorityUrgent || in.Category.IsSecurity()
	if urgent && in.QuietHours.AllowUrgent {
		return GateResult{Decision: DecisionAllowed, Reason: ReasonUrgentBypass}
	}
	if in.Channels.Has(catalog.ChannelEmail) {
		return GateResult{Decision: DecisionDeferred, Reason: ReasonQuietHoursDigest}
	}
	return GateResult{Decision: DecisionSuppressed, Reason: ReasonQuietHoursMuted}
}
