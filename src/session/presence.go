package session

import "time"

// Tier is a coarse activity classification derived from last-activity
// recency. Callers re-evaluate on demand; the store never pushes
// tier-change events as wall-clock time passes.
type Tier string

const (
	Active  Tier = "active"
	Idle    Tier = "idle"
	Away    Tier = "away"
	Offline Tier = "offline"
)

// Presence thresholds are fixed, not configuration.
const (
	activeWithin = 60 * time.Second
	idleWithin   = 5 * time.Minute
	awayWithin   = 15 * time.Minute
)

// TierAt maps a last-activity timestamp to a presence tier as of now.
func TierAt(lastActivity, now time.Time) Tier {
	since := now.Sub(lastActivity)
	switch {
	case since < activeWithin:
		return Active
	case since < idleWithin:
		return Idle
	case since < awayWithin:
		return Away
	default:
		return Offline
	}
}
