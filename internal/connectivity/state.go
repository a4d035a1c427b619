// Package connectivity classifies network reachability into online, degraded
// and offline tiers and notifies subscribers when the tier changes.
package connectivity

import "time"

type State string

const (
	Online   State = "online"
	Degraded State = "degraded" // reachable but slow or flaky
	Offline  State = "offline"
)

// Default thresholds.
const (
	DefaultInterval        = 3 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultDegradedLatency = 1000 * time.Millisecond
)

// Classify maps one observation onto a State.
//
// Without OS level network capability the answer is offline regardless of the
// probe. A failed probe while the OS still reports capability is degraded,
// never offline, so a single lost probe does not flap the state.
func Classify(available bool, latency time.Duration, probeErr error, degradedLatency time.Duration) State {
	if !available {
		return Offline
	}
	if probeErr != nil {
		return Degraded
	}
	if latency > degradedLatency {
		return Degraded
	}
	return Online
}
