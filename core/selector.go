package core

import (
	"github.com/torlando-tech/columba-sub007/protocol"
)

// Mode says how the current relay was chosen.
type Mode int

const (
	// ModeAuto follows the nearest known relay as topology changes.
	ModeAuto Mode = iota
	// ModeManual pins the relay the user picked until they release it.
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// RelaySelection is the engine's view of which relay to use right now.
// Relay is nil when none is configured or selectable.
type RelaySelection struct {
	Relay *protocol.RelayCandidate
	Mode  Mode
}

// selectionEqual compares the fields consumers render. LastSeen and PublicKey
// churn on every announce and would turn each refresh into a notification, so
// they are left out.
func selectionEqual(a, b RelaySelection) bool {
	if a.Mode != b.Mode {
		return false
	}
	if (a.Relay == nil) != (b.Relay == nil) {
		return false
	}
	if a.Relay == nil {
		return true
	}
	return a.Relay.Hash == b.Relay.Hash &&
		a.Relay.Hops == b.Relay.Hops &&
		a.Relay.DisplayName == b.Relay.DisplayName
}

// SelectBest returns the closest relay not present in exclude.
func SelectBest(cands []protocol.RelayCandidate, exclude map[protocol.DestinationHash]struct{}) (protocol.RelayCandidate, bool) {
	var best protocol.RelayCandidate
	found := false
	for _, c := range cands {
		if c.Type != protocol.NodeTypeRelay {
			continue
		}
		if _, skip := exclude[c.Hash]; skip {
			continue
		}
		if !found || c.Closer(best) {
			best = c
			found = true
		}
	}
	return best, found
}

// ShouldSwitch decides whether candidate should replace current.
//
// The comparison is asymmetric: a candidate with unknown hops never unseats a
// relay whose distance is known, while a current relay with unknown hops
// yields to anything. Re-announcing the active relay at the same distance
// counts as a switch so the stored record gets refreshed.
func ShouldSwitch(current *protocol.RelayCandidate, candidate protocol.RelayCandidate) bool {
	if current == nil {
		return true
	}
	if !current.HopsKnown() {
		return true
	}
	if !candidate.HopsKnown() {
		return false
	}
	if candidate.Hops < current.Hops {
		return true
	}
	if candidate.Hops == current.Hops && candidate.Hash == current.Hash {
		return true
	}
	return false
}
