package protocol

import (
	"sort"
	"time"
)

// NodeType classifies an announced mesh node.
type NodeType int

const (
	// NodeTypePeer is an ordinary message recipient.
	NodeTypePeer NodeType = iota
	// NodeTypeRelay is a store-and-forward propagation node. Only relays are
	// eligible for relay selection.
	NodeTypeRelay
)

func (t NodeType) String() string {
	switch t {
	case NodeTypePeer:
		return "peer"
	case NodeTypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// HopsUnknown marks a candidate whose path length has not been measured yet.
const HopsUnknown = -1

// RelayCandidate is one announced node as seen by the relay directory.
//
// Candidates are ephemeral projections of the announce feed: they are created
// and refreshed as announces arrive and are never deleted by the engine.
type RelayCandidate struct {
	Hash        DestinationHash
	DisplayName string
	Hops        int
	LastSeen    time.Time
	Type        NodeType
	PublicKey   []byte
}

// HopsKnown reports whether the candidate has path information.
func (c RelayCandidate) HopsKnown() bool {
	return c.Hops != HopsUnknown
}

// Closer reports whether c sorts before o by path quality.
//
// Known hop counts beat unknown ones, fewer hops beat more, and equal
// distances are broken by the more recently seen candidate. Hash order is the
// final tie-break so sorting is deterministic.
func (c RelayCandidate) Closer(o RelayCandidate) bool {
	if c.HopsKnown() != o.HopsKnown() {
		return c.HopsKnown()
	}
	if c.Hops != o.Hops {
		return c.Hops < o.Hops
	}
	if !c.LastSeen.Equal(o.LastSeen) {
		return c.LastSeen.After(o.LastSeen)
	}
	return c.Hash.Compare(o.Hash) < 0
}

// SortByDistance orders candidates nearest first, using Closer.
func SortByDistance(cands []RelayCandidate) {
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].Closer(cands[j])
	})
}
