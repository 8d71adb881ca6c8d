package protocol

import "time"

// Announce aspects used by the mesh messaging layer. Propagation announces
// come from relay nodes, delivery announces from ordinary peers.
const (
	AspectPropagation = "lxmf.propagation"
	AspectDelivery    = "lxmf.delivery"
)

// Announce is a single announce heard on the mesh, already parsed by the
// transport layer.
type Announce struct {
	Hash        DestinationHash
	Aspect      string
	DisplayName string
	PublicKey   []byte
	Hops        int
	ReceivedAt  time.Time
}

// NodeType derives the node classification from the announce aspect.
func (a Announce) NodeType() NodeType {
	if a.Aspect == AspectPropagation {
		return NodeTypeRelay
	}
	return NodeTypePeer
}

// Candidate converts the announce into a directory candidate.
func (a Announce) Candidate() RelayCandidate {
	return RelayCandidate{
		Hash:        a.Hash,
		DisplayName: a.DisplayName,
		Hops:        a.Hops,
		LastSeen:    a.ReceivedAt,
		Type:        a.NodeType(),
		PublicKey:   a.PublicKey,
	}
}
