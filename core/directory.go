package core

import (
	"context"
	"fmt"

	"github.com/torlando-tech/columba-sub007/protocol"
)

const defaultTopRelays = 10

// Directory answers queries about relays known from announces, nearest first.
type Directory struct {
	feed AnnounceFeed
	top  int
}

// NewDirectory wraps feed. top bounds TopRelays; zero uses a conservative
// default.
func NewDirectory(feed AnnounceFeed, top int) *Directory {
	if top <= 0 {
		top = defaultTopRelays
	}
	return &Directory{feed: feed, top: top}
}

// Relays returns every known relay sorted by distance.
func (d *Directory) Relays(ctx context.Context) ([]protocol.RelayCandidate, error) {
	nodes, err := d.feed.NodesByType(ctx, protocol.NodeTypeRelay)
	if err != nil {
		return nil, fmt.Errorf("failed to list relays: %w", err)
	}
	protocol.SortByDistance(nodes)
	return nodes, nil
}

// TopRelays returns at most the configured number of nearest relays.
func (d *Directory) TopRelays(ctx context.Context) ([]protocol.RelayCandidate, error) {
	nodes, err := d.Relays(ctx)
	if err != nil {
		return nil, err
	}
	if len(nodes) > d.top {
		nodes = nodes[:d.top]
	}
	return nodes, nil
}

// Resolve looks up a single node by hash.
func (d *Directory) Resolve(ctx context.Context, hash protocol.DestinationHash) (protocol.RelayCandidate, bool, error) {
	return d.feed.Node(ctx, hash)
}

// Subscribe passes through to the underlying feed.
func (d *Directory) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return d.feed.Subscribe(ctx)
}
