package core

import (
	"context"
	"time"

	"github.com/torlando-tech/columba-sub007/protocol"
)

// SettingsStore persists the user preferences that drive relay selection and
// message retrieval.
type SettingsStore interface {
	AutoSelectEnabled(ctx context.Context) (bool, error)
	SetAutoSelectEnabled(ctx context.Context, enabled bool) error

	AutoRetrieveEnabled(ctx context.Context) (bool, error)

	// RetrievalInterval returns the configured delay between periodic syncs.
	// Zero means nothing is configured and callers use their own default.
	RetrievalInterval(ctx context.Context) (time.Duration, error)

	// ManualRelayHash mirrors the manually chosen relay. The zero hash means
	// none is recorded.
	ManualRelayHash(ctx context.Context) (protocol.DestinationHash, error)
	SetManualRelayHash(ctx context.Context, hash protocol.DestinationHash) error

	LastSyncAt(ctx context.Context) (time.Time, bool, error)
	SetLastSyncAt(ctx context.Context, at time.Time) error

	// Subscribe emits a tick after any setting changes. The channel closes
	// when ctx ends.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// ContactStore is the address book. The designated relay recorded here is the
// source of truth for which relay the engine talks to.
type ContactStore interface {
	DesignatedRelay(ctx context.Context) (protocol.DestinationHash, bool, error)
	SetDesignatedRelay(ctx context.Context, hash protocol.DestinationHash) error
	ClearDesignatedRelay(ctx context.Context) error

	// UpsertContact records or refreshes a known node.
	UpsertContact(ctx context.Context, node protocol.RelayCandidate) error

	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// AnnounceFeed exposes the nodes currently known from network announces.
type AnnounceFeed interface {
	NodesByType(ctx context.Context, typ protocol.NodeType) ([]protocol.RelayCandidate, error)
	Node(ctx context.Context, hash protocol.DestinationHash) (protocol.RelayCandidate, bool, error)
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}
