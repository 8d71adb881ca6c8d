package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bokwoon95/sq"

	"github.com/torlando-tech/columba-sub007/core"
	"github.com/torlando-tech/columba-sub007/protocol"
)

// Announces is the persistent announce directory: the latest record heard per
// destination, queryable by node type.
type Announces struct {
	store *Store
	hub   *hub
}

var _ core.AnnounceFeed = (*Announces)(nil)

type announceRow struct {
	Hash        string
	NodeType    int
	DisplayName string
	PublicKey   []byte
	Hops        int
	LastSeen    int64
}

func announceMapper(row *sq.Row) announceRow {
	return announceRow{
		Hash:        row.String("hash"),
		NodeType:    row.Int("node_type"),
		DisplayName: row.String("display_name"),
		PublicKey:   row.Bytes("public_key"),
		Hops:        row.Int("hops"),
		LastSeen:    row.Int64("last_seen"),
	}
}

func (r announceRow) candidate() (protocol.RelayCandidate, error) {
	hash, err := protocol.ParseDestinationHash(r.Hash)
	if err != nil {
		return protocol.RelayCandidate{}, fmt.Errorf("failed to parse announce hash %q: %w", r.Hash, err)
	}
	return protocol.RelayCandidate{
		Hash:        hash,
		DisplayName: r.DisplayName,
		PublicKey:   r.PublicKey,
		Hops:        r.Hops,
		LastSeen:    time.UnixMilli(r.LastSeen),
		Type:        protocol.NodeType(r.NodeType),
	}, nil
}

// Ingest records an announce, replacing any earlier record for the same
// destination.
func (a *Announces) Ingest(ctx context.Context, ann protocol.Announce) error {
	if ann.Hash.IsZero() {
		return fmt.Errorf("announce hash is required")
	}
	_, err := a.store.db.ExecContext(ctx, `
		INSERT INTO announces (hash, aspect, node_type, display_name, public_key, hops, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			aspect = excluded.aspect,
			node_type = excluded.node_type,
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			hops = excluded.hops,
			last_seen = excluded.last_seen`,
		ann.Hash.String(), ann.Aspect, int(ann.NodeType()), ann.DisplayName,
		ann.PublicKey, ann.Hops, ann.ReceivedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to ingest announce %s: %w", ann.Hash.Short(), err)
	}
	a.hub.notify()
	return nil
}

// NodesByType returns every announced destination of the given type, most
// recently heard first.
func (a *Announces) NodesByType(ctx context.Context, typ protocol.NodeType) ([]protocol.RelayCandidate, error) {
	rows, err := sq.FetchAllContext(ctx, a.store.db,
		sq.Queryf("SELECT {*} FROM announces WHERE node_type = {} ORDER BY last_seen DESC", int(typ)).SetDialect(sq.DialectSQLite),
		announceMapper)
	if err != nil {
		return nil, fmt.Errorf("failed to list announces: %w", err)
	}
	nodes := make([]protocol.RelayCandidate, 0, len(rows))
	for _, row := range rows {
		node, err := row.candidate()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Node returns the announce record for hash.
func (a *Announces) Node(ctx context.Context, hash protocol.DestinationHash) (protocol.RelayCandidate, bool, error) {
	row, err := sq.FetchOneContext(ctx, a.store.db,
		sq.Queryf("SELECT {*} FROM announces WHERE hash = {}", hash.String()).SetDialect(sq.DialectSQLite),
		announceMapper)
	if err != nil {
		if strings.Contains(err.Error(), "no rows in result set") {
			return protocol.RelayCandidate{}, false, nil
		}
		return protocol.RelayCandidate{}, false, fmt.Errorf("failed to read announce %s: %w", hash.Short(), err)
	}
	node, err := row.candidate()
	if err != nil {
		return protocol.RelayCandidate{}, false, err
	}
	return node, true, nil
}

// Prune drops announce records not heard since the cutoff. Returns the number
// of records removed.
func (a *Announces) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.store.db.ExecContext(ctx, "DELETE FROM announces WHERE last_seen < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune announces: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned announces: %w", err)
	}
	if removed > 0 {
		a.hub.notify()
	}
	return removed, nil
}

// Subscribe delivers a tick after every announce write until ctx ends.
func (a *Announces) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return a.hub.subscribe(ctx), nil
}
