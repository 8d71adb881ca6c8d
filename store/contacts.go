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

// Contacts persists known peers plus the single designated-relay slot the
// engine projects its selection from.
type Contacts struct {
	store *Store
	hub   *hub
}

var _ core.ContactStore = (*Contacts)(nil)

type contactRow struct {
	Hash        string
	DisplayName string
	PublicKey   []byte
	NodeType    int
	Hops        int
	LastSeen    int64
}

func contactMapper(row *sq.Row) contactRow {
	return contactRow{
		Hash:        row.String("hash"),
		DisplayName: row.String("display_name"),
		PublicKey:   row.Bytes("public_key"),
		NodeType:    row.Int("node_type"),
		Hops:        row.Int("hops"),
		LastSeen:    row.Int64("last_seen"),
	}
}

func (r contactRow) candidate() (protocol.RelayCandidate, error) {
	hash, err := protocol.ParseDestinationHash(r.Hash)
	if err != nil {
		return protocol.RelayCandidate{}, fmt.Errorf("failed to parse contact hash %q: %w", r.Hash, err)
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

// UpsertContact inserts or refreshes a contact record keyed by hash. The
// added_at column keeps its original value on refresh.
func (c *Contacts) UpsertContact(ctx context.Context, node protocol.RelayCandidate) error {
	if node.Hash.IsZero() {
		return fmt.Errorf("contact hash is required")
	}
	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO contacts (hash, display_name, public_key, node_type, hops, last_seen, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			node_type = excluded.node_type,
			hops = excluded.hops,
			last_seen = excluded.last_seen`,
		node.Hash.String(), node.DisplayName, node.PublicKey, int(node.Type),
		node.Hops, node.LastSeen.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert contact %s: %w", node.Hash.Short(), err)
	}
	c.hub.notify()
	return nil
}

// Contact returns the stored record for hash.
func (c *Contacts) Contact(ctx context.Context, hash protocol.DestinationHash) (protocol.RelayCandidate, bool, error) {
	row, err := sq.FetchOneContext(ctx, c.store.db,
		sq.Queryf("SELECT {*} FROM contacts WHERE hash = {}", hash.String()).SetDialect(sq.DialectSQLite),
		contactMapper)
	if err != nil {
		if strings.Contains(err.Error(), "no rows in result set") {
			return protocol.RelayCandidate{}, false, nil
		}
		return protocol.RelayCandidate{}, false, fmt.Errorf("failed to read contact %s: %w", hash.Short(), err)
	}
	node, err := row.candidate()
	if err != nil {
		return protocol.RelayCandidate{}, false, err
	}
	return node, true, nil
}

// Remove deletes a contact record. The designated-relay slot is left alone;
// deciding what replaces a removed relay is the engine's call.
func (c *Contacts) Remove(ctx context.Context, hash protocol.DestinationHash) error {
	_, err := c.store.db.ExecContext(ctx, "DELETE FROM contacts WHERE hash = ?", hash.String())
	if err != nil {
		return fmt.Errorf("failed to remove contact %s: %w", hash.Short(), err)
	}
	c.hub.notify()
	return nil
}

func relayStateMapper(row *sq.Row) string {
	return row.String("relay_hash")
}

// DesignatedRelay returns the relay recorded in the contact store.
func (c *Contacts) DesignatedRelay(ctx context.Context) (protocol.DestinationHash, bool, error) {
	raw, err := sq.FetchOneContext(ctx, c.store.db,
		sq.Queryf("SELECT {*} FROM relay_state WHERE id = 1").SetDialect(sq.DialectSQLite),
		relayStateMapper)
	if err != nil {
		if strings.Contains(err.Error(), "no rows in result set") {
			return protocol.DestinationHash{}, false, nil
		}
		return protocol.DestinationHash{}, false, fmt.Errorf("failed to read designated relay: %w", err)
	}
	hash, err := protocol.ParseDestinationHash(raw)
	if err != nil {
		return protocol.DestinationHash{}, false, fmt.Errorf("failed to parse designated relay %q: %w", raw, err)
	}
	return hash, true, nil
}

// SetDesignatedRelay records hash as the relay choice.
func (c *Contacts) SetDesignatedRelay(ctx context.Context, hash protocol.DestinationHash) error {
	if hash.IsZero() {
		return fmt.Errorf("relay hash is required")
	}
	_, err := c.store.db.ExecContext(ctx,
		"INSERT INTO relay_state (id, relay_hash) VALUES (1, ?) ON CONFLICT (id) DO UPDATE SET relay_hash = excluded.relay_hash",
		hash.String())
	if err != nil {
		return fmt.Errorf("failed to set designated relay: %w", err)
	}
	c.hub.notify()
	return nil
}

// ClearDesignatedRelay removes the relay choice.
func (c *Contacts) ClearDesignatedRelay(ctx context.Context) error {
	_, err := c.store.db.ExecContext(ctx, "DELETE FROM relay_state WHERE id = 1")
	if err != nil {
		return fmt.Errorf("failed to clear designated relay: %w", err)
	}
	c.hub.notify()
	return nil
}

// Subscribe delivers a tick after every contact or relay-slot write until ctx
// ends.
func (c *Contacts) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return c.hub.subscribe(ctx), nil
}
