package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bokwoon95/sq"

	"github.com/torlando-tech/columba-sub007/core"
	"github.com/torlando-tech/columba-sub007/protocol"
)

// Settings keys. Values live in a single key/value table as strings so new
// knobs never need a migration.
const (
	keyAutoSelect      = "relay.auto_select_enabled"
	keyManualRelay     = "relay.manual_hash"
	keyAutoRetrieve    = "sync.auto_retrieve"
	keyIntervalSeconds = "sync.interval_seconds"
	keyLastSyncMillis  = "sync.last_sync_ms"
)

// Settings reads and writes the engine's persisted switches.
type Settings struct {
	store *Store
	hub   *hub
}

var _ core.SettingsStore = (*Settings)(nil)

func settingMapper(row *sq.Row) string {
	return row.String("value")
}

func (s *Settings) value(ctx context.Context, key string) (string, bool, error) {
	val, err := sq.FetchOneContext(ctx, s.store.db,
		sq.Queryf("SELECT {*} FROM settings WHERE key = {}", key).SetDialect(sq.DialectSQLite),
		settingMapper)
	if err != nil {
		if strings.Contains(err.Error(), "no rows in result set") {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return val, true, nil
}

func (s *Settings) setValue(ctx context.Context, key, value string) error {
	_, err := s.store.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	s.hub.notify()
	return nil
}

func (s *Settings) boolValue(ctx context.Context, key string, def bool) (bool, error) {
	raw, ok, err := s.value(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return def, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("failed to parse setting %s: %w", key, err)
	}
	return parsed, nil
}

// AutoSelectEnabled reports whether the engine may pick relays on its own.
// Defaults to true until written.
func (s *Settings) AutoSelectEnabled(ctx context.Context) (bool, error) {
	return s.boolValue(ctx, keyAutoSelect, true)
}

func (s *Settings) SetAutoSelectEnabled(ctx context.Context, enabled bool) error {
	return s.setValue(ctx, keyAutoSelect, strconv.FormatBool(enabled))
}

// AutoRetrieveEnabled reports whether periodic retrieval runs. Defaults to
// true until written.
func (s *Settings) AutoRetrieveEnabled(ctx context.Context) (bool, error) {
	return s.boolValue(ctx, keyAutoRetrieve, true)
}

func (s *Settings) SetAutoRetrieveEnabled(ctx context.Context, enabled bool) error {
	return s.setValue(ctx, keyAutoRetrieve, strconv.FormatBool(enabled))
}

// RetrievalInterval returns the configured period between passive syncs, or
// zero when unset.
func (s *Settings) RetrievalInterval(ctx context.Context) (time.Duration, error) {
	raw, ok, err := s.value(ctx, keyIntervalSeconds)
	if err != nil || !ok {
		return 0, err
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse setting %s: %w", keyIntervalSeconds, err)
	}
	return time.Duration(seconds) * time.Second, nil
}

// SetRetrievalInterval stores the period between passive syncs, truncated to
// whole seconds.
func (s *Settings) SetRetrievalInterval(ctx context.Context, interval time.Duration) error {
	return s.setValue(ctx, keyIntervalSeconds, strconv.FormatInt(int64(interval/time.Second), 10))
}

// ManualRelayHash returns the pinned relay, or the zero hash when nothing is
// pinned.
func (s *Settings) ManualRelayHash(ctx context.Context) (protocol.DestinationHash, error) {
	raw, ok, err := s.value(ctx, keyManualRelay)
	if err != nil || !ok || raw == "" {
		return protocol.DestinationHash{}, err
	}
	hash, err := protocol.ParseDestinationHash(raw)
	if err != nil {
		return protocol.DestinationHash{}, fmt.Errorf("failed to parse setting %s: %w", keyManualRelay, err)
	}
	return hash, nil
}

// SetManualRelayHash records the pinned relay. The zero hash clears the pin.
func (s *Settings) SetManualRelayHash(ctx context.Context, hash protocol.DestinationHash) error {
	if hash.IsZero() {
		return s.setValue(ctx, keyManualRelay, "")
	}
	return s.setValue(ctx, keyManualRelay, hash.String())
}

// LastSyncAt returns when the last successful sync finished.
func (s *Settings) LastSyncAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.value(ctx, keyLastSyncMillis)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse setting %s: %w", keyLastSyncMillis, err)
	}
	return time.UnixMilli(millis), true, nil
}

func (s *Settings) SetLastSyncAt(ctx context.Context, at time.Time) error {
	return s.setValue(ctx, keyLastSyncMillis, strconv.FormatInt(at.UnixMilli(), 10))
}

// Subscribe delivers a tick after every settings write until ctx ends.
func (s *Settings) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return s.hub.subscribe(ctx), nil
}
