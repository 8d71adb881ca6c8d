package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/transport"
)

func TestNewValidatesConfig(t *testing.T) {
	bridge := newFakeBridge()
	settings := newMemSettings()
	contacts := newMemContacts()
	feed := newMemFeed()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing bridge", Config{Settings: settings, Contacts: contacts, Feed: feed}},
		{"missing settings", Config{Bridge: bridge, Contacts: contacts, Feed: feed}},
		{"missing contacts", Config{Bridge: bridge, Settings: settings, Feed: feed}},
		{"missing feed", Config{Bridge: bridge, Settings: settings, Contacts: contacts}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("Expected an error, got nil")
			}
		})
	}
}

func TestControllerAutoSelectsAnnouncedRelay(t *testing.T) {
	rig := newTestRig(t, nil)

	a := relayCandidate(0xa1, 3, time.Unix(100, 0))
	rig.feed.announce(a)

	waitFor(t, "relay adoption", func() bool {
		sel, ok := rig.ctrl.Selection()
		return ok && sel.Relay != nil && sel.Relay.Hash == a.Hash
	})

	sel, _ := rig.ctrl.Selection()
	if sel.Mode != ModeAuto {
		t.Errorf("Expected auto mode, got %s", sel.Mode)
	}
	if sel.Relay.Hops != 3 {
		t.Errorf("Expected hops=3, got %d", sel.Relay.Hops)
	}
	designated, ok, _ := rig.contacts.DesignatedRelay(context.Background())
	if !ok || designated != a.Hash {
		t.Errorf("Expected designated relay %s, got %s (ok=%v)", a.Hash.Short(), designated.Short(), ok)
	}
	if _, ok := rig.contacts.contact(a.Hash); !ok {
		t.Error("Expected adopted relay to be saved as a contact")
	}
}

func TestControllerSwitchesToCloserRelay(t *testing.T) {
	rig := newTestRig(t, nil)

	a := relayCandidate(0xa1, 3, time.Unix(100, 0))
	b := relayCandidate(0xb1, 1, time.Unix(200, 0))
	rig.feed.announce(a)
	waitFor(t, "initial adoption", func() bool {
		sel, ok := rig.ctrl.Selection()
		return ok && sel.Relay != nil && sel.Relay.Hash == a.Hash
	})

	rig.feed.announce(b)
	waitFor(t, "switch to closer relay", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == b.Hash
	})

	// A farther relay arriving later must not displace the current one.
	c := relayCandidate(0xc1, 2, time.Unix(300, 0))
	rig.feed.announce(c)
	time.Sleep(50 * time.Millisecond)

	sel, _ := rig.ctrl.Selection()
	if sel.Relay == nil || sel.Relay.Hash != b.Hash {
		t.Fatalf("Expected selection to stay on %s", b.Hash.Short())
	}
	designated, _, _ := rig.contacts.DesignatedRelay(context.Background())
	if designated != b.Hash {
		t.Errorf("Expected designated relay to stay %s, got %s", b.Hash.Short(), designated.Short())
	}
}

func TestControllerRefreshesCurrentRelay(t *testing.T) {
	rig := newTestRig(t, nil)

	b := relayCandidate(0xb1, 2, time.Unix(100, 0))
	rig.feed.announce(b)
	waitFor(t, "initial adoption", func() bool {
		sel, ok := rig.ctrl.Selection()
		return ok && sel.Relay != nil && sel.Relay.Hash == b.Hash
	})

	fresh := relayCandidate(0xb1, 1, time.Unix(500, 0))
	rig.feed.announce(fresh)

	waitFor(t, "selection refresh", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hops == 1
	})
	waitFor(t, "contact refresh", func() bool {
		saved, ok := rig.contacts.contact(b.Hash)
		return ok && saved.Hops == 1 && saved.LastSeen.Equal(fresh.LastSeen)
	})
}

func TestControllerKeepsRelayMissingFromFeed(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	x := testHash(0xdd)
	if err := rig.settings.SetAutoSelectEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := rig.contacts.SetDesignatedRelay(ctx, x); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "unresolved relay selection", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == x
	})
	sel, _ := rig.ctrl.Selection()
	if sel.Relay.Hops != protocol.HopsUnknown {
		t.Errorf("Expected unknown hops, got %d", sel.Relay.Hops)
	}
	if sel.Mode != ModeManual {
		t.Errorf("Expected manual mode, got %s", sel.Mode)
	}
}

func TestControllerManualPinIgnoresCloserRelay(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	b := relayCandidate(0xb1, 5, time.Unix(100, 0))
	rig.feed.announce(b)
	if err := rig.ctrl.SetManualRelay(ctx, b.Hash); err != nil {
		t.Fatalf("SetManualRelay failed: %v", err)
	}

	waitFor(t, "manual pin", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == b.Hash && sel.Mode == ModeManual
	})

	closer := relayCandidate(0xc1, 1, time.Unix(200, 0))
	rig.feed.announce(closer)
	time.Sleep(50 * time.Millisecond)

	sel, _ := rig.ctrl.Selection()
	if sel.Relay == nil || sel.Relay.Hash != b.Hash {
		t.Fatal("Expected pinned relay to survive a closer announce")
	}

	mirror, _ := rig.settings.ManualRelayHash(ctx)
	if mirror != b.Hash {
		t.Errorf("Expected manual relay mirror %s, got %s", b.Hash.Short(), mirror.Short())
	}
}

func TestControllerEnableAutoSelectReleasesPin(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	a := relayCandidate(0xa1, 1, time.Unix(100, 0))
	b := relayCandidate(0xb1, 5, time.Unix(100, 0))
	rig.feed.announce(a)
	rig.feed.announce(b)

	if err := rig.ctrl.SetManualRelay(ctx, b.Hash); err != nil {
		t.Fatalf("SetManualRelay failed: %v", err)
	}
	waitFor(t, "manual pin", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == b.Hash && sel.Mode == ModeManual
	})

	if err := rig.ctrl.EnableAutoSelect(ctx); err != nil {
		t.Fatalf("EnableAutoSelect failed: %v", err)
	}
	waitFor(t, "auto reselection", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == a.Hash && sel.Mode == ModeAuto
	})

	mirror, _ := rig.settings.ManualRelayHash(ctx)
	if !mirror.IsZero() {
		t.Errorf("Expected manual relay mirror to be cleared, got %s", mirror.Short())
	}
}

func TestControllerClearRelay(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	a := relayCandidate(0xa1, 2, time.Unix(100, 0))
	rig.feed.announce(a)
	waitFor(t, "adoption", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil
	})

	if err := rig.ctrl.ClearRelay(ctx); err != nil {
		t.Fatalf("ClearRelay failed: %v", err)
	}
	waitFor(t, "cleared selection", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay == nil && sel.Mode == ModeManual
	})

	if _, ok, _ := rig.contacts.DesignatedRelay(ctx); ok {
		t.Error("Expected designated relay to be cleared")
	}
}

func TestControllerPushesSelectionToTransport(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	a := relayCandidate(0xa1, 2, time.Unix(100, 0))
	rig.feed.announce(a)
	waitFor(t, "relay push", func() bool {
		last, ok := rig.bridge.lastRelay()
		return ok && last == a.Hash
	})

	if err := rig.ctrl.ClearRelay(ctx); err != nil {
		t.Fatalf("ClearRelay failed: %v", err)
	}
	waitFor(t, "relay clear push", func() bool {
		last, ok := rig.bridge.lastRelay()
		return ok && last.IsZero()
	})
}

func TestControllerSyncWithoutRelay(t *testing.T) {
	rig := newTestRig(t, nil)

	res, err := rig.ctrl.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Kind != ResultNoRelay {
		t.Fatalf("Expected ResultNoRelay, got %s", res.Kind)
	}
	if got := rig.bridge.syncCallCount(); got != 0 {
		t.Fatalf("Expected no transport sync request, got %d", got)
	}
}

func selectRelay(t *testing.T, rig *testRig, b byte) protocol.RelayCandidate {
	t.Helper()
	cand := relayCandidate(b, 2, time.Unix(100, 0))
	rig.feed.announce(cand)
	waitFor(t, "relay adoption", func() bool {
		sel, ok := rig.ctrl.Selection()
		return ok && sel.Relay != nil && sel.Relay.Hash == cand.Hash
	})
	return cand
}

func TestControllerManualSyncSuccess(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)

	resCh := make(chan SyncResult, 1)
	go func() {
		res, err := rig.ctrl.Sync(context.Background())
		if err != nil {
			t.Errorf("Sync failed: %v", err)
		}
		resCh <- res
	}()

	waitFor(t, "sync request", func() bool { return rig.bridge.syncCallCount() == 1 })

	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferReceiving, Progress: 0.4, Messages: 2})
	waitFor(t, "receiving status", func() bool {
		st := rig.ctrl.Status()
		return st.Active && st.Phase == protocol.TransferReceiving.String()
	})

	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferComplete, Progress: 1, Messages: 4})
	select {
	case res := <-resCh:
		if res.Kind != ResultSuccess {
			t.Fatalf("Expected success, got %s (%s)", res.Kind, res.Reason)
		}
		if res.Messages != 4 {
			t.Fatalf("Expected 4 messages, got %d", res.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for sync result")
	}

	if _, ok, _ := rig.settings.LastSyncAt(context.Background()); !ok {
		t.Error("Expected last sync time to be recorded")
	}
	waitFor(t, "idle status", func() bool { return !rig.ctrl.Status().Active })
}

func TestControllerRejectsConcurrentSync(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)

	go func() { _, _ = rig.ctrl.Sync(context.Background()) }()
	waitFor(t, "first sync", func() bool { return rig.bridge.syncCallCount() == 1 })

	_, err := rig.ctrl.Sync(context.Background())
	if !errors.Is(err, ErrSyncActive) {
		t.Fatalf("Expected ErrSyncActive, got %v", err)
	}
	if got := rig.bridge.syncCallCount(); got != 1 {
		t.Fatalf("Expected a single transport sync request, got %d", got)
	}
}

func TestControllerSyncTimeout(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) { cfg.SyncTimeout = time.Minute })
	selectRelay(t, rig, 0xa1)

	resCh := make(chan SyncResult, 1)
	go func() {
		res, _ := rig.ctrl.Sync(context.Background())
		resCh <- res
	}()
	waitFor(t, "sync request", func() bool { return rig.bridge.syncCallCount() == 1 })

	rig.mock.Add(time.Minute)
	select {
	case res := <-resCh:
		if res.Kind != ResultTimeout {
			t.Fatalf("Expected timeout result, got %s", res.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for watchdog result")
	}

	// A terminal event arriving after the watchdog fired belongs to a dead
	// session and must be dropped.
	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferComplete, Messages: 9})
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := rig.settings.LastSyncAt(context.Background()); ok {
		t.Error("Expected stale completion to be discarded")
	}
	if rig.ctrl.Status().Active {
		t.Error("Expected idle status after timeout")
	}
}

func TestControllerTransferFailure(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)

	resCh := make(chan SyncResult, 1)
	go func() {
		res, _ := rig.ctrl.Sync(context.Background())
		resCh <- res
	}()
	waitFor(t, "sync request", func() bool { return rig.bridge.syncCallCount() == 1 })

	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferErrNoPath})
	select {
	case res := <-resCh:
		if res.Kind != ResultError {
			t.Fatalf("Expected error result, got %s", res.Kind)
		}
		if res.Reason != "no path to relay" {
			t.Errorf("Expected reason 'no path to relay', got %q", res.Reason)
		}
		if res.Code != protocol.TransferErrNoPath {
			t.Errorf("Expected code 0x%02x, got 0x%02x", int(protocol.TransferErrNoPath), int(res.Code))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for sync result")
	}
}

func TestControllerSyncRequestFailure(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)

	rig.bridge.setSyncErr(transport.ErrNotReady)
	res, err := rig.ctrl.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Kind != ResultNotReady {
		t.Fatalf("Expected not-ready result, got %s", res.Kind)
	}

	rig.bridge.setSyncErr(fmt.Errorf("socket closed"))
	res, err = rig.ctrl.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Kind != ResultError {
		t.Fatalf("Expected error result, got %s", res.Kind)
	}

	// Failed requests release the session slot.
	rig.bridge.setSyncErr(nil)
	go func() { _, _ = rig.ctrl.Sync(context.Background()) }()
	waitFor(t, "third sync request", func() bool { return rig.bridge.syncCallCount() == 3 })
	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferComplete})
	waitFor(t, "third sync to finish", func() bool { return !rig.ctrl.Status().Active })
}

func TestControllerSyncContextCancelDetaches(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rig.ctrl.Sync(ctx)
		errCh <- err
	}()
	waitFor(t, "sync request", func() bool { return rig.bridge.syncCallCount() == 1 })

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for canceled Sync to return")
	}

	// The session keeps running; its completion still lands.
	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferComplete, Messages: 1})
	waitFor(t, "detached completion", func() bool {
		_, ok, _ := rig.settings.LastSyncAt(context.Background())
		return ok
	})
}

func TestControllerPeriodicSync(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)
	rig.settings.setInterval(10 * time.Minute)

	advanceUntil(t, rig.mock, 30*time.Second, "first periodic sync", func() bool {
		return rig.bridge.syncCallCount() >= 1
	})

	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferComplete, Messages: 2})
	waitFor(t, "periodic session end", func() bool { return !rig.ctrl.Status().Active })

	// The interval has not elapsed yet.
	rig.mock.Add(5 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if got := rig.bridge.syncCallCount(); got != 1 {
		t.Fatalf("Expected no sync before the interval elapsed, got %d requests", got)
	}

	advanceUntil(t, rig.mock, time.Minute, "second periodic sync", func() bool {
		return rig.bridge.syncCallCount() >= 2
	})
}

func TestControllerPeriodicRespectsAutoRetrieveSetting(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)
	rig.settings.setAutoRetrieve(false)

	rig.mock.Add(5 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if got := rig.bridge.syncCallCount(); got != 0 {
		t.Fatalf("Expected no periodic sync with auto-retrieve off, got %d requests", got)
	}
}

func TestControllerPeriodicWaitsForRelay(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.mock.Add(2 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if got := rig.bridge.syncCallCount(); got != 0 {
		t.Fatalf("Expected no sync without a relay, got %d requests", got)
	}

	selectRelay(t, rig, 0xa1)
	advanceUntil(t, rig.mock, 30*time.Second, "sync after relay appears", func() bool {
		return rig.bridge.syncCallCount() >= 1
	})
}

func TestControllerEventWithoutSessionIgnored(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)

	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferComplete, Messages: 5})
	time.Sleep(50 * time.Millisecond)

	if _, ok, _ := rig.settings.LastSyncAt(context.Background()); ok {
		t.Error("Expected unsolicited completion to be ignored")
	}
	if rig.ctrl.Status().Active {
		t.Error("Expected idle status")
	}
}

func TestControllerOnRelayDeletedAutoSelectsNext(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	a := relayCandidate(0xa1, 1, time.Unix(100, 0))
	b := relayCandidate(0xb1, 2, time.Unix(100, 0))
	rig.feed.announce(a)
	rig.feed.announce(b)
	waitFor(t, "initial adoption", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == a.Hash
	})

	if err := rig.ctrl.OnRelayDeleted(ctx, true, a.Hash); err != nil {
		t.Fatalf("OnRelayDeleted failed: %v", err)
	}
	waitFor(t, "replacement adoption", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == b.Hash
	})

	auto, _ := rig.settings.AutoSelectEnabled(ctx)
	if !auto {
		t.Error("Expected auto-select to stay enabled")
	}
}

func TestControllerOnRelayDeletedWithoutReplacement(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	a := relayCandidate(0xa1, 1, time.Unix(100, 0))
	rig.feed.announce(a)
	waitFor(t, "initial adoption", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil
	})
	rig.feed.remove(a.Hash)

	if err := rig.ctrl.OnRelayDeleted(ctx, true, a.Hash); err != nil {
		t.Fatalf("OnRelayDeleted failed: %v", err)
	}
	waitFor(t, "cleared selection", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay == nil
	})
}

func TestControllerOnRelayDeletedManual(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	a := relayCandidate(0xa1, 1, time.Unix(100, 0))
	b := relayCandidate(0xb1, 2, time.Unix(100, 0))
	rig.feed.announce(a)
	rig.feed.announce(b)
	waitFor(t, "initial adoption", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == a.Hash
	})

	if err := rig.ctrl.OnRelayDeleted(ctx, false); err != nil {
		t.Fatalf("OnRelayDeleted failed: %v", err)
	}
	waitFor(t, "cleared manual selection", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay == nil && sel.Mode == ModeManual
	})
}

func TestControllerAlternativeRelayDoesNotMutate(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	a := relayCandidate(0xa1, 1, time.Unix(100, 0))
	b := relayCandidate(0xb1, 2, time.Unix(100, 0))
	rig.feed.announce(a)
	rig.feed.announce(b)
	waitFor(t, "initial adoption", func() bool {
		sel, _ := rig.ctrl.Selection()
		return sel.Relay != nil && sel.Relay.Hash == a.Hash
	})

	alt, found, err := rig.ctrl.AlternativeRelay(ctx, a.Hash)
	if err != nil {
		t.Fatalf("AlternativeRelay failed: %v", err)
	}
	if !found || alt.Hash != b.Hash {
		t.Fatalf("Expected alternative %s, got %s (found=%v)", b.Hash.Short(), alt.Hash.Short(), found)
	}

	time.Sleep(30 * time.Millisecond)
	sel, _ := rig.ctrl.Selection()
	if sel.Relay == nil || sel.Relay.Hash != a.Hash {
		t.Fatal("Expected AlternativeRelay to leave the selection untouched")
	}
	designated, _, _ := rig.contacts.DesignatedRelay(ctx)
	if designated != a.Hash {
		t.Errorf("Expected designated relay to stay %s, got %s", a.Hash.Short(), designated.Short())
	}
}

func TestControllerCompleteLinger(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) { cfg.CompleteLinger = 2 * time.Second })
	selectRelay(t, rig, 0xa1)

	go func() { _, _ = rig.ctrl.Sync(context.Background()) }()
	waitFor(t, "sync request", func() bool { return rig.bridge.syncCallCount() == 1 })

	rig.bridge.emit(protocol.SyncEvent{State: protocol.TransferComplete, Messages: 3})
	waitFor(t, "linger status", func() bool {
		st := rig.ctrl.Status()
		return st.Active && st.Phase == "complete" && st.Messages == 3
	})

	rig.mock.Add(2 * time.Second)
	waitFor(t, "idle after linger", func() bool { return !rig.ctrl.Status().Active })
}

func TestControllerStopIsIdempotent(t *testing.T) {
	rig := newTestRig(t, nil)
	selectRelay(t, rig, 0xa1)

	if err := rig.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := rig.ctrl.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	if _, err := rig.ctrl.Sync(context.Background()); err == nil {
		t.Fatal("Expected Sync after Stop to fail")
	}
}
