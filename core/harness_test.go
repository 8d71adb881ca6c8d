package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/transport"
)

func testHash(b byte) protocol.DestinationHash {
	var h protocol.DestinationHash
	for i := range h {
		h[i] = b
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

// advanceUntil steps the mock clock until cond holds. Loops run on real
// goroutines, so each step yields briefly to let them observe the new time.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		mock.Add(step)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

// notifyHub fans out store-change ticks to subscribers.
type notifyHub struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (h *notifyHub) subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 64)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.mu.Lock()
		for i, c := range h.subs {
			if c == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (h *notifyHub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type memSettings struct {
	hub notifyHub

	mu          sync.Mutex
	autoSelect  bool
	autoFetch   bool
	interval    time.Duration
	manual      protocol.DestinationHash
	lastSync    time.Time
	hasLastSync bool
}

func newMemSettings() *memSettings {
	return &memSettings{autoSelect: true, autoFetch: true}
}

func (s *memSettings) AutoSelectEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSelect, nil
}

func (s *memSettings) SetAutoSelectEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.autoSelect = enabled
	s.mu.Unlock()
	s.hub.notify()
	return nil
}

func (s *memSettings) AutoRetrieveEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoFetch, nil
}

func (s *memSettings) setAutoRetrieve(enabled bool) {
	s.mu.Lock()
	s.autoFetch = enabled
	s.mu.Unlock()
	s.hub.notify()
}

func (s *memSettings) RetrievalInterval(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval, nil
}

func (s *memSettings) setInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
	s.hub.notify()
}

func (s *memSettings) ManualRelayHash(ctx context.Context) (protocol.DestinationHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manual, nil
}

func (s *memSettings) SetManualRelayHash(ctx context.Context, hash protocol.DestinationHash) error {
	s.mu.Lock()
	s.manual = hash
	s.mu.Unlock()
	s.hub.notify()
	return nil
}

func (s *memSettings) LastSyncAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.hasLastSync, nil
}

func (s *memSettings) SetLastSyncAt(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	s.lastSync = at
	s.hasLastSync = true
	s.mu.Unlock()
	s.hub.notify()
	return nil
}

func (s *memSettings) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return s.hub.subscribe(ctx), nil
}

type memContacts struct {
	hub notifyHub

	mu         sync.Mutex
	designated protocol.DestinationHash
	hasRelay   bool
	contacts   map[protocol.DestinationHash]protocol.RelayCandidate
	upserts    int
}

func newMemContacts() *memContacts {
	return &memContacts{contacts: make(map[protocol.DestinationHash]protocol.RelayCandidate)}
}

func (c *memContacts) DesignatedRelay(ctx context.Context) (protocol.DestinationHash, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.designated, c.hasRelay, nil
}

func (c *memContacts) SetDesignatedRelay(ctx context.Context, hash protocol.DestinationHash) error {
	c.mu.Lock()
	c.designated = hash
	c.hasRelay = true
	c.mu.Unlock()
	c.hub.notify()
	return nil
}

func (c *memContacts) ClearDesignatedRelay(ctx context.Context) error {
	c.mu.Lock()
	c.designated = protocol.DestinationHash{}
	c.hasRelay = false
	c.mu.Unlock()
	c.hub.notify()
	return nil
}

func (c *memContacts) UpsertContact(ctx context.Context, node protocol.RelayCandidate) error {
	c.mu.Lock()
	c.contacts[node.Hash] = node
	c.upserts++
	c.mu.Unlock()
	c.hub.notify()
	return nil
}

func (c *memContacts) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return c.hub.subscribe(ctx), nil
}

func (c *memContacts) contact(hash protocol.DestinationHash) (protocol.RelayCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.contacts[hash]
	return n, ok
}

func (c *memContacts) upsertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts
}

type memFeed struct {
	hub notifyHub

	mu    sync.Mutex
	nodes map[protocol.DestinationHash]protocol.RelayCandidate
}

func newMemFeed() *memFeed {
	return &memFeed{nodes: make(map[protocol.DestinationHash]protocol.RelayCandidate)}
}

func (f *memFeed) announce(c protocol.RelayCandidate) {
	f.mu.Lock()
	f.nodes[c.Hash] = c
	f.mu.Unlock()
	f.hub.notify()
}

func (f *memFeed) remove(hash protocol.DestinationHash) {
	f.mu.Lock()
	delete(f.nodes, hash)
	f.mu.Unlock()
	f.hub.notify()
}

func (f *memFeed) NodesByType(ctx context.Context, typ protocol.NodeType) ([]protocol.RelayCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.RelayCandidate
	for _, n := range f.nodes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *memFeed) Node(ctx context.Context, hash protocol.DestinationHash) (protocol.RelayCandidate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[hash]
	return n, ok, nil
}

func (f *memFeed) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return f.hub.subscribe(ctx), nil
}

type fakeBridge struct {
	ready  chan struct{}
	events chan protocol.SyncEvent

	mu         sync.Mutex
	relayCalls []protocol.DestinationHash
	failRelay  map[protocol.DestinationHash]int
	syncCalls  int
	syncErr    error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		ready:     make(chan struct{}),
		events:    make(chan protocol.SyncEvent, 16),
		failRelay: make(map[protocol.DestinationHash]int),
	}
}

func (b *fakeBridge) setReady() { close(b.ready) }

// failRelayTimes makes SetOutboundRelay fail for hash the given number of
// times; negative means always.
func (b *fakeBridge) failRelayTimes(hash protocol.DestinationHash, times int) {
	b.mu.Lock()
	b.failRelay[hash] = times
	b.mu.Unlock()
}

func (b *fakeBridge) setSyncErr(err error) {
	b.mu.Lock()
	b.syncErr = err
	b.mu.Unlock()
}

func (b *fakeBridge) Ready(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBridge) SetOutboundRelay(ctx context.Context, relay protocol.DestinationHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relayCalls = append(b.relayCalls, relay)
	if n, ok := b.failRelay[relay]; ok && n != 0 {
		if n > 0 {
			b.failRelay[relay] = n - 1
		}
		return fmt.Errorf("transport unavailable")
	}
	return nil
}

func (b *fakeBridge) RequestSync(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncCalls++
	return b.syncErr
}

func (b *fakeBridge) Events(ctx context.Context) (transport.EventSubscription, error) {
	return &fakeEventSub{events: b.events}, nil
}

func (b *fakeBridge) emit(ev protocol.SyncEvent) { b.events <- ev }

func (b *fakeBridge) relayCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.relayCalls)
}

func (b *fakeBridge) lastRelay() (protocol.DestinationHash, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.relayCalls) == 0 {
		return protocol.DestinationHash{}, false
	}
	return b.relayCalls[len(b.relayCalls)-1], true
}

func (b *fakeBridge) syncCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncCalls
}

type fakeEventSub struct {
	events chan protocol.SyncEvent
}

func (s *fakeEventSub) Next(ctx context.Context) (protocol.SyncEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return protocol.SyncEvent{}, ctx.Err()
	}
}

func (s *fakeEventSub) Close() error { return nil }

type testRig struct {
	ctrl     *Controller
	bridge   *fakeBridge
	settings *memSettings
	contacts *memContacts
	feed     *memFeed
	mock     *clock.Mock
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()

	mock := clock.NewMock()
	bridge := newFakeBridge()
	bridge.setReady()
	settings := newMemSettings()
	contacts := newMemContacts()
	feed := newMemFeed()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := Config{
		Bridge:         bridge,
		Settings:       settings,
		Contacts:       contacts,
		Feed:           feed,
		Log:            logrus.NewEntry(logger),
		Clock:          mock,
		CompleteLinger: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Stop() })

	return &testRig{ctrl: ctrl, bridge: bridge, settings: settings, contacts: contacts, feed: feed, mock: mock}
}

func relayCandidate(b byte, hops int, seen time.Time) protocol.RelayCandidate {
	return protocol.RelayCandidate{
		Hash:        testHash(b),
		DisplayName: fmt.Sprintf("relay-%02x", b),
		Hops:        hops,
		LastSeen:    seen,
		Type:        protocol.NodeTypeRelay,
	}
}
