// Package memtransport is an in-memory mesh transport for tests and local
// experiments. It implements the engine's Bridge and AnnounceSource ports;
// callers drive it by marking it ready, emitting transfer events and
// announces, and inspecting what the engine pushed down.
package memtransport

import (
	"context"
	"sync"

	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/transport"
)

const subBuffer = 64

// Bus is a single in-process transport endpoint.
type Bus struct {
	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	relay      protocol.DestinationHash
	relaySet   bool
	relayCalls int
	relayErr   error
	relayFails int
	syncCalls  int
	syncErr    error
	events     map[int]*sub[transport.SyncEvent]
	announces  map[int]*sub[transport.Announce]
	nextID     int
	closed     bool
}

var _ transport.Bridge = (*Bus)(nil)
var _ transport.AnnounceSource = (*Bus)(nil)

func New() *Bus {
	return &Bus{
		ready:     make(chan struct{}),
		events:    map[int]*sub[transport.SyncEvent]{},
		announces: map[int]*sub[transport.Announce]{},
	}
}

// SetReady marks the transport initialized. Ready calls return from then on.
func (b *Bus) SetReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

func (b *Bus) Ready(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) SetOutboundRelay(ctx context.Context, relay transport.DestinationHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relayCalls++
	if b.relayFails != 0 && b.relayErr != nil {
		if b.relayFails > 0 {
			b.relayFails--
		}
		return b.relayErr
	}
	b.relay = relay
	b.relaySet = !relay.IsZero()
	return nil
}

func (b *Bus) RequestSync(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncCalls++
	if b.syncErr != nil {
		return b.syncErr
	}
	if !b.relaySet {
		return transport.ErrNoRelay
	}
	return nil
}

func (b *Bus) Events(ctx context.Context) (transport.EventSubscription, error) {
	return addSub(ctx, b, b.events)
}

func (b *Bus) Announces(ctx context.Context) (transport.AnnounceSubscription, error) {
	return addSub(ctx, b, b.announces)
}

// EmitEvent delivers a transfer event to every event subscriber.
func (b *Bus) EmitEvent(ev transport.SyncEvent) {
	b.mu.Lock()
	subs := make([]*sub[transport.SyncEvent], 0, len(b.events))
	for _, s := range b.events {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.offer(ev)
	}
}

// EmitAnnounce delivers an announce to every announce subscriber.
func (b *Bus) EmitAnnounce(ann transport.Announce) {
	b.mu.Lock()
	subs := make([]*sub[transport.Announce], 0, len(b.announces))
	for _, s := range b.announces {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.offer(ann)
	}
}

// OutboundRelay reports the relay last pushed down, if any.
func (b *Bus) OutboundRelay() (protocol.DestinationHash, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relay, b.relaySet
}

// RelayCalls counts SetOutboundRelay invocations, including failed ones.
func (b *Bus) RelayCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relayCalls
}

// SyncRequests counts RequestSync invocations.
func (b *Bus) SyncRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncCalls
}

// EventSubscribers counts open event subscriptions.
func (b *Bus) EventSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// AnnounceSubscribers counts open announce subscriptions. Tests wait on this
// before emitting so nothing is dropped while a consumer is still attaching.
func (b *Bus) AnnounceSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.announces)
}

// FailRelay makes the next n SetOutboundRelay calls return err; n < 0 means
// every call until cleared with FailRelay(0, nil).
func (b *Bus) FailRelay(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relayFails = n
	b.relayErr = err
}

// FailSync makes RequestSync return err until cleared with FailSync(nil).
func (b *Bus) FailSync(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncErr = err
}

// Close ends every open subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	events := make([]*sub[transport.SyncEvent], 0, len(b.events))
	for _, s := range b.events {
		events = append(events, s)
	}
	announces := make([]*sub[transport.Announce], 0, len(b.announces))
	for _, s := range b.announces {
		announces = append(announces, s)
	}
	b.mu.Unlock()

	for _, s := range events {
		s.Close()
	}
	for _, s := range announces {
		s.Close()
	}
	return nil
}

func addSub[T any](ctx context.Context, b *Bus, reg map[int]*sub[T]) (*sub[T], error) {
	s := &sub[T]{
		items: make(chan T, subBuffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, transport.ErrClosed
	}
	id := b.nextID
	b.nextID++
	reg[id] = s
	b.mu.Unlock()

	s.remove = func() {
		b.mu.Lock()
		delete(reg, id)
		b.mu.Unlock()
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

type sub[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once

	remove func()
}

func (s *sub[T]) offer(v T) {
	select {
	case s.items <- v:
	default:
	}
}

func (s *sub[T]) Next(ctx context.Context) (T, error) {
	select {
	case v := <-s.items:
		return v, nil
	default:
	}
	var zero T
	select {
	case v := <-s.items:
		return v, nil
	case <-s.done:
		return zero, transport.ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *sub[T]) Close() error {
	s.once.Do(func() {
		if s.remove != nil {
			s.remove()
		}
		close(s.done)
	})
	return nil
}
