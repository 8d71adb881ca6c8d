package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/transport"
)

const (
	writeTimeout = 10 * time.Second
	reconnectMin = time.Second
	reconnectMax = time.Minute
	subBuffer    = 64
)

// Client is a websocket connection to the mesh daemon. It reconnects on its
// own; commands issued while disconnected fail with ErrNotReady and
// subscriptions ride across reconnects. After a reconnect the last outbound
// relay is re-asserted so the daemon never drifts from the engine's choice.
type Client struct {
	url string
	log *logrus.Entry

	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	ready     chan struct{}
	readyOnce sync.Once
	lastRelay *protocol.DestinationHash
	events    map[int]*sub[transport.SyncEvent]
	announces map[int]*sub[transport.Announce]
	nextID    int
}

var _ transport.Bridge = (*Client)(nil)
var _ transport.AnnounceSource = (*Client)(nil)

// Dial connects to the daemon at rawURL (ws:// or wss://). The first
// connection attempt is synchronous; after that the client reconnects in the
// background until Close.
func Dial(ctx context.Context, rawURL string, logger *logrus.Entry) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("daemon URL is required")
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:       rawURL,
		log:       logger.WithField("component", "wsbridge"),
		dialer:    websocket.DefaultDialer,
		ctx:       runCtx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		events:    make(map[int]*sub[transport.SyncEvent]),
		announces: make(map[int]*sub[transport.Announce]),
	}

	conn, _, err := c.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	c.setConn(conn)
	c.log.Infof("Connected to daemon at %s", rawURL)

	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

// Close tears the connection down and fails every open subscription.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	c.wg.Wait()

	c.mu.Lock()
	events := c.events
	announces := c.announces
	c.events = map[int]*sub[transport.SyncEvent]{}
	c.announces = map[int]*sub[transport.Announce]{}
	c.mu.Unlock()
	for _, s := range events {
		s.Close()
	}
	for _, s := range announces {
		s.Close()
	}
	return err
}

// Ready blocks until the daemon has reported its transport up once. The ready
// state latches; a daemon restart does not reset it.
func (c *Client) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return transport.ErrClosed
	}
}

// SetOutboundRelay points the daemon's store-and-forward traffic at relay.
// The zero hash clears it. Repeating the current value is a no-op.
func (c *Client) SetOutboundRelay(ctx context.Context, relay transport.DestinationHash) error {
	c.mu.Lock()
	if c.lastRelay != nil && *c.lastRelay == relay {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.writeFrame(ctx, relayFrame(relay)); err != nil {
		return err
	}

	c.mu.Lock()
	r := relay
	c.lastRelay = &r
	c.mu.Unlock()
	return nil
}

// RequestSync asks the daemon to pull queued messages from the configured
// relay. Completion arrives on the event stream.
func (c *Client) RequestSync(ctx context.Context) error {
	if !c.isReady() {
		return transport.ErrNotReady
	}
	return c.writeFrame(ctx, frame{Type: frameSyncRequest})
}

// Events subscribes to sync transfer events. The subscription ends when ctx
// ends, Close is called on it, or the client is closed.
func (c *Client) Events(ctx context.Context) (transport.EventSubscription, error) {
	s := newSub[transport.SyncEvent]()
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	id := c.nextID
	c.nextID++
	c.events[id] = s
	c.mu.Unlock()

	s.remove = func() {
		c.mu.Lock()
		delete(c.events, id)
		c.mu.Unlock()
	}
	watchCtx(ctx, s)
	return s, nil
}

// Announces subscribes to announces heard by the daemon.
func (c *Client) Announces(ctx context.Context) (transport.AnnounceSubscription, error) {
	s := newSub[transport.Announce]()
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	id := c.nextID
	c.nextID++
	c.announces[id] = s
	c.mu.Unlock()

	s.remove = func() {
		c.mu.Lock()
		delete(c.announces, id)
		c.mu.Unlock()
	}
	watchCtx(ctx, s)
	return s, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	backoff := reconnectMin
	for {
		err := c.readLoop(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warnf("Connection to daemon lost: %v", err)

		for {
			t := time.NewTimer(backoff)
			select {
			case <-c.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}

			next, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.log.Debugf("Failed to reconnect to daemon: %v", err)
				backoff = min(backoff*2, reconnectMax)
				continue
			}
			conn = next
			break
		}

		backoff = reconnectMin
		c.setConn(conn)
		c.log.Info("Reconnected to daemon")
		c.reassertRelay()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Debugf("Dropping unparseable frame (%d bytes)", len(data))
		return
	}

	switch f.Type {
	case frameReady:
		c.readyOnce.Do(func() { close(c.ready) })
		c.log.Debug("Daemon reported transport ready")

	case frameSyncEvent:
		ev := transport.SyncEvent{
			State:    protocol.TransferState(f.State),
			Progress: f.Progress,
			Messages: f.Messages,
		}
		c.mu.Lock()
		subs := make([]*sub[transport.SyncEvent], 0, len(c.events))
		for _, s := range c.events {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			if !s.offer(ev) {
				c.log.Debugf("Dropping sync event %s for slow subscriber", ev.State)
			}
		}

	case frameAnnounce:
		ann, err := announceFromFrame(f)
		if err != nil {
			c.log.Debugf("Dropping malformed announce: %v", err)
			return
		}
		c.mu.Lock()
		subs := make([]*sub[transport.Announce], 0, len(c.announces))
		for _, s := range c.announces {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			if !s.offer(ann) {
				c.log.Debugf("Dropping announce from %s for slow subscriber", ann.Hash.Short())
			}
		}

	default:
		c.log.Debugf("Ignoring unknown frame type %q", f.Type)
	}
}

func (c *Client) writeFrame(ctx context.Context, f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// dropConn clears the active connection if it is still the one that failed.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// reassertRelay repeats the last relay choice after a reconnect, bypassing
// the idempotency cache.
func (c *Client) reassertRelay() {
	c.mu.Lock()
	last := c.lastRelay
	c.mu.Unlock()
	if last == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.writeFrame(ctx, relayFrame(*last)); err != nil {
		c.log.Warnf("Failed to re-assert outbound relay after reconnect: %v", err)
		return
	}
	c.log.Debugf("Re-asserted outbound relay %s", last.Short())
}

func (c *Client) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func relayFrame(relay protocol.DestinationHash) frame {
	f := frame{Type: frameSetRelay}
	if !relay.IsZero() {
		f.Relay = relay.String()
	}
	return f
}

func announceFromFrame(f frame) (transport.Announce, error) {
	hash, err := protocol.ParseDestinationHash(f.Hash)
	if err != nil {
		return transport.Announce{}, err
	}
	receivedAt := time.Now()
	if f.ReceivedAt > 0 {
		receivedAt = time.UnixMilli(f.ReceivedAt)
	}
	return transport.Announce{
		Hash:        hash,
		Aspect:      f.Aspect,
		DisplayName: f.DisplayName,
		PublicKey:   f.PublicKey,
		Hops:        f.Hops,
		ReceivedAt:  receivedAt,
	}, nil
}

// sub is a buffered fan-out endpoint for one subscriber.
type sub[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once

	remove func()
}

func newSub[T any]() *sub[T] {
	return &sub[T]{
		items: make(chan T, subBuffer),
		done:  make(chan struct{}),
	}
}

func (s *sub[T]) offer(v T) bool {
	select {
	case s.items <- v:
		return true
	default:
		return false
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

// watchCtx closes the subscription when its context ends.
func watchCtx[T any](ctx context.Context, s *sub[T]) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}
