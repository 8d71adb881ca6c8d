package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/telemetry"
	"github.com/torlando-tech/columba-sub007/transport"
)

// Config wires a Controller to its collaborators.
type Config struct {
	Bridge   transport.Bridge
	Settings SettingsStore
	Contacts ContactStore
	Feed     AnnounceFeed
	Log      *logrus.Entry

	// Clock is swapped for a mock in tests. Nil uses the wall clock.
	Clock clock.Clock

	// Metrics is optional; nil disables instrumentation.
	Metrics *telemetry.Metrics

	// SyncTimeout bounds a sync session; the watchdog fails it afterwards.
	// Zero uses a conservative default.
	SyncTimeout time.Duration
	// PeriodicTick is how often the retrieval schedule is evaluated.
	// Zero uses a conservative default.
	PeriodicTick time.Duration
	// DefaultInterval is the retrieval interval used when the settings store
	// has none configured. Zero uses a conservative default.
	DefaultInterval time.Duration
	// CompleteLinger keeps the completed status visible for a moment before
	// the engine reports idle. Zero uses a conservative default; negative
	// disables the linger.
	CompleteLinger time.Duration
	// TopRelays bounds directory listings. Zero uses a conservative default.
	TopRelays int
	// PropagateAttempts and PropagateBaseDelay shape the retry cycle that
	// pushes the selected relay to the transport. Zero uses conservative
	// defaults.
	PropagateAttempts  int
	PropagateBaseDelay time.Duration
}

// adoptRecord remembers the last candidate written to the contact store so
// the write coming back through the contacts subscription does not trigger a
// second adoption of the same announce.
type adoptRecord struct {
	hash protocol.DestinationHash
	hops int
	name string
	seen time.Time
}

// Controller projects settings, contacts and announces into the current
// relay, keeps the transport pointed at it, and runs sync sessions against
// it. One session runs at a time; transfer events stream back asynchronously
// and a watchdog fails sessions that never produce a terminal event.
type Controller struct {
	cfg Config
	log *logrus.Entry
	clk clock.Clock

	dir *Directory

	selection *Value[RelaySelection]
	syncState *Value[SyncStatus]

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	prop     *Propagator
	eventSub transport.EventSubscription

	// opMu serializes designated-relay writes so a projection-driven
	// adoption cannot land in the middle of a user operation and undo it.
	opMu sync.Mutex

	mu        sync.Mutex
	started   bool
	stopped   bool
	session   *syncSession
	lastAdopt adoptRecord
}

// New validates cfg and builds a Controller. Start begins the loops.
func New(cfg Config) (*Controller, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("Bridge is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("Settings is required")
	}
	if cfg.Contacts == nil {
		return nil, fmt.Errorf("Contacts is required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("Feed is required")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 5 * time.Minute
	}
	if cfg.PeriodicTick == 0 {
		cfg.PeriodicTick = 30 * time.Second
	}
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = time.Hour
	}
	if cfg.CompleteLinger == 0 {
		cfg.CompleteLinger = 2 * time.Second
	}

	return &Controller{
		cfg:       cfg,
		log:       cfg.Log.WithField("component", "relay"),
		clk:       cfg.Clock,
		dir:       NewDirectory(cfg.Feed, cfg.TopRelays),
		selection: NewValue[RelaySelection](selectionEqual),
		syncState: NewValue[SyncStatus](func(a, b SyncStatus) bool { return a == b }),
	}, nil
}

// Start subscribes to the stores and the transport event stream and begins
// reacting. The controller runs until ctx ends or Stop is called. Start may
// be called once.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel

	settingsCh, err := c.cfg.Settings.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to settings: %w", err)
	}
	contactsCh, err := c.cfg.Contacts.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to contacts: %w", err)
	}
	feedCh, err := c.dir.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to announces: %w", err)
	}
	sub, err := c.cfg.Bridge.Events(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to transport events: %w", err)
	}
	c.eventSub = sub

	c.prop = NewPropagator(c.cfg.Bridge, c.clk, c.cfg.Log, c.cfg.Metrics, c.cfg.PropagateAttempts, c.cfg.PropagateBaseDelay)
	c.syncState.Set(SyncStatus{})

	c.wg.Add(3)
	go c.projectionLoop(runCtx, settingsCh, contactsCh, feedCh)
	go c.periodicLoop(runCtx)
	go c.eventLoop(runCtx)

	c.log.Info("Relay sync controller started")
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	var err error
	if c.eventSub != nil {
		err = multierr.Append(err, c.eventSub.Close())
	}
	if c.prop != nil {
		c.prop.Stop()
	}
	c.log.Info("Relay sync controller stopped")
	return err
}

// Selection returns the current relay projection and whether the first
// computation has happened.
func (c *Controller) Selection() (RelaySelection, bool) {
	return c.selection.Get()
}

// SubscribeSelection observes projection changes. The current value, if any,
// is delivered first.
func (c *Controller) SubscribeSelection(buf int) (<-chan RelaySelection, func()) {
	return c.selection.Subscribe(buf)
}

// Status returns the current sync phase.
func (c *Controller) Status() SyncStatus {
	st, _ := c.syncState.Get()
	return st
}

// SubscribeStatus observes sync phase changes.
func (c *Controller) SubscribeStatus(buf int) (<-chan SyncStatus, func()) {
	return c.syncState.Subscribe(buf)
}

// Relays lists every known relay, nearest first.
func (c *Controller) Relays(ctx context.Context) ([]protocol.RelayCandidate, error) {
	return c.dir.Relays(ctx)
}

// TopRelays lists the nearest relays, bounded by the configured cap.
func (c *Controller) TopRelays(ctx context.Context) ([]protocol.RelayCandidate, error) {
	return c.dir.TopRelays(ctx)
}

func (c *Controller) projectionLoop(ctx context.Context, settings, contacts, feed <-chan struct{}) {
	defer c.wg.Done()

	c.recompute(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-settings:
			if !ok {
				return
			}
		case _, ok := <-contacts:
			if !ok {
				return
			}
		case _, ok := <-feed:
			if !ok {
				return
			}
		}
		c.recompute(ctx)
	}
}

// recompute projects the stores into the current selection and keeps the
// transport pointed at the resolved relay.
func (c *Controller) recompute(ctx context.Context) {
	sel, err := c.computeSelection(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warnf("Failed to compute relay selection: %v", err)
		}
		return
	}

	if sel.Mode == ModeAuto {
		adopted, err := c.autoSelect(ctx, sel)
		if err != nil {
			c.log.Warnf("Automatic relay selection failed: %v", err)
		} else if adopted {
			// The designated-relay write comes back through the contacts
			// subscription and settles the projection then.
			return
		}
	}

	if c.selection.Set(sel) {
		if sel.Relay != nil {
			c.log.Infof("Relay selection changed: %s (%s, hops=%d)", sel.Relay.Hash.Short(), sel.Mode, sel.Relay.Hops)
		} else {
			c.log.Infof("Relay selection changed: none (%s)", sel.Mode)
		}
	}
	c.pushSelection(sel)
}

// computeSelection resolves the designated relay against the announce feed.
// A designated relay the feed no longer remembers is kept with unknown
// distance until it announces again.
func (c *Controller) computeSelection(ctx context.Context) (RelaySelection, error) {
	auto, err := c.cfg.Settings.AutoSelectEnabled(ctx)
	if err != nil {
		return RelaySelection{}, fmt.Errorf("failed to read auto-select setting: %w", err)
	}
	mode := ModeManual
	if auto {
		mode = ModeAuto
	}

	hash, ok, err := c.cfg.Contacts.DesignatedRelay(ctx)
	if err != nil {
		return RelaySelection{}, fmt.Errorf("failed to read designated relay: %w", err)
	}
	if !ok {
		return RelaySelection{Mode: mode}, nil
	}

	cand, found, err := c.dir.Resolve(ctx, hash)
	if err != nil {
		return RelaySelection{}, fmt.Errorf("failed to resolve relay %s: %w", hash.Short(), err)
	}
	if !found {
		cand = protocol.RelayCandidate{Hash: hash, Hops: protocol.HopsUnknown, Type: protocol.NodeTypeRelay}
	}
	return RelaySelection{Relay: &cand, Mode: mode}, nil
}

// autoSelect adopts a better relay when one is announced. It reports whether
// a designated-relay write was issued.
func (c *Controller) autoSelect(ctx context.Context, sel RelaySelection) (bool, error) {
	relays, err := c.dir.Relays(ctx)
	if err != nil {
		return false, err
	}
	best, found := SelectBest(relays, nil)
	if !found {
		return false, nil
	}
	if !ShouldSwitch(sel.Relay, best) {
		return false, nil
	}

	key := adoptRecord{hash: best.Hash, hops: best.Hops, name: best.DisplayName, seen: best.LastSeen}
	c.mu.Lock()
	seen := c.lastAdopt == key
	c.mu.Unlock()
	if seen {
		return false, nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	// The user may have pinned a relay since this pass started; adoption is
	// only valid while auto-select is still on.
	auto, err := c.cfg.Settings.AutoSelectEnabled(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read auto-select setting: %w", err)
	}
	if !auto {
		return false, nil
	}

	if err := c.adoptRelay(ctx, best); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.lastAdopt = key
	c.mu.Unlock()
	return true, nil
}

func (c *Controller) adoptRelay(ctx context.Context, cand protocol.RelayCandidate) error {
	if err := c.cfg.Contacts.UpsertContact(ctx, cand); err != nil {
		return fmt.Errorf("failed to save relay contact: %w", err)
	}
	if err := c.cfg.Contacts.SetDesignatedRelay(ctx, cand.Hash); err != nil {
		return fmt.Errorf("failed to set designated relay: %w", err)
	}
	c.log.Infof("Selected relay %s (hops=%d)", cand.Hash.Short(), cand.Hops)
	c.cfg.Metrics.RelaySwitched()
	c.cfg.Metrics.SetRelayHops(cand.Hops)
	return nil
}

// pushSelection hands the resolved hash to the propagator. The zero hash
// clears the outbound relay on the transport.
func (c *Controller) pushSelection(sel RelaySelection) {
	var target protocol.DestinationHash
	if sel.Relay != nil {
		target = sel.Relay.Hash
	}
	c.prop.Propagate(target)
}

func (c *Controller) periodicLoop(ctx context.Context) {
	defer c.wg.Done()

	if err := c.cfg.Bridge.Ready(ctx); err != nil {
		if ctx.Err() == nil {
			c.log.Warnf("Transport never became ready: %v", err)
		}
		return
	}
	c.log.Debug("Transport ready, periodic retrieval armed")

	ticker := c.clk.Ticker(c.cfg.PeriodicTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.periodicPass(ctx)
		}
	}
}

// periodicPass starts a scheduled sync once the retrieval interval has
// elapsed. With no relay selected and auto-select on, it first tries to fill
// the selection.
func (c *Controller) periodicPass(ctx context.Context) {
	enabled, err := c.cfg.Settings.AutoRetrieveEnabled(ctx)
	if err != nil {
		c.log.Warnf("Failed to read auto-retrieve setting: %v", err)
		return
	}
	if !enabled {
		return
	}

	interval, err := c.cfg.Settings.RetrievalInterval(ctx)
	if err != nil {
		c.log.Warnf("Failed to read retrieval interval: %v", err)
		return
	}
	if interval <= 0 {
		interval = c.cfg.DefaultInterval
	}

	last, ok, err := c.cfg.Settings.LastSyncAt(ctx)
	if err != nil {
		c.log.Warnf("Failed to read last sync time: %v", err)
		return
	}
	if ok && c.clk.Now().Sub(last) < interval {
		return
	}

	sel, loaded := c.selection.Get()
	if !loaded {
		return
	}
	if sel.Relay == nil {
		if sel.Mode != ModeAuto {
			return
		}
		adopted, err := c.autoSelect(ctx, sel)
		if err != nil {
			c.log.Warnf("Automatic relay selection failed: %v", err)
			return
		}
		if !adopted {
			return
		}
		fresh, err := c.computeSelection(ctx)
		if err != nil || fresh.Relay == nil {
			return
		}
	}

	if _, err := c.startSession(TriggerPeriodic); err != nil {
		if errors.Is(err, ErrSyncActive) {
			c.log.Debug("Skipping periodic sync: one already running")
		} else {
			c.log.Warnf("Failed to start periodic sync: %v", err)
		}
	}
}

func (c *Controller) eventLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		ev, err := c.eventSub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warnf("Transport event stream ended: %v", err)
			}
			return
		}
		c.handleEvent(ev)
	}
}

// handleEvent routes a transfer event to the session in flight. Events with
// no session, or for a session already finished, are dropped.
func (c *Controller) handleEvent(ev protocol.SyncEvent) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		c.log.Debugf("Ignoring transfer event 0x%02x: no sync in flight", int(ev.State))
		return
	}

	switch {
	case ev.State.Completed():
		c.finishSession(s, successResult(ev.Messages))
	case ev.State.Failed():
		c.log.Warnf("Sync failed: %s", ev.State.FailureReason())
		c.finishSession(s, errorResult(ev.State.FailureReason(), ev.State))
	default:
		c.syncState.Set(SyncStatus{Active: true, Phase: ev.State.String(), Progress: ev.Progress, Messages: ev.Messages})
	}
}

// startSession begins a sync session. Only one runs at a time; the watchdog
// fails it if no terminal event arrives within SyncTimeout.
func (c *Controller) startSession(trigger Trigger) (*syncSession, error) {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil, ErrSyncActive
	}
	s := newSyncSession(trigger, c.clk.Now())
	s.watchdog = c.clk.AfterFunc(c.cfg.SyncTimeout, func() { c.timeoutSession(s) })
	c.session = s
	c.mu.Unlock()

	c.syncState.Set(SyncStatus{Active: true, Phase: "starting"})
	c.log.Infof("Starting %s sync (session=%s)", trigger, s.id)
	c.cfg.Metrics.SyncStarted()

	rctx, cancel := context.WithTimeout(c.runCtx, 30*time.Second)
	err := c.cfg.Bridge.RequestSync(rctx)
	cancel()
	if err != nil {
		if errors.Is(err, transport.ErrNotReady) {
			c.finishSession(s, notReadyResult())
		} else {
			c.finishSession(s, errorResult(fmt.Sprintf("sync request failed: %v", err), 0))
		}
	}
	return s, nil
}

// finishSession records a terminal result. A session finishes once; calls for
// a session already replaced are dropped.
func (c *Controller) finishSession(s *syncSession, res SyncResult) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	s.watchdog.Stop()
	elapsed := c.clk.Now().Sub(s.startedAt)

	if res.Kind == ResultSuccess {
		c.log.Infof("Sync complete: %d messages in %v (session=%s)", res.Messages, elapsed.Round(time.Millisecond), s.id)
		if err := c.cfg.Settings.SetLastSyncAt(c.runCtx, c.clk.Now()); err != nil {
			c.log.Warnf("Failed to record sync time: %v", err)
		}
		c.cfg.Metrics.MessagesReceived(res.Messages)
		c.lingerComplete(res)
	} else {
		c.syncState.Set(SyncStatus{})
	}

	c.cfg.Metrics.SyncFinished(s.trigger.String(), res.Kind.String(), elapsed)
	s.result <- res
}

// timeoutSession fails a session that produced no terminal event in time.
func (c *Controller) timeoutSession(s *syncSession) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	c.log.Warnf("Sync timed out after %v (session=%s)", c.cfg.SyncTimeout, s.id)
	c.syncState.Set(SyncStatus{})
	c.cfg.Metrics.SyncFinished(s.trigger.String(), "timeout", c.cfg.SyncTimeout)
	s.result <- timeoutResult()
}

// lingerComplete keeps the completed status visible briefly so consumers can
// render it before the engine reports idle. A session starting inside the
// window takes precedence.
func (c *Controller) lingerComplete(res SyncResult) {
	if res.Messages == 0 || c.cfg.CompleteLinger <= 0 {
		c.syncState.Set(SyncStatus{})
		return
	}
	c.syncState.Set(SyncStatus{Active: true, Phase: "complete", Progress: 1, Messages: res.Messages})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := c.clk.Timer(c.cfg.CompleteLinger)
		defer t.Stop()
		select {
		case <-c.runCtx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		busy := c.session != nil
		c.mu.Unlock()
		if !busy {
			c.syncState.Set(SyncStatus{})
		}
	}()
}

// Sync runs a manual sync and blocks for its outcome. With no relay selected
// it reports that without touching the transport. If ctx ends first, the
// session keeps running and its result is discarded.
func (c *Controller) Sync(ctx context.Context) (SyncResult, error) {
	if err := c.selection.WaitLoaded(ctx); err != nil {
		return SyncResult{}, err
	}
	sel, _ := c.selection.Get()
	if sel.Relay == nil {
		return noRelayResult(), nil
	}

	s, err := c.startSession(TriggerManual)
	if err != nil {
		return SyncResult{}, err
	}
	select {
	case res := <-s.result:
		return res, nil
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

// SetManualRelay pins hash as the relay and turns auto-select off.
func (c *Controller) SetManualRelay(ctx context.Context, hash protocol.DestinationHash) error {
	if hash.IsZero() {
		return fmt.Errorf("relay hash is required")
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.cfg.Settings.SetAutoSelectEnabled(ctx, false); err != nil {
		return fmt.Errorf("failed to disable auto-select: %w", err)
	}
	if err := c.cfg.Settings.SetManualRelayHash(ctx, hash); err != nil {
		return fmt.Errorf("failed to record manual relay: %w", err)
	}
	if cand, ok, err := c.dir.Resolve(ctx, hash); err == nil && ok {
		if err := c.cfg.Contacts.UpsertContact(ctx, cand); err != nil {
			return fmt.Errorf("failed to save relay contact: %w", err)
		}
	}
	if err := c.cfg.Contacts.SetDesignatedRelay(ctx, hash); err != nil {
		return fmt.Errorf("failed to set designated relay: %w", err)
	}
	c.log.Infof("Manual relay set to %s", hash.Short())
	return nil
}

// EnableAutoSelect releases a manual pin and lets selection follow announces.
func (c *Controller) EnableAutoSelect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.cfg.Settings.SetManualRelayHash(ctx, protocol.DestinationHash{}); err != nil {
		return fmt.Errorf("failed to clear manual relay: %w", err)
	}
	if err := c.cfg.Settings.SetAutoSelectEnabled(ctx, true); err != nil {
		return fmt.Errorf("failed to enable auto-select: %w", err)
	}
	return nil
}

// ClearRelay removes the designated relay and turns auto-select off so the
// engine does not immediately adopt a replacement.
func (c *Controller) ClearRelay(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.cfg.Settings.SetAutoSelectEnabled(ctx, false); err != nil {
		return fmt.Errorf("failed to disable auto-select: %w", err)
	}
	if err := c.cfg.Settings.SetManualRelayHash(ctx, protocol.DestinationHash{}); err != nil {
		return fmt.Errorf("failed to clear manual relay: %w", err)
	}
	if err := c.cfg.Contacts.ClearDesignatedRelay(ctx); err != nil {
		return fmt.Errorf("failed to clear designated relay: %w", err)
	}
	c.log.Info("Relay cleared")
	return nil
}

// OnRelayDeleted reacts to the active relay being removed from the address
// book. With autoSelectNew the best remaining relay is adopted immediately,
// skipping any hashes in exclude; otherwise the designation is cleared and
// auto-select turned off.
func (c *Controller) OnRelayDeleted(ctx context.Context, autoSelectNew bool, exclude ...protocol.DestinationHash) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !autoSelectNew {
		if err := c.cfg.Settings.SetAutoSelectEnabled(ctx, false); err != nil {
			return fmt.Errorf("failed to disable auto-select: %w", err)
		}
		if err := c.cfg.Contacts.ClearDesignatedRelay(ctx); err != nil {
			return fmt.Errorf("failed to clear designated relay: %w", err)
		}
		return nil
	}

	best, found, err := c.AlternativeRelay(ctx, exclude...)
	if err != nil {
		return err
	}
	if !found {
		c.log.Info("No replacement relay available")
		if err := c.cfg.Contacts.ClearDesignatedRelay(ctx); err != nil {
			return fmt.Errorf("failed to clear designated relay: %w", err)
		}
		return nil
	}
	return c.adoptRelay(ctx, best)
}

// AlternativeRelay returns the best relay outside exclude without changing
// any state.
func (c *Controller) AlternativeRelay(ctx context.Context, exclude ...protocol.DestinationHash) (protocol.RelayCandidate, bool, error) {
	relays, err := c.dir.Relays(ctx)
	if err != nil {
		return protocol.RelayCandidate{}, false, err
	}
	var ex map[protocol.DestinationHash]struct{}
	if len(exclude) > 0 {
		ex = make(map[protocol.DestinationHash]struct{}, len(exclude))
		for _, h := range exclude {
			ex[h] = struct{}{}
		}
	}
	best, found := SelectBest(relays, ex)
	return best, found, nil
}
