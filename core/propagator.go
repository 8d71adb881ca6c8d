package core

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/telemetry"
	"github.com/torlando-tech/columba-sub007/transport"
)

const (
	defaultPropagateAttempts = 10
	defaultPropagateDelay    = 2 * time.Second
	propagateCallTimeout     = 10 * time.Second
)

// Propagator pushes the selected relay to the transport, retrying with a
// linearly growing delay. Only the most recently requested value is pushed; a
// newer request supersedes any retry cycle still in flight.
type Propagator struct {
	bridge  transport.Bridge
	clk     clock.Clock
	log     *logrus.Entry
	metrics *telemetry.Metrics

	maxAttempts int
	baseDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	mu     sync.Mutex
	target protocol.DestinationHash
	has    bool
	gen    uint64
}

// NewPropagator starts the push worker. Stop releases it.
func NewPropagator(bridge transport.Bridge, clk clock.Clock, logger *logrus.Entry, metrics *telemetry.Metrics, maxAttempts int, baseDelay time.Duration) *Propagator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultPropagateAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultPropagateDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Propagator{
		bridge:      bridge,
		clk:         clk,
		log:         logger.WithField("component", "propagator"),
		metrics:     metrics,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		ctx:         ctx,
		cancel:      cancel,
		kick:        make(chan struct{}, 1),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Propagate schedules hash to be pushed to the transport. The zero hash
// clears the outbound relay. Requesting the value already scheduled is a
// no-op; a different value abandons the retry cycle in flight.
func (p *Propagator) Propagate(hash protocol.DestinationHash) {
	p.mu.Lock()
	if p.has && p.target == hash {
		p.mu.Unlock()
		return
	}
	p.target = hash
	p.has = true
	p.gen++
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Stop terminates the worker and waits for it to exit.
func (p *Propagator) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Propagator) run() {
	defer p.wg.Done()

	var done uint64
	for {
		p.mu.Lock()
		target, gen, has := p.target, p.gen, p.has
		p.mu.Unlock()

		if !has || gen == done {
			select {
			case <-p.ctx.Done():
				return
			case <-p.kick:
				continue
			}
		}

		p.push(target, gen)
		done = gen
	}
}

// push tries to apply target, backing off linearly between attempts. It gives
// up silently after the attempt budget; the next Propagate re-arms it.
func (p *Propagator) push(target protocol.DestinationHash, gen uint64) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(p.ctx, propagateCallTimeout)
		err := p.bridge.SetOutboundRelay(cctx, target)
		cancel()
		if err == nil {
			p.metrics.PropagationAttempt("ok")
			if target.IsZero() {
				p.log.Debug("Cleared outbound relay")
			} else {
				p.log.Debugf("Outbound relay set to %s", target.Short())
			}
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		p.metrics.PropagationAttempt("failed")
		if p.stale(gen) {
			p.log.Debugf("Abandoning relay push for %s: superseded", target.Short())
			return
		}
		p.log.Debugf("Failed to set outbound relay (attempt %d/%d): %v", attempt, p.maxAttempts, err)
		if attempt == p.maxAttempts {
			break
		}

		t := p.clk.Timer(time.Duration(attempt) * p.baseDelay)
		waiting := true
		for waiting {
			select {
			case <-p.ctx.Done():
				t.Stop()
				return
			case <-t.C:
				waiting = false
			case <-p.kick:
				if p.stale(gen) {
					t.Stop()
					return
				}
				// Kick for the value already being pushed, keep waiting.
			}
		}
	}
	p.log.Warnf("Giving up setting outbound relay to %s after %d attempts", target.Short(), p.maxAttempts)
}

func (p *Propagator) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen != gen
}
