package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/torlando-tech/columba-sub007/transport"
)

const defaultPumpRetryDelay = 5 * time.Second

// AnnounceSink receives parsed announces for persistence.
type AnnounceSink interface {
	Ingest(ctx context.Context, ann transport.Announce) error
}

// AnnouncePump drains a transport's announce stream into a sink. Subscription
// failures are retried with a fixed delay so a transport reconnect picks the
// stream back up.
type AnnouncePump struct {
	src  transport.AnnounceSource
	sink AnnounceSink
	clk  clock.Clock
	log  *logrus.Entry

	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAnnouncePump starts the drain worker. Stop releases it.
func NewAnnouncePump(src transport.AnnounceSource, sink AnnounceSink, clk clock.Clock, logger *logrus.Entry) *AnnouncePump {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &AnnouncePump{
		src:        src,
		sink:       sink,
		clk:        clk,
		log:        logger.WithField("component", "announces"),
		retryDelay: defaultPumpRetryDelay,
		ctx:        ctx,
		cancel:     cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Stop terminates the worker and waits for it to exit.
func (p *AnnouncePump) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *AnnouncePump) run() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}
		sub, err := p.src.Announces(p.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrUnimplemented) {
				p.log.Info("Transport does not expose announces")
				return
			}
			if p.ctx.Err() != nil {
				return
			}
			p.log.Warnf("Failed to subscribe to announces: %v", err)
			if !p.sleep() {
				return
			}
			continue
		}

		p.drain(sub)
		sub.Close()
		if p.ctx.Err() != nil {
			return
		}
		if !p.sleep() {
			return
		}
	}
}

// drain consumes the subscription until it fails or the pump stops.
func (p *AnnouncePump) drain(sub transport.AnnounceSubscription) {
	for {
		ann, err := sub.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Warnf("Announce stream ended, resubscribing: %v", err)
			}
			return
		}
		if err := p.sink.Ingest(p.ctx, ann); err != nil {
			p.log.Warnf("Failed to ingest announce from %s: %v", ann.Hash.Short(), err)
			continue
		}
		p.log.Debugf("Ingested %s announce from %s (hops=%d)", ann.Aspect, ann.Hash.Short(), ann.Hops)
	}
}

func (p *AnnouncePump) sleep() bool {
	t := p.clk.Timer(p.retryDelay)
	select {
	case <-p.ctx.Done():
		t.Stop()
		return false
	case <-t.C:
		return true
	}
}
