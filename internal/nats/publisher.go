package nats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

// publishFunc matches StreamManager.Publish.
type publishFunc func(ctx context.Context, env model.Envelope) (uint64, error)

// Publisher mirrors committed room envelopes into JetStream from a background
// goroutine so rooms never wait on the broker. Envelopes that do not fit in
// the buffer are dropped and counted; subscribers recover through replay.
type Publisher struct {
	publish publishFunc
	timeout time.Duration
	logger  *logger.Logger

	ch        chan model.Envelope
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher starts a publisher on top of a stream manager.
func NewPublisher(streams *StreamManager, buffer int, timeout time.Duration, log *logger.Logger) *Publisher {
	return newPublisher(streams.Publish, buffer, timeout, log)
}

func newPublisher(publish publishFunc, buffer int, timeout time.Duration, log *logger.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	p := &Publisher{
		publish: publish,
		timeout: timeout,
		logger:  log,
		ch:      make(chan model.Envelope, buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Broadcast queues a committed envelope. Transient envelopes are skipped.
func (p *Publisher) Broadcast(env model.Envelope) {
	if !env.Type.Committed() {
		return
	}
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.ch <- env:
	default:
		metrics.TransportFailuresTotal.WithLabelValues("nats").Inc()
		p.logger.Warn("NATS publish queue full, dropping envelope",
			zap.String("contract_id", env.SessionID),
			zap.Uint64("sequence", env.Sequence),
		)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case env := <-p.ch:
			p.send(env)
		case <-p.stop:
			for {
				select {
				case env := <-p.ch:
					p.send(env)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(env model.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.publish(ctx, env); err != nil {
		metrics.TransportFailuresTotal.WithLabelValues("nats").Inc()
		p.logger.Warn("failed to publish envelope",
			zap.String("contract_id", env.SessionID),
			zap.Uint64("sequence", env.Sequence),
			zap.Error(err),
		)
	}
}

// Close flushes queued envelopes and stops the publisher.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}
