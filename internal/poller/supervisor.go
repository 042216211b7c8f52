package poller

import (
	"context"
	"log/slog"
	"sync"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

// Supervisor owns one poller goroutine per polled channel plus a single
// dispatcher goroutine draining the push bus. Stop is cooperative through the
// context passed to Start.
type Supervisor struct {
	pollers  []*Poller
	pipeline *Pipeline
	bus      domain.MessageBus
	channels map[string]domain.InboundChannel
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewSupervisor(pipeline *Pipeline, bus domain.MessageBus, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		pipeline: pipeline,
		bus:      bus,
		channels: make(map[string]domain.InboundChannel),
		logger:   logger,
	}
}

// AddPoller registers a polled channel. Its channel is also made visible to
// the dispatcher so pushed duplicates route replies the same way.
func (s *Supervisor) AddPoller(p *Poller) {
	s.pollers = append(s.pollers, p)
	s.channels[p.channel.Name()] = p.channel
}

// AddPushChannel registers a push-only channel for dispatcher reply routing
// and starts its event stream.
func (s *Supervisor) AddPushChannel(ctx context.Context, ch domain.PushChannel) error {
	s.channels[ch.Name()] = ch
	return ch.StartPush(ctx, s.bus)
}

// Start launches all pollers and the dispatcher. It returns immediately;
// Wait blocks until every goroutine has exited after ctx cancellation.
func (s *Supervisor) Start(ctx context.Context) {
	for _, p := range s.pollers {
		p := p
		s.wg.Add(1)
		metrics.ActivePollers.Inc()
		go func() {
			defer s.wg.Done()
			defer metrics.ActivePollers.Dec()
			p.Run(ctx)
		}()
	}

	if s.bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx)
		}()
	}
}

// Wait blocks until all pollers and the dispatcher have stopped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// dispatch drains pushed messages through the shared pipeline. A pushed
// message whose channel is unknown is dropped with a log line; the dedup
// ledger keeps redelivery safe either way.
func (s *Supervisor) dispatch(ctx context.Context) {
	s.logger.Info("push dispatcher started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("push dispatcher stopped")
			return
		case msg, ok := <-s.bus.Subscribe():
			if !ok {
				s.logger.Info("push bus closed, dispatcher stopping")
				return
			}
			ch, found := s.channels[msg.Channel]
			if !found {
				s.logger.Warn("pushed message for unknown channel, dropping",
					"channel", msg.Channel, "external_id", msg.ExternalID)
				continue
			}
			s.pipeline.Handle(ctx, ch, msg)
		}
	}
}
