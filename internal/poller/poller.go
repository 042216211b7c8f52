// Package poller drives inbound channels: periodic fetch-and-reply cycles
// for polled channels, and a bus dispatcher for pushed messages. Both feed
// the same dedup-guarded pipeline.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

// Poller runs fetch cycles for one channel. Cycles are single-flight: a tick
// that fires while the previous cycle is still running is skipped, not
// queued.
type Poller struct {
	channel     domain.InboundChannel
	checkpoints domain.CheckpointStore
	pipeline    *Pipeline

	backoff      *Backoff
	cycleTimeout time.Duration
	logger       *slog.Logger

	running atomic.Bool
}

type Config struct {
	Channel      domain.InboundChannel
	Checkpoints  domain.CheckpointStore
	Pipeline     *Pipeline
	Backoff      *Backoff
	CycleTimeout time.Duration
	Logger       *slog.Logger
}

func New(cfg Config) *Poller {
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(5*time.Minute, 40*time.Minute)
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}
	return &Poller{
		channel:      cfg.Channel,
		checkpoints:  cfg.Checkpoints,
		pipeline:     cfg.Pipeline,
		backoff:      cfg.Backoff,
		cycleTimeout: cfg.CycleTimeout,
		logger:       cfg.Logger,
	}
}

// Run polls until ctx is cancelled. A failed fetch stretches the wait
// exponentially up to the cap; the first success snaps it back to base.
func (p *Poller) Run(ctx context.Context) {
	name := p.channel.Name()
	p.logger.Info("poller started", "channel", name, "interval", p.backoff.Base())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", "channel", name)
			return
		case <-timer.C:
		}

		var delay time.Duration
		if err := p.Cycle(ctx); err != nil {
			delay = p.backoff.Next()
			p.logger.Warn("poll cycle failed, backing off",
				"channel", name, "retry_in", delay, "error", err)
		} else {
			p.backoff.Reset()
			delay = p.backoff.Base()
		}
		timer.Reset(delay)
	}
}

// Cycle runs one fetch-and-reply pass. The returned error reflects the fetch
// only; per-message failures are absorbed by the pipeline and its dedup
// ledger. The checkpoint advances over the longest contiguous prefix of
// finalized messages, so an unfinished message is refetched next cycle.
func (p *Poller) Cycle(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("previous cycle still running, skipping", "channel", p.channel.Name())
		return nil
	}
	defer p.running.Store(false)

	metrics.PollCycles.Inc()
	ctx, cancel := context.WithTimeout(ctx, p.cycleTimeout)
	defer cancel()

	name := p.channel.Name()
	cp, err := p.checkpoints.Checkpoint(ctx, name)
	if err != nil {
		metrics.PollCycleErrors.Inc()
		return err
	}

	msgs, err := p.channel.FetchNew(ctx, cp)
	if err != nil {
		metrics.PollCycleErrors.Inc()
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	// Channels promise oldest-first but the watermark logic depends on it.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Position < msgs[j].Position })

	p.logger.Info("fetched inbound messages", "channel", name, "count", len(msgs))

	watermark := cp.Position
	prefixIntact := true
	for _, msg := range msgs {
		done := p.pipeline.Handle(ctx, p.channel, msg)
		if done && prefixIntact && msg.Position > watermark {
			watermark = msg.Position
		}
		if !done {
			prefixIntact = false
		}
	}

	if watermark > cp.Position {
		err := p.checkpoints.AdvanceCheckpoint(ctx, domain.Checkpoint{
			Channel:  name,
			Position: watermark,
		})
		if err != nil {
			p.logger.Error("checkpoint advance failed", "channel", name, "error", err)
		}
	}
	return nil
}
