package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Message is a queue delivery. jetstream.Msg satisfies it.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
}

// heartbeater is implemented by deliveries whose ack deadline can be pushed
// back while work is still running.
type heartbeater interface {
	InProgress() error
}

// HandleBatch processes msgs concurrently on the worker pool. When at least
// one message succeeds every message is acked, since failures are already
// recorded on the job and the dead-letter queue. When all fail they are all
// nak'd for redelivery and ErrBatchFailed is returned.
func (p *Pipeline) HandleBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	errs := make([]error, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		submitErr := p.pool.Submit(func() {
			defer wg.Done()
			stop := p.keepAlive(msg)
			defer stop()
			errs[i] = p.Process(ctx, msg.Data())
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit to worker pool: %w", submitErr)
		}
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}

	if failed == len(msgs) {
		for _, msg := range msgs {
			if err := msg.Nak(); err != nil {
				p.logger.Error("nak message failed", "err", err)
			}
		}
		p.logger.Warn("every message in batch failed, requesting redelivery", "batch_size", len(msgs))
		return fmt.Errorf("%w (%d messages): %w", ErrBatchFailed, len(msgs), errors.Join(errs...))
	}

	for _, msg := range msgs {
		if err := msg.Ack(); err != nil {
			p.logger.Error("ack message failed", "err", err)
		}
	}
	if failed > 0 {
		p.logger.Warn("batch finished with failures", "batch_size", len(msgs), "failed", failed)
	}
	return nil
}

// keepAlive sends InProgress heartbeats until the returned stop func runs.
func (p *Pipeline) keepAlive(msg Message) func() {
	hb, ok := msg.(heartbeater)
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := hb.InProgress(); err != nil {
					p.logger.Warn("heartbeat failed", "err", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
