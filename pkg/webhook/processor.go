package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Processor is the batch driver: each pass scans for events due for
// (re)delivery and hands them to the delivery service with bounded
// concurrency. It is driven by periodic invocation (Run or an external
// scheduler), not a dedicated always-on loop.
type Processor struct {
	store   Store
	service *Service
	lease   EventLease
	logger  *slog.Logger

	batchSize   int
	concurrency int
	interval    time.Duration
	staleAfter  time.Duration
}

// NewProcessor creates a batch driver for the given store and service.
func NewProcessor(store Store, service *Service, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if service == nil {
		return nil, fmt.Errorf("webhook service is nil")
	}

	options := defaultProcessorOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Processor{
		store:       store,
		service:     service,
		lease:       options.lease,
		logger:      options.logger,
		batchSize:   options.batchSize,
		concurrency: options.concurrency,
		interval:    options.interval,
		staleAfter:  options.staleAfter,
	}, nil
}

// ProcessPending runs one batch pass: query events due for delivery, claim
// each one, and process it. Returns the number of events processed. A single
// event's failure never aborts the pass; per-event errors are logged and
// recorded on the events themselves.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	now := time.Now()
	events, err := p.store.DueEvents(ctx, now, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("query due events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	p.logger.DebugContext(ctx, "processing webhook batch",
		slog.Int("events", len(events)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	processed := 0

	for i := range events {
		event := events[i]

		select {
		case <-ctx.Done():
			wg.Wait()
			return processed, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if !p.claim(ctx, &event, now) {
				return
			}
			defer func() {
				if err := p.lease.Release(ctx, event.ID); err != nil {
					p.logger.WarnContext(ctx, "failed to release event lease",
						slog.String("event_id", event.ID.String()),
						slog.String("error", err.Error()))
				}
			}()

			if err := p.service.ProcessEvent(ctx, &event); err != nil && !IsCircuitOpen(err) {
				p.logger.ErrorContext(ctx, "webhook event processing failed",
					slog.String("event_id", event.ID.String()),
					slog.String("error", err.Error()))
			}

			mu.Lock()
			processed++
			mu.Unlock()
		}()
	}

	wg.Wait()
	return processed, nil
}

// claim takes the cross-instance lease and the store-level conditional claim
// for an event. Both must succeed; losing either means another processor got
// there first.
func (p *Processor) claim(ctx context.Context, event *Event, now time.Time) bool {
	acquired, err := p.lease.Acquire(ctx, event.ID, p.staleAfter)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to acquire event lease",
			slog.String("event_id", event.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	if !acquired {
		return false
	}

	claimed, err := p.store.ClaimEvent(ctx, event.ID, now, p.staleAfter)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to claim event",
			slog.String("event_id", event.ID.String()),
			slog.String("error", err.Error()))
	}
	if !claimed {
		if relErr := p.lease.Release(ctx, event.ID); relErr != nil {
			p.logger.WarnContext(ctx, "failed to release event lease",
				slog.String("event_id", event.ID.String()),
				slog.String("error", relErr.Error()))
		}
		return false
	}

	event.Status = StatusProcessing
	return true
}

// Run invokes ProcessPending on a fixed interval until the context is
// canceled. Suitable for errgroup use in a daemon.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "webhook processor started",
		slog.Duration("interval", p.interval),
		slog.Int("batch_size", p.batchSize),
		slog.Int("concurrency", p.concurrency))

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "webhook processor stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := p.ProcessPending(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "webhook batch pass failed",
					slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.logger.InfoContext(ctx, "webhook batch pass complete",
					slog.Int("processed", n))
			}
		}
	}
}
