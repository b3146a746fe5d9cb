package webhook

import (
	"log/slog"
	"net/http"
	"time"
)

// serviceOptions contains all configurable options for the delivery service.
type serviceOptions struct {
	httpClient     *http.Client
	circuits       *CircuitManager
	backoff        BackoffStrategy
	logger         *slog.Logger
	circuitTimeout time.Duration
	deferDelay     time.Duration
}

func defaultServiceOptions() *serviceOptions {
	return &serviceOptions{
		httpClient: &http.Client{
			Timeout: DefaultTimeout, // per-attempt timeout is layered via context
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff:        DefaultBackoffStrategy(),
		logger:         slog.Default(),
		circuitTimeout: 60 * time.Second,
		deferDelay:     5 * time.Minute,
	}
}

// ServiceOption is a functional option for configuring the delivery service.
type ServiceOption func(*serviceOptions)

// WithHTTPClient sets a custom HTTP client for outbound deliveries.
// Useful for custom transports, proxies, or testing.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(o *serviceOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithCircuitManager injects a shared circuit breaker manager. By default
// each service owns its own manager; inject one to share breaker state with
// other components or to control its lifecycle explicitly.
func WithCircuitManager(m *CircuitManager) ServiceOption {
	return func(o *serviceOptions) {
		if m != nil {
			o.circuits = m
		}
	}
}

// WithBackoff sets the retry backoff strategy.
// Default is exponential backoff with jitter capped at one hour.
func WithBackoff(strategy BackoffStrategy) ServiceOption {
	return func(o *serviceOptions) {
		if strategy != nil {
			o.backoff = strategy
		}
	}
}

// WithLogger sets the structured logger used by the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCircuitTimeout overrides how long opened breakers stay open before
// probing recovery. Default is 60 seconds.
func WithCircuitTimeout(d time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if d > 0 {
			o.circuitTimeout = d
		}
	}
}

// WithDeferDelay overrides how far breaker-rejected events are pushed into
// the future. Default is 5 minutes.
func WithDeferDelay(d time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if d > 0 {
			o.deferDelay = d
		}
	}
}

// processorOptions contains all configurable options for the batch processor.
type processorOptions struct {
	batchSize   int
	concurrency int
	interval    time.Duration
	staleAfter  time.Duration
	lease       EventLease
	logger      *slog.Logger
}

func defaultProcessorOptions() *processorOptions {
	return &processorOptions{
		batchSize:   100,
		concurrency: 1,
		interval:    10 * time.Second,
		staleAfter:  5 * time.Minute,
		lease:       NewMemoryLease(),
		logger:      slog.Default(),
	}
}

// ProcessorOption is a functional option for configuring the batch processor.
type ProcessorOption func(*processorOptions)

// WithBatchSize caps how many due events one pass picks up. Default is 100,
// which bounds memory use on backlog spikes.
func WithBatchSize(n int) ProcessorOption {
	return func(o *processorOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithConcurrency sets how many events one pass processes in parallel.
// Default is 1 (strictly sequential).
func WithConcurrency(n int) ProcessorOption {
	return func(o *processorOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithInterval sets the delay between passes for Run. Default is 10 seconds.
func WithInterval(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithStaleAfter sets how old an in-flight processing event must be before
// it is considered orphaned and eligible for re-pickup. Default is 5 minutes.
func WithStaleAfter(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithLease sets the cross-instance event lease. Default is an in-process
// lease, sufficient for a single processor instance.
func WithLease(lease EventLease) ProcessorOption {
	return func(o *processorOptions) {
		if lease != nil {
			o.lease = lease
		}
	}
}

// WithProcessorLogger sets the structured logger used by the processor.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(o *processorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
