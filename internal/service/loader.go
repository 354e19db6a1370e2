package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"posttrade/internal/model"
	"posttrade/internal/provider"
)

// ErrNoSnapshot is returned by Current before the first successful load.
var ErrNoSnapshot = errors.New("no trade data loaded")

// EventPublisher defines the interface for components that distribute load
// events to subscribers.
type EventPublisher interface {
	// Subscribe creates a new subscription for the given event kinds.
	Subscribe(kinds ...string) (*Subscriber, error)

	// Unsubscribe removes a subscriber and cleans up associated resources.
	Unsubscribe(sub *Subscriber) error

	// StartDispatching begins the event distribution process.
	StartDispatching(ctx context.Context, ch <-chan LoadEvent) error
}

// Loader orchestrates loads and owns the published snapshot.
//
// The loader coordinates between:
//   - TradeDataProvider: supplies one table per load
//   - Pipeline: validates and aggregates the table
//   - EventPublisher: informs subscribers about finished loads
//
// Loads are serialized. The snapshot is replaced wholesale with an atomic
// pointer swap, so readers observe either the old or the new Result.
type Loader struct {
	provider  provider.TradeDataProvider // Source of trade tables
	pipeline  *Pipeline                  // Load stages
	publisher EventPublisher             // Fan-out of load events
	metrics   Metrics                    // Optional metrics sink
	events    chan LoadEvent             // Events handed to the publisher
	current   atomic.Pointer[Result]     // Published snapshot
	mu        sync.Mutex                 // Serializes loads
	started   atomic.Bool                // Atomic flag tracking loader state
	cancel    context.CancelFunc         // Function to cancel event dispatching
}

// NewLoader creates a new Loader. publisher and metrics may be nil.
func NewLoader(p provider.TradeDataProvider, pipeline *Pipeline, publisher EventPublisher, metrics Metrics) *Loader {
	return &Loader{
		provider:  p,
		pipeline:  pipeline,
		publisher: publisher,
		metrics:   metrics,
		events:    make(chan LoadEvent, 10),
	}
}

// Start begins forwarding load events to the publisher.
func (l *Loader) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("loader has already started")
	}
	if l.publisher == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := l.publisher.StartDispatching(ctx, l.events); err != nil {
		cancel()
		l.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}
	l.cancel = cancel
	return nil
}

// Stop halts event forwarding. The current snapshot stays readable.
func (l *Loader) Stop() error {
	if !l.started.CompareAndSwap(true, false) {
		return errors.New("loader not started")
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	log.Info().Msg("loader stopped")
	return nil
}

// Load fetches the trades of [from, to], runs the pipeline and publishes the result.
//
// On failure the previous snapshot stays in place and the error is returned
// as produced by the provider or the pipeline.
func (l *Loader) Load(ctx context.Context, from, to model.TradeDay) (*Result, error) {
	if err := provider.CheckRange(from, to); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	log.Info().Str("from", from.String()).Str("to", to.String()).Msg("loading trades")

	table, err := l.provider.LoadTrades(ctx, from, to)
	if err != nil {
		if l.metrics != nil {
			l.metrics.RecordLoad(ResultFetchError)
		}
		log.Error().Err(err).Msg("failed to fetch trades")
		l.publish(LoadEvent{Kind: EventFailed, From: from, To: to, Error: err.Error(), At: time.Now()})
		return nil, fmt.Errorf("failed to fetch trades: %w", err)
	}

	res, err := l.pipeline.Run(table)
	if err != nil {
		l.publish(LoadEvent{Kind: EventFailed, From: from, To: to, Error: err.Error(), At: time.Now()})
		return nil, err
	}
	res.From, res.To = from, to

	l.current.Store(res)
	if l.metrics != nil {
		l.metrics.RecordSnapshot(res.Raw.Len(), len(res.InstrumentDay.Groups), len(res.Discrepancies))
	}

	l.publish(LoadEvent{
		Kind:          EventLoaded,
		LoadID:        res.LoadID.String(),
		From:          from,
		To:            to,
		Rows:          res.Raw.Len(),
		Groups:        len(res.InstrumentDay.Groups),
		Discrepancies: len(res.Discrepancies),
		At:            res.LoadedAt,
	})
	return res, nil
}

// Current returns the published snapshot.
func (l *Loader) Current() (*Result, error) {
	res := l.current.Load()
	if res == nil {
		return nil, ErrNoSnapshot
	}
	return res, nil
}

// Publisher returns the event publisher, or nil when none is configured.
func (l *Loader) Publisher() EventPublisher {
	return l.publisher
}

// publish hands an event to the publisher without blocking the load.
func (l *Loader) publish(ev LoadEvent) {
	if !l.started.Load() || l.publisher == nil {
		return
	}
	select {
	case l.events <- ev:
	default:
		log.Warn().Str("kind", ev.Kind).Msg("event queue is full, dropping load event")
	}
}
