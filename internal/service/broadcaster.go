package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"posttrade/internal/model"
)

// Load event kinds.
const (
	EventLoaded = "loaded"
	EventFailed = "failed"
)

// LoadEvent announces the outcome of a load to presentation subscribers.
type LoadEvent struct {
	Kind          string         `json:"kind"`
	LoadID        string         `json:"loadId,omitempty"`
	From          model.TradeDay `json:"from"`
	To            model.TradeDay `json:"to"`
	Rows          int            `json:"rows"`
	Groups        int            `json:"groups"`
	Discrepancies int            `json:"discrepancies"`
	Error         string         `json:"error,omitempty"`
	At            time.Time      `json:"at"`
}

// Subscriber represents one listener for load events.
//
// Each subscriber maintains its own buffered channel and an optional set of
// event kinds it is interested in. An empty set receives every kind.
type Subscriber struct {
	id    uuid.UUID           // unique identifier for the subscriber
	ch    chan LoadEvent      // Buffered channel for event delivery
	kinds map[string]struct{} // Subscribed event kinds
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id.String() }

// Events returns the channel events are delivered on. It is closed on unsubscribe
// or when the broadcaster stops.
func (s *Subscriber) Events() <-chan LoadEvent { return s.ch }

func (s *Subscriber) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// BroadcasterConfig holds configuration parameters for the Broadcaster.
type BroadcasterConfig struct {
	MaxSubscribers int // Maximum concurrent subscribers, unlimited when zero
	BufferSize     int // Per-subscriber buffer, 16 when zero
}

// Broadcaster implements a fan-out distribution system for load events.
//
// The broadcaster uses the actor model pattern where a single goroutine owns
// the subscribers map. External interactions happen through channels, so no
// mutex guards the map.
type Broadcaster struct {
	cfg              BroadcasterConfig
	subscribers      map[uuid.UUID]*Subscriber // Active subscribers (owned by dispatch goroutine)
	subscriptionCh   chan *Subscriber          // Channel for new subscription requests
	unsubscriptionCh chan *Subscriber          // Channel for unsubscription requests
	count            atomic.Int64              // Number of accepted subscriptions
	started          atomic.Bool               // Atomic flag tracking broadcaster state
}

// NewBroadcaster creates a new Broadcaster instance with the provided configuration.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	return &Broadcaster{
		cfg:              cfg,
		subscribers:      make(map[uuid.UUID]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
	}
}

var validKinds = map[string]struct{}{EventLoaded: {}, EventFailed: {}}

var (
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrSubscriberLimit  = errors.New("subscriber limit reached")
)

// Subscribe creates a new subscription for the given event kinds.
func (b *Broadcaster) Subscribe(kinds ...string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, errors.New("broadcaster not started")
	}

	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if _, ok := validKinds[k]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownEventKind, k)
		}
		set[k] = struct{}{}
	}

	if max := int64(b.cfg.MaxSubscribers); max > 0 && b.count.Load() >= max {
		return nil, fmt.Errorf("%w: %d", ErrSubscriberLimit, max)
	}

	sub := &Subscriber{
		id:    uuid.New(),
		ch:    make(chan LoadEvent, b.cfg.BufferSize),
		kinds: set,
	}

	select {
	case b.subscriptionCh <- sub:
		b.count.Add(1)
	default:
		return nil, errors.New("subscription channel is full")
	}
	return sub, nil
}

// Unsubscribe removes a subscriber from the broadcaster.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) error {
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return errors.New("unsubscription channel is full")
	}
}

func (b *Broadcaster) subscribe(sub *Subscriber) {
	b.subscribers[sub.id] = sub
}

func (b *Broadcaster) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
		b.count.Add(-1)
	}
}

// StartDispatching starts the goroutine that owns all subscriber state.
//
// The goroutine processes requests from three sources:
//  1. Context cancellation for graceful shutdown
//  2. Subscription/unsubscription requests via channels
//  3. Incoming load events for distribution
func (b *Broadcaster) StartDispatching(ctx context.Context, events <-chan LoadEvent) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("broadcaster already started")
	}

	go func() {
		defer func() {
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[uuid.UUID]*Subscriber)
			b.count.Store(0)
			b.started.Store(false)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("broadcaster stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case ev, ok := <-events:
				if !ok {
					log.Info().Msg("event source closed, broadcaster stopped")
					return
				}
				b.dispatch(ev)
			}
		}
	}()
	return nil
}

// dispatch delivers an event to every interested subscriber.
//
// Slow subscribers lose their oldest buffered event so the newest one is always delivered.
func (b *Broadcaster) dispatch(ev LoadEvent) {
	for _, sub := range b.subscribers {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("subscriber", sub.ID()).Msg("subscriber is too slow, dropping oldest buffered event")
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- ev
		}
	}
}
