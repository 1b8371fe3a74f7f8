// Package activity implements the Activity Event Bus: durable
// recording of every agent action plus live fan-out to per-user
// subscribers, with bounded per-subscriber queues and a terminal
// "lagging" signal on backpressure.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pilothq/controlplane/internal/db"
	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/logger"
	"github.com/pilothq/controlplane/internal/models"
)

const subscriberQueueDepth = 64

// Subscription is returned by Subscribe. Events closes when the
// subscription ends; Lagging closes (in addition to Events) only when
// it ended because the subscriber fell behind, distinguishing that
// from a normal Unsubscribe.
type Subscription struct {
	Events  <-chan *models.ActivityEvent
	Lagging <-chan struct{}

	bus    *Bus
	userID string
	id     uint64
}

// Unsubscribe removes this subscription without signaling Lagging.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.userID, s.id)
}

// subscriber's own mutex makes it the single point of coordination
// between a concurrent Publish (the sender) and an Unsubscribe/lagging
// drop (the remover): both paths take subMu before touching closed or
// the channels, so a channel is only ever closed once and never while
// a send to it is in flight.
type subscriber struct {
	id uint64

	subMu  sync.Mutex
	closed bool

	events  chan *models.ActivityEvent
	lagging chan struct{}
}

// Bus is the Activity Event Bus.
type Bus struct {
	db *db.ActivityDB

	mu          sync.Mutex
	subscribers map[string][]*subscriber
	nextID      uint64

	nats       *nats.Conn
	natsEnabled bool
}

// New builds a Bus over its durable store. natsURL may be empty to
// disable cross-instance relay for a single-instance deployment.
func New(database *db.Database, natsURL string) *Bus {
	b := &Bus{
		db:          db.NewActivityDB(database),
		subscribers: make(map[string][]*subscriber),
	}

	if natsURL == "" {
		return b
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("controlplane-activity-bus"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Activity().Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Activity().Info().Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Activity().Error().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		logger.Activity().Warn().Err(err).Msg("nats connect failed, activity bus running single-instance")
		return b
	}

	b.nats = conn
	b.natsEnabled = true
	return b
}

// Close releases the NATS connection, if any.
func (b *Bus) Close() {
	if b.nats != nil {
		b.nats.Close()
	}
}

func activitySubject(userID string) string {
	return fmt.Sprintf("activity.events.%s", userID)
}

// Publish durably records ev and fans it out to the user's live
// subscribers. Backpressure on a subscriber's queue never blocks the
// durable write or other subscribers.
func (b *Bus) Publish(ctx context.Context, ev *models.ActivityEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := b.db.Insert(ctx, ev); err != nil {
		return errors.Database(err)
	}

	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subscribers[ev.UserID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.subMu.Lock()
		if sub.closed {
			sub.subMu.Unlock()
			continue
		}
		select {
		case sub.events <- ev:
			sub.subMu.Unlock()
		default:
			sub.closed = true
			close(sub.lagging)
			close(sub.events)
			sub.subMu.Unlock()
			logger.Activity().Warn().Str("user_id", ev.UserID).Msg("subscriber lagging, dropping connection")
			b.remove(ev.UserID, sub.id)
		}
	}

	if b.natsEnabled {
		if payload, err := json.Marshal(ev); err == nil {
			if err := b.nats.Publish(activitySubject(ev.UserID), payload); err != nil {
				logger.Activity().Warn().Err(err).Msg("nats publish failed")
			}
		}
	}

	return nil
}

// Subscribe opens a live feed of events for a user.
func (b *Bus) Subscribe(userID string) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		events:  make(chan *models.ActivityEvent, subscriberQueueDepth),
		lagging: make(chan struct{}),
	}
	b.subscribers[userID] = append(b.subscribers[userID], sub)
	b.mu.Unlock()

	return &Subscription{Events: sub.events, Lagging: sub.lagging, bus: b, userID: userID, id: sub.id}
}

// unsubscribe closes a still-live subscriber's events channel (a
// lagging-dropped subscriber is already closed, so this is a no-op for
// it) and removes it from the registry. Closing happens under subMu so
// it can never race a concurrent Publish's send to the same channel.
func (b *Bus) unsubscribe(userID string, id uint64) {
	b.mu.Lock()
	subs := b.subscribers[userID]
	var target *subscriber
	for i, sub := range subs {
		if sub.id == id {
			target = sub
			b.subscribers[userID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if target == nil {
		return
	}
	target.subMu.Lock()
	if !target.closed {
		target.closed = true
		close(target.events)
	}
	target.subMu.Unlock()
}

// remove drops a subscriber from the registry without touching its
// channels; the caller has already closed them (under subMu) before
// calling this.
func (b *Bus) remove(userID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[userID]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[userID] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// History returns a user's most recent recorded events, newest first.
func (b *Bus) History(ctx context.Context, userID string, limit int) ([]*models.ActivityEvent, error) {
	events, err := b.db.History(ctx, userID, limit)
	if err != nil {
		return nil, errors.Database(err)
	}
	return events, nil
}
