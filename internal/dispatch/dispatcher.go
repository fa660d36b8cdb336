package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"meshsync.org/internal/auth"
	"meshsync.org/internal/obs"
)

const defaultQueueSize = 16

// TokenMinter produces a per-subscriber cache capability for an event. The
// dispatcher only announces availability; it never writes into the cache
// itself, so cache population stays a pull performed by the receiver.
type TokenMinter func(sub *Subscriber, ev ActivityEvent) (string, error)

// Options configures a Dispatcher.
type Options struct {
	// Permissions decides per-subscriber delivery. Required.
	Permissions auth.Engine
	// EligibleTypes is the set of entity types pushed in realtime. Required.
	EligibleTypes []string
	// QueueSize bounds each subscriber's outbound queue. 0 => 16.
	QueueSize int
	// MintToken is optional; when set, delivered messages embed a cache token.
	MintToken TokenMinter
}

// Dispatcher fans activity events out to live subscribers. The subscriber
// index is keyed by IndexKey (the org id), so one dispatch pass touches only
// the subscribers in the event's organization.
type Dispatcher struct {
	mu      sync.RWMutex
	byIndex map[string]map[string]*Subscriber

	perms     auth.Engine
	eligible  map[string]struct{}
	queueSize int
	mint      TokenMinter
}

// New builds a Dispatcher.
func New(opts Options) *Dispatcher {
	eligible := make(map[string]struct{}, len(opts.EligibleTypes))
	for _, t := range opts.EligibleTypes {
		eligible[t] = struct{}{}
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		byIndex:   make(map[string]map[string]*Subscriber),
		perms:     opts.Permissions,
		eligible:  eligible,
		queueSize: queueSize,
		mint:      opts.MintToken,
	}
}

// Subscribe registers a subscriber and returns its message channel. The
// channel is closed and the subscriber removed from the index when ctx ends.
// Safe to call concurrently with in-flight dispatch passes.
func (d *Dispatcher) Subscribe(ctx context.Context, sub *Subscriber) <-chan WireMessage {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.IndexKey == "" {
		sub.IndexKey = sub.OrgID
	}
	sub.ch = make(chan WireMessage, d.queueSize)

	d.mu.Lock()
	bucket, ok := d.byIndex[sub.IndexKey]
	if !ok {
		bucket = make(map[string]*Subscriber)
		d.byIndex[sub.IndexKey] = bucket
	}
	bucket[sub.ID] = sub
	d.mu.Unlock()
	obs.Subscribers.Inc()

	go func() {
		<-ctx.Done()
		d.Unsubscribe(sub)
	}()

	return sub.ch
}

// Unsubscribe removes the subscriber from the index and closes its channel.
// Idempotent.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) {
	d.mu.Lock()
	bucket, ok := d.byIndex[sub.IndexKey]
	if ok {
		if _, present := bucket[sub.ID]; present {
			delete(bucket, sub.ID)
			if len(bucket) == 0 {
				delete(d.byIndex, sub.IndexKey)
			}
			close(sub.ch)
			obs.Subscribers.Dec()
		}
	}
	d.mu.Unlock()
}

// Dispatch routes one event to every matching live subscriber. Delivery is
// best-effort and at-most-once per pass: a subscriber that misses an event
// reconciles through the activity log, not through redelivery here. One
// subscriber's failure never blocks fan-out to the rest.
func (d *Dispatcher) Dispatch(ev ActivityEvent) {
	if ev.EntityID == "" || ev.EntityType == "" {
		obs.DispatchEvents.WithLabelValues("dropped_invalid").Inc()
		obs.Warn("dropping undispatchable event", map[string]any{
			"activity_id": ev.ID,
			"entity_type": ev.EntityType,
		})
		return
	}
	obs.DispatchEvents.WithLabelValues("dispatched").Inc()

	base := d.BuildMessage(ev)

	// Holding the read lock for the pass keeps deregistration (which closes
	// the channel under the write lock) from racing a send. Every delivery
	// below is non-blocking, so slow consumers cannot stall the pass.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.byIndex[ev.OrganizationID] {
		if !d.ShouldReceive(sub, ev) {
			continue
		}
		msg := base
		if d.mint != nil {
			tok, err := d.mint(sub, ev)
			if err != nil {
				obs.Error("cache token mint failed", map[string]any{
					"subscriber": sub.ID,
					"err":        err.Error(),
				})
			} else {
				msg.CacheToken = tok
			}
		}
		if d.deliver(sub, msg) {
			sub.setCursor(ev.ID)
		}
	}
}

// ShouldReceive is the pure delivery predicate. The org check is defensive:
// the index already restricts candidates to the event's organization.
func (d *Dispatcher) ShouldReceive(sub *Subscriber, ev ActivityEvent) bool {
	if ev.OrganizationID != sub.OrgID {
		return false
	}
	if ev.EntityID == "" {
		return false
	}
	if _, ok := d.eligible[ev.EntityType]; !ok {
		return false
	}
	if !sub.wantsType(ev.EntityType) {
		return false
	}
	if sub.UserSystemRole == auth.SystemRoleAdmin {
		return true
	}
	allowed, err := d.perms.Allow(sub.Memberships, auth.ActionRead, auth.ResourceRef{
		ID:             ev.EntityID,
		EntityType:     ev.EntityType,
		OrganizationID: ev.OrganizationID,
	})
	if err != nil {
		// Fail closed; the error is scoped to this one subscriber.
		obs.Error("permission check failed", map[string]any{
			"subscriber": sub.ID,
			"entity":     ev.EntityType + "/" + ev.EntityID,
			"err":        err.Error(),
		})
		return false
	}
	return allowed
}

// BuildMessage projects an event into its wire form, without the
// per-subscriber cache token.
func (d *Dispatcher) BuildMessage(ev ActivityEvent) WireMessage {
	return WireMessage{
		ActivityID:  ev.ID,
		Action:      ev.Action,
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		ChangedKeys: ev.ChangedKeys,
		CreatedAt:   ev.CreatedAt,
		Tx:          ev.Tx,
		Data:        ev.Entity,
	}
}

// deliver enqueues without blocking. When the queue is full the oldest
// message is dropped to make room: the newest message carries the freshest
// version metadata, and the subscriber can reconcile via catch-up.
func (d *Dispatcher) deliver(sub *Subscriber, msg WireMessage) bool {
	select {
	case sub.ch <- msg:
		obs.DispatchDelivered.Inc()
		return true
	default:
	}
	select {
	case <-sub.ch:
		obs.DispatchQueueDropped.Inc()
	default:
	}
	select {
	case sub.ch <- msg:
		obs.DispatchDelivered.Inc()
		return true
	default:
		obs.DispatchQueueDropped.Inc()
		return false
	}
}
