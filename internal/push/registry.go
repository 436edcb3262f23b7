// Package push keeps the set of browser push subscriptions and delivers
// notifications to them.
package push

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tripwire/internal/logging"
	"tripwire/internal/metrics"
)

var (
	// ErrSubscriptionGone means the push service no longer knows the
	// endpoint; the subscription is removed.
	ErrSubscriptionGone = errors.New("push: subscription expired or unsubscribed")
	ErrDeliveryFailed   = errors.New("push: delivery failed")
	ErrNotConfigured    = errors.New("push: VAPID keys not configured")
)

// Keys are the client's message encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a browser PushSubscription as serialized by the client.
type Subscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *float64 `json:"expirationTime,omitempty"`
	Keys           Keys     `json:"keys"`
}

// Sender delivers one message to one subscription.
type Sender interface {
	Send(ctx context.Context, sub Subscription, message []byte) error
}

// DispatchResult counts the outcome of a Dispatch.
type DispatchResult struct {
	Sent    int
	Failed  int
	Removed int
}

// Registry is an endpoint-keyed set of subscriptions.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]Subscription
	sender Sender

	logger  *logging.Logger
	metrics *metrics.TripwireMetrics
}

// NewRegistry creates a registry. sender may be nil, in which case
// Dispatch only logs.
func NewRegistry(sender Sender, logger *logging.Logger, m *metrics.TripwireMetrics) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		subs:    make(map[string]Subscription),
		sender:  sender,
		logger:  logger.WithComponent("push"),
		metrics: m,
	}
}

// Upsert removes old (when non-nil) and stores sub under its endpoint.
// Removing an unknown subscription is logged, not an error.
func (r *Registry) Upsert(old *Subscription, sub Subscription) {
	r.mu.Lock()
	if old != nil {
		if _, ok := r.subs[old.Endpoint]; ok {
			delete(r.subs, old.Endpoint)
			r.logger.Info("removed expired push subscription", "endpoint", old.Endpoint)
		} else {
			r.logger.Warn("expired push subscription was not registered", "endpoint", old.Endpoint)
		}
	}
	r.subs[sub.Endpoint] = sub
	n := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetSubscriptions(n)
}

// Remove deletes the subscription for endpoint and reports whether it existed.
func (r *Registry) Remove(endpoint string) bool {
	r.mu.Lock()
	_, ok := r.subs[endpoint]
	delete(r.subs, endpoint)
	n := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetSubscriptions(n)
	return ok
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// List returns the subscriptions ordered by endpoint.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	subs := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return subs
}

// Dispatch sends message to every subscription independently. A failure
// for one subscription is logged and does not affect the others; there
// are no retries.
func (r *Registry) Dispatch(ctx context.Context, message string) DispatchResult {
	subs := r.List()
	if r.sender == nil {
		if len(subs) > 0 {
			r.logger.Warn("push sender not configured, notification skipped", "subscriptions", len(subs))
		}
		return DispatchResult{Failed: len(subs)}
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub Subscription) {
			defer wg.Done()
			errs[i] = r.sender.Send(ctx, sub, []byte(message))
		}(i, sub)
	}
	wg.Wait()

	var res DispatchResult
	for i, err := range errs {
		switch {
		case err == nil:
			res.Sent++
		case errors.Is(err, ErrSubscriptionGone):
			res.Failed++
			if r.Remove(subs[i].Endpoint) {
				res.Removed++
			}
			r.logger.Info("push subscription gone, removed", "endpoint", subs[i].Endpoint)
		default:
			res.Failed++
			r.logger.Warn("push delivery failed", "endpoint", subs[i].Endpoint, "error", err)
		}
	}

	r.metrics.RecordPush(res.Sent, res.Failed)
	return res
}
