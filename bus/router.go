package bus

import (
	"sort"
	"sync"

	"github.com/BaSui01/agentgrid/internal/pattern"
)

type route struct {
	sub     Subscription
	pattern pattern.Pattern
}

// Router matches published topics against subscription patterns. Exact
// patterns are indexed by topic; wildcard patterns are scanned.
type Router struct {
	mu       sync.RWMutex
	byID     map[string]*route
	exact    map[string]map[string]*route // topic -> sub id -> route
	wildcard map[string]*route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		byID:     make(map[string]*route),
		exact:    make(map[string]map[string]*route),
		wildcard: make(map[string]*route),
	}
}

// Add registers a subscription with its compiled pattern.
func (r *Router) Add(sub Subscription, p pattern.Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt := &route{sub: sub, pattern: p}
	r.byID[sub.ID] = rt
	if p.IsWildcard() {
		r.wildcard[sub.ID] = rt
		return
	}
	set, ok := r.exact[p.String()]
	if !ok {
		set = make(map[string]*route)
		r.exact[p.String()] = set
	}
	set[sub.ID] = rt
}

// Remove drops a subscription. It reports whether the subscription existed.
func (r *Router) Remove(id string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.byID[id]
	if !ok {
		return Subscription{}, false
	}
	delete(r.byID, id)
	delete(r.wildcard, id)
	if set, ok := r.exact[rt.pattern.String()]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.exact, rt.pattern.String())
		}
	}
	return rt.sub, true
}

// Match returns the distinct subscriber ids whose patterns match topic, in
// ascending order.
func (r *Router) Match(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rt := range r.exact[topic] {
		seen[rt.sub.SubscriberID] = struct{}{}
	}
	for _, rt := range r.wildcard {
		if rt.pattern.Match(topic) {
			seen[rt.sub.SubscriberID] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscriptions lists the subscriptions held by subscriberID, or all
// subscriptions when subscriberID is empty.
func (r *Router) Subscriptions(subscriberID string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0)
	for _, rt := range r.byID {
		if subscriberID == "" || rt.sub.SubscriberID == subscriberID {
			out = append(out, rt.sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Has reports whether subscriberID holds any subscription.
func (r *Router) Has(subscriberID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.byID {
		if rt.sub.SubscriberID == subscriberID {
			return true
		}
	}
	return false
}

// Count returns the number of live subscriptions.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
