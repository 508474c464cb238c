package monitor

import (
	"context"
	"sync"
)

// childCache memoizes child lookups for the duration of one sweep. It only
// hits the store when age bands are configured.
type childCache struct {
	store   Store
	enabled bool

	mu sync.Mutex
	m  map[string]*Child
}

func newChildCache(store Store, policy ThresholdPolicy) *childCache {
	return &childCache{
		store:   store,
		enabled: len(policy.AgeBands) > 0,
		m:       make(map[string]*Child),
	}
}

// get returns the child or nil when unknown or when no lookup is needed.
func (c *childCache) get(ctx context.Context, id string) (*Child, error) {
	if !c.enabled || id == "" {
		return nil, nil
	}

	c.mu.Lock()
	child, ok := c.m[id]
	c.mu.Unlock()
	if ok {
		return child, nil
	}

	child, found, err := c.store.GetChild(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		child = nil
	}

	c.mu.Lock()
	c.m[id] = child
	c.mu.Unlock()
	return child, nil
}
