package budget

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/signal-cli/internal/model"
)

// Cache stores recent verdicts per agent.
type Cache interface {
	Get(ctx context.Context, agentID string) (model.BudgetStatus, bool, error)
	Set(ctx context.Context, agentID string, status model.BudgetStatus, ttl time.Duration) error
}

type memItem struct {
	status    model.BudgetStatus
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu      sync.RWMutex
	items   map[string]memItem
	nowFunc func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memItem), nowFunc: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, agentID string) (model.BudgetStatus, bool, error) {
	c.mu.RLock()
	item, ok := c.items[agentID]
	c.mu.RUnlock()
	if !ok {
		return model.BudgetStatus{}, false, nil
	}
	if !c.nowFunc().Before(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[agentID]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.items, agentID)
		}
		c.mu.Unlock()
		return model.BudgetStatus{}, false, nil
	}
	return item.status, true, nil
}

func (c *MemoryCache) Set(_ context.Context, agentID string, status model.BudgetStatus, ttl time.Duration) error {
	c.mu.Lock()
	c.items[agentID] = memItem{status: status, expiresAt: c.nowFunc().Add(ttl)}
	c.mu.Unlock()
	return nil
}
