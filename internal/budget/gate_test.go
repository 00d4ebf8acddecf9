package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
)

type mockSpender struct {
	mock.Mock
}

func (m *mockSpender) SumCosts(ctx context.Context, agentID string, since time.Time) (float64, error) {
	args := m.Called(ctx, agentID, since)
	return args.Get(0).(float64), args.Error(1)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (model.BudgetStatus, bool, error) {
	return model.BudgetStatus{}, false, errors.New("cache down")
}

func (failingCache) Set(context.Context, string, model.BudgetStatus, time.Duration) error {
	return errors.New("cache down")
}

type panicSpender struct{}

func (panicSpender) SumCosts(context.Context, string, time.Time) (float64, error) {
	panic("nil map")
}

func fixedGate(spend Spender, cache Cache, cfg Config, now time.Time) *Gate {
	g := NewGate(spend, cache, cfg)
	g.nowFunc = func() time.Time { return now }
	return g
}

func TestCheckBudget_AllowedUnderCeiling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sp := new(mockSpender)
	sp.On("SumCosts", mock.Anything, "agent-1", now.Add(-24*time.Hour)).Return(4.5, nil).Once()

	g := fixedGate(sp, nil, Config{DefaultCeiling: 10}, now)
	status := g.CheckBudget(context.Background(), "agent-1")
	assert.True(t, status.Allowed)
	assert.Empty(t, status.Reason)
	assert.Equal(t, now, status.CachedAt)

	// Second call is served from the cache.
	assert.Equal(t, status, g.CheckBudget(context.Background(), "agent-1"))
	sp.AssertExpectations(t)
}

func TestCheckBudget_DeniedAtCeiling(t *testing.T) {
	now := time.Now()
	sp := new(mockSpender)
	sp.On("SumCosts", mock.Anything, "agent-1", mock.Anything).Return(25.0, nil)

	g := fixedGate(sp, nil, Config{DefaultCeiling: 100, Ceilings: map[string]float64{"agent-1": 25}}, now)
	status := g.CheckBudget(context.Background(), "agent-1")
	assert.False(t, status.Allowed)
	assert.Equal(t, "budget exceeded: spent $25.00 of $25.00", status.Reason)
}

func TestCheckBudget_FailsOpenOnStoreError(t *testing.T) {
	sp := new(mockSpender)
	sp.On("SumCosts", mock.Anything, "agent-1", mock.Anything).Return(0.0, errors.New("connection refused"))

	g := NewGate(sp, nil, Config{DefaultCeiling: 10})
	status := g.CheckBudget(context.Background(), "agent-1")
	assert.True(t, status.Allowed)
	assert.Contains(t, status.Reason, "connection refused")

	// Fail-open verdicts are not cached.
	g.CheckBudget(context.Background(), "agent-1")
	sp.AssertNumberOfCalls(t, "SumCosts", 2)
}

func TestCheckBudget_FailsOpenWithoutCeiling(t *testing.T) {
	sp := new(mockSpender)
	g := NewGate(sp, nil, Config{Ceilings: map[string]float64{"other": 5}})

	status := g.CheckBudget(context.Background(), "unknown-agent")
	assert.True(t, status.Allowed)
	assert.Equal(t, "no budget ceiling configured for agent unknown-agent", status.Reason)
	sp.AssertNotCalled(t, "SumCosts", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckBudget_FailsOpenOnCacheError(t *testing.T) {
	sp := new(mockSpender)
	g := NewGate(sp, failingCache{}, Config{DefaultCeiling: 1})

	status := g.CheckBudget(context.Background(), "agent-1")
	assert.True(t, status.Allowed)
	assert.Contains(t, status.Reason, "cache down")
}

func TestCheckBudget_RecoversPanic(t *testing.T) {
	g := NewGate(panicSpender{}, nil, Config{DefaultCeiling: 1})

	var status model.BudgetStatus
	require.NotPanics(t, func() { status = g.CheckBudget(context.Background(), "agent-1") })
	assert.True(t, status.Allowed)
	assert.Contains(t, status.Reason, "nil map")
}

func TestCheckBudget_MissingAgentAndStore(t *testing.T) {
	g := NewGate(nil, nil, Config{DefaultCeiling: 1})
	assert.True(t, g.CheckBudget(context.Background(), "").Allowed)

	status := g.CheckBudget(context.Background(), "agent-1")
	assert.True(t, status.Allowed)
	assert.Contains(t, status.Reason, "no cost store")
}

func TestCheckBudget_Concurrent(t *testing.T) {
	sp := new(mockSpender)
	sp.On("SumCosts", mock.Anything, mock.Anything, mock.Anything).Return(1.0, nil)
	g := NewGate(sp, nil, Config{DefaultCeiling: 10})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, g.CheckBudget(context.Background(), "agent-1").Allowed)
		}()
	}
	wg.Wait()
}

func TestCeiling(t *testing.T) {
	g := NewGate(nil, nil, Config{DefaultCeiling: 50, Ceilings: map[string]float64{"a": 5, "zero": 0}})

	c, ok := g.Ceiling("a")
	assert.True(t, ok)
	assert.Equal(t, 5.0, c)

	c, ok = g.Ceiling("zero")
	assert.True(t, ok)
	assert.Equal(t, 50.0, c)

	c, ok = g.Ceiling("A")
	assert.True(t, ok)
	assert.Equal(t, 5.0, c)

	_, ok = NewGate(nil, nil, Config{}).Ceiling("a")
	assert.False(t, ok)
}
