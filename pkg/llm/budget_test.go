package llm

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
)

func TestBudget_RefusesPastCeiling(t *testing.T) {
	b := NewBudget(0.01, 0.004)

	require.NoError(t, b.Reserve())
	require.NoError(t, b.Reserve())

	err := b.Reserve()
	var limit *apperrors.CostLimitExceeded
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, 0.01, limit.Ceiling)
	assert.InDelta(t, 0.008, limit.Spent, 1e-9)
	assert.Equal(t, 2, b.Calls())
	assert.InDelta(t, 0.002, b.Remaining(), 1e-9)
}

func TestBudget_ZeroCeilingRefusesAll(t *testing.T) {
	assert.Error(t, NewBudget(0, 0.001).Reserve())
}

func TestBudget_Refund(t *testing.T) {
	b := NewBudget(0.002, 0.002)
	require.NoError(t, b.Reserve())
	b.Refund()
	assert.Equal(t, 0, b.Calls())
	assert.NoError(t, b.Reserve())

	empty := NewBudget(1, 0.5)
	empty.Refund()
	assert.Equal(t, 0.0, empty.Spent())
}

func TestBudget_ConcurrentReservationsNeverOvershoot(t *testing.T) {
	b := NewBudget(0.05, 0.002)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Reserve()
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, b.Calls())
	assert.LessOrEqual(t, b.Spent(), 0.05+1e-9)
}
