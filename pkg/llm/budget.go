package llm

import (
	"sync"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
)

// Budget tracks classifier spend for one import session. Each call reserves
// its cost up front so concurrent calls can never overshoot the ceiling.
type Budget struct {
	mu          sync.Mutex
	ceiling     float64
	costPerCall float64
	spent       float64
	calls       int
}

// NewBudget creates a Budget. A ceiling of zero refuses every call.
func NewBudget(ceiling, costPerCall float64) *Budget {
	return &Budget{ceiling: ceiling, costPerCall: costPerCall}
}

// Reserve claims the cost of one call or returns *apperrors.CostLimitExceeded.
func (b *Budget) Reserve() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spent+b.costPerCall > b.ceiling+1e-9 {
		return &apperrors.CostLimitExceeded{Ceiling: b.ceiling, Spent: b.spent}
	}
	b.spent += b.costPerCall
	b.calls++
	return nil
}

// Refund returns a reservation for a call that was never sent.
func (b *Budget) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.calls == 0 {
		return
	}
	b.spent -= b.costPerCall
	if b.spent < 0 {
		b.spent = 0
	}
	b.calls--
}

// Spent returns the reserved spend so far.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Calls returns how many calls were charged.
func (b *Budget) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Remaining returns the unreserved budget.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.ceiling - b.spent; r > 0 {
		return r
	}
	return 0
}
