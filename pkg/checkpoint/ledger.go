package checkpoint

import (
	"sync"

	"github.com/tcfw/hypergraph/pkg/types"
)

// Ledger tracks address balances as blocks are accepted
type Ledger struct {
	mu       sync.Mutex
	balances map[types.Address]int64
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[types.Address]int64),
	}
}

func (l *Ledger) ApplyTransaction(tx *types.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[tx.Src] -= int64(tx.Amount + tx.Fee)
	l.balances[tx.Dst] += int64(tx.Amount)
}

func (l *Ledger) Balance(a types.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.balances[a]
}

func (l *Ledger) Balances() map[types.Address]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[types.Address]int64, len(l.balances))
	for a, b := range l.balances {
		out[a] = b
	}

	return out
}

func (l *Ledger) SetBalances(b map[types.Address]int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[types.Address]int64, len(b))
	for a, v := range b {
		l.balances[a] = v
	}
}
