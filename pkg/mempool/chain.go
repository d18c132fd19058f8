package mempool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tcfw/hypergraph/pkg/types"
)

// ChainService tracks the last accepted transaction reference per
// sender. Updates are serialised; acceptance applies them one block at
// a time under the accept lock.
type ChainService struct {
	mu   sync.Mutex
	refs map[types.Address]types.TxRef
}

func NewChainService() *ChainService {
	return &ChainService{
		refs: make(map[types.Address]types.TxRef),
	}
}

// GetLastAcceptedTransactionRef returns the sender's genesis reference
// if no transaction has been accepted yet
func (c *ChainService) GetLastAcceptedTransactionRef(a types.Address) types.TxRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.refs[a]; ok {
		return ref
	}

	return types.GenesisTxRef(a)
}

// ApplyAfterAcceptance advances the sender's reference iff tx directly
// extends the current one
func (c *ChainService) ApplyAfterAcceptance(tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.refs[tx.Src]
	if !ok {
		cur = types.GenesisTxRef(tx.Src)
	}

	if tx.LastTxRef != cur || tx.Ordinal != cur.Ordinal+1 {
		return errors.Wrapf(ErrBrokenChain, "sender %s ordinal %d", tx.Src, tx.Ordinal)
	}

	c.refs[tx.Src] = tx.Ref()

	return nil
}

// SetRef overwrites the sender's reference, used when restoring state
// from a snapshot
func (c *ChainService) SetRef(a types.Address, ref types.TxRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs[a] = ref
}

// Refs copies the current reference table
func (c *ChainService) Refs() map[types.Address]types.TxRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[types.Address]types.TxRef, len(c.refs))
	for a, r := range c.refs {
		out[a] = r
	}

	return out
}
