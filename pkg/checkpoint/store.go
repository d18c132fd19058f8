package checkpoint

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/tcfw/hypergraph/pkg/types"
)

const (
	acceptedTxEstimate      = 1 << 20
	acceptedTxFalsePositive = 0.01
)

// Store is the in memory DAG of accepted checkpoint blocks, indexed by
// base hash with a secondary SOE index. The accepted transaction index
// backs conflict detection; a bloom filter keeps the common miss cheap.
type Store struct {
	mu sync.RWMutex

	blocks   map[types.Hash]*types.CheckpointCache
	soeIndex map[types.Hash]types.Hash
	usages   map[types.Hash]int

	txIndex map[types.Hash]types.Hash
	txBloom *bloom.BloomFilter
}

func NewStore() *Store {
	return &Store{
		blocks:   make(map[types.Hash]*types.CheckpointCache),
		soeIndex: make(map[types.Hash]types.Hash),
		usages:   make(map[types.Hash]int),
		txIndex:  make(map[types.Hash]types.Hash),
		txBloom:  bloom.NewWithEstimates(acceptedTxEstimate, acceptedTxFalsePositive),
	}
}

// Persist admits an accepted block, indexes its transactions and links
// it as a child of both parents. Caller holds the accept lock.
func (s *Store) Persist(c *types.CheckpointCache) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := c.Block.BaseHash()
	s.blocks[base] = c
	s.soeIndex[c.Block.SOEHash()] = base

	for _, tx := range c.Block.Transactions {
		h := tx.Hash()
		s.txIndex[h] = base
		s.txBloom.Add(h.Bytes())
	}

	for _, parent := range c.Block.Parents {
		p, ok := s.lookupBySOELocked(parent.SOE)
		if !ok {
			continue
		}

		p.Children = appendUnique(p.Children, base)
	}
}

func appendUnique(hs []types.Hash, h types.Hash) []types.Hash {
	for _, e := range hs {
		if e == h {
			return hs
		}
	}

	return append(hs, h)
}

func (s *Store) Lookup(base types.Hash) (*types.CheckpointCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.blocks[base]
	return c, ok
}

func (s *Store) LookupBySOE(soe types.Hash) (*types.CheckpointCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lookupBySOELocked(soe)
}

func (s *Store) lookupBySOELocked(soe types.Hash) (*types.CheckpointCache, bool) {
	base, ok := s.soeIndex[soe]
	if !ok {
		return nil, false
	}

	c, ok := s.blocks[base]
	return c, ok
}

func (s *Store) Contains(base types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blocks[base]
	return ok
}

func (s *Store) ContainsSOE(soe types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.soeIndex[soe]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.blocks)
}

// BatchRemove drops sealed blocks and their SOE and transaction index
// entries in one critical section
func (s *Store) BatchRemove(bases []types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, base := range bases {
		c, ok := s.blocks[base]
		if !ok {
			continue
		}

		soe := c.Block.SOEHash()
		delete(s.soeIndex, soe)
		delete(s.usages, soe)

		for _, tx := range c.Block.Transactions {
			delete(s.txIndex, tx.Hash())
		}

		delete(s.blocks, base)
	}
}

// CalculateHeight returns 1 + max parent height, or false when either
// parent is unknown
func (s *Store) CalculateHeight(b *types.CheckpointBlock) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max uint64
	for _, parent := range b.Parents {
		p, ok := s.lookupBySOELocked(parent.SOE)
		if !ok {
			return 0, false
		}

		if p.Height > max {
			max = p.Height
		}
	}

	return max + 1, true
}

// AcceptedTxBlock reports which block, if any, already carries the
// transaction
func (s *Store) AcceptedTxBlock(tx types.Hash) (types.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.txBloom.Test(tx.Bytes()) {
		return "", false
	}

	base, ok := s.txIndex[tx]
	return base, ok
}

// RegisterUsage counts a block being referenced as a parent
func (s *Store) RegisterUsage(soe types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usages[soe]++
}

func (s *Store) Usages(soe types.Hash) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usages[soe]
}

// InHeightRange lists accepted blocks with min < height <= max
func (s *Store) InHeightRange(min, max uint64) []*types.CheckpointCache {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.CheckpointCache, 0)
	for _, c := range s.blocks {
		if c.Height > min && c.Height <= max {
			out = append(out, c)
		}
	}

	return out
}
