package mempool

import (
	"sort"
	"sync"

	"github.com/tcfw/hypergraph/pkg/types"
)

// Observations is the peer behaviour equivalent of the transaction
// pool, without the per sender chain constraint
type Observations struct {
	mu    sync.Mutex
	obs   map[types.Hash]*types.Observation
	order map[types.Hash]uint64
	next  uint64
}

func NewObservations() *Observations {
	return &Observations{
		obs:   make(map[types.Hash]*types.Observation),
		order: make(map[types.Hash]uint64),
	}
}

func (p *Observations) Put(o *types.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.putLocked(o)
}

func (p *Observations) putLocked(o *types.Observation) {
	h := o.Hash()

	if _, ok := p.obs[h]; !ok {
		p.order[h] = p.next
		p.next++
	}

	p.obs[h] = o
}

func (p *Observations) Contains(h types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.obs[h]
	return ok
}

func (p *Observations) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.obs)
}

func (p *Observations) Return(obs []*types.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range obs {
		p.putLocked(o)
	}
}

func (p *Observations) RemoveAll(obs []*types.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range obs {
		h := o.Hash()
		delete(p.obs, h)
		delete(p.order, h)
	}
}

// PullForConsensus removes and returns up to max observations in
// insertion order
func (p *Observations) PullForConsensus(max int) []*types.Observation {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashes := make([]types.Hash, 0, len(p.obs))
	for h := range p.obs {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return p.order[hashes[i]] < p.order[hashes[j]]
	})

	if len(hashes) > max {
		hashes = hashes[:max]
	}

	pulled := make([]*types.Observation, 0, len(hashes))
	for _, h := range hashes {
		pulled = append(pulled, p.obs[h])
		delete(p.obs, h)
		delete(p.order, h)
	}

	return pulled
}
