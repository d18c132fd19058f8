package checkpoint

import (
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/tcfw/hypergraph/pkg/types"
)

const (
	DefaultMaxTips         = 6
	DefaultMaxTipUsage     = 2
	DefaultMinFacilitators = 2
)

// TipSelection is the result of pulling two tips for a new round
type TipSelection struct {
	TipsSOE [2]types.BlockRef
	Peers   []peer.ID
}

// TipService maintains the bounded set of accepted blocks eligible to
// be referenced as parents by new blocks
type TipService struct {
	mu   sync.Mutex
	tips map[types.Hash]*types.TipData

	store *Store

	maxTips         int
	maxTipUsage     int
	minFacilitators int
}

func NewTipService(store *Store) *TipService {
	return &TipService{
		tips:            make(map[types.Hash]*types.TipData),
		store:           store,
		maxTips:         DefaultMaxTips,
		maxTipUsage:     DefaultMaxTipUsage,
		minFacilitators: DefaultMinFacilitators,
	}
}

// Update processes a newly accepted block: both parents gain a use and
// are retired once they reach the usage cap, and the block itself
// becomes a tip if there is room
func (t *TipService) Update(c *types.CheckpointCache) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, parent := range c.Block.Parents {
		t.store.RegisterUsage(parent.SOE)

		td, ok := t.tips[parent.SOE]
		if !ok {
			continue
		}

		td.NumUses++
		if td.NumUses >= t.maxTipUsage {
			delete(t.tips, parent.SOE)
		}
	}

	if len(t.tips) < t.maxTips {
		ref := c.Block.Ref()
		t.tips[ref.SOE] = &types.TipData{
			Ref:          ref,
			Height:       c.Height,
			Facilitators: c.Block.Signers(),
		}
	}
}

// Pull selects two tips and the peer set for a new round: the first
// pair whose joint facilitator set covers at least minFacilitators of
// the ready peers. A tip without a recorded facilitator set (genesis,
// restored v1 tips) places no restriction on the peers.
func (t *TipService) Pull(ready []peer.ID) (*TipSelection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.tips) < 2 {
		return nil, ErrNoTips
	}

	soes := make([]types.Hash, 0, len(t.tips))
	for soe := range t.tips {
		soes = append(soes, soe)
	}

	// least used first so tips retire evenly; hash order breaks ties
	sort.Slice(soes, func(i, j int) bool {
		a, b := t.tips[soes[i]], t.tips[soes[j]]
		if a.NumUses != b.NumUses {
			return a.NumUses < b.NumUses
		}
		return soes[i] < soes[j]
	})

	for i := 0; i < len(soes); i++ {
		for j := i + 1; j < len(soes); j++ {
			a, b := t.tips[soes[i]], t.tips[soes[j]]

			peers := jointCoverage(a, b, ready)
			if len(peers) < t.minFacilitators {
				continue
			}

			return &TipSelection{
				TipsSOE: [2]types.BlockRef{a.Ref, b.Ref},
				Peers:   peers,
			}, nil
		}
	}

	return nil, ErrNotEnoughFacilitators
}

// jointCoverage is the subset of ready peers covered by the union of
// both tips' facilitator sets, in ready order
func jointCoverage(a, b *types.TipData, ready []peer.ID) []peer.ID {
	if len(a.Facilitators) == 0 || len(b.Facilitators) == 0 {
		return ready
	}

	joint := make(map[peer.ID]struct{}, len(a.Facilitators)+len(b.Facilitators))
	for _, id := range a.Facilitators {
		joint[id] = struct{}{}
	}
	for _, id := range b.Facilitators {
		joint[id] = struct{}{}
	}

	covered := make([]peer.ID, 0, len(ready))
	for _, id := range ready {
		if _, ok := joint[id]; ok {
			covered = append(covered, id)
		}
	}

	return covered
}

// MinHeight is the lowest height among current tips, zero when empty
func (t *TipService) MinHeight() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var min uint64
	first := true
	for _, td := range t.tips {
		if first || td.Height < min {
			min = td.Height
			first = false
		}
	}

	return min
}

func (t *TipService) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.tips)
}

// Tips copies the current tip set
func (t *TipService) Tips() map[types.Hash]types.TipData {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[types.Hash]types.TipData, len(t.tips))
	for h, td := range t.tips {
		out[h] = *td
	}

	return out
}

// SetTips replaces the tip set, used when restoring from a snapshot
func (t *TipService) SetTips(tips map[types.Hash]types.TipData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tips = make(map[types.Hash]*types.TipData, len(tips))
	for h, td := range tips {
		cp := td
		t.tips[h] = &cp
	}
}
