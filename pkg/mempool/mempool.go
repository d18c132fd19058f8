package mempool

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tcfw/hypergraph/pkg/types"
)

// PendingTransactions holds transactions waiting to be pulled into a
// consensus round. A single mutex guards the pool so no concurrent Put
// can split a sender's chain across a pull's boundary.
type PendingTransactions struct {
	mu    sync.Mutex
	txs   map[types.Hash]*types.TransactionCacheData
	order map[types.Hash]uint64
	next  uint64

	chain *ChainService
	log   *logrus.Entry
}

func NewPendingTransactions(chain *ChainService, log *logrus.Entry) *PendingTransactions {
	return &PendingTransactions{
		txs:   make(map[types.Hash]*types.TransactionCacheData),
		order: make(map[types.Hash]uint64),
		chain: chain,
		log:   log,
	}
}

// Put stores or overwrites a transaction by hash
func (p *PendingTransactions) Put(tx *types.Transaction, status types.TxStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.putLocked(tx, status)
}

func (p *PendingTransactions) putLocked(tx *types.Transaction, status types.TxStatus) {
	h := tx.Hash()

	if _, ok := p.txs[h]; !ok {
		p.order[h] = p.next
		p.next++
	}

	p.txs[h] = &types.TransactionCacheData{Tx: tx, Status: status}
}

func (p *PendingTransactions) Lookup(h types.Hash) (*types.TransactionCacheData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cd, ok := p.txs[h]
	return cd, ok
}

func (p *PendingTransactions) Contains(h types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.txs[h]
	return ok
}

func (p *PendingTransactions) SetStatus(h types.Hash, st types.TxStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cd, ok := p.txs[h]; ok {
		cd.Status = st
	}
}

func (p *PendingTransactions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.txs)
}

// Return puts transactions back after a failed round
func (p *PendingTransactions) Return(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range txs {
		p.putLocked(tx, types.TxStatusUnknown)
	}
}

// RemoveAll drops transactions that were accepted in a block
func (p *PendingTransactions) RemoveAll(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range txs {
		h := tx.Hash()
		delete(p.txs, h)
		delete(p.order, h)
	}
}

type senderGroup struct {
	addr     types.Address
	txs      []*types.Transaction
	totalFee uint64
	firstIdx uint64
}

// PullForConsensus atomically selects up to max transactions for a new
// round. Only sender chains whose first transaction extends the
// sender's last accepted reference are eligible; eligible chains are
// ordered by total fee, highest first, insertion order breaking ties.
// Selected transactions are removed from the pool.
func (p *PendingTransactions) PullForConsensus(max int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make(map[types.Address]*senderGroup)
	for h, cd := range p.txs {
		g, ok := groups[cd.Tx.Src]
		if !ok {
			g = &senderGroup{addr: cd.Tx.Src, firstIdx: p.order[h]}
			groups[cd.Tx.Src] = g
		}

		g.txs = append(g.txs, cd.Tx)
		g.totalFee += cd.Tx.Fee
		if p.order[h] < g.firstIdx {
			g.firstIdx = p.order[h]
		}
	}

	eligible := make([]*senderGroup, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g.txs, func(i, j int) bool {
			return g.txs[i].Ordinal < g.txs[j].Ordinal
		})

		last := p.chain.GetLastAcceptedTransactionRef(g.addr)
		if g.txs[0].LastTxRef != last {
			continue
		}

		eligible = append(eligible, g)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].totalFee != eligible[j].totalFee {
			return eligible[i].totalFee > eligible[j].totalFee
		}
		return eligible[i].firstIdx < eligible[j].firstIdx
	})

	pulled := make([]*types.Transaction, 0, max)
	for _, g := range eligible {
		for _, tx := range g.txs {
			if len(pulled) == max {
				break
			}
			pulled = append(pulled, tx)
		}
	}

	for _, tx := range pulled {
		h := tx.Hash()
		delete(p.txs, h)
		delete(p.order, h)
	}

	return pulled
}
