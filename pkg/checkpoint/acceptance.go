package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/hypergraph/pkg/cryptography"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

const maxResolveDepth = 10

// SignerDirectory resolves a facilitator's block signing key
type SignerDirectory interface {
	Signer(peer.ID) (*cryptography.Bls12381PublicKey, error)
}

// Acceptance is the single writer admission gate for the DAG. Parent
// resolution and validation run unlocked so network fetches can
// overlap; only the final commit holds the accept lock.
type Acceptance struct {
	log *logrus.Entry

	store    *Store
	tips     *TipService
	chain    *mempool.ChainService
	ledger   *Ledger
	accepted *AcceptedLog

	resolver Resolver
	signers  SignerDirectory

	nodeState func() types.NodeState

	acceptMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[types.Hash]struct{}

	syncMu     sync.Mutex
	syncBuffer []*types.CheckpointCache
}

func NewAcceptance(store *Store, tips *TipService, chain *mempool.ChainService, ledger *Ledger, accepted *AcceptedLog, log *logrus.Entry) *Acceptance {
	return &Acceptance{
		log:       log,
		store:     store,
		tips:      tips,
		chain:     chain,
		ledger:    ledger,
		accepted:  accepted,
		nodeState: func() types.NodeState { return types.NodeStateReady },
		pending:   make(map[types.Hash]struct{}),
	}
}

func (a *Acceptance) SetResolver(r Resolver) {
	a.resolver = r
}

func (a *Acceptance) SetSigners(d SignerDirectory) {
	a.signers = d
}

func (a *Acceptance) SetNodeStateFn(fn func() types.NodeState) {
	a.nodeState = fn
}

// Lock blocks new admissions, held briefly while a snapshot seals
func (a *Acceptance) Lock() {
	a.acceptMu.Lock()
}

func (a *Acceptance) Unlock() {
	a.acceptMu.Unlock()
}

// Accept validates and admits a block into the DAG. Unknown parents
// are resolved from peers and accepted first, to a bounded depth.
func (a *Acceptance) Accept(ctx context.Context, c *types.CheckpointCache) error {
	return a.accept(ctx, c, 0)
}

func (a *Acceptance) accept(ctx context.Context, c *types.CheckpointCache, depth int) error {
	if c == nil || c.Block == nil {
		return ErrMissingCheckpointBlock
	}

	if a.nodeState() == types.NodeStateDownloadCompleteAwaitingFinalSync {
		a.syncMu.Lock()
		a.syncBuffer = append(a.syncBuffer, c)
		a.syncMu.Unlock()

		a.log.WithField("base", c.Block.BaseHash()).Debug("buffered block awaiting final sync")
		return nil
	}

	base := c.Block.BaseHash()

	a.pendingMu.Lock()
	if _, ok := a.pending[base]; ok {
		a.pendingMu.Unlock()
		return ErrPendingAcceptance
	}
	a.pending[base] = struct{}{}
	a.pendingMu.Unlock()

	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, base)
		a.pendingMu.Unlock()
	}()

	if a.store.Contains(base) {
		return ErrAlreadyStored
	}

	if err := a.resolveParents(ctx, c.Block, depth); err != nil {
		return err
	}

	if conflicting := a.conflictingTxs(c.Block); len(conflicting) > 0 {
		return &TipConflictError{Conflicting: conflicting}
	}

	if err := a.validate(c.Block); err != nil {
		return err
	}

	a.acceptMu.Lock()
	defer a.acceptMu.Unlock()

	// the conflict race is decided by accept lock order; re-check now
	// that we hold it
	if conflicting := a.conflictingTxs(c.Block); len(conflicting) > 0 {
		return &TipConflictError{Conflicting: conflicting}
	}

	if invalid := a.brokenChainTxs(c.Block); len(invalid) > 0 {
		return &InvalidTransactionsError{Excluded: invalid}
	}

	height, ok := a.store.CalculateHeight(c.Block)
	if !ok {
		return ErrMissingParents
	}
	c.Height = height

	a.store.Persist(c)

	for _, tx := range c.Block.Transactions {
		if err := a.chain.ApplyAfterAcceptance(tx); err != nil {
			a.log.WithError(err).WithField("tx", tx.Hash()).Error("advancing accepted tx ref")
			continue
		}

		a.ledger.ApplyTransaction(tx)
	}

	a.tips.Update(c)
	a.accepted.Append(base)

	a.log.WithField("base", base).WithField("height", height).Info("accepted checkpoint block")

	return nil
}

func (a *Acceptance) resolveParents(ctx context.Context, b *types.CheckpointBlock, depth int) error {
	for _, parent := range b.Parents {
		if a.store.ContainsSOE(parent.SOE) {
			continue
		}

		if depth >= maxResolveDepth || a.resolver == nil {
			return ErrMissingParents
		}

		pb, err := resolveWithRetry(ctx, a.resolver, parent.SOE)
		if err != nil {
			return errors.Wrap(ErrMissingParents, err.Error())
		}

		err = a.accept(ctx, &types.CheckpointCache{Block: pb}, depth+1)
		if err != nil && !errors.Is(err, ErrAlreadyStored) && !errors.Is(err, ErrPendingAcceptance) {
			return errors.Wrapf(err, "accepting resolved parent %s", parent.SOE)
		}
	}

	return nil
}

func (a *Acceptance) conflictingTxs(b *types.CheckpointBlock) []*types.Transaction {
	var conflicting []*types.Transaction

	for _, tx := range b.Transactions {
		if _, ok := a.store.AcceptedTxBlock(tx.Hash()); ok {
			conflicting = append(conflicting, tx)
		}
	}

	return conflicting
}

// validate checks signatures and that each sender's transactions form
// a contiguous chain from the last accepted reference
func (a *Acceptance) validate(b *types.CheckpointBlock) error {
	if a.signers != nil {
		if err := b.VerifySignatures(a.signers.Signer); err != nil {
			a.log.WithError(err).Warn("block signature validation failed")
			return &InvalidTransactionsError{Excluded: b.Transactions}
		}
	}

	if invalid := a.brokenChainTxs(b); len(invalid) > 0 {
		return &InvalidTransactionsError{Excluded: invalid}
	}

	return nil
}

func (a *Acceptance) brokenChainTxs(b *types.CheckpointBlock) []*types.Transaction {
	bySender := make(map[types.Address][]*types.Transaction)
	for _, tx := range b.Transactions {
		bySender[tx.Src] = append(bySender[tx.Src], tx)
	}

	var invalid []*types.Transaction

	for src, txs := range bySender {
		sort.Slice(txs, func(i, j int) bool {
			return txs[i].Ordinal < txs[j].Ordinal
		})

		expect := a.chain.GetLastAcceptedTransactionRef(src)
		ok := true
		for _, tx := range txs {
			if tx.LastTxRef != expect || tx.Ordinal != expect.Ordinal+1 {
				ok = false
				break
			}
			expect = tx.Ref()
		}

		if !ok {
			invalid = append(invalid, txs...)
		}
	}

	return invalid
}

// DrainSyncBuffer empties and returns blocks buffered while the node
// awaited final sync
func (a *Acceptance) DrainSyncBuffer() []*types.CheckpointCache {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	out := a.syncBuffer
	a.syncBuffer = nil

	return out
}
