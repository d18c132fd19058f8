package consensus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/cryptography"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

const resolveMajorityShare = 51

// RoundOutcome is handed back to the manager when a round ends, either
// with an accepted block or with the data that must be returned to the
// mempools
type RoundOutcome struct {
	RoundID   RoundID
	Cache     *types.CheckpointCache
	ReturnTxs []*types.Transaction
	ReturnObs []*types.Observation
	Err       error
}

// roundFinalizer is the manager surface a round reports back through
type roundFinalizer interface {
	StopBlockCreationRound(outcome *RoundOutcome)
	BroadcastRound(ctx context.Context, m *Msg) error
	SpreadFinished(ctx context.Context, f *FinishedCheckpoint)
}

// Round drives one block creation round through its three proposal
// phases. All mutable state sits behind a single mutex; handlers run
// the heavy follow up steps after releasing it.
type Round struct {
	log *logrus.Entry

	self peer.ID
	key  *cryptography.Bls12381PrivateKey
	data RoundData

	txPool     *mempool.PendingTransactions
	obsPool    *mempool.Observations
	store      *checkpoint.Store
	acceptance *checkpoint.Acceptance
	finalizer  roundFinalizer

	maxTxThreshold  int
	maxObsThreshold int

	mu             sync.Mutex
	stage          Stage
	lastTransition time.Time
	dataProposals  map[peer.ID]*ConsensusDataProposal
	blockProposals map[peer.ID]*types.CheckpointBlock
	selectedBlocks map[peer.ID]*types.CheckpointBlock

	done chan struct{}
}

func newRound(log *logrus.Entry, self peer.ID, key *cryptography.Bls12381PrivateKey, data RoundData,
	txPool *mempool.PendingTransactions, obsPool *mempool.Observations,
	store *checkpoint.Store, acceptance *checkpoint.Acceptance, finalizer roundFinalizer,
	maxTx, maxObs int) *Round {

	return &Round{
		log:             log.WithField("round", data.RoundID),
		self:            self,
		key:             key,
		data:            data,
		txPool:          txPool,
		obsPool:         obsPool,
		store:           store,
		acceptance:      acceptance,
		finalizer:       finalizer,
		maxTxThreshold:  maxTx,
		maxObsThreshold: maxObs,
		stage:           StageStarting,
		lastTransition:  time.Now(),
		dataProposals:   make(map[peer.ID]*ConsensusDataProposal),
		blockProposals:  make(map[peer.ID]*types.CheckpointBlock),
		selectedBlocks:  make(map[peer.ID]*types.CheckpointBlock),
		done:            make(chan struct{}),
	}
}

// facilitatorCount is the full facilitator set including self
func (r *Round) facilitatorCount() int {
	return len(r.data.Peers) + 1
}

func (r *Round) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stage
}

func (r *Round) setStageLocked(s Stage) {
	if s <= r.stage {
		return
	}

	r.stage = s
	r.lastTransition = time.Now()
	r.log.WithField("stage", s).Debug("stage advanced")
}

// StartConsensusDataProposal pulls this node's share of pending data
// and broadcasts it as the phase 1 proposal
func (r *Round) StartConsensusDataProposal(ctx context.Context) error {
	txs := r.txPool.PullForConsensus(r.maxTxThreshold)
	obs := r.obsPool.PullForConsensus(r.maxObsThreshold)

	r.mu.Lock()
	r.data.Transactions = txs
	r.data.Observations = obs
	r.setStageLocked(StageWaitingForProposals)
	r.mu.Unlock()

	p := &ConsensusDataProposal{
		RoundID:      r.data.RoundID,
		Facilitator:  r.self,
		Transactions: txs,
		Observations: obs,
		Messages:     r.data.Messages,
	}

	if err := r.finalizer.BroadcastRound(ctx, &Msg{Type: MsgTypeDataProposal, From: r.self, Data: p}); err != nil {
		r.log.WithError(err).Error("broadcasting data proposal")
	}

	return r.AddConsensusDataProposal(ctx, p)
}

// AddConsensusDataProposal records a facilitator's phase 1 proposal,
// merging re-deliveries, and triggers the union once every peer has
// contributed
func (r *Round) AddConsensusDataProposal(ctx context.Context, p *ConsensusDataProposal) error {
	r.mu.Lock()

	if r.stage >= StageWaitingForBlockProposals {
		st := r.stage
		r.mu.Unlock()
		return &PreviousStageError{Stage: st}
	}

	if p.Facilitator != r.self {
		// make the peer's data reachable for later rounds
		for _, tx := range p.Transactions {
			if !r.txPool.Contains(tx.Hash()) {
				r.txPool.Put(tx, types.TxStatusUnknown)
			}
		}
		for _, o := range p.Observations {
			if !r.obsPool.Contains(o.Hash()) {
				r.obsPool.Put(o)
			}
		}
	}

	if prev, ok := r.dataProposals[p.Facilitator]; ok {
		r.dataProposals[p.Facilitator] = mergeDataProposals(prev, p)
	} else {
		r.dataProposals[p.Facilitator] = p
	}

	peerProposals := len(r.dataProposals)
	if _, ok := r.dataProposals[r.self]; ok {
		peerProposals--
	}

	complete := peerProposals == len(r.data.Peers) && r.stage == StageWaitingForProposals
	if complete {
		r.setStageLocked(StageWaitingForBlockProposals)
	}
	r.mu.Unlock()

	if complete {
		return r.unionProposals(ctx)
	}

	return nil
}

func mergeDataProposals(a, b *ConsensusDataProposal) *ConsensusDataProposal {
	merged := &ConsensusDataProposal{
		RoundID:     a.RoundID,
		Facilitator: a.Facilitator,
	}

	merged.Transactions = unionTxs(a.Transactions, b.Transactions)
	merged.Observations = unionObs(a.Observations, b.Observations)
	merged.Messages = unionMessages(a.Messages, b.Messages)
	merged.Notifications = unionNotifications(a.Notifications, b.Notifications)

	return merged
}

func unionMessages(lists ...[]types.ChannelMessage) []types.ChannelMessage {
	seen := make(map[types.Hash]struct{})
	var out []types.ChannelMessage

	for _, list := range lists {
		for _, m := range list {
			h := types.MustHashOf(&m)
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, m)
		}
	}

	return out
}

func unionNotifications(lists ...[]types.PeerNotification) []types.PeerNotification {
	seen := make(map[types.PeerNotification]struct{})
	var out []types.PeerNotification

	for _, list := range lists {
		for _, n := range list {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}

	return out
}

func unionTxs(lists ...[]*types.Transaction) []*types.Transaction {
	seen := make(map[types.Hash]struct{})
	var out []*types.Transaction

	for _, list := range lists {
		for _, tx := range list {
			h := tx.Hash()
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, tx)
		}
	}

	return out
}

func unionObs(lists ...[]*types.Observation) []*types.Observation {
	seen := make(map[types.Hash]struct{})
	var out []*types.Observation

	for _, list := range lists {
		for _, o := range list {
			h := o.Hash()
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, o)
		}
	}

	return out
}

// unionProposals builds this node's phase 2 candidate block from the
// union of every facilitator's phase 1 data
func (r *Round) unionProposals(ctx context.Context) error {
	r.mu.Lock()

	facilitators := make([]peer.ID, 0, len(r.dataProposals))
	for f := range r.dataProposals {
		facilitators = append(facilitators, f)
	}
	sort.Slice(facilitators, func(i, j int) bool { return facilitators[i] < facilitators[j] })

	txLists := [][]*types.Transaction{r.data.Transactions}
	obsLists := [][]*types.Observation{r.data.Observations}
	msgLists := [][]types.ChannelMessage{r.data.Messages}

	for _, f := range facilitators {
		p := r.dataProposals[f]
		txLists = append(txLists, p.Transactions)
		obsLists = append(obsLists, p.Observations)
		msgLists = append(msgLists, p.Messages)
	}

	block := &types.CheckpointBlock{
		Transactions: unionTxs(txLists...),
		Parents:      r.data.TipsSOE,
		Observations: unionObs(obsLists...),
		Messages:     unionMessages(msgLists...),
	}

	r.mu.Unlock()

	if err := block.Sign(r.self, r.key); err != nil {
		return err
	}

	p := &UnionBlockProposal{RoundID: r.data.RoundID, Facilitator: r.self, Block: block}

	if err := r.finalizer.BroadcastRound(ctx, &Msg{Type: MsgTypeUnionProposal, From: r.self, Union: p}); err != nil {
		r.log.WithError(err).Error("broadcasting union proposal")
	}

	return r.AddBlockProposal(ctx, p)
}

// UnionProposalsBehind forces the union on whatever proposals are
// present after a stage timeout, provided the majority share is met
func (r *Round) UnionProposalsBehind(ctx context.Context) error {
	r.mu.Lock()

	if r.stage != StageWaitingForProposals {
		st := r.stage
		r.mu.Unlock()
		return &PreviousStageError{Stage: st}
	}

	have := len(r.dataProposals)
	total := r.facilitatorCount()
	if have*100 < resolveMajorityShare*total {
		r.mu.Unlock()
		return &NotEnoughProposalsError{Count: have, Total: total}
	}

	r.setStageLocked(StageWaitingForBlockProposals)
	r.mu.Unlock()

	r.log.WithField("have", have).WithField("total", total).Info("forcing union on partial proposals")

	return r.unionProposals(ctx)
}

// AddBlockProposal records a facilitator's phase 2 block and resolves
// the majority once the full facilitator set has proposed
func (r *Round) AddBlockProposal(ctx context.Context, p *UnionBlockProposal) error {
	r.mu.Lock()

	if r.stage >= StageResolvingMajority {
		st := r.stage
		r.mu.Unlock()
		return &PreviousStageError{Stage: st}
	}

	r.blockProposals[p.Facilitator] = p.Block

	complete := len(r.blockProposals) == r.facilitatorCount()
	if complete {
		r.setStageLocked(StageResolvingMajority)
	}
	r.mu.Unlock()

	if complete {
		return r.resolveMajority(ctx)
	}

	return nil
}

// resolveMajority groups phase 2 blocks by base hash, unions the
// signer sets of the winning group and broadcasts the result
func (r *Round) resolveMajority(ctx context.Context) error {
	r.mu.Lock()
	proposals := make([]*types.CheckpointBlock, 0, len(r.blockProposals))
	for _, b := range r.blockProposals {
		proposals = append(proposals, b)
	}
	total := r.facilitatorCount()
	r.mu.Unlock()

	if len(proposals)*100 < resolveMajorityShare*total {
		return &NotEnoughProposalsError{Count: len(proposals), Total: total}
	}

	winner := majorityGroup(proposals, func(b *types.CheckpointBlock) types.Hash { return b.BaseHash() })

	merged := winner[0]
	var err error
	for _, b := range winner[1:] {
		merged, err = merged.PlusEdge(b)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.setStageLocked(StageWaitingForSelectedBlocks)
	r.mu.Unlock()

	p := &SelectedUnionBlock{RoundID: r.data.RoundID, Facilitator: r.self, Block: merged}

	if err := r.finalizer.BroadcastRound(ctx, &Msg{Type: MsgTypeSelectedProposal, From: r.self, Selected: p}); err != nil {
		r.log.WithError(err).Error("broadcasting selected block")
	}

	return r.AddSelectedBlockProposal(ctx, p)
}

// majorityGroup buckets blocks by key, returning the largest bucket.
// Size ties break to the lexicographically smallest key so every
// facilitator resolves the same winner.
func majorityGroup(blocks []*types.CheckpointBlock, key func(*types.CheckpointBlock) types.Hash) []*types.CheckpointBlock {
	groups := make(map[types.Hash][]*types.CheckpointBlock)
	for _, b := range blocks {
		k := key(b)
		groups[k] = append(groups[k], b)
	}

	var winnerKey types.Hash
	for k, g := range groups {
		if winnerKey == "" || len(g) > len(groups[winnerKey]) ||
			(len(g) == len(groups[winnerKey]) && k < winnerKey) {
			winnerKey = k
		}
	}

	return groups[winnerKey]
}

// AddSelectedBlockProposal records a facilitator's phase 3 pick and
// accepts the majority block once the full set agrees
func (r *Round) AddSelectedBlockProposal(ctx context.Context, p *SelectedUnionBlock) error {
	r.mu.Lock()

	if r.stage >= StageAcceptingMajority {
		st := r.stage
		r.mu.Unlock()
		return &PreviousStageError{Stage: st}
	}

	r.selectedBlocks[p.Facilitator] = p.Block

	complete := len(r.selectedBlocks) == r.facilitatorCount()
	if complete {
		r.setStageLocked(StageAcceptingMajority)
	}
	r.mu.Unlock()

	if complete {
		return r.acceptMajority(ctx)
	}

	return nil
}

// acceptMajority admits the agreed block into the DAG and finalises
// the round, returning any data that did not make it in
func (r *Round) acceptMajority(ctx context.Context) error {
	r.mu.Lock()
	selected := make([]*types.CheckpointBlock, 0, len(r.selectedBlocks))
	for _, b := range r.selectedBlocks {
		selected = append(selected, b)
	}
	total := r.facilitatorCount()
	r.mu.Unlock()

	// phase 3 requires the complete facilitator set
	if len(selected) != total {
		return &NotEnoughProposalsError{Count: len(selected), Total: total}
	}

	winner := majorityGroup(selected, func(b *types.CheckpointBlock) types.Hash { return b.SOEHash() })
	block := winner[0]

	height, ok := r.store.CalculateHeight(block)
	if !ok {
		r.finalize(&RoundOutcome{
			RoundID:   r.data.RoundID,
			Err:       ErrHeightMissing,
			ReturnTxs: r.data.Transactions,
			ReturnObs: r.data.Observations,
		})
		return ErrHeightMissing
	}

	cache := &types.CheckpointCache{Block: block, Height: height}

	err := r.acceptance.Accept(ctx, cache)

	outcome := &RoundOutcome{RoundID: r.data.RoundID, Err: err}

	switch e := err.(type) {
	case nil:
		outcome.Cache = cache
		outcome.Err = nil
		r.finalizer.SpreadFinished(ctx, &FinishedCheckpoint{
			Cache:        cache,
			Facilitators: append([]peer.ID{r.self}, r.data.Peers...),
		})

	case *checkpoint.TipConflictError:
		outcome.ReturnTxs = excludeTxs(r.data.Transactions, e.Conflicting)
		outcome.ReturnObs = r.data.Observations

	case *checkpoint.InvalidTransactionsError:
		outcome.ReturnTxs = excludeTxs(r.data.Transactions, e.Excluded)
		outcome.ReturnObs = r.data.Observations

	default:
		if isInPipeline(err) {
			// the block is already being handled elsewhere, nothing to
			// hand back
			outcome.Err = nil
			break
		}

		outcome.ReturnTxs = r.data.Transactions
		outcome.ReturnObs = r.data.Observations
	}

	r.finalize(outcome)

	return nil
}

func isInPipeline(err error) bool {
	switch {
	case errors.Is(err, checkpoint.ErrAlreadyStored),
		errors.Is(err, checkpoint.ErrPendingAcceptance),
		errors.Is(err, checkpoint.ErrMissingTxReference),
		errors.Is(err, checkpoint.ErrMissingParents):
		return true
	}

	return false
}

func excludeTxs(txs, exclude []*types.Transaction) []*types.Transaction {
	drop := make(map[types.Hash]struct{}, len(exclude))
	for _, tx := range exclude {
		drop[tx.Hash()] = struct{}{}
	}

	var out []*types.Transaction
	for _, tx := range txs {
		if _, ok := drop[tx.Hash()]; !ok {
			out = append(out, tx)
		}
	}

	return out
}

func (r *Round) finalize(outcome *RoundOutcome) {
	r.finalizer.StopBlockCreationRound(outcome)
}

// ReturnableData is what the manager hands back to the mempools when
// the round dies before reaching acceptance
func (r *Round) ReturnableData() ([]*types.Transaction, []*types.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.data.Transactions, r.data.Observations
}

// StageAge is how long the round has sat in its current stage
func (r *Round) StageAge() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return time.Since(r.lastTransition)
}
