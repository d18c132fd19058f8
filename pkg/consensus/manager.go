package consensus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/cryptography"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

const pendingMsgBuf = 16

type Config struct {
	MaxTransactionThreshold int
	MaxObservationThreshold int
	RoundTimeout            time.Duration
	StageTimeout            time.Duration
	MaxParallelRounds       int
	OwnRoundCooldown        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTransactionThreshold: 50,
		MaxObservationThreshold: 50,
		RoundTimeout:            30 * time.Second,
		StageTimeout:            10 * time.Second,
		MaxParallelRounds:       3,
		OwnRoundCooldown:        5 * time.Second,
	}
}

// Manager owns the active rounds of this node: it creates them, routes
// facilitator messages to them, enforces their timeouts and returns
// their data to the mempools when they die
type Manager struct {
	log *logrus.Entry

	self peer.ID
	key  *cryptography.Bls12381PrivateKey
	cfg  Config

	txPool     *mempool.PendingTransactions
	obsPool    *mempool.Observations
	store      *checkpoint.Store
	tips       *checkpoint.TipService
	acceptance *checkpoint.Acceptance
	directory  Directory

	p2p *p2p

	mu           sync.Mutex
	rounds       map[RoundID]*Round
	pendingMsgs  map[RoundID][]*Msg
	seen         map[string]struct{}
	lastOwnRound time.Time

	sigMu         sync.Mutex
	collectedSigs map[types.Hash][]types.HashSignature

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewManager(self peer.ID, router *pubsub.PubSub, log *logrus.Entry, opts ...Option) (*Manager, error) {
	m := &Manager{
		log:           log,
		self:          self,
		cfg:           DefaultConfig(),
		rounds:        make(map[RoundID]*Round),
		pendingMsgs:   make(map[RoundID][]*Msg),
		seen:          make(map[string]struct{}),
		collectedSigs: make(map[types.Hash][]types.HashSignature),
		stopCh:        make(chan struct{}),
	}

	if router != nil {
		m.p2p = newP2P(self, router, log)
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	if m.key == nil {
		m.key = cryptography.NewBls12381PrivateKey()
	}

	if m.txPool == nil || m.obsPool == nil || m.store == nil || m.tips == nil || m.acceptance == nil {
		return nil, errors.New("manager missing collaborators")
	}

	return m, nil
}

// Start subscribes to the consensus topic and routes messages to
// rounds as they arrive
func (m *Manager) Start() error {
	sub, err := m.p2p.Msgs(pubsubConsensusChanName)
	if err != nil {
		return errors.Wrap(err, "subscribing to consensus msgs")
	}

	go func() {
		for msg := range sub {
			go m.OnMsg(context.Background(), msg)
		}
	}()

	return nil
}

func newRoundID(self peer.ID) RoundID {
	b := make([]byte, 16)
	rand.Read(b)

	return RoundID(fmt.Sprintf("%s-%s", self, hex.EncodeToString(b)))
}

// StartOwnRound selects the ready facilitators, pulls two tips and
// opens a new round with this node as initiator
func (m *Manager) StartOwnRound(ctx context.Context) (RoundID, error) {
	m.mu.Lock()
	if len(m.rounds) >= m.cfg.MaxParallelRounds {
		m.mu.Unlock()
		return "", ErrTooManyRounds
	}
	if time.Since(m.lastOwnRound) < m.cfg.OwnRoundCooldown {
		m.mu.Unlock()
		return "", ErrRoundCooldown
	}
	m.lastOwnRound = time.Now()
	m.mu.Unlock()

	ready, err := m.directory.Ready()
	if err != nil {
		return "", errors.Wrap(err, "getting ready facilitators")
	}

	peers := make([]peer.ID, 0, len(ready))
	for _, p := range ready {
		if p != m.self {
			peers = append(peers, p)
		}
	}

	sel, err := m.tips.Pull(peers)
	if err != nil {
		return "", errors.Wrap(err, "pulling tips")
	}

	data := RoundData{
		RoundID:     newRoundID(m.self),
		Peers:       sel.Peers,
		Facilitator: m.self,
		TipsSOE:     sel.TipsSOE,
	}

	r := m.addRound(data)
	if r == nil {
		return "", ErrTooManyRounds
	}

	if err := m.BroadcastRound(ctx, &Msg{Type: MsgTypeStartRound, From: m.self, StartRound: &StartConsensusRound{Data: data}}); err != nil {
		m.log.WithError(err).Error("broadcasting round start")
	}

	if err := r.StartConsensusDataProposal(ctx); err != nil {
		return data.RoundID, err
	}

	return data.RoundID, nil
}

func (m *Manager) addRound(data RoundData) *Round {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rounds[data.RoundID]; ok {
		return m.rounds[data.RoundID]
	}

	r := newRound(m.log, m.self, m.key, data, m.txPool, m.obsPool, m.store, m.acceptance, m,
		m.cfg.MaxTransactionThreshold, m.cfg.MaxObservationThreshold)

	m.rounds[data.RoundID] = r

	go m.watchRound(r)

	return r
}

func (m *Manager) round(id RoundID) (*Round, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[id]
	return r, ok
}

// Rounds reports the number of active rounds
func (m *Manager) Rounds() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.rounds)
}

// OnMsg routes one incoming facilitator message. Duplicate deliveries
// of the same (round, facilitator, phase) are dropped.
func (m *Manager) OnMsg(ctx context.Context, msg *Msg) {
	if msg.From == m.self {
		return
	}

	if msg.To != "" && msg.To != m.self {
		return
	}

	switch msg.Type {
	case MsgTypeStartRound:
		if msg.StartRound == nil {
			return
		}
		m.onStartRound(ctx, msg)
	case MsgTypeDataProposal:
		if msg.Data == nil {
			return
		}
		m.routeOrBuffer(ctx, msg.Data.RoundID, msg.Data.Facilitator, msg, func(r *Round) error {
			return r.AddConsensusDataProposal(ctx, msg.Data)
		})
	case MsgTypeUnionProposal:
		if msg.Union == nil {
			return
		}
		m.routeOrBuffer(ctx, msg.Union.RoundID, msg.Union.Facilitator, msg, func(r *Round) error {
			return r.AddBlockProposal(ctx, msg.Union)
		})
	case MsgTypeSelectedProposal:
		if msg.Selected == nil {
			return
		}
		m.routeOrBuffer(ctx, msg.Selected.RoundID, msg.Selected.Facilitator, msg, func(r *Round) error {
			return r.AddSelectedBlockProposal(ctx, msg.Selected)
		})
	case MsgTypeFinished:
		m.onFinished(ctx, msg)
	case MsgTypeSignatureRequest:
		m.onSignatureRequest(ctx, msg)
	case MsgTypeSignatureResponse:
		m.onSignatureResponse(msg)
	}
}

func (m *Manager) duplicate(id RoundID, facilitator peer.ID, t MsgType) bool {
	key := fmt.Sprintf("%s|%s|%d", id, facilitator, t)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[key]; ok {
		return true
	}
	m.seen[key] = struct{}{}

	return false
}

func (m *Manager) onStartRound(ctx context.Context, msg *Msg) {
	data := msg.StartRound.Data

	// the initiator's peer list includes us but not itself; from our
	// side the initiator is a peer
	included := false
	peers := make([]peer.ID, 0, len(data.Peers))
	for _, p := range data.Peers {
		if p == m.self {
			included = true
			continue
		}
		peers = append(peers, p)
	}

	if !included {
		// we are not a facilitator of this round
		return
	}

	peers = append(peers, data.Facilitator)
	data.Peers = peers
	data.Transactions = nil
	data.Observations = nil

	r := m.addRound(data)

	if err := r.StartConsensusDataProposal(ctx); err != nil {
		m.log.WithError(err).WithField("round", data.RoundID).Error("starting data proposal")
	}

	m.replayPending(ctx, data.RoundID)
}

func (m *Manager) routeOrBuffer(ctx context.Context, id RoundID, facilitator peer.ID, msg *Msg, fn func(*Round) error) {
	r, ok := m.round(id)
	if !ok {
		m.mu.Lock()
		if len(m.pendingMsgs[id]) < pendingMsgBuf {
			m.pendingMsgs[id] = append(m.pendingMsgs[id], msg)
		}
		m.mu.Unlock()
		return
	}

	// suppress duplicate deliveries only once a round can consume them,
	// buffered messages replay through here again
	if m.duplicate(id, facilitator, msg.Type) {
		return
	}

	m.apply(ctx, r, id, fn)
}

func (m *Manager) apply(ctx context.Context, r *Round, id RoundID, fn func(*Round) error) {
	err := fn(r)
	if err == nil {
		return
	}

	var prev *PreviousStageError
	if errors.As(err, &prev) {
		m.log.WithField("round", id).WithField("stage", prev.Stage).Debug("dropping message for passed stage")
		return
	}

	m.HandleRoundError(id, err)
}

func (m *Manager) replayPending(ctx context.Context, id RoundID) {
	m.mu.Lock()
	msgs := m.pendingMsgs[id]
	delete(m.pendingMsgs, id)
	m.mu.Unlock()

	for _, msg := range msgs {
		m.OnMsg(ctx, msg)
	}
}

func (m *Manager) onFinished(ctx context.Context, msg *Msg) {
	f := msg.Finished
	if f == nil || f.Cache == nil {
		return
	}

	for _, p := range f.Facilitators {
		if p == m.self {
			// we ran this round, the block is already in the pipeline
			return
		}
	}

	if err := m.acceptance.Accept(ctx, f.Cache); err != nil &&
		!errors.Is(err, checkpoint.ErrAlreadyStored) && !errors.Is(err, checkpoint.ErrPendingAcceptance) {
		m.log.WithError(err).Warn("accepting finished checkpoint")
	}
}

func (m *Manager) onSignatureRequest(ctx context.Context, msg *Msg) {
	req := msg.SigReq
	if req == nil || req.Block == nil {
		return
	}

	sig, err := m.key.Sign(nil, req.Block.BaseHash().Bytes(), nil)
	if err != nil {
		m.log.WithError(err).Error("signing requested block")
		return
	}

	resp := &Msg{
		Type:    MsgTypeSignatureResponse,
		From:    m.self,
		To:      msg.From,
		SigResp: &SignatureResponse{Signature: &types.HashSignature{ID: m.self, Signature: sig}},
	}

	if err := m.BroadcastRound(ctx, resp); err != nil {
		m.log.WithError(err).Error("sending signature response")
	}
}

func (m *Manager) onSignatureResponse(msg *Msg) {
	resp := msg.SigResp
	if resp == nil || resp.Signature == nil {
		return
	}

	m.sigMu.Lock()
	defer m.sigMu.Unlock()

	// responses carry no block reference; each signature is kept under
	// the digest of the signature itself and is not read back here
	h, err := types.HashOf(resp.Signature)
	if err != nil {
		return
	}

	m.collectedSigs[h] = append(m.collectedSigs[h], *resp.Signature)
}

// RequestSignatures asks the given facilitators to co-sign a block
func (m *Manager) RequestSignatures(ctx context.Context, block *types.CheckpointBlock, facilitators []peer.ID) error {
	return m.BroadcastRound(ctx, &Msg{
		Type:   MsgTypeSignatureRequest,
		From:   m.self,
		SigReq: &SignatureRequest{Block: block, Facilitators: facilitators},
	})
}

// watchRound enforces the stage and total round timeouts
func (m *Manager) watchRound(r *Round) {
	total := time.NewTimer(m.cfg.RoundTimeout)
	defer total.Stop()

	tick := time.NewTicker(m.cfg.StageTimeout)
	defer tick.Stop()

	ctx := context.Background()

	for {
		select {
		case <-r.done:
			return
		case <-m.stopCh:
			return

		case <-total.C:
			m.expireRound(ctx, r, true)
			return

		case <-tick.C:
			if r.StageAge() < m.cfg.StageTimeout {
				continue
			}

			m.expireRound(ctx, r, false)
			return
		}
	}
}

func (m *Manager) expireRound(ctx context.Context, r *Round, total bool) {
	st := r.Stage()

	if st == StageWaitingForProposals || st == StageStarting {
		err := r.UnionProposalsBehind(ctx)
		if err == nil {
			if !total {
				go m.watchRound(r)
			}
			return
		}

		var prev *PreviousStageError
		if errors.As(err, &prev) {
			return
		}

		if len(r.dataProposalsSnapshot()) == 0 {
			m.HandleRoundError(r.data.RoundID, ErrEmptyProposals)
			return
		}

		m.HandleRoundError(r.data.RoundID, err)
		return
	}

	m.HandleRoundError(r.data.RoundID, errors.Errorf("round stalled at stage %s", st))
}

func (r *Round) dataProposalsSnapshot() map[peer.ID]*ConsensusDataProposal {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[peer.ID]*ConsensusDataProposal, len(r.dataProposals))
	for k, v := range r.dataProposals {
		out[k] = v
	}

	return out
}

// HandleRoundError stops the round and hands its pulled data back to
// the mempools
func (m *Manager) HandleRoundError(id RoundID, err error) {
	r, ok := m.round(id)
	if !ok {
		return
	}

	m.log.WithError(err).WithField("round", id).Warn("round failed")

	txs, obs := r.ReturnableData()

	m.StopBlockCreationRound(&RoundOutcome{
		RoundID:   id,
		Err:       err,
		ReturnTxs: txs,
		ReturnObs: obs,
	})
}

// StopBlockCreationRound removes the round and settles its data: an
// accepted block's contents leave the pools for good, everything else
// is returned
func (m *Manager) StopBlockCreationRound(outcome *RoundOutcome) {
	m.mu.Lock()
	r, ok := m.rounds[outcome.RoundID]
	if ok {
		delete(m.rounds, outcome.RoundID)
	}
	delete(m.pendingMsgs, outcome.RoundID)
	m.mu.Unlock()

	if !ok {
		return
	}

	select {
	case <-r.done:
	default:
		close(r.done)
	}

	if outcome.Cache != nil {
		m.txPool.RemoveAll(outcome.Cache.Block.Transactions)
		m.obsPool.RemoveAll(outcome.Cache.Block.Observations)
		m.log.WithField("round", outcome.RoundID).
			WithField("height", outcome.Cache.Height).
			Info("round committed block")
		return
	}

	if len(outcome.ReturnTxs) > 0 {
		m.txPool.Return(outcome.ReturnTxs)
	}
	if len(outcome.ReturnObs) > 0 {
		m.obsPool.Return(outcome.ReturnObs)
	}
}

// BroadcastRound publishes a message to the consensus topic
func (m *Manager) BroadcastRound(ctx context.Context, msg *Msg) error {
	if m.p2p == nil {
		return nil
	}

	msg.Timestamp = time.Now().Unix()

	return m.p2p.PublishContext(ctx, pubsubConsensusChanName, msg)
}

// SpreadFinished gossips an accepted block to non facilitators
func (m *Manager) SpreadFinished(ctx context.Context, f *FinishedCheckpoint) {
	if err := m.BroadcastRound(ctx, &Msg{Type: MsgTypeFinished, From: m.self, Finished: f}); err != nil {
		m.log.WithError(err).Error("spreading finished checkpoint")
	}
}

// Shutdown cancels every active round, returning their data
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	ids := make([]RoundID, 0, len(m.rounds))
	for id := range m.rounds {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.HandleRoundError(id, ErrManagerShutdown)
	}
}
