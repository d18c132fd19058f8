package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

const (
	minUsableSpace = 1 << 30

	diskWriteAttempts = 3

	activePoolSize = 3

	trimmedCBHashes = 100
)

type Config struct {
	HeightInterval              uint64
	DelayInterval               uint64
	RotationInterval            uint64
	MaxAcceptedCBHashesInMemory int
	SizeDiskLimit               uint64
	InitialActiveFullNodes      []peer.ID
}

func DefaultConfig() Config {
	return Config{
		HeightInterval:              2,
		DelayInterval:               4,
		RotationInterval:            10,
		MaxAcceptedCBHashesInMemory: 5000,
	}
}

// ActiveBetween is the height window this node has been a member of
// the active pool for
type ActiveBetween struct {
	Joined uint64
	Left   uint64
}

// Service periodically seals an interval of accepted checkpoint blocks
// into a snapshot and writes it to disk; the snapshot carries no signature
type Service struct {
	log *logrus.Entry
	cfg Config

	self peer.ID

	store      *checkpoint.Store
	tips       *checkpoint.TipService
	ledger     *checkpoint.Ledger
	accepted   *checkpoint.AcceptedLog
	chain      *mempool.ChainService
	acceptance *checkpoint.Acceptance
	obsPool    *mempool.Observations
	peers      PeerDirectory
	disk       DiskStore
	clouds     []CloudStore

	cloudEnabled bool

	// guards a single snapshot attempt at a time
	attemptMu sync.Mutex

	mu                 sync.Mutex
	stored             types.StoredSnapshot
	lastSnapshotHeight uint64
	snapshotHashes     []types.Hash
	totalBlocks        uint64
	active             ActiveBetween
}

func NewService(cfg Config, self peer.ID, store *checkpoint.Store, tips *checkpoint.TipService,
	ledger *checkpoint.Ledger, accepted *checkpoint.AcceptedLog, chain *mempool.ChainService,
	acceptance *checkpoint.Acceptance, obsPool *mempool.Observations, peers PeerDirectory,
	disk DiskStore, log *logrus.Entry) *Service {

	return &Service{
		log:        log,
		cfg:        cfg,
		self:       self,
		store:      store,
		tips:       tips,
		ledger:     ledger,
		accepted:   accepted,
		chain:      chain,
		acceptance: acceptance,
		obsPool:    obsPool,
		peers:      peers,
		disk:       disk,
		active:     ActiveBetween{Left: ^uint64(0)},
	}
}

// EnableCloud turns on background off-load of sealed snapshots
func (s *Service) EnableCloud(clouds []CloudStore) {
	s.clouds = clouds
	s.cloudEnabled = len(clouds) > 0
}

func (s *Service) SetActiveBetween(joined, left uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = ActiveBetween{Joined: joined, Left: left}
}

func (s *Service) LastSnapshotHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSnapshotHeight
}

func (s *Service) OwnJoinedHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active.Joined
}

func (s *Service) Stored() types.StoredSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stored
}

func (s *Service) TotalBlocks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.totalBlocks
}

// Run drives AttemptSnapshot on a fixed cadence until ctx is done.
// Precondition failures are ordinary, the next tick retries.
func (s *Service) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.AttemptSnapshot(ctx); err != nil {
				s.log.WithError(err).Debug("snapshot attempt failed")
			}
		}
	}
}

// AttemptSnapshot checks every seal precondition and, when they all
// hold, atomically seals the next height interval
func (s *Service) AttemptSnapshot(ctx context.Context) (*types.Snapshot, error) {
	if !s.attemptMu.TryLock() {
		return nil, ErrSnapshotIllegalState
	}
	defer s.attemptMu.Unlock()

	s.mu.Lock()
	nextHeight := s.lastSnapshotHeight + s.cfg.HeightInterval
	prev := s.stored.Snapshot
	active := s.active
	s.mu.Unlock()

	if !s.inActivePool(prev) {
		return nil, ErrNotPartOfActivePool
	}

	if active.Joined > nextHeight || nextHeight > active.Left {
		return nil, ErrActiveBetweenHeights
	}

	space, err := s.disk.UsableSpace()
	if err != nil {
		return nil, errors.Wrap(err, "checking usable space")
	}
	if space < minUsableSpace {
		return nil, ErrNotEnoughSpace
	}

	if s.accepted.Len() > s.cfg.MaxAcceptedCBHashesInMemory {
		s.accepted.TrimTo(trimmedCBHashes)
		return nil, ErrMaxCBHashesInMemory
	}

	if s.accepted.Len() < 1 {
		return nil, ErrNoAcceptedCBs
	}

	if s.tips.MinHeight() <= nextHeight+s.cfg.DelayInterval {
		return nil, ErrHeightIntervalNotMet
	}

	blocks := s.store.InHeightRange(s.LastSnapshotHeight(), nextHeight)
	if len(blocks) == 0 {
		return nil, ErrNoBlocksWithinInterval
	}

	return s.seal(ctx, prev, nextHeight, blocks)
}

func (s *Service) inActivePool(prev types.Snapshot) bool {
	pool := prev.NextActiveNodes.Full
	if prev.IsZero() {
		pool = s.cfg.InitialActiveFullNodes
	}

	for _, id := range pool {
		if id == s.self {
			return true
		}
	}

	return false
}

// seal commits the interval. State mutations happen under the accept
// lock so no block is admitted half way through the cut.
func (s *Service) seal(ctx context.Context, prev types.Snapshot, nextHeight uint64, blocks []*types.CheckpointCache) (*types.Snapshot, error) {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Block.BaseHash() < blocks[j].Block.BaseHash()
	})

	hashes := make([]types.Hash, 0, len(blocks))
	allBlocks := make([]types.CheckpointCache, 0, len(blocks))
	for _, c := range blocks {
		hashes = append(hashes, c.Block.BaseHash())
		allBlocks = append(allBlocks, *c)
	}

	next := types.Snapshot{
		LastSnapshot:     prev.Hash(),
		CheckpointBlocks: hashes,
		PublicReputation: s.reputation(),
		NextActiveNodes:  s.nextActiveNodes(prev, nextHeight),
	}

	s.acceptance.Lock()

	info := &types.SnapshotInfo{
		Stored:             types.StoredSnapshot{Snapshot: next, Blocks: allBlocks},
		LastSnapshotHeight: nextHeight,
		AddressBalances:    s.ledger.Balances(),
		Tips:               s.tips.Tips(),
		LastAcceptedTxRef:  s.chain.Refs(),
	}

	s.mu.Lock()
	s.totalBlocks += uint64(len(blocks))
	s.mu.Unlock()

	s.store.BatchRemove(hashes)

	s.mu.Lock()
	s.stored = types.StoredSnapshot{Snapshot: next, Blocks: allBlocks}
	s.lastSnapshotHeight = nextHeight
	s.snapshotHashes = append(s.snapshotHashes, next.Hash())
	info.SnapshotHashes = append([]types.Hash{}, s.snapshotHashes...)
	s.mu.Unlock()

	s.accepted.RemoveAll(hashes)
	info.AcceptedCBSinceSnapshot = s.accepted.Hashes()

	s.acceptance.Unlock()

	stored := info.Stored

	if err := s.writeWithRetry(&stored); err != nil {
		return nil, err
	}

	if err := s.disk.WriteSnapshotInfo(info); err != nil {
		return nil, errors.Wrap(ErrSnapshotIO, err.Error())
	}

	s.retireLeavingPeers(nextHeight)
	s.emitActivePoolObservations(next.NextActiveNodes)

	if s.cloudEnabled {
		go s.offload(context.Background(), nextHeight, &stored, info)
	}

	s.log.WithField("height", nextHeight).
		WithField("blocks", len(blocks)).
		WithField("snapshot", next.Hash()).
		Info("sealed snapshot interval")

	return &next, nil
}

func (s *Service) writeWithRetry(stored *types.StoredSnapshot) error {
	var lastErr error

	for i := 0; i < diskWriteAttempts; i++ {
		lastErr = s.disk.WriteSnapshot(stored)
		if lastErr == nil {
			return nil
		}

		s.log.WithError(lastErr).Warn("snapshot write failed, pruning old snapshots")

		if err := s.disk.RemoveOldestSnapshot(); err != nil {
			s.log.WithError(err).Warn("pruning old snapshot")
		}
	}

	return errors.Wrap(ErrSnapshotIO, lastErr.Error())
}

func (s *Service) reputation() []types.ReputationEntry {
	known := s.peers.Known()

	entries := make([]types.ReputationEntry, 0, len(known)+1)
	for _, p := range known {
		entries = append(entries, types.ReputationEntry{ID: p.ID, Score: p.Reputation})
	}

	types.SortReputation(entries)

	return entries
}

// nextActiveNodes recomputes the pool from reputation every rotation
// period, otherwise carries the previous pool forward
func (s *Service) nextActiveNodes(prev types.Snapshot, nextHeight uint64) types.ActiveNodes {
	rotation := s.cfg.HeightInterval * s.cfg.RotationInterval

	if rotation > 0 && nextHeight%rotation == 0 {
		return s.rotatePool()
	}

	if prev.IsZero() {
		return types.ActiveNodes{Full: s.cfg.InitialActiveFullNodes}
	}

	return prev.NextActiveNodes
}

func (s *Service) rotatePool() types.ActiveNodes {
	known := s.peers.Known()

	var full, light []PeerInfo
	for _, p := range known {
		if p.Light {
			light = append(light, p)
		} else {
			full = append(full, p)
		}
	}

	return types.ActiveNodes{
		Full:  topByReputation(full, activePoolSize),
		Light: topByReputation(light, activePoolSize),
	}
}

func topByReputation(peers []PeerInfo, n int) []peer.ID {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Reputation != peers[j].Reputation {
			return peers[i].Reputation > peers[j].Reputation
		}
		return peers[i].ID < peers[j].ID
	})

	if len(peers) > n {
		peers = peers[:n]
	}

	ids := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (s *Service) retireLeavingPeers(nextHeight uint64) {
	for _, p := range s.peers.Known() {
		if p.LeftHeight <= nextHeight {
			s.peers.MarkOffline(p.ID)
		}
	}

	s.peers.RemoveOffline()
}

func (s *Service) emitActivePoolObservations(pool types.ActiveNodes) {
	member := make(map[peer.ID]struct{}, len(pool.Full)+len(pool.Light))
	for _, id := range pool.Full {
		member[id] = struct{}{}
	}
	for _, id := range pool.Light {
		member[id] = struct{}{}
	}

	now := time.Now().Unix()

	for _, p := range s.peers.Known() {
		kind := types.ObservationNodeNotMemberOfActivePool
		if _, ok := member[p.ID]; ok {
			kind = types.ObservationNodeMemberOfActivePool
		}

		s.obsPool.Put(&types.Observation{
			Observer: s.self,
			Subject:  p.ID,
			Kind:     kind,
			Epoch:    now,
		})
	}
}

func (s *Service) offload(ctx context.Context, height uint64, stored *types.StoredSnapshot, info *types.SnapshotInfo) {
	key := CloudKey(height, stored.Snapshot.Hash())

	sd, err := stored.Marshal()
	if err != nil {
		s.log.WithError(err).Error("marshaling snapshot for off-load")
		return
	}

	id, err := info.Marshal()
	if err != nil {
		s.log.WithError(err).Error("marshaling snapshot info for off-load")
		return
	}

	for _, cloud := range s.clouds {
		if err := cloud.PutSnapshot(ctx, key, sd); err != nil {
			s.log.WithError(err).Warn("off-loading snapshot")
			continue
		}

		if err := cloud.PutSnapshotInfo(ctx, key, id); err != nil {
			s.log.WithError(err).Warn("off-loading snapshot info")
		}
	}
}

// RestoreFromInfo replaces the service state from a rollback
func (s *Service) RestoreFromInfo(info *types.SnapshotInfo, height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stored = info.Stored
	s.lastSnapshotHeight = height
	s.snapshotHashes = append([]types.Hash{}, info.SnapshotHashes...)

	joined := uint64(0)
	if height > s.cfg.HeightInterval {
		joined = height - s.cfg.HeightInterval
	}
	s.active = ActiveBetween{Joined: joined, Left: ^uint64(0)}

	s.accepted.Reset(info.AcceptedCBSinceSnapshot)
}
