package snapshot

import (
	"context"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

type fakeDisk struct {
	mu sync.Mutex

	snapshots map[types.Hash]*types.StoredSnapshot
	infos     map[types.Hash]*types.SnapshotInfo
	majority  map[uint64]types.Hash

	space      uint64
	failWrites int
	pruned     int
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{
		snapshots: make(map[types.Hash]*types.StoredSnapshot),
		infos:     make(map[types.Hash]*types.SnapshotInfo),
		majority:  make(map[uint64]types.Hash),
		space:     10 << 30,
	}
}

func (d *fakeDisk) WriteSnapshot(s *types.StoredSnapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failWrites > 0 {
		d.failWrites--
		return errors.New("disk full")
	}

	d.snapshots[s.Snapshot.Hash()] = s
	return nil
}

func (d *fakeDisk) WriteSnapshotInfo(i *types.SnapshotInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.infos[i.Stored.Snapshot.Hash()] = i
	return nil
}

func (d *fakeDisk) ReadSnapshot(h types.Hash) (*types.StoredSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.snapshots[h]
	if !ok {
		return nil, errors.New("not found")
	}
	return s, nil
}

func (d *fakeDisk) ReadSnapshotInfo(h types.Hash) (*types.SnapshotInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.infos[h]
	if !ok {
		return nil, errors.New("not found")
	}
	return i, nil
}

func (d *fakeDisk) RemoveOldestSnapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruned++
	return nil
}

func (d *fakeDisk) UsableSpace() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.space, nil
}

func (d *fakeDisk) SetLastMajorityState(height uint64, h types.Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.majority[height] = h
	return nil
}

type svcFixture struct {
	svc      *Service
	store    *checkpoint.Store
	tips     *checkpoint.TipService
	ledger   *checkpoint.Ledger
	accepted *checkpoint.AcceptedLog
	chain    *mempool.ChainService
	obsPool  *mempool.Observations
	peers    *MemPeerDirectory
	disk     *fakeDisk

	self peer.ID
}

func newSvcFixture(t *testing.T, cfg Config) *svcFixture {
	f := &svcFixture{
		store:    checkpoint.NewStore(),
		ledger:   checkpoint.NewLedger(),
		accepted: checkpoint.NewAcceptedLog(),
		chain:    mempool.NewChainService(),
		obsPool:  mempool.NewObservations(),
		peers:    NewMemPeerDirectory(),
		disk:     newFakeDisk(),
		self:     peer.ID("self-node"),
	}
	f.tips = checkpoint.NewTipService(f.store)

	log := logrus.NewEntry(logrus.New())
	acceptance := checkpoint.NewAcceptance(f.store, f.tips, f.chain, f.ledger, f.accepted, log)

	if len(cfg.InitialActiveFullNodes) == 0 {
		cfg.InitialActiveFullNodes = []peer.ID{f.self}
	}

	f.svc = NewService(cfg, f.self, f.store, f.tips, f.ledger, f.accepted, f.chain,
		acceptance, f.obsPool, f.peers, f.disk, log)

	return f
}

func blockAt(tag string, height uint64) *types.CheckpointCache {
	return &types.CheckpointCache{
		Block: &types.CheckpointBlock{
			Parents:  [2]types.BlockRef{{SOE: "p1"}, {SOE: "p2"}},
			Messages: []types.ChannelMessage{{Channel: "test", Data: []byte(tag)}},
		},
		Height: height,
	}
}

func (f *svcFixture) seedBlocks(heights ...uint64) {
	for i, h := range heights {
		c := blockAt(string(rune('a'+i)), h)
		f.store.Persist(c)
		f.accepted.Append(c.Block.BaseHash())
	}
}

func (f *svcFixture) seedTip(height uint64) {
	f.tips.SetTips(map[types.Hash]types.TipData{
		"tip": {Ref: types.BlockRef{SOE: "tip", Base: "tipb"}, Height: height},
	})
}

func TestSnapshotSealsInterval(t *testing.T) {
	cfg := Config{HeightInterval: 2, DelayInterval: 2, RotationInterval: 10, MaxAcceptedCBHashesInMemory: 5000}
	f := newSvcFixture(t, cfg)

	f.seedBlocks(1, 2, 3, 4)
	f.seedTip(5)

	snap, err := f.svc.AttemptSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	// blocks with height in (0, 2] sealed
	assert.Len(t, snap.CheckpointBlocks, 2)
	assert.Equal(t, uint64(2), f.svc.LastSnapshotHeight())

	// sealed blocks left the in-memory store, the rest stayed
	assert.Equal(t, 2, f.store.Len())
	assert.Equal(t, 2, f.accepted.Len())

	// persisted under the snapshot hash
	_, err = f.disk.ReadSnapshot(snap.Hash())
	assert.NoError(t, err)
	_, err = f.disk.ReadSnapshotInfo(snap.Hash())
	assert.NoError(t, err)

	// the chain links to the zero snapshot
	zero := types.Snapshot{}
	assert.Equal(t, zero.Hash(), snap.LastSnapshot)

	// a second attempt at the same tip height fails the interval check
	_, err = f.svc.AttemptSnapshot(context.Background())
	assert.Equal(t, ErrHeightIntervalNotMet, err)
}

func TestSnapshotRequiresActivePoolMembership(t *testing.T) {
	cfg := Config{HeightInterval: 2, MaxAcceptedCBHashesInMemory: 5000,
		InitialActiveFullNodes: []peer.ID{peer.ID("someone-else")}}
	f := newSvcFixture(t, cfg)

	f.seedBlocks(1, 2)
	f.seedTip(10)

	_, err := f.svc.AttemptSnapshot(context.Background())
	assert.Equal(t, ErrNotPartOfActivePool, err)
}

func TestSnapshotRequiresActiveWindow(t *testing.T) {
	cfg := Config{HeightInterval: 2, MaxAcceptedCBHashesInMemory: 5000}
	f := newSvcFixture(t, cfg)

	f.seedBlocks(1, 2)
	f.seedTip(10)

	f.svc.SetActiveBetween(6, 100)

	_, err := f.svc.AttemptSnapshot(context.Background())
	assert.Equal(t, ErrActiveBetweenHeights, err)
}

func TestSnapshotRequiresSpace(t *testing.T) {
	cfg := Config{HeightInterval: 2, MaxAcceptedCBHashesInMemory: 5000}
	f := newSvcFixture(t, cfg)

	f.seedBlocks(1, 2)
	f.seedTip(10)
	f.disk.space = 1 << 20

	_, err := f.svc.AttemptSnapshot(context.Background())
	assert.Equal(t, ErrNotEnoughSpace, err)
}

func TestSnapshotTrimsOverflowingLog(t *testing.T) {
	cfg := Config{HeightInterval: 2, MaxAcceptedCBHashesInMemory: 150}
	f := newSvcFixture(t, cfg)

	for i := 0; i < 200; i++ {
		f.accepted.Append(types.Hash(string(rune(i))))
	}
	f.seedTip(10)

	_, err := f.svc.AttemptSnapshot(context.Background())
	assert.Equal(t, ErrMaxCBHashesInMemory, err)

	// self-healing trim to the first 100 hashes, below the bound
	assert.Equal(t, 100, f.accepted.Len())
}

func TestSnapshotRequiresAcceptedBlocks(t *testing.T) {
	cfg := Config{HeightInterval: 2, MaxAcceptedCBHashesInMemory: 5000}
	f := newSvcFixture(t, cfg)

	f.seedTip(10)

	_, err := f.svc.AttemptSnapshot(context.Background())
	assert.Equal(t, ErrNoAcceptedCBs, err)
}

func TestSnapshotWriteRetriesWithPruning(t *testing.T) {
	cfg := Config{HeightInterval: 2, DelayInterval: 2, MaxAcceptedCBHashesInMemory: 5000}
	f := newSvcFixture(t, cfg)

	f.seedBlocks(1, 2, 3, 4)
	f.seedTip(5)

	f.disk.failWrites = 2

	_, err := f.svc.AttemptSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, f.disk.pruned)
}

func TestSnapshotPoolRotation(t *testing.T) {
	// rotation every interval so the first seal rotates
	cfg := Config{HeightInterval: 2, DelayInterval: 2, RotationInterval: 1, MaxAcceptedCBHashesInMemory: 5000}
	f := newSvcFixture(t, cfg)

	for i := 0; i < 5; i++ {
		f.peers.Upsert(PeerInfo{
			ID:         peer.ID("full_" + string(rune('a'+i))),
			Reputation: float64(i),
		})
	}
	f.peers.Upsert(PeerInfo{ID: peer.ID("light_a"), Light: true, Reputation: 1})

	f.seedBlocks(1, 2)
	f.seedTip(5)

	snap, err := f.svc.AttemptSnapshot(context.Background())
	require.NoError(t, err)

	// top-3 full nodes by reputation
	require.Len(t, snap.NextActiveNodes.Full, 3)
	assert.Contains(t, snap.NextActiveNodes.Full, peer.ID("full_e"))
	assert.Contains(t, snap.NextActiveNodes.Full, peer.ID("full_d"))
	assert.Contains(t, snap.NextActiveNodes.Full, peer.ID("full_c"))

	assert.Equal(t, []peer.ID{peer.ID("light_a")}, snap.NextActiveNodes.Light)

	// every known peer got an active pool observation
	assert.Equal(t, 6, f.obsPool.Len())
}

func TestSnapshotRetiresLeavingPeers(t *testing.T) {
	cfg := Config{HeightInterval: 2, DelayInterval: 2, RotationInterval: 10, MaxAcceptedCBHashesInMemory: 5000}
	f := newSvcFixture(t, cfg)

	f.peers.Upsert(PeerInfo{ID: peer.ID("staying"), LeftHeight: 100})
	f.peers.Upsert(PeerInfo{ID: peer.ID("leaving"), LeftHeight: 1})

	f.seedBlocks(1, 2)
	f.seedTip(5)

	_, err := f.svc.AttemptSnapshot(context.Background())
	require.NoError(t, err)

	known := f.peers.Known()
	require.Len(t, known, 1)
	assert.Equal(t, peer.ID("staying"), known[0].ID)
}
