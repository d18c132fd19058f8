package snapshot

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/hypergraph/pkg/types"
)

type fakeCloud struct {
	snapshots map[string][]byte
	infos     map[string][]byte
	failing   bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		snapshots: make(map[string][]byte),
		infos:     make(map[string][]byte),
	}
}

func (c *fakeCloud) PutSnapshot(_ context.Context, key string, d []byte) error {
	c.snapshots[key] = d
	return nil
}

func (c *fakeCloud) PutSnapshotInfo(_ context.Context, key string, d []byte) error {
	c.infos[key] = d
	return nil
}

func (c *fakeCloud) GetSnapshot(_ context.Context, key string) ([]byte, error) {
	if c.failing {
		return nil, errors.New("backend unavailable")
	}

	d, ok := c.snapshots[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (c *fakeCloud) GetSnapshotInfo(_ context.Context, key string) ([]byte, error) {
	if c.failing {
		return nil, errors.New("backend unavailable")
	}

	d, ok := c.infos[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (c *fakeCloud) Highest(_ context.Context) (string, error) {
	if c.failing {
		return "", errors.New("backend unavailable")
	}

	var best string
	var bestHeight uint64
	for key := range c.snapshots {
		h, _, err := ParseCloudKey(key)
		if err != nil {
			continue
		}
		if best == "" || h > bestHeight {
			best = key
			bestHeight = h
		}
	}

	if best == "" {
		return "", errors.New("empty backend")
	}

	return best, nil
}

type fakeGenesis struct {
	gen *types.GenesisObservation
}

func (g *fakeGenesis) GenesisObservation(_ context.Context) (*types.GenesisObservation, error) {
	return g.gen, nil
}

type rollbackFixture struct {
	*svcFixture

	rollback *Rollback
	cloud    *fakeCloud
}

func newRollbackFixture(t *testing.T, clouds []CloudStore, v1MaxHeight uint64) *rollbackFixture {
	cfg := Config{HeightInterval: 2, DelayInterval: 2, RotationInterval: 10, MaxAcceptedCBHashesInMemory: 5000}
	sf := newSvcFixture(t, cfg)

	gen := &fakeGenesis{gen: &types.GenesisObservation{
		Balances: map[types.Address]int64{"addr1": 1000},
		Block: &types.CheckpointBlock{
			Messages: []types.ChannelMessage{{Channel: "genesis", Data: []byte("g")}},
		},
	}}

	log := logrus.NewEntry(logrus.New())

	rb := NewRollback(sf.self, clouds, sf.disk, sf.svc, sf.store, sf.chain,
		sf.ledger, sf.tips, sf.obsPool, gen, v1MaxHeight, log)

	return &rollbackFixture{svcFixture: sf, rollback: rb}
}

func sealedState(height uint64) (*types.StoredSnapshot, *types.SnapshotInfo) {
	block := blockAt("sealed", height)

	stored := &types.StoredSnapshot{
		Snapshot: types.Snapshot{
			LastSnapshot:     "prev",
			CheckpointBlocks: []types.Hash{block.Block.BaseHash()},
		},
		Blocks: []types.CheckpointCache{*block},
	}

	info := &types.SnapshotInfo{
		Stored:                  *stored,
		AcceptedCBSinceSnapshot: []types.Hash{"pending1"},
		LastSnapshotHeight:      height,
		SnapshotHashes:          []types.Hash{"s1", stored.Snapshot.Hash()},
		AddressBalances:         map[types.Address]int64{"addr1": 100, "addr2": 50},
		Tips: map[types.Hash]types.TipData{
			"tip1": {Ref: types.BlockRef{SOE: "tip1", Base: "tipb"}, Height: height + 1},
		},
		LastAcceptedTxRef: map[types.Address]types.TxRef{
			"addr1": {Hash: "h1", Ordinal: 3},
		},
	}

	return stored, info
}

func putState(t *testing.T, cloud *fakeCloud, height uint64, stored *types.StoredSnapshot, info *types.SnapshotInfo) types.Hash {
	hash := stored.Snapshot.Hash()
	key := CloudKey(height, hash)

	sd, err := stored.Marshal()
	require.NoError(t, err)
	id, err := info.Marshal()
	require.NoError(t, err)

	cloud.snapshots[key] = sd
	cloud.infos[key] = id

	return hash
}

func TestRollbackRestore(t *testing.T) {
	cloud := newFakeCloud()
	f := newRollbackFixture(t, []CloudStore{cloud}, 0)

	stored, info := sealedState(10)
	hash := putState(t, cloud, 10, stored, info)

	require.NoError(t, f.rollback.Restore(context.Background(), 10, hash))

	assert.Equal(t, uint64(10), f.svc.LastSnapshotHeight())
	assert.Equal(t, uint64(8), f.svc.OwnJoinedHeight())

	// balances restored with no negatives
	assert.Equal(t, int64(100), f.ledger.Balance("addr1"))
	assert.Equal(t, int64(50), f.ledger.Balance("addr2"))

	// tx chain references restored
	assert.Equal(t, types.TxRef{Hash: "h1", Ordinal: 3}, f.chain.GetLastAcceptedTransactionRef("addr1"))

	// tips restored
	assert.Equal(t, uint64(11), f.tips.MinHeight())

	// accepted log reset to the restored contents
	assert.Equal(t, []types.Hash{"pending1"}, f.accepted.Hashes())

	// majority state recorded
	assert.Equal(t, hash, f.disk.majority[10])

	// the node observed its own rollback
	assert.Equal(t, 1, f.obsPool.Len())
}

func TestRollbackFailsOverBackends(t *testing.T) {
	down := newFakeCloud()
	down.failing = true

	up := newFakeCloud()

	f := newRollbackFixture(t, []CloudStore{down, up}, 0)

	stored, info := sealedState(10)
	hash := putState(t, up, 10, stored, info)

	require.NoError(t, f.rollback.Restore(context.Background(), 10, hash))
	assert.Equal(t, uint64(10), f.svc.LastSnapshotHeight())
}

func TestRollbackRejectsNegativeBalances(t *testing.T) {
	cloud := newFakeCloud()
	f := newRollbackFixture(t, []CloudStore{cloud}, 0)

	stored, info := sealedState(10)
	info.AddressBalances["addr3"] = -5
	hash := putState(t, cloud, 10, stored, info)

	err := f.rollback.Restore(context.Background(), 10, hash)
	assert.True(t, errors.Is(err, ErrInvalidBalances))

	// nothing applied
	assert.Equal(t, uint64(0), f.svc.LastSnapshotHeight())
	assert.Equal(t, 0, f.obsPool.Len())
}

func TestRollbackRestoreHighest(t *testing.T) {
	cloud := newFakeCloud()
	f := newRollbackFixture(t, []CloudStore{cloud}, 0)

	s8, i8 := sealedState(8)
	putState(t, cloud, 8, s8, i8)

	s10, i10 := sealedState(10)
	putState(t, cloud, 10, s10, i10)

	require.NoError(t, f.rollback.RestoreHighest(context.Background()))
	assert.Equal(t, uint64(10), f.svc.LastSnapshotHeight())
}

func TestRollbackMigratesV1(t *testing.T) {
	cloud := newFakeCloud()
	f := newRollbackFixture(t, []CloudStore{cloud}, 20)

	stored, _ := sealedState(10)
	hash := stored.Snapshot.Hash()
	key := CloudKey(10, hash)

	v1 := &snapshotInfoV1{
		Stored:             *stored,
		LastSnapshotHeight: 10,
		AddressBalances:    map[types.Address]uint64{"addr1": 77},
		Tips: map[types.Hash]types.BlockRef{
			"tip1": {SOE: "tip1", Base: "tipb"},
		},
		LastAcceptedTxRef: map[types.Address]types.TxRef{"addr1": {Hash: "h1", Ordinal: 1}},
	}

	sd, err := stored.Marshal()
	require.NoError(t, err)
	id, err := msgpack.Marshal(v1)
	require.NoError(t, err)

	cloud.snapshots[key] = sd
	cloud.infos[key] = id

	require.NoError(t, f.rollback.Restore(context.Background(), 10, hash))

	assert.Equal(t, int64(77), f.ledger.Balance("addr1"))

	// migrated tips start with zero uses
	tips := f.tips.Tips()
	require.Len(t, tips, 1)
	assert.Equal(t, 0, tips["tip1"].NumUses)
}
