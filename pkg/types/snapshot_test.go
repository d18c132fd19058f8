package types

import (
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoredSnapshotRoundTrip(t *testing.T) {
	s := &StoredSnapshot{
		Snapshot: Snapshot{
			LastSnapshot:     "prev",
			CheckpointBlocks: []Hash{"b1", "b2"},
			PublicReputation: []ReputationEntry{
				{ID: peer.ID("peer_1"), Score: 0.9},
				{ID: peer.ID("peer_2"), Score: 0.4},
			},
			NextActiveNodes: ActiveNodes{
				Full:  []peer.ID{peer.ID("peer_1")},
				Light: []peer.ID{peer.ID("peer_2")},
			},
		},
		Blocks: []CheckpointCache{
			{Block: testBlock(), Height: 3, Children: []Hash{"c1"}},
		},
	}

	d, err := s.Marshal()
	require.NoError(t, err)

	got := &StoredSnapshot{}
	require.NoError(t, got.Unmarshal(d))

	assert.Equal(t, s.Snapshot, got.Snapshot)
	assert.Equal(t, s.Blocks[0].Height, got.Blocks[0].Height)
	assert.Equal(t, s.Blocks[0].Block.BaseHash(), got.Blocks[0].Block.BaseHash())
}

func TestSnapshotInfoRoundTrip(t *testing.T) {
	i := &SnapshotInfo{
		Stored:                  StoredSnapshot{Snapshot: Snapshot{LastSnapshot: "prev"}},
		AcceptedCBSinceSnapshot: []Hash{"a1"},
		LastSnapshotHeight:      10,
		SnapshotHashes:          []Hash{"s1", "s2"},
		AddressBalances:         map[Address]int64{"addr1": 100},
		Tips: map[Hash]TipData{
			"tip1": {Ref: BlockRef{SOE: "tip1", Base: "base1"}, Height: 4, NumUses: 1},
		},
		LastAcceptedTxRef: map[Address]TxRef{"addr1": {Hash: "h1", Ordinal: 3}},
	}

	d, err := i.Marshal()
	require.NoError(t, err)

	got := &SnapshotInfo{}
	require.NoError(t, got.Unmarshal(d))

	assert.Equal(t, i.LastSnapshotHeight, got.LastSnapshotHeight)
	assert.Equal(t, i.AddressBalances, got.AddressBalances)
	assert.Equal(t, i.Tips, got.Tips)
	assert.Equal(t, i.LastAcceptedTxRef, got.LastAcceptedTxRef)
	assert.Equal(t, i.SnapshotHashes, got.SnapshotHashes)
}

func TestSnapshotHashChain(t *testing.T) {
	zero := Snapshot{}
	assert.True(t, zero.IsZero())

	next := Snapshot{LastSnapshot: zero.Hash(), CheckpointBlocks: []Hash{"b1"}}
	assert.False(t, next.IsZero())
	assert.Equal(t, zero.Hash(), next.LastSnapshot)
	assert.NotEqual(t, zero.Hash(), next.Hash())
}
