package checkpoint

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

type acceptFixture struct {
	store      *Store
	tips       *TipService
	chain      *mempool.ChainService
	ledger     *Ledger
	accepted   *AcceptedLog
	acceptance *Acceptance

	parents [2]types.BlockRef
}

func newAcceptFixture(t *testing.T) *acceptFixture {
	f := &acceptFixture{
		store:    NewStore(),
		chain:    mempool.NewChainService(),
		ledger:   NewLedger(),
		accepted: NewAcceptedLog(),
	}
	f.tips = NewTipService(f.store)
	f.acceptance = NewAcceptance(f.store, f.tips, f.chain, f.ledger, f.accepted, logrus.NewEntry(logrus.New()))

	p1 := testCache("parent1", [2]types.BlockRef{{SOE: "g1"}, {SOE: "g2"}}, 1)
	p2 := testCache("parent2", [2]types.BlockRef{{SOE: "g3"}, {SOE: "g4"}}, 1)
	f.store.Persist(p1)
	f.store.Persist(p2)
	f.tips.Update(p1)
	f.tips.Update(p2)

	f.parents = [2]types.BlockRef{p1.Block.Ref(), p2.Block.Ref()}

	return f
}

func validTx(src types.Address, amount uint64) *types.Transaction {
	return &types.Transaction{Src: src, Dst: "receiver", Amount: amount, Ordinal: 1, LastTxRef: types.GenesisTxRef(src)}
}

func TestAcceptHappyPath(t *testing.T) {
	f := newAcceptFixture(t)

	tx := validTx("sender_a", 10)
	block := &types.CheckpointBlock{
		Transactions: []*types.Transaction{tx},
		Parents:      f.parents,
	}

	cache := &types.CheckpointCache{Block: block}
	require.NoError(t, f.acceptance.Accept(context.Background(), cache))

	// height = 1 + max(parent heights)
	assert.Equal(t, uint64(2), cache.Height)

	assert.True(t, f.store.Contains(block.BaseHash()))

	// per sender chain advanced
	assert.Equal(t, tx.Ref(), f.chain.GetLastAcceptedTransactionRef("sender_a"))

	// balances moved
	assert.Equal(t, int64(-10), f.ledger.Balance("sender_a"))
	assert.Equal(t, int64(10), f.ledger.Balance("receiver"))

	// recorded for the next snapshot
	assert.Equal(t, []types.Hash{block.BaseHash()}, f.accepted.Hashes())
}

func TestAcceptRejectsMissingBlock(t *testing.T) {
	f := newAcceptFixture(t)

	err := f.acceptance.Accept(context.Background(), &types.CheckpointCache{})
	assert.Equal(t, ErrMissingCheckpointBlock, err)
}

func TestAcceptRejectsAlreadyStored(t *testing.T) {
	f := newAcceptFixture(t)

	block := &types.CheckpointBlock{
		Transactions: []*types.Transaction{validTx("sender_a", 1)},
		Parents:      f.parents,
	}

	require.NoError(t, f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: block}))

	err := f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: block})
	assert.True(t, errors.Is(err, ErrAlreadyStored))
}

func TestAcceptConflictSecondBlockLoses(t *testing.T) {
	f := newAcceptFixture(t)

	shared := validTx("sender_a", 5)
	other := validTx("sender_b", 7)

	first := &types.CheckpointBlock{
		Transactions: []*types.Transaction{shared},
		Parents:      f.parents,
	}
	second := &types.CheckpointBlock{
		Transactions: []*types.Transaction{shared, other},
		Parents:      f.parents,
		Messages:     []types.ChannelMessage{{Channel: "test", Data: []byte("second")}},
	}

	require.NoError(t, f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: first}))

	err := f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: second})

	conflict := &TipConflictError{}
	require.True(t, errors.As(err, &conflict))

	require.Len(t, conflict.Conflicting, 1)
	assert.Equal(t, shared.Hash(), conflict.Conflicting[0].Hash())

	// invariant: no tx appears in two accepted blocks
	block, _ := f.store.AcceptedTxBlock(shared.Hash())
	assert.Equal(t, first.BaseHash(), block)
	assert.False(t, f.store.Contains(second.BaseHash()))
}

func TestAcceptRejectsBrokenChains(t *testing.T) {
	f := newAcceptFixture(t)

	bad := &types.Transaction{Src: "sender_a", Dst: "receiver", Amount: 1, Ordinal: 4, LastTxRef: types.TxRef{Hash: "dangling", Ordinal: 3}}

	block := &types.CheckpointBlock{
		Transactions: []*types.Transaction{bad},
		Parents:      f.parents,
	}

	err := f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: block})

	invalid := &InvalidTransactionsError{}
	require.True(t, errors.As(err, &invalid))
	assert.Len(t, invalid.Excluded, 1)
}

func TestAcceptMissingParentsWithoutResolver(t *testing.T) {
	f := newAcceptFixture(t)

	block := &types.CheckpointBlock{
		Transactions: []*types.Transaction{validTx("sender_a", 1)},
		Parents:      [2]types.BlockRef{{SOE: "unknown1"}, {SOE: "unknown2"}},
	}

	err := f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: block})
	assert.True(t, errors.Is(err, ErrMissingParents))
}

type mapResolver struct {
	blocks map[types.Hash]*types.CheckpointBlock
}

func (m *mapResolver) ResolveCheckpoint(_ context.Context, soe types.Hash) (*types.CheckpointBlock, error) {
	b, ok := m.blocks[soe]
	if !ok {
		return nil, errors.New("not found")
	}

	return b, nil
}

func TestAcceptResolvesParentsRecursively(t *testing.T) {
	f := newAcceptFixture(t)

	// a parent this node has not seen, itself anchored at known blocks
	missing := &types.CheckpointBlock{
		Transactions: []*types.Transaction{validTx("sender_p", 3)},
		Parents:      f.parents,
	}

	f.acceptance.SetResolver(&mapResolver{
		blocks: map[types.Hash]*types.CheckpointBlock{missing.SOEHash(): missing},
	})

	block := &types.CheckpointBlock{
		Transactions: []*types.Transaction{validTx("sender_a", 1)},
		Parents:      [2]types.BlockRef{missing.Ref(), f.parents[0]},
	}

	require.NoError(t, f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: block}))

	assert.True(t, f.store.Contains(missing.BaseHash()))
	assert.True(t, f.store.Contains(block.BaseHash()))

	// resolved parent height 2, child on top of it
	got, _ := f.store.Lookup(block.BaseHash())
	assert.Equal(t, uint64(3), got.Height)
}

func TestAcceptBuffersDuringFinalSync(t *testing.T) {
	f := newAcceptFixture(t)

	f.acceptance.SetNodeStateFn(func() types.NodeState {
		return types.NodeStateDownloadCompleteAwaitingFinalSync
	})

	block := &types.CheckpointBlock{
		Transactions: []*types.Transaction{validTx("sender_a", 1)},
		Parents:      f.parents,
	}

	require.NoError(t, f.acceptance.Accept(context.Background(), &types.CheckpointCache{Block: block}))

	assert.False(t, f.store.Contains(block.BaseHash()))

	buffered := f.acceptance.DrainSyncBuffer()
	require.Len(t, buffered, 1)
	assert.Equal(t, block.BaseHash(), buffered[0].Block.BaseHash())
}
