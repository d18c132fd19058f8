package mempool

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/hypergraph/pkg/types"
)

func TestChainDefaultsToGenesisRef(t *testing.T) {
	c := NewChainService()

	ref := c.GetLastAcceptedTransactionRef("addr1")
	assert.Equal(t, types.GenesisTxRef("addr1"), ref)
}

func TestChainApplyAfterAcceptance(t *testing.T) {
	c := NewChainService()

	tx1 := &types.Transaction{Src: "addr1", Dst: "addr2", Amount: 1, Ordinal: 1, LastTxRef: types.GenesisTxRef("addr1")}
	require.NoError(t, c.ApplyAfterAcceptance(tx1))

	assert.Equal(t, tx1.Ref(), c.GetLastAcceptedTransactionRef("addr1"))

	tx2 := &types.Transaction{Src: "addr1", Dst: "addr2", Amount: 2, Ordinal: 2, LastTxRef: tx1.Ref()}
	require.NoError(t, c.ApplyAfterAcceptance(tx2))

	assert.Equal(t, tx2.Ref(), c.GetLastAcceptedTransactionRef("addr1"))
}

func TestChainRejectsBrokenChain(t *testing.T) {
	c := NewChainService()

	// skips ordinal 1
	tx := &types.Transaction{Src: "addr1", Dst: "addr2", Amount: 1, Ordinal: 2, LastTxRef: types.GenesisTxRef("addr1")}

	err := c.ApplyAfterAcceptance(tx)
	assert.True(t, errors.Is(err, ErrBrokenChain))

	// wrong reference
	tx1 := &types.Transaction{Src: "addr1", Dst: "addr2", Amount: 1, Ordinal: 1, LastTxRef: types.TxRef{Hash: "bogus", Ordinal: 0}}
	err = c.ApplyAfterAcceptance(tx1)
	assert.True(t, errors.Is(err, ErrBrokenChain))
}
