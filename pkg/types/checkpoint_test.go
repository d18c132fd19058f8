package types

import (
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/hypergraph/pkg/cryptography"
)

func testBlock() *CheckpointBlock {
	return &CheckpointBlock{
		Transactions: []*Transaction{
			{Src: "a", Dst: "b", Amount: 10, Ordinal: 1, LastTxRef: GenesisTxRef("a")},
		},
		Parents: [2]BlockRef{
			{SOE: "soe1", Base: "base1"},
			{SOE: "soe2", Base: "base2"},
		},
	}
}

func TestBaseHashIgnoresSignatures(t *testing.T) {
	b := testBlock()
	base := b.BaseHash()
	soe := b.SOEHash()

	key := cryptography.NewBls12381PrivateKey()
	require.NoError(t, b.Sign(peer.ID("signer_1"), key))

	assert.Equal(t, base, b.BaseHash())
	assert.NotEqual(t, soe, b.SOEHash())
}

func TestSignIdempotentPerSigner(t *testing.T) {
	b := testBlock()
	key := cryptography.NewBls12381PrivateKey()

	require.NoError(t, b.Sign(peer.ID("signer_1"), key))
	require.NoError(t, b.Sign(peer.ID("signer_1"), key))

	assert.Len(t, b.Signatures, 1)
}

func TestPlusEdgeUnionsSigners(t *testing.T) {
	b1 := testBlock()
	b2 := testBlock()

	k1 := cryptography.NewBls12381PrivateKey()
	k2 := cryptography.NewBls12381PrivateKey()

	require.NoError(t, b1.Sign(peer.ID("signer_b"), k1))
	require.NoError(t, b2.Sign(peer.ID("signer_a"), k2))

	merged, err := b1.PlusEdge(b2)
	require.NoError(t, err)

	require.Len(t, merged.Signatures, 2)

	// signatures ordered by signer id
	assert.Equal(t, peer.ID("signer_a"), merged.Signatures[0].ID)
	assert.Equal(t, peer.ID("signer_b"), merged.Signatures[1].ID)

	assert.Equal(t, b1.BaseHash(), merged.BaseHash())
}

func TestPlusEdgeRejectsDifferentContent(t *testing.T) {
	b1 := testBlock()
	b2 := testBlock()
	b2.Transactions[0].Amount = 99

	_, err := b1.PlusEdge(b2)
	assert.Error(t, err)
}

func TestVerifySignatures(t *testing.T) {
	b := testBlock()

	key := cryptography.NewBls12381PrivateKey()
	require.NoError(t, b.Sign(peer.ID("signer_1"), key))

	pk := key.Public().(*cryptography.Bls12381PublicKey)

	err := b.VerifySignatures(func(id peer.ID) (*cryptography.Bls12381PublicKey, error) {
		return pk, nil
	})
	assert.NoError(t, err)

	other := cryptography.NewBls12381PrivateKey()
	otherPk := other.Public().(*cryptography.Bls12381PublicKey)

	err = b.VerifySignatures(func(id peer.ID) (*cryptography.Bls12381PublicKey, error) {
		return otherPk, nil
	})
	assert.Error(t, err)
}
