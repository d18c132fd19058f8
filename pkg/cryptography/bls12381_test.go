package cryptography

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBls12381SignVerify(t *testing.T) {
	key := NewBls12381PrivateKey()
	pk := key.Public().(*Bls12381PublicKey)

	msg := []byte("checkpoint base hash")

	sig, err := key.Sign(nil, msg, nil)
	require.NoError(t, err)

	ok, err := pk.Verify(sig, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = pk.Verify(sig, []byte("other"))
	assert.Error(t, err)
}

func TestBls12381KeyRoundTrip(t *testing.T) {
	key := NewBls12381PrivateKey()

	d, err := key.Bytes()
	require.NoError(t, err)

	got, err := NewBls12381PrivateKeyFromBytes(d)
	require.NoError(t, err)

	assert.True(t, key.Equal(got))

	pkd, err := key.Public().(*Bls12381PublicKey).Bytes()
	require.NoError(t, err)

	pk, err := NewBls12381PublicKey(pkd)
	require.NoError(t, err)

	sig, err := got.Sign(nil, []byte("msg"), nil)
	require.NoError(t, err)

	ok, err := pk.Verify(sig, []byte("msg"))
	require.NoError(t, err)
	assert.True(t, ok)
}
