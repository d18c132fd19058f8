package cryptography

import (
	"crypto"
	"io"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	sig "github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/util/random"
	"github.com/pkg/errors"
)

// BLS12381 keys sign checkpoint block base hashes; signatures from the
// facilitator set aggregate over the same message.

var (
	_ crypto.PrivateKey = (*Bls12381PrivateKey)(nil)
	_ crypto.PublicKey  = (*Bls12381PublicKey)(nil)

	suite     = bls.NewBLS12381Suite()
	blsScheme = sig.NewSchemeOnG2(suite)
)

type Bls12381PrivateKey struct {
	sk kyber.Scalar
}

func NewBls12381PrivateKey() *Bls12381PrivateKey {
	return &Bls12381PrivateKey{sk: suite.G1().Scalar().Pick(random.New())}
}

func NewBls12381PrivateKeyFromBytes(d []byte) (*Bls12381PrivateKey, error) {
	s := suite.G1().Scalar()
	if err := s.UnmarshalBinary(d); err != nil {
		return nil, errors.Wrap(err, "unmarshalling bls private key")
	}

	return &Bls12381PrivateKey{sk: s}, nil
}

func (b *Bls12381PrivateKey) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return blsScheme.Sign(b.sk, digest)
}

func (b *Bls12381PrivateKey) Public() crypto.PublicKey {
	return &Bls12381PublicKey{suite.G2().Point().Mul(b.sk, nil)}
}

func (b *Bls12381PrivateKey) Bytes() ([]byte, error) {
	return b.sk.MarshalBinary()
}

func (b *Bls12381PrivateKey) Equal(other crypto.PrivateKey) bool {
	o, ok := other.(*Bls12381PrivateKey)
	if !ok {
		return false
	}

	return b.sk.Equal(o.sk)
}

type Bls12381PublicKey struct {
	kyber.Point
}

func NewBls12381PublicKey(d []byte) (*Bls12381PublicKey, error) {
	pk := &Bls12381PublicKey{suite.G2().Point()}
	if err := pk.UnmarshalBinary(d); err != nil {
		return nil, errors.Wrap(err, "unmarshalling bls public key")
	}

	return pk, nil
}

func (b *Bls12381PublicKey) Bytes() ([]byte, error) {
	return b.Point.MarshalBinary()
}

func (b *Bls12381PublicKey) Verify(signature, msg []byte) (bool, error) {
	if err := blsScheme.Verify(b, msg, signature); err != nil {
		return false, err
	}

	return true, nil
}

func AggregateBls12381Signatures(sigs ...[]byte) ([]byte, error) {
	return blsScheme.AggregateSignatures(sigs...)
}
