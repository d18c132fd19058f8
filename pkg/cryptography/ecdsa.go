package cryptography

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"io"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

type Secp256k1PrivateKey struct {
	*ecdsa.PrivateKey
}

func NewEcdsaSecp256k1PrivateKey() (*Secp256k1PrivateKey, error) {
	pk, err := ecdsa.GenerateKey(ethCrypto.S256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating ecdsa key")
	}

	return &Secp256k1PrivateKey{pk}, nil
}

func (p *Secp256k1PrivateKey) Bytes() ([]byte, error) {
	return ethCrypto.FromECDSA(p.PrivateKey), nil
}

func (p *Secp256k1PrivateKey) Sign(_ io.Reader, msg []byte, _ crypto.SignerOpts) ([]byte, error) {
	dig := ethCrypto.Keccak256(msg)

	return ethCrypto.Sign(dig, p.PrivateKey)
}

func (p *Secp256k1PrivateKey) Public() crypto.PublicKey {
	return &Secp256k1PublicKey{p.PublicKey}
}

// Address derives the wallet address of the key as the hex digest of
// the uncompressed public key
func (p *Secp256k1PrivateKey) Address() string {
	raw := ethCrypto.FromECDSAPub(&p.PublicKey)
	return hex.EncodeToString(ethCrypto.Keccak256(raw))
}

func NewSecp256k1PublicKey(d []byte) (*Secp256k1PublicKey, error) {
	pub, err := ethCrypto.UnmarshalPubkey(d)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshalling ecdsa pub key")
	}

	return &Secp256k1PublicKey{*pub}, nil
}

type Secp256k1PublicKey struct {
	ecdsa.PublicKey
}

func (p *Secp256k1PublicKey) Bytes() ([]byte, error) {
	return ethCrypto.FromECDSAPub(&p.PublicKey), nil
}

func (p *Secp256k1PublicKey) Verify(sig, msg []byte) (bool, error) {
	dig := ethCrypto.Keccak256(msg)

	// trim the recovery id, VerifySignature takes R || S only
	if len(sig) == 65 {
		sig = sig[:64]
	}

	return ethCrypto.VerifySignature(
		ethCrypto.CompressPubkey(&p.PublicKey),
		dig,
		sig,
	), nil
}
