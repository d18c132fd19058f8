package types

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/hypergraph/pkg/cryptography"
)

// Address identifies a wallet as the hex digest of its public key
type Address string

type TxStatus uint8

const (
	TxStatusUnknown TxStatus = iota + 1
	TxStatusPending
	TxStatusInConsensus
	TxStatusAccepted
)

// TxRef points at a previously accepted transaction of the same sender
type TxRef struct {
	Hash    Hash   `msgpack:"h"`
	Ordinal uint64 `msgpack:"o"`
}

// GenesisTxRef is the reference a sender's first transaction must point at
func GenesisTxRef(a Address) TxRef {
	h, _ := HashOfBytes([]byte(a))
	return TxRef{Hash: h, Ordinal: 0}
}

type Transaction struct {
	Src        Address `msgpack:"s"`
	Dst        Address `msgpack:"d"`
	Amount     uint64  `msgpack:"a"`
	Fee        uint64  `msgpack:"f,omitempty"`
	Ordinal    uint64  `msgpack:"o"`
	LastTxRef  TxRef   `msgpack:"l"`
	SenderSig  []byte  `msgpack:"ss,omitempty"`
	CounterSig []byte  `msgpack:"cs,omitempty"`
}

func (t *Transaction) Marshal() ([]byte, error) {
	b, err := msgpack.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling tx")
	}

	return b, nil
}

func (t *Transaction) Unmarshal(b []byte) error {
	return msgpack.Unmarshal(b, t)
}

// Hash is deterministic over all fields of the transaction
func (t *Transaction) Hash() Hash {
	return MustHashOf(t)
}

// Ref is the reference the sender's next transaction must carry
func (t *Transaction) Ref() TxRef {
	return TxRef{Hash: t.Hash(), Ordinal: t.Ordinal}
}

func (t *Transaction) signableData() ([]byte, error) {
	c := *t
	c.SenderSig = nil
	c.CounterSig = nil

	return msgpack.Marshal(&c)
}

func (t *Transaction) Sign(key *cryptography.Secp256k1PrivateKey) error {
	d, err := t.signableData()
	if err != nil {
		return errors.Wrap(err, "making tx signing data")
	}

	sig, err := key.Sign(nil, d, nil)
	if err != nil {
		return errors.Wrap(err, "signing tx")
	}

	t.SenderSig = sig

	return nil
}

func (t *Transaction) VerifySender(pk *cryptography.Secp256k1PublicKey) error {
	if len(t.SenderSig) == 0 {
		return errors.New("tx has no sender signature")
	}

	d, err := t.signableData()
	if err != nil {
		return errors.Wrap(err, "making tx signing data")
	}

	ok, err := pk.Verify(t.SenderSig, d)
	if err != nil {
		return errors.Wrap(err, "verifying sender signature")
	}
	if !ok {
		return errors.New("sender signature mismatch")
	}

	return nil
}

// TransactionCacheData wraps a transaction with its mempool status
type TransactionCacheData struct {
	Tx     *Transaction `msgpack:"t"`
	Status TxStatus     `msgpack:"s"`
}
