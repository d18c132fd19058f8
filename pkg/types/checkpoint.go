package types

import (
	"sort"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/hypergraph/pkg/cryptography"
)

// BlockRef references a parent checkpoint block by both of its
// identities; SOE includes the signer set, Base does not
type BlockRef struct {
	SOE  Hash `msgpack:"s"`
	Base Hash `msgpack:"b"`
}

// HashSignature is a facilitator's signature over a block's base hash
type HashSignature struct {
	ID        peer.ID `msgpack:"i"`
	Signature []byte  `msgpack:"s"`
}

// ChannelMessage carries opaque state channel data through a block
type ChannelMessage struct {
	Channel string `msgpack:"c"`
	Data    []byte `msgpack:"d"`
}

// PeerNotification records a peer joining or leaving around a block
type PeerNotification struct {
	Peer   peer.ID `msgpack:"p"`
	Joined bool    `msgpack:"j"`
}

// CheckpointBlock is a node of the DAG. After genesis every block has
// exactly two parents.
type CheckpointBlock struct {
	Transactions  []*Transaction     `msgpack:"t"`
	Parents       [2]BlockRef        `msgpack:"p"`
	Observations  []*Observation     `msgpack:"o"`
	Messages      []ChannelMessage   `msgpack:"m,omitempty"`
	Notifications []PeerNotification `msgpack:"n,omitempty"`
	Signatures    []HashSignature    `msgpack:"sg"`
}

func (b *CheckpointBlock) Marshal() ([]byte, error) {
	d, err := msgpack.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling checkpoint block")
	}

	return d, nil
}

func (b *CheckpointBlock) Unmarshal(d []byte) error {
	return msgpack.Unmarshal(d, b)
}

// BaseHash digests the block content excluding signatures, equal
// across differently signed unions of the same content
func (b *CheckpointBlock) BaseHash() Hash {
	c := *b
	c.Signatures = nil

	return MustHashOf(&c)
}

// SOEHash digests the block content including the signer set
func (b *CheckpointBlock) SOEHash() Hash {
	return MustHashOf(b)
}

func (b *CheckpointBlock) Ref() BlockRef {
	return BlockRef{SOE: b.SOEHash(), Base: b.BaseHash()}
}

// Sign appends the facilitator's signature over the base hash
func (b *CheckpointBlock) Sign(id peer.ID, key *cryptography.Bls12381PrivateKey) error {
	sig, err := key.Sign(nil, b.BaseHash().Bytes(), nil)
	if err != nil {
		return errors.Wrap(err, "signing block")
	}

	for _, s := range b.Signatures {
		if s.ID == id {
			return nil
		}
	}

	b.Signatures = append(b.Signatures, HashSignature{ID: id, Signature: sig})
	b.sortSignatures()

	return nil
}

// PlusEdge unions the signer sets of two blocks with equal content,
// returning a new block carrying every signature of both
func (b *CheckpointBlock) PlusEdge(o *CheckpointBlock) (*CheckpointBlock, error) {
	if b.BaseHash() != o.BaseHash() {
		return nil, errors.New("cannot union blocks with different content")
	}

	merged := *b
	merged.Signatures = make([]HashSignature, 0, len(b.Signatures)+len(o.Signatures))

	seen := make(map[peer.ID]struct{}, len(b.Signatures)+len(o.Signatures))
	for _, sigs := range [][]HashSignature{b.Signatures, o.Signatures} {
		for _, s := range sigs {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			seen[s.ID] = struct{}{}
			merged.Signatures = append(merged.Signatures, s)
		}
	}

	merged.sortSignatures()

	return &merged, nil
}

func (b *CheckpointBlock) sortSignatures() {
	sort.Slice(b.Signatures, func(i, j int) bool {
		return b.Signatures[i].ID < b.Signatures[j].ID
	})
}

// VerifySignatures checks every attached signature against the signer's
// public key as resolved by lookup
func (b *CheckpointBlock) VerifySignatures(lookup func(peer.ID) (*cryptography.Bls12381PublicKey, error)) error {
	if len(b.Signatures) == 0 {
		return errors.New("block has no signatures")
	}

	base := b.BaseHash().Bytes()

	for _, s := range b.Signatures {
		pk, err := lookup(s.ID)
		if err != nil {
			return errors.Wrapf(err, "resolving signer %s", s.ID)
		}

		ok, err := pk.Verify(s.Signature, base)
		if err != nil || !ok {
			return errors.Errorf("invalid signature from %s", s.ID)
		}
	}

	return nil
}

// Signers lists the ids of the attached signatures
func (b *CheckpointBlock) Signers() []peer.ID {
	ids := make([]peer.ID, 0, len(b.Signatures))
	for _, s := range b.Signatures {
		ids = append(ids, s.ID)
	}

	return ids
}

// CheckpointCache is the stored form of an accepted block. The block
// itself is immutable once persisted; Children only ever grows.
type CheckpointCache struct {
	Block    *CheckpointBlock `msgpack:"b"`
	Height   uint64           `msgpack:"h"`
	Children []Hash           `msgpack:"c,omitempty"`
}

// TipData tracks how often an accepted block has been used as a parent
// and which facilitators signed it
type TipData struct {
	Ref          BlockRef  `msgpack:"r"`
	Height       uint64    `msgpack:"h"`
	NumUses      int       `msgpack:"u"`
	Facilitators []peer.ID `msgpack:"f,omitempty"`
}
