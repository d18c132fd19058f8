//go:generate go run github.com/vektra/mockery/v2 --name Directory

package consensus

import (
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/tcfw/hypergraph/pkg/cryptography"
)

// Directory exposes the facilitator set the node may form rounds with
// and the signing keys to verify their blocks
type Directory interface {
	Ready() ([]peer.ID, error)
	Signer(peer.ID) (*cryptography.Bls12381PublicKey, error)
}
