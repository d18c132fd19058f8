package node

import (
	"context"
	"encoding/base64"
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/ipfs/kubo/config"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/hypergraph/pkg/cryptography"
	"github.com/tcfw/hypergraph/pkg/snapshot"
	"github.com/tcfw/hypergraph/pkg/types"
)

// peerDirectory adapts the snapshot peer directory to the consensus
// Directory contract, tracking announced block signing keys
type peerDirectory struct {
	peers *snapshot.MemPeerDirectory

	mu   sync.Mutex
	keys map[peer.ID]*cryptography.Bls12381PublicKey
}

func newPeerDirectory(peers *snapshot.MemPeerDirectory) *peerDirectory {
	return &peerDirectory{
		peers: peers,
		keys:  make(map[peer.ID]*cryptography.Bls12381PublicKey),
	}
}

func (d *peerDirectory) Ready() ([]peer.ID, error) {
	known := d.peers.Known()

	ids := make([]peer.ID, 0, len(known))
	for _, p := range known {
		if p.Offline || p.Light {
			continue
		}
		ids = append(ids, p.ID)
	}

	return ids, nil
}

func (d *peerDirectory) Signer(id peer.ID) (*cryptography.Bls12381PublicKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pk, ok := d.keys[id]
	if !ok {
		return nil, errors.Errorf("no signing key announced for %s", id)
	}

	return pk, nil
}

func (d *peerDirectory) AnnounceKey(id peer.ID, pk *cryptography.Bls12381PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keys[id] = pk
}

// fileGenesis reads the genesis observation from the data directory
type fileGenesis struct {
	dir string
}

func newFileGenesis(dir string) *fileGenesis {
	return &fileGenesis{dir: dir}
}

func (g *fileGenesis) GenesisObservation(ctx context.Context) (*types.GenesisObservation, error) {
	d, err := ioutil.ReadFile(filepath.Join(g.dir, "genesis"))
	if err != nil {
		return nil, errors.Wrap(err, "reading genesis observation")
	}

	gen := &types.GenesisObservation{}
	if err := msgpack.Unmarshal(d, gen); err != nil {
		return nil, errors.Wrap(err, "unmarshalling genesis observation")
	}

	return gen, nil
}

// identityFromHost derives the ipfs repo identity from the libp2p host
func identityFromHost(h host.Host) config.Identity {
	id := config.Identity{
		PeerID: h.ID().String(),
	}

	if priv := h.Peerstore().PrivKey(h.ID()); priv != nil {
		if raw, err := crypto.MarshalPrivateKey(priv); err == nil {
			id.PrivKey = base64.StdEncoding.EncodeToString(raw)
		}
	}

	return id
}
