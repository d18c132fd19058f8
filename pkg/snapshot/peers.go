package snapshot

import (
	"math"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
)

// PeerInfo is what the snapshot service needs to know about a peer to
// rotate the active pool and retire the departed
type PeerInfo struct {
	ID           peer.ID
	Light        bool
	Reputation   float64
	JoinedHeight uint64
	LeftHeight   uint64
	Offline      bool
}

// PeerDirectory tracks the peers known to this node
type PeerDirectory interface {
	Known() []PeerInfo
	MarkOffline(peer.ID)
	RemoveOffline()
}

// MemPeerDirectory is a mutex guarded in memory directory
type MemPeerDirectory struct {
	mu    sync.Mutex
	peers map[peer.ID]*PeerInfo
}

func NewMemPeerDirectory() *MemPeerDirectory {
	return &MemPeerDirectory{
		peers: make(map[peer.ID]*PeerInfo),
	}
}

func (d *MemPeerDirectory) Upsert(info PeerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if info.LeftHeight == 0 {
		info.LeftHeight = math.MaxUint64
	}

	cp := info
	d.peers[info.ID] = &cp
}

func (d *MemPeerDirectory) SetReputation(id peer.ID, score float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.peers[id]; ok {
		p.Reputation = score
	}
}

func (d *MemPeerDirectory) Known() []PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}

	return out
}

func (d *MemPeerDirectory) MarkOffline(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.peers[id]; ok {
		p.Offline = true
	}
}

func (d *MemPeerDirectory) RemoveOffline() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, p := range d.peers {
		if p.Offline {
			delete(d.peers, id)
		}
	}
}
