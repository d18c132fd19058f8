package consensus

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	bhost "github.com/libp2p/go-libp2p/p2p/host/blank"
	swarmt "github.com/libp2p/go-libp2p/p2p/net/swarm/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/cryptography"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

type fakeDirectory struct {
	ids []peer.ID
}

func (d *fakeDirectory) Ready() ([]peer.ID, error) {
	return d.ids, nil
}

func (d *fakeDirectory) Signer(peer.ID) (*cryptography.Bls12381PublicKey, error) {
	return nil, nil
}

func newConsensusPubSubNet(t *testing.T, ctx context.Context, n int) ([]host.Host, []*Manager) {
	hosts := getNetHosts(t, ctx, n)
	psubs := getGossipsubs(ctx, hosts)

	ids := make([]peer.ID, 0, n)
	for _, h := range hosts {
		ids = append(ids, h.ID())
	}

	dir := &fakeDirectory{ids: ids}
	log := logrus.NewEntry(logrus.New())

	seedParents := [2]types.BlockRef{{SOE: "g1"}, {SOE: "g2"}}
	seed1 := &types.CheckpointBlock{Parents: seedParents, Messages: []types.ChannelMessage{{Channel: "seed", Data: []byte("1")}}}
	seed2 := &types.CheckpointBlock{Parents: seedParents, Messages: []types.ChannelMessage{{Channel: "seed", Data: []byte("2")}}}

	instances := make([]*Manager, 0, n)

	for i, h := range hosts {
		chain := mempool.NewChainService()
		txPool := mempool.NewPendingTransactions(chain, log)
		obsPool := mempool.NewObservations()
		store := checkpoint.NewStore()
		tips := checkpoint.NewTipService(store)
		ledger := checkpoint.NewLedger()
		accepted := checkpoint.NewAcceptedLog()
		acceptance := checkpoint.NewAcceptance(store, tips, chain, ledger, accepted, log)

		for _, seed := range []*types.CheckpointBlock{seed1, seed2} {
			c := &types.CheckpointCache{Block: seed, Height: 1}
			store.Persist(c)
			tips.Update(c)
		}

		cfg := DefaultConfig()
		cfg.RoundTimeout = time.Minute
		cfg.StageTimeout = time.Minute
		cfg.OwnRoundCooldown = 0

		m, err := NewManager(h.ID(), psubs[i], log,
			WithConfig(cfg),
			WithMemPools(txPool, obsPool),
			WithCheckpointing(store, tips, acceptance),
			WithDirectory(dir),
		)
		require.NoError(t, err)

		instances = append(instances, m)
	}

	connectAll(t, hosts)

	return hosts, instances
}

func getNetHosts(t *testing.T, ctx context.Context, n int) []host.Host {
	var out []host.Host

	for i := 0; i < n; i++ {
		netw := swarmt.GenSwarm(t)
		h := bhost.NewBlankHost(netw)
		t.Cleanup(func() { h.Close() })
		out = append(out, h)
	}

	return out
}

func getGossipsub(ctx context.Context, h host.Host, opts ...pubsub.Option) *pubsub.PubSub {
	ps, err := pubsub.NewGossipSub(ctx, h, opts...)
	if err != nil {
		panic(err)
	}
	return ps
}

func getGossipsubs(ctx context.Context, hs []host.Host, opts ...pubsub.Option) []*pubsub.PubSub {
	var psubs []*pubsub.PubSub
	for _, h := range hs {
		psubs = append(psubs, getGossipsub(ctx, h, opts...))
	}
	return psubs
}

func connect(t *testing.T, a, b host.Host) {
	pinfo := a.Peerstore().PeerInfo(a.ID())
	err := b.Connect(context.Background(), pinfo)
	if err != nil {
		t.Fatal(err)
	}
}

func connectAll(t *testing.T, hosts []host.Host) {
	for i, a := range hosts {
		for j, b := range hosts {
			if i == j {
				continue
			}

			connect(t, a, b)
		}
	}
}

func connectSome(t *testing.T, hosts []host.Host, d int) {
	for i, a := range hosts {
		for j := 0; j < d; j++ {
			n := rand.Intn(len(hosts))
			if n == i {
				j--
				continue
			}

			b := hosts[n]

			connect(t, a, b)
		}
	}
}
