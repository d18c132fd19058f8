package node

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/hypergraph/internal/config"
	"github.com/tcfw/hypergraph/internal/storage"
	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/consensus"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/snapshot"
)

const ownRoundInterval = 5 * time.Second

// Node wires the consensus core together: mempools feeding rounds,
// rounds feeding the acceptance pipeline, the snapshot service sealing
// what acceptance admits
type Node struct {
	log *logrus.Entry
	cfg *config.Config

	host   host.Host
	pubsub *pubsub.PubSub

	chain      *mempool.ChainService
	txPool     *mempool.PendingTransactions
	obsPool    *mempool.Observations
	store      *checkpoint.Store
	tips       *checkpoint.TipService
	ledger     *checkpoint.Ledger
	accepted   *checkpoint.AcceptedLog
	acceptance *checkpoint.Acceptance

	manager   *consensus.Manager
	peers     *snapshot.MemPeerDirectory
	snapshots *snapshot.Service
	rollback  *snapshot.Rollback
	disk      *storage.Disk
}

func NewNode(ctx context.Context, opts ...NodeOption) (*Node, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg: cfg,
		log: logrus.NewEntry(logrus.StandardLogger()),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}

	if n.host == nil {
		h, err := libp2p.New()
		if err != nil {
			return nil, errors.Wrap(err, "creating libp2p host")
		}
		n.host = h
	}

	if n.pubsub == nil {
		ps, err := pubsub.NewGossipSub(ctx, n.host)
		if err != nil {
			return nil, errors.Wrap(err, "creating gossipsub router")
		}
		n.pubsub = ps
	}

	n.chain = mempool.NewChainService()
	n.txPool = mempool.NewPendingTransactions(n.chain, n.log)
	n.obsPool = mempool.NewObservations()
	n.store = checkpoint.NewStore()
	n.tips = checkpoint.NewTipService(n.store)
	n.ledger = checkpoint.NewLedger()
	n.accepted = checkpoint.NewAcceptedLog()
	n.acceptance = checkpoint.NewAcceptance(n.store, n.tips, n.chain, n.ledger, n.accepted, n.log)
	n.peers = snapshot.NewMemPeerDirectory()

	n.disk, err = storage.NewDisk(cfg.DataDir(), cfg.Snapshot().SizeDiskLimit, n.log)
	if err != nil {
		return nil, errors.Wrap(err, "opening disk store")
	}

	n.manager, err = consensus.NewManager(n.host.ID(), n.pubsub, n.log,
		consensus.WithConfig(cfg.Consensus()),
		consensus.WithMemPools(n.txPool, n.obsPool),
		consensus.WithCheckpointing(n.store, n.tips, n.acceptance),
		consensus.WithDirectory(newPeerDirectory(n.peers)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating consensus manager")
	}

	n.snapshots = snapshot.NewService(cfg.Snapshot(), n.host.ID(), n.store, n.tips,
		n.ledger, n.accepted, n.chain, n.acceptance, n.obsPool, n.peers, n.disk, n.log)

	var clouds []snapshot.CloudStore
	if cfg.CloudEnabled() {
		cloud, err := storage.NewIPFSCloud(ctx, identityFromHost(n.host), cfg.DataDir())
		if err != nil {
			return nil, errors.Wrap(err, "opening cloud store")
		}
		clouds = append(clouds, cloud)
		n.snapshots.EnableCloud(clouds)
	}

	n.rollback = snapshot.NewRollback(n.host.ID(), clouds, n.disk, n.snapshots,
		n.store, n.chain, n.ledger, n.tips, n.obsPool,
		newFileGenesis(cfg.DataDir()), cfg.V1MaxHeight(), n.log)

	return n, nil
}

func (n *Node) ID() peer.ID {
	return n.host.ID()
}

func (n *Node) Rollback() *snapshot.Rollback {
	return n.rollback
}

// ListenAndServe starts the consensus manager, the snapshot driver and
// the own round cadence, blocking until ctx is done
func (n *Node) ListenAndServe(ctx context.Context) error {
	n.log.WithField("id", n.host.ID().String()).
		WithField("addrs", n.host.Addrs()).
		Info("starting node")

	if err := n.manager.Start(); err != nil {
		return errors.Wrap(err, "starting consensus manager")
	}

	go n.snapshots.Run(ctx, n.cfg.SnapshotAttemptInterval())

	t := time.NewTicker(ownRoundInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.manager.StartOwnRound(ctx); err != nil {
				n.log.WithError(err).Debug("own round not started")
			}
		}
	}
}

func (n *Node) Stop() error {
	n.log.Warn("shutting down")

	n.manager.Shutdown()

	if err := n.disk.Close(); err != nil {
		return err
	}

	return n.host.Close()
}
