package storage

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
	coreIface "github.com/ipfs/interface-go-ipfs-core"
	options "github.com/ipfs/interface-go-ipfs-core/options"
	"github.com/ipfs/interface-go-ipfs-core/path"
	"github.com/ipfs/kubo/config"
	ipfsCore "github.com/ipfs/kubo/core"
	ipfsCoreApiIface "github.com/ipfs/kubo/core/coreapi"
	"github.com/ipfs/kubo/core/node/libp2p"
	"github.com/ipfs/kubo/plugin/loader"
	"github.com/ipfs/kubo/repo/fsrepo"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/tcfw/hypergraph/internal/utils/logging"
	"github.com/tcfw/hypergraph/pkg/snapshot"
)

var (
	_ snapshot.CloudStore = (*IPFSCloud)(nil)

	// public bootstrappers; the snapshot objects themselves are pinned
	// so retrievability does not depend on these staying up
	defaultBootstrapPeers = []string{
		"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
		"/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
		"/dnsaddr/bootstrap.libp2p.io/p2p/QmbLHAnMoJPWSCR5Zhtx6BHJX9KiKNN6tpvbUcqanj75Nb",
		"/dnsaddr/bootstrap.libp2p.io/p2p/QmcZf59bWwK5XFi76CZX8cbJ4BhTzzA3gU1ZjYZcYW3dwt",
	}
)

type cloudKeyType byte

const (
	snapshotKPrefix cloudKeyType = iota + 1
	snapshotInfoKPrefix
)

func cloudKey(kType cloudKeyType, key string) []byte {
	k := []byte{byte(kType), ':'}
	return append(k, []byte(key)...)
}

// IPFSCloud off-loads sealed snapshots into IPFS, keeping the key to
// cid mapping in a local pebble index
type IPFSCloud struct {
	ipfsNode coreIface.CoreAPI
	index    *pebble.DB

	Close func() error
}

func NewIPFSCloud(ctx context.Context, id config.Identity, repo string) (*IPFSCloud, error) {
	api, close, err := openIPFS(ctx, id, filepath.Join(repo, "ipfs"))
	if err != nil {
		return nil, errors.Wrap(err, "opening ipfs block store")
	}

	idx, err := metadataStore(filepath.Join(repo, "cloudindex"))
	if err != nil {
		return nil, errors.Wrap(err, "opening cloud index store")
	}

	go dialBootstrapPeers(ctx, api)

	return &IPFSCloud{
		ipfsNode: api,
		index:    idx,
		Close:    close,
	}, nil
}

var pluginsOnce sync.Once

// openIPFS brings up an embedded kubo node over the given repo,
// initialising the repo with the node identity on first use
func openIPFS(ctx context.Context, id config.Identity, repoPath string) (coreIface.CoreAPI, func() error, error) {
	var pluginErr error
	pluginsOnce.Do(func() {
		pluginErr = injectPlugins()
	})
	if pluginErr != nil {
		return nil, nil, pluginErr
	}

	if err := ensureRepo(id, repoPath); err != nil {
		return nil, nil, errors.Wrap(err, "initialising ipfs repo")
	}

	r, err := fsrepo.Open(repoPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening ipfs repo")
	}

	node, err := ipfsCore.NewNode(ctx, &ipfsCore.BuildCfg{
		Online:  true,
		Routing: libp2p.DHTServerOption,
		Repo:    r,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "building ipfs node")
	}

	api, err := ipfsCoreApiIface.NewCoreAPI(node)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrapping core api")
	}

	return api, node.Close, nil
}

func ensureRepo(identity config.Identity, repoPath string) error {
	if fsrepo.IsInitialized(repoPath) {
		return nil
	}

	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return errors.Wrap(err, "creating repo dir")
	}

	cfg, err := config.InitWithIdentity(identity)
	if err != nil {
		return errors.Wrap(err, "building repo config")
	}

	return errors.Wrap(fsrepo.Init(repoPath, cfg), "initialising repo")
}

// injectPlugins loads kubo's preloaded plugin set, required before any
// repo can be opened
func injectPlugins() error {
	plugins, err := loader.NewPluginLoader("")
	if err != nil {
		return errors.Wrap(err, "loading plugins")
	}

	if err := plugins.Initialize(); err != nil {
		return errors.Wrap(err, "initialising plugins")
	}

	return errors.Wrap(plugins.Inject(), "injecting plugins")
}

func dialBootstrapPeers(ctx context.Context, api coreIface.CoreAPI) {
	maddrs := make([]multiaddr.Multiaddr, 0, len(defaultBootstrapPeers))
	for _, s := range defaultBootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			logging.WithError(err).WithField("addr", s).Error("parsing bootstrap addr")
			continue
		}
		maddrs = append(maddrs, ma)
	}

	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		logging.WithError(err).Error("resolving bootstrap peers")
		return
	}

	var wg sync.WaitGroup
	for _, info := range infos {
		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()

			if err := api.Swarm().Connect(ctx, info); err != nil {
				logging.WithError(err).WithField("peer", info.ID).Warn("bootstrap dial failed")
			}
		}(info)
	}
	wg.Wait()
}

func (s *IPFSCloud) putRaw(ctx context.Context, d []byte) (cid.Cid, error) {
	hashType := options.Block.Hash(multihash.SHA2_256, multihash.DefaultLengths[multihash.SHA2_256])

	n, err := s.ipfsNode.Block().Put(ctx, bytes.NewReader(d), hashType, options.Block.Pin(true))
	if err != nil {
		return cid.Undef, err
	}

	logging.Entry().WithField("ipfs", n.Path().String()).Debug("stored in IPFS")

	return n.Path().Cid(), nil
}

func (s *IPFSCloud) getRaw(ctx context.Context, id cid.Cid) ([]byte, error) {
	n, err := s.ipfsNode.Block().Get(ctx, path.IpfsPath(id))
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadAll(n)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (s *IPFSCloud) put(ctx context.Context, kType cloudKeyType, key string, d []byte) error {
	c, err := s.putRaw(ctx, d)
	if err != nil {
		return errors.Wrap(err, "storing object")
	}

	if err := s.index.Set(cloudKey(kType, key), c.Bytes(), &pebble.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "indexing object")
	}

	return nil
}

func (s *IPFSCloud) get(ctx context.Context, kType cloudKeyType, key string) ([]byte, error) {
	d, done, err := s.index.Get(cloudKey(kType, key))
	if err != nil {
		return nil, errors.Wrap(err, "looking up object cid")
	}
	defer done.Close()

	c, err := cid.Cast(d)
	if err != nil {
		return nil, errors.Wrap(err, "casting object cid")
	}

	return s.getRaw(ctx, c)
}

func (s *IPFSCloud) PutSnapshot(ctx context.Context, key string, d []byte) error {
	return s.put(ctx, snapshotKPrefix, key, d)
}

func (s *IPFSCloud) PutSnapshotInfo(ctx context.Context, key string, d []byte) error {
	return s.put(ctx, snapshotInfoKPrefix, key, d)
}

func (s *IPFSCloud) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, snapshotKPrefix, key)
}

func (s *IPFSCloud) GetSnapshotInfo(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, snapshotInfoKPrefix, key)
}

// Highest scans the index for the snapshot key with the greatest
// height
func (s *IPFSCloud) Highest(ctx context.Context) (string, error) {
	iter := s.index.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(snapshotKPrefix)},
		UpperBound: []byte{byte(snapshotKPrefix) + 1},
	})
	defer iter.Close()

	var (
		best       string
		bestHeight uint64
		found      bool
	)

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[2:])

		height, _, err := snapshot.ParseCloudKey(key)
		if err != nil {
			continue
		}

		if !found || height > bestHeight {
			best = key
			bestHeight = height
			found = true
		}
	}

	if !found {
		return "", errors.New("no snapshots in cloud index")
	}

	return best, nil
}
