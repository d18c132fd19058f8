package snapshot

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/mempool"
	"github.com/tcfw/hypergraph/pkg/types"
)

// GenesisSource loads the genesis observation a rollback restores on
// top of
type GenesisSource interface {
	GenesisObservation(ctx context.Context) (*types.GenesisObservation, error)
}

// Rollback restores the node to a sealed majority state read from the
// cloud backends
type Rollback struct {
	log *logrus.Entry

	self   peer.ID
	clouds []CloudStore
	disk   DiskStore

	svc     *Service
	store   *checkpoint.Store
	chain   *mempool.ChainService
	ledger  *checkpoint.Ledger
	tips    *checkpoint.TipService
	obsPool *mempool.Observations
	genesis GenesisSource

	v1MaxHeight uint64
}

func NewRollback(self peer.ID, clouds []CloudStore, disk DiskStore, svc *Service,
	store *checkpoint.Store, chain *mempool.ChainService, ledger *checkpoint.Ledger,
	tips *checkpoint.TipService, obsPool *mempool.Observations, genesis GenesisSource,
	v1MaxHeight uint64, log *logrus.Entry) *Rollback {

	return &Rollback{
		log:         log,
		self:        self,
		clouds:      clouds,
		disk:        disk,
		svc:         svc,
		store:       store,
		chain:       chain,
		ledger:      ledger,
		tips:        tips,
		obsPool:     obsPool,
		genesis:     genesis,
		v1MaxHeight: v1MaxHeight,
	}
}

// RestoreHighest finds the highest sealed state across the backends
// and restores it
func (r *Rollback) RestoreHighest(ctx context.Context) error {
	if len(r.clouds) == 0 {
		return ErrNoCloudBackends
	}

	var lastErr error

	for _, cloud := range r.clouds {
		key, err := cloud.Highest(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		height, hash, err := ParseCloudKey(key)
		if err != nil {
			lastErr = err
			continue
		}

		return r.Restore(ctx, height, hash)
	}

	return errors.Wrap(lastErr, "finding highest snapshot in cloud")
}

// Restore reads the sealed state at (height, hash) and replaces the
// node state with it
func (r *Rollback) Restore(ctx context.Context, height uint64, hash types.Hash) error {
	stored, info, err := r.read(ctx, height, hash)
	if err != nil {
		return err
	}

	gen, err := r.genesis.GenesisObservation(ctx)
	if err != nil {
		return errors.Wrap(err, "reading genesis observation")
	}

	for addr, balance := range info.AddressBalances {
		if balance < 0 {
			return errors.Wrapf(ErrInvalidBalances, "address %s", addr)
		}
	}

	r.obsPool.Put(&types.Observation{
		Observer: r.self,
		Subject:  r.self,
		Kind:     types.ObservationNodeParticipatedInRollback,
		Epoch:    time.Now().Unix(),
	})

	if gen.Block != nil {
		r.store.Persist(&types.CheckpointCache{Block: gen.Block, Height: 0})
	}

	for _, c := range stored.Blocks {
		cp := c
		r.store.Persist(&cp)
	}

	if err := r.disk.WriteSnapshot(stored); err != nil {
		return errors.Wrap(err, "writing restored snapshot")
	}
	if err := r.disk.WriteSnapshotInfo(info); err != nil {
		return errors.Wrap(err, "writing restored snapshot info")
	}

	r.ledger.SetBalances(info.AddressBalances)
	r.tips.SetTips(info.Tips)

	for addr, ref := range info.LastAcceptedTxRef {
		r.chain.SetRef(addr, ref)
	}

	r.svc.RestoreFromInfo(info, height)

	if err := r.disk.SetLastMajorityState(height, hash); err != nil {
		return errors.Wrap(err, "persisting last majority state")
	}

	r.log.WithField("height", height).WithField("snapshot", hash).Info("restored from rollback")

	return nil
}

// read fetches the stored snapshot and info with backend failover,
// migrating the legacy shape for old heights
func (r *Rollback) read(ctx context.Context, height uint64, hash types.Hash) (*types.StoredSnapshot, *types.SnapshotInfo, error) {
	if len(r.clouds) == 0 {
		return nil, nil, ErrNoCloudBackends
	}

	key := CloudKey(height, hash)

	bo := &backoff.Backoff{
		Min: time.Second,
		Max: 30 * time.Second,
	}

	var lastErr error

	for _, cloud := range r.clouds {
		sd, err := cloud.GetSnapshot(ctx, key)
		if err != nil {
			lastErr = err
			time.Sleep(bo.Duration())
			continue
		}

		id, err := cloud.GetSnapshotInfo(ctx, key)
		if err != nil {
			lastErr = err
			time.Sleep(bo.Duration())
			continue
		}

		stored := &types.StoredSnapshot{}
		if err := stored.Unmarshal(sd); err != nil {
			return nil, nil, errors.Wrap(err, "unmarshalling stored snapshot")
		}

		var info *types.SnapshotInfo
		if height <= r.v1MaxHeight {
			info, err = migrateV1SnapshotInfo(id)
		} else {
			info = &types.SnapshotInfo{}
			err = info.Unmarshal(id)
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "unmarshalling snapshot info")
		}

		return stored, info, nil
	}

	return nil, nil, errors.Wrap(lastErr, "reading snapshot from cloud backends")
}

// snapshotInfoV1 is the legacy persisted shape, kept only to migrate
// rollbacks below the schema cut-over height
type snapshotInfoV1 struct {
	Stored                  types.StoredSnapshot          `msgpack:"s"`
	AcceptedCBSinceSnapshot []types.Hash                  `msgpack:"a"`
	LastSnapshotHeight      uint64                        `msgpack:"h"`
	AddressBalances         map[types.Address]uint64      `msgpack:"ab"`
	Tips                    map[types.Hash]types.BlockRef `msgpack:"t"`
	LastAcceptedTxRef       map[types.Address]types.TxRef `msgpack:"lr"`
}

func migrateV1SnapshotInfo(d []byte) (*types.SnapshotInfo, error) {
	v1 := &snapshotInfoV1{}
	if err := msgpack.Unmarshal(d, v1); err != nil {
		return nil, errors.Wrap(err, "unmarshalling v1 snapshot info")
	}

	info := &types.SnapshotInfo{
		Stored:                  v1.Stored,
		AcceptedCBSinceSnapshot: v1.AcceptedCBSinceSnapshot,
		LastSnapshotHeight:      v1.LastSnapshotHeight,
		AddressBalances:         make(map[types.Address]int64, len(v1.AddressBalances)),
		Tips:                    make(map[types.Hash]types.TipData, len(v1.Tips)),
		LastAcceptedTxRef:       v1.LastAcceptedTxRef,
	}

	for a, b := range v1.AddressBalances {
		info.AddressBalances[a] = int64(b)
	}

	// v1 tips carried no usage counts, restored tips start unused
	for h, ref := range v1.Tips {
		info.Tips[h] = types.TipData{Ref: ref}
	}

	return info, nil
}
