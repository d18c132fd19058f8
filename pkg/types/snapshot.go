package types

import (
	"sort"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ReputationEntry pairs a node with its public reputation score.
// Snapshots carry these sorted by id so the snapshot hash is stable.
type ReputationEntry struct {
	ID    peer.ID `msgpack:"i"`
	Score float64 `msgpack:"s"`
}

// ActiveNodes is the pool authorised to facilitate consensus for the
// next snapshot epoch
type ActiveNodes struct {
	Full  []peer.ID `msgpack:"f"`
	Light []peer.ID `msgpack:"l"`
}

// Snapshot seals an interval of accepted checkpoint blocks. Snapshots
// form a hash chain through LastSnapshot.
type Snapshot struct {
	LastSnapshot     Hash              `msgpack:"p"`
	CheckpointBlocks []Hash            `msgpack:"b"`
	PublicReputation []ReputationEntry `msgpack:"r"`
	NextActiveNodes  ActiveNodes       `msgpack:"n"`
}

func (s *Snapshot) Hash() Hash {
	return MustHashOf(s)
}

// IsZero reports whether s is the genesis snapshot
func (s *Snapshot) IsZero() bool {
	return s.LastSnapshot.Empty() && len(s.CheckpointBlocks) == 0
}

// SortReputation orders entries by id for deterministic hashing
func SortReputation(entries []ReputationEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
}

// StoredSnapshot is the self contained persisted form of a snapshot
type StoredSnapshot struct {
	Snapshot Snapshot          `msgpack:"s"`
	Blocks   []CheckpointCache `msgpack:"c"`
}

func (s *StoredSnapshot) Marshal() ([]byte, error) {
	d, err := msgpack.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling stored snapshot")
	}

	return d, nil
}

func (s *StoredSnapshot) Unmarshal(d []byte) error {
	return msgpack.Unmarshal(d, s)
}

// SnapshotInfo is the full resumable node state written alongside each
// snapshot and consumed by rollback
type SnapshotInfo struct {
	Stored                  StoredSnapshot    `msgpack:"s"`
	AcceptedCBSinceSnapshot []Hash            `msgpack:"a"`
	LastSnapshotHeight      uint64            `msgpack:"h"`
	SnapshotHashes          []Hash            `msgpack:"sh"`
	AddressBalances         map[Address]int64 `msgpack:"ab"`
	Tips                    map[Hash]TipData  `msgpack:"t"`
	LastAcceptedTxRef       map[Address]TxRef `msgpack:"lr"`
}

func (s *SnapshotInfo) Marshal() ([]byte, error) {
	d, err := msgpack.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling snapshot info")
	}

	return d, nil
}

func (s *SnapshotInfo) Unmarshal(d []byte) error {
	return msgpack.Unmarshal(d, s)
}

// GenesisObservation is the bootstrap state a rollback restores from
type GenesisObservation struct {
	Balances map[Address]int64 `msgpack:"b"`
	Block    *CheckpointBlock  `msgpack:"g"`
}
