package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tcfw/hypergraph/pkg/types"
)

// DiskStore persists snapshots and snapshot info on the local machine
type DiskStore interface {
	WriteSnapshot(s *types.StoredSnapshot) error
	WriteSnapshotInfo(i *types.SnapshotInfo) error
	ReadSnapshot(h types.Hash) (*types.StoredSnapshot, error)
	ReadSnapshotInfo(h types.Hash) (*types.SnapshotInfo, error)
	RemoveOldestSnapshot() error
	UsableSpace() (uint64, error)
	SetLastMajorityState(height uint64, h types.Hash) error
}

// CloudStore is one ordered off-node backend holding sealed snapshots
// under "<height>-<hash>" keys
type CloudStore interface {
	PutSnapshot(ctx context.Context, key string, d []byte) error
	PutSnapshotInfo(ctx context.Context, key string, d []byte) error
	GetSnapshot(ctx context.Context, key string) ([]byte, error)
	GetSnapshotInfo(ctx context.Context, key string) ([]byte, error)
	Highest(ctx context.Context) (string, error)
}

func CloudKey(height uint64, h types.Hash) string {
	return fmt.Sprintf("%d-%s", height, h)
}

func ParseCloudKey(key string) (uint64, types.Hash, error) {
	parts := strings.SplitN(key, "-", 2)
	if len(parts) != 2 {
		return 0, "", errors.Errorf("malformed cloud key %q", key)
	}

	height, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", errors.Wrap(err, "parsing cloud key height")
	}

	return height, types.Hash(parts[1]), nil
}
