package storage

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/hypergraph/pkg/types"
)

const (
	cacheSize = 1 << 20 * 100

	snapshotDir     = "snapshot"
	snapshotInfoDir = "snapshot_info"
)

type metadataKeyType byte

const (
	majorityStateTPrefix metadataKeyType = iota + 1
)

func typedKey(kType metadataKeyType, parts ...string) []byte {
	k := []byte{byte(kType)}
	for _, p := range parts {
		k = append(k, ':')
		k = append(k, []byte(p)...)
	}

	return k
}

var (
	ErrDiskLimit = errors.New("snapshot disk limit reached")
)

// Disk persists snapshots as flat files under the data directory and
// keeps the majority state index in a pebble store alongside
type Disk struct {
	base  string
	limit uint64
	log   *logrus.Entry

	metadata *pebble.DB
}

func NewDisk(base string, limit uint64, log *logrus.Entry) (*Disk, error) {
	for _, dir := range []string{snapshotDir, snapshotInfoDir} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o755); err != nil {
			return nil, errors.Wrap(err, "creating snapshot dirs")
		}
	}

	m, err := metadataStore(filepath.Join(base, "metadata"))
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata store")
	}

	return &Disk{
		base:     base,
		limit:    limit,
		log:      log,
		metadata: m,
	}, nil
}

func metadataStore(repo string) (*pebble.DB, error) {
	c := pebble.NewCache(cacheSize)
	tc := pebble.NewTableCache(c, 16, 100)
	defer tc.Unref()
	defer c.Unref()

	return pebble.Open(repo, &pebble.Options{Cache: c, TableCache: tc})
}

func (d *Disk) Close() error {
	return d.metadata.Close()
}

func (d *Disk) WriteSnapshot(s *types.StoredSnapshot) error {
	b, err := s.Marshal()
	if err != nil {
		return err
	}

	if err := d.checkLimit(uint64(len(b))); err != nil {
		return err
	}

	p := filepath.Join(d.base, snapshotDir, string(s.Snapshot.Hash()))

	return errors.Wrap(ioutil.WriteFile(p, b, 0o644), "writing snapshot")
}

func (d *Disk) WriteSnapshotInfo(i *types.SnapshotInfo) error {
	b, err := i.Marshal()
	if err != nil {
		return err
	}

	if err := d.checkLimit(uint64(len(b))); err != nil {
		return err
	}

	p := filepath.Join(d.base, snapshotInfoDir, string(i.Stored.Snapshot.Hash()))

	return errors.Wrap(ioutil.WriteFile(p, b, 0o644), "writing snapshot info")
}

func (d *Disk) ReadSnapshot(h types.Hash) (*types.StoredSnapshot, error) {
	b, err := ioutil.ReadFile(filepath.Join(d.base, snapshotDir, string(h)))
	if err != nil {
		return nil, errors.Wrap(err, "reading snapshot")
	}

	s := &types.StoredSnapshot{}
	if err := s.Unmarshal(b); err != nil {
		return nil, err
	}

	return s, nil
}

func (d *Disk) ReadSnapshotInfo(h types.Hash) (*types.SnapshotInfo, error) {
	b, err := ioutil.ReadFile(filepath.Join(d.base, snapshotInfoDir, string(h)))
	if err != nil {
		return nil, errors.Wrap(err, "reading snapshot info")
	}

	i := &types.SnapshotInfo{}
	if err := i.Unmarshal(b); err != nil {
		return nil, err
	}

	return i, nil
}

// checkLimit enforces the configured snapshot disk limit, zero
// disables it
func (d *Disk) checkLimit(incoming uint64) error {
	if d.limit == 0 {
		return nil
	}

	used, err := d.dirSize(filepath.Join(d.base, snapshotDir))
	if err != nil {
		return err
	}

	if used+incoming > d.limit {
		return ErrDiskLimit
	}

	return nil
}

func (d *Disk) dirSize(dir string) (uint64, error) {
	var total uint64

	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "listing snapshot dir")
	}

	for _, e := range entries {
		total += uint64(e.Size())
	}

	return total, nil
}

// RemoveOldestSnapshot frees space by dropping the least recently
// written snapshot and its info file
func (d *Disk) RemoveOldestSnapshot() error {
	dir := filepath.Join(d.base, snapshotDir)

	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "listing snapshot dir")
	}

	if len(entries) == 0 {
		return nil
	}

	oldest := entries[0]
	for _, e := range entries[1:] {
		if e.ModTime().Before(oldest.ModTime()) {
			oldest = e
		}
	}

	d.log.WithField("snapshot", oldest.Name()).Info("removing old snapshot")

	if err := os.Remove(filepath.Join(dir, oldest.Name())); err != nil {
		return errors.Wrap(err, "removing snapshot")
	}

	// drop the matching info file too, ignore if already gone
	os.Remove(filepath.Join(d.base, snapshotInfoDir, oldest.Name()))

	return nil
}

func (d *Disk) UsableSpace() (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.base, &stat); err != nil {
		return 0, errors.Wrap(err, "statfs data dir")
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}

// SetLastMajorityState persists the height to hash mapping the node
// last agreed on
func (d *Disk) SetLastMajorityState(height uint64, h types.Hash) error {
	hb := make([]byte, 8)
	binary.BigEndian.PutUint64(hb, height)

	k := typedKey(majorityStateTPrefix, string(hb))

	if err := d.metadata.Set(k, []byte(h), &pebble.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "storing majority state")
	}

	return nil
}

// LastMajorityState returns the highest recorded majority state
func (d *Disk) LastMajorityState() (uint64, types.Hash, error) {
	iter := d.metadata.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(majorityStateTPrefix)},
		UpperBound: []byte{byte(majorityStateTPrefix) + 1},
	})
	defer iter.Close()

	if !iter.Last() {
		return 0, "", pebble.ErrNotFound
	}

	k := iter.Key()
	if len(k) < 10 {
		return 0, "", errors.New("malformed majority state key")
	}

	height := binary.BigEndian.Uint64(k[2:10])
	h := types.Hash(iter.Value())

	return height, h, nil
}
