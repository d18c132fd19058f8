package checkpoint

import (
	"sync"

	"github.com/tcfw/hypergraph/pkg/types"
)

// AcceptedLog records the base hashes of blocks accepted since the
// last snapshot, in acceptance order
type AcceptedLog struct {
	mu     sync.Mutex
	hashes []types.Hash
}

func NewAcceptedLog() *AcceptedLog {
	return &AcceptedLog{}
}

func (a *AcceptedLog) Append(h types.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.hashes = append(a.hashes, h)
}

func (a *AcceptedLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.hashes)
}

func (a *AcceptedLog) Hashes() []types.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Hash, len(a.hashes))
	copy(out, a.hashes)

	return out
}

// RemoveAll drops hashes that were sealed into a snapshot
func (a *AcceptedLog) RemoveAll(sealed []types.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()

	drop := make(map[types.Hash]struct{}, len(sealed))
	for _, h := range sealed {
		drop[h] = struct{}{}
	}

	kept := a.hashes[:0]
	for _, h := range a.hashes {
		if _, ok := drop[h]; !ok {
			kept = append(kept, h)
		}
	}

	a.hashes = kept
}

// TrimTo keeps only the first n entries, the overflow recovery path
// when the log grows past its memory bound
func (a *AcceptedLog) TrimTo(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.hashes) > n {
		a.hashes = a.hashes[:n]
	}
}

func (a *AcceptedLog) Reset(hashes []types.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.hashes = make([]types.Hash, len(hashes))
	copy(a.hashes, hashes)
}
