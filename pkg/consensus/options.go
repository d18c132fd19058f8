package consensus

import (
	"github.com/tcfw/hypergraph/pkg/checkpoint"
	"github.com/tcfw/hypergraph/pkg/cryptography"
	"github.com/tcfw/hypergraph/pkg/mempool"
)

type Option func(*Manager) error

func WithSigningKey(key *cryptography.Bls12381PrivateKey) Option {
	return func(m *Manager) error {
		m.key = key
		return nil
	}
}

func WithDirectory(d Directory) Option {
	return func(m *Manager) error {
		m.directory = d
		return nil
	}
}

func WithMemPools(txs *mempool.PendingTransactions, obs *mempool.Observations) Option {
	return func(m *Manager) error {
		m.txPool = txs
		m.obsPool = obs
		return nil
	}
}

func WithCheckpointing(store *checkpoint.Store, tips *checkpoint.TipService, acceptance *checkpoint.Acceptance) Option {
	return func(m *Manager) error {
		m.store = store
		m.tips = tips
		m.acceptance = acceptance
		return nil
	}
}

func WithConfig(cfg Config) Option {
	return func(m *Manager) error {
		m.cfg = cfg
		return nil
	}
}
