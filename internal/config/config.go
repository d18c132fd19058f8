package config

import (
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tcfw/hypergraph/pkg/consensus"
	"github.com/tcfw/hypergraph/pkg/snapshot"
)

const (
	Cfg_consensus_maxTransactionThreshold = "consensus.maxTransactionThreshold"
	Cfg_consensus_maxObservationThreshold = "consensus.maxObservationThreshold"
	Cfg_consensus_roundTimeout            = "consensus.roundTimeout"
	Cfg_consensus_stageTimeout            = "consensus.stageTimeout"
	Cfg_consensus_maxParallelRounds       = "consensus.maxParallelRounds"
	Cfg_consensus_ownRoundCooldown        = "consensus.ownRoundCooldown"

	Cfg_snapshot_heightInterval        = "snapshot.snapshotHeightInterval"
	Cfg_snapshot_heightDelayInterval   = "snapshot.snapshotHeightDelayInterval"
	Cfg_snapshot_peersRotationInterval = "snapshot.activePeersRotationInterval"
	Cfg_snapshot_sizeDiskLimit         = "snapshot.sizeDiskLimit"
	Cfg_snapshot_maxAcceptedCBHashes   = "snapshot.maxAcceptedCBHashesInMemory"
	Cfg_snapshot_initialActiveNodes    = "snapshot.initialActiveFullNodes"
	Cfg_snapshot_attemptInterval       = "snapshot.attemptInterval"

	Cfg_schema_v1_snapshotInfo = "schema.v1.snapshotInfo"

	Cfg_storage_enabled = "storage.enabled"
	Cfg_storage_dataDir = "storage.dataDir"

	Cfg_node_key = "node.key"
)

var (
	defaults = map[string]interface{}{
		"verbose": false,

		Cfg_consensus_maxTransactionThreshold: 50,
		Cfg_consensus_maxObservationThreshold: 50,
		Cfg_consensus_roundTimeout:            30 * time.Second,
		Cfg_consensus_stageTimeout:            10 * time.Second,
		Cfg_consensus_maxParallelRounds:       3,
		Cfg_consensus_ownRoundCooldown:        5 * time.Second,

		Cfg_snapshot_heightInterval:        2,
		Cfg_snapshot_heightDelayInterval:   4,
		Cfg_snapshot_peersRotationInterval: 10,
		Cfg_snapshot_sizeDiskLimit:         0,
		Cfg_snapshot_maxAcceptedCBHashes:   5000,
		Cfg_snapshot_attemptInterval:       10 * time.Second,

		Cfg_schema_v1_snapshotInfo: 0,

		Cfg_storage_enabled: false,
		Cfg_storage_dataDir: "data",
	}
)

func init() {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

type Config struct {
	consensus consensus.Config
	snapshot  snapshot.Config

	dataDir         string
	cloudEnabled    bool
	v1MaxHeight     uint64
	attemptInterval time.Duration
}

func GetConfig() (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigName("hypergraph")
	viper.AddConfigPath("/etc/hypergraph/")
	viper.AddConfigPath("$HOME/.hypergraph")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("HYPERGRAPH")
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
			logrus.New().Warnf("no config found")
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	c := &Config{
		consensus: consensus.Config{
			MaxTransactionThreshold: viper.GetInt(Cfg_consensus_maxTransactionThreshold),
			MaxObservationThreshold: viper.GetInt(Cfg_consensus_maxObservationThreshold),
			RoundTimeout:            viper.GetDuration(Cfg_consensus_roundTimeout),
			StageTimeout:            viper.GetDuration(Cfg_consensus_stageTimeout),
			MaxParallelRounds:       viper.GetInt(Cfg_consensus_maxParallelRounds),
			OwnRoundCooldown:        viper.GetDuration(Cfg_consensus_ownRoundCooldown),
		},
		snapshot: snapshot.Config{
			HeightInterval:              viper.GetUint64(Cfg_snapshot_heightInterval),
			DelayInterval:               viper.GetUint64(Cfg_snapshot_heightDelayInterval),
			RotationInterval:            viper.GetUint64(Cfg_snapshot_peersRotationInterval),
			MaxAcceptedCBHashesInMemory: viper.GetInt(Cfg_snapshot_maxAcceptedCBHashes),
			SizeDiskLimit:               viper.GetUint64(Cfg_snapshot_sizeDiskLimit),
			InitialActiveFullNodes:      initialActiveNodes(),
		},
		dataDir:         viper.GetString(Cfg_storage_dataDir),
		cloudEnabled:    viper.GetBool(Cfg_storage_enabled),
		v1MaxHeight:     viper.GetUint64(Cfg_schema_v1_snapshotInfo),
		attemptInterval: viper.GetDuration(Cfg_snapshot_attemptInterval),
	}

	if viper.GetBool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.WithField("level", "debug").Debug("setting log level")
	}

	return c, nil
}

func initialActiveNodes() []peer.ID {
	raw := viper.GetStringSlice(Cfg_snapshot_initialActiveNodes)

	ids := make([]peer.ID, 0, len(raw))
	for _, r := range raw {
		id, err := peer.Decode(r)
		if err != nil {
			logrus.WithError(err).WithField("peer", r).Warn("skipping invalid initial active node")
			continue
		}
		ids = append(ids, id)
	}

	return ids
}

func (c *Config) Consensus() consensus.Config {
	return c.consensus
}

func (c *Config) Snapshot() snapshot.Config {
	return c.snapshot
}

func (c *Config) DataDir() string {
	return c.dataDir
}

func (c *Config) CloudEnabled() bool {
	return c.cloudEnabled
}

func (c *Config) V1MaxHeight() uint64 {
	return c.v1MaxHeight
}

func (c *Config) SnapshotAttemptInterval() time.Duration {
	return c.attemptInterval
}
