package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tcfw/hypergraph/internal/node"
	"github.com/tcfw/hypergraph/pkg/types"
)

var (
	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		RunE:  runRollback,
		Short: "restore node state from the cloud backends",
	}

	rollbackHeight uint64
	rollbackHash   string
)

func init() {
	rollbackCmd.Flags().Uint64Var(&rollbackHeight, "height", 0, "snapshot height to restore")
	rollbackCmd.Flags().StringVar(&rollbackHash, "hash", "", "snapshot hash to restore")
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.NewNode(ctx)
	if err != nil {
		return errors.Wrap(err, "initing node")
	}
	defer n.Stop()

	if rollbackHeight == 0 || rollbackHash == "" {
		return n.Rollback().RestoreHighest(ctx)
	}

	return n.Rollback().Restore(ctx, rollbackHeight, types.Hash(rollbackHash))
}
