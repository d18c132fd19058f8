package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rootCmd = &cobra.Command{
		Use:   "hypergraph",
		Short: "DAG checkpoint block consensus node",
	}
)

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
