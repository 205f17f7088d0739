package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var paramsFile string
	root := &cobra.Command{
		Use:          "perpvault",
		Short:        "Leveraged long vault core with a two-phase action protocol",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&paramsFile, "config", "", "protocol parameter file (YAML), overrides PERP_PARAMS_FILE")
	root.AddCommand(newServeCmd(&paramsFile), newMigrateCmd())
	return root
}
