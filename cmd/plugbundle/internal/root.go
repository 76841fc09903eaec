package internal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/qiniu/x/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "plugbundle",
	Short:        "plugbundle packages a compiled audio plugin into distribution bundles",
	Long:         `plugbundle takes a plugin's compiled static library and produces installable CLAP, VST3 and AUv2 bundles for one or more target platforms.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// An operator interrupt must reach every in-flight external build
	// process before the program exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
