package internal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plugbundle/plugbundle/internal/config"
	"github.com/plugbundle/plugbundle/internal/toolchain"
	"github.com/plugbundle/plugbundle/pkgs/target"
)

var targetsConfig string

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List supported target triples",
	Long:  `Targets lists every triple this bundler can build for, and whether the host can build it natively or has a cross toolchain descriptor installed.`,
	RunE:  runTargets,
}

func init() {
	targetsCmd.Flags().StringVar(&targetsConfig, "config", "", "Config file (default plugbundle.yaml if present)")
	rootCmd.AddCommand(targetsCmd)
}

// knownTriples is the matrix the toolchain descriptors are shipped for.
var knownTriples = []string{
	"x86_64-unknown-linux-gnu",
	"aarch64-unknown-linux-gnu",
	"x86_64-unknown-linux-musl",
	"aarch64-unknown-linux-musl",
	"x86_64-pc-windows-msvc",
	"aarch64-pc-windows-msvc",
	"x86_64-apple-darwin",
	"aarch64-apple-darwin",
	"universal-apple-darwin",
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(targetsConfig)
	if err != nil {
		return err
	}
	host, err := target.Host()
	if err != nil {
		return err
	}

	for _, s := range knownTriples {
		t, err := target.Parse(s)
		if err != nil {
			return err
		}
		status := "native"
		if t.NeedsToolchain(host) {
			if _, err := toolchain.File(cfg.ToolchainDir, t); err != nil {
				status = "no toolchain descriptor"
			} else {
				status = "cross"
			}
		}
		fmt.Printf("%-30s %s\n", t, status)
	}
	return nil
}
