package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/qiniu/x/log"
	"github.com/spf13/cobra"

	"github.com/plugbundle/plugbundle/internal/bundle"
	"github.com/plugbundle/plugbundle/internal/config"
	"github.com/plugbundle/plugbundle/pkgs/format"
	"github.com/plugbundle/plugbundle/pkgs/target"
)

var (
	bundlePlugin  string
	bundleTargets []string
	bundleClap    bool
	bundleVst3    string
	bundleAuv2    bool
	bundleInstall bool
	bundleSystem  bool
	bundleProfile string
	bundleJobs    int
	bundleTimeout time.Duration
	bundleConfig  string
	bundleVerbose bool
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Build and package plugin bundles for one or more targets",
	Long:  `Bundle wraps the plugin's pre-built static library into the requested plugin formats, once per target triple, and optionally installs the results.`,
	RunE:  runBundle,
}

func init() {
	initBundleFlags(bundleCmd)
	bundleCmd.MarkFlagRequired("plugin")
	rootCmd.AddCommand(bundleCmd)
}

func initBundleFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&bundlePlugin, "plugin", "p", "", "Plugin to bundle (required)")
	f.StringArrayVar(&bundleTargets, "target", nil, "Target triple to build for (repeatable, defaults to the host)")
	f.BoolVar(&bundleClap, "clap", false, "Build the CLAP bundle")
	f.StringVar(&bundleVst3, "vst3", "", "Build the VST3 bundle, acknowledging the SDK license (--vst3=gpl or --vst3=proprietary)")
	f.BoolVar(&bundleAuv2, "auv2", false, "Build the AUv2 component (macos targets only)")
	f.BoolVar(&bundleInstall, "install", false, "Install bundles into the output tree")
	f.BoolVar(&bundleSystem, "system", false, "Also install host-loadable bundles into the system plugin folders")
	f.StringVar(&bundleProfile, "profile", "", "Build profile the static library was compiled with")
	f.IntVar(&bundleJobs, "jobs", 0, "Number of targets to build concurrently")
	f.DurationVar(&bundleTimeout, "timeout", 0, "Wall-clock ceiling per target build")
	f.StringVar(&bundleConfig, "config", "", "Config file (default plugbundle.yaml if present)")
	f.BoolVarP(&bundleVerbose, "verbose", "v", false, "Stream build output")

	// --vst3 without a value must surface as a missing acknowledgment,
	// not a flag parse error.
	f.Lookup("vst3").NoOptDefVal = " "
}

func runBundle(cmd *cobra.Command, args []string) error {
	if bundleVerbose {
		log.SetOutputLevel(log.Ldebug)
	}

	cfg, err := config.Load(bundleConfig)
	if err != nil {
		return err
	}
	applyOverrides(&cfg)

	formats, err := requestedFormats(cmd)
	if err != nil {
		return err
	}

	host, err := target.Host()
	if err != nil {
		return err
	}
	o := bundle.New(cfg, host)
	if bundleVerbose {
		o.Stream(os.Stderr)
	}

	outcomes, err := o.Run(cmd.Context(), bundle.Request{
		Plugin:  bundlePlugin,
		Targets: bundleTargets,
		Formats: formats,
		Install: bundleInstall,
		System:  bundleSystem,
	})
	report(outcomes)
	return err
}

// applyOverrides lets explicit flags win over the config file.
func applyOverrides(cfg *config.Config) {
	if bundleProfile != "" {
		cfg.Profile = bundleProfile
	}
	if bundleJobs > 0 {
		cfg.Jobs = bundleJobs
	}
	if bundleTimeout > 0 {
		cfg.Timeout = bundleTimeout
	}
}

// requestedFormats maps the format flags onto format requests. The VST3
// license tag travels with its flag value.
func requestedFormats(cmd *cobra.Command) ([]format.Request, error) {
	var reqs []format.Request
	if bundleClap {
		reqs = append(reqs, format.Request{Format: format.CLAP})
	}
	if cmd.Flags().Changed("vst3") {
		license, err := format.ParseLicense(strings.TrimSpace(bundleVst3))
		if err != nil {
			return nil, fmt.Errorf("--vst3: %w", err)
		}
		reqs = append(reqs, format.Request{Format: format.VST3, License: license})
	}
	if bundleAuv2 {
		reqs = append(reqs, format.Request{Format: format.AUV2})
	}
	return reqs, nil
}

// report prints one line per outcome, plus the log tail of every failure
// so a multi-target run shows the full picture in one place.
func report(outcomes []bundle.Outcome) {
	for _, oc := range outcomes {
		if oc.Success {
			fmt.Printf("ok   %s\n", oc.Target)
			for _, a := range oc.Artifacts {
				fmt.Printf("     %s\n", a)
			}
			continue
		}
		fmt.Printf("FAIL %s: %v\n", oc.Target, oc.Err)
		if tail := logTail(oc.Log, 20); tail != "" {
			fmt.Fprintln(os.Stderr, tail)
		}
	}
}

// logTail returns the last n lines of a captured build log.
func logTail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
