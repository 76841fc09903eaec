package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/plugbundle/plugbundle/internal/config"
	"github.com/plugbundle/plugbundle/internal/toolchain"
	"github.com/plugbundle/plugbundle/pkgs/format"
	"github.com/plugbundle/plugbundle/pkgs/target"
)

var ErrStaticLibMissing = errors.New("plugin static library not found")

// Plan is everything one wrapper build needs, derived once per
// (plugin, target, formats) tuple and consumed exactly once by the
// build driver. Immutable after New returns.
type Plan struct {
	Plugin  string
	Target  target.Triple
	Formats []format.Request

	// StaticLib is the plugin's pre-built static library for the profile.
	StaticLib string

	// WrapperSource is the format wrapper's CMake project.
	WrapperSource string

	// ToolchainFile is empty for native builds.
	ToolchainFile string

	// BuildDir is the wrapper's build tree, disjoint per triple.
	BuildDir string

	// OutputDir is <installRoot>/<triple>; its layout is an external
	// contract, stable across runs for the same inputs.
	OutputDir string

	// OSXArchs is the CMAKE_OSX_ARCHITECTURES value, empty off macos.
	OSXArchs string

	Profile string
	Timeout time.Duration
}

// New derives the build plan. Pure over its inputs except for the single
// existence check on the static library: compiling the plugin itself is
// an upstream collaborator's job, never triggered here.
func New(plugin string, t target.Triple, reqs []format.Request, cfg config.Config, host target.Triple) (*Plan, error) {
	p := &Plan{
		Plugin:        plugin,
		Target:        t,
		Formats:       reqs,
		StaticLib:     StaticLibPath(cfg.BuildRoot, plugin, t, cfg.Profile),
		WrapperSource: cfg.WrapperDir,
		BuildDir:      filepath.Join(cfg.BuildRoot, "wrapper", t.String()),
		OutputDir:     filepath.Join(cfg.InstallRoot, t.String()),
		OSXArchs:      osxArchs(t),
		Profile:       cfg.Profile,
		Timeout:       cfg.Timeout,
	}

	if _, err := os.Stat(p.StaticLib); err != nil {
		return nil, fmt.Errorf("%w: %s (built for profile %q?)", ErrStaticLibMissing, p.StaticLib, cfg.Profile)
	}

	if t.NeedsToolchain(host) {
		file, err := toolchain.File(cfg.ToolchainDir, t)
		if err != nil {
			return nil, err
		}
		p.ToolchainFile = file
	}

	return p, nil
}

// StaticLibPath returns the conventional location of the plugin's
// compiled static library: <buildRoot>/<triple>/<profileDir>/<libname>.
func StaticLibPath(buildRoot, plugin string, t target.Triple, profile string) string {
	name := strings.ReplaceAll(plugin, "-", "_")
	var filename string
	if t.OS == target.Windows && t.Env == target.Msvc {
		filename = name + ".lib"
	} else {
		filename = "lib" + name + ".a"
	}
	return filepath.Join(buildRoot, t.String(), profileDir(profile), filename)
}

// profileDir maps a build profile to its artifact directory name.
func profileDir(profile string) string {
	switch profile {
	case "release", "bench":
		return "release"
	case "dev", "test":
		return "debug"
	default:
		return profile
	}
}

func osxArchs(t target.Triple) string {
	if t.OS != target.MacOS {
		return ""
	}
	switch t.Arch {
	case target.Universal:
		return "x86_64;arm64"
	case target.AArch64:
		return "arm64"
	default:
		return "x86_64"
	}
}
