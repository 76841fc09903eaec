package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/plugbundle/plugbundle/internal/plan"
	"github.com/plugbundle/plugbundle/pkgs/format"
	"github.com/plugbundle/plugbundle/pkgs/target"
)

var ErrNoSystemFolder = errors.New("no system plugin folder for this format on this platform")

// SystemFolder returns the conventional per-user plugin folder for a
// format, where host applications discover installed bundles.
func SystemFolder(f format.Format, osName target.OS) (string, error) {
	switch osName {
	case target.Windows:
		programFiles := os.Getenv("PROGRAMFILES")
		if programFiles == "" || f == format.AUV2 {
			return "", fmt.Errorf("%w: %s on %s", ErrNoSystemFolder, f, osName)
		}
		switch f {
		case format.CLAP:
			return filepath.Join(programFiles, "Common Files", "CLAP"), nil
		default:
			return filepath.Join(programFiles, "Common Files", "VST3"), nil
		}
	case target.MacOS:
		home := os.Getenv("HOME")
		if home == "" {
			return "", fmt.Errorf("%w: %s on %s", ErrNoSystemFolder, f, osName)
		}
		base := filepath.Join(home, "Library", "Audio", "Plug-Ins")
		switch f {
		case format.CLAP:
			return filepath.Join(base, "CLAP"), nil
		case format.VST3:
			return filepath.Join(base, "VST3"), nil
		default:
			return filepath.Join(base, "Components"), nil
		}
	default:
		home := os.Getenv("HOME")
		if home == "" || f == format.AUV2 {
			return "", fmt.Errorf("%w: %s on %s", ErrNoSystemFolder, f, osName)
		}
		switch f {
		case format.CLAP:
			return filepath.Join(home, ".clap"), nil
		default:
			return filepath.Join(home, ".vst3"), nil
		}
	}
}

// hostSupported reports whether bundles built for t can run on the host,
// so a --system install only picks up loadable plugins.
func hostSupported(t, host target.Triple) bool {
	if t.Arch == target.Universal {
		return host.OS == target.MacOS
	}
	return t.OS == host.OS && t.Arch == host.Arch
}

// installSystem copies the pipeline's bundles into the host's system
// plugin folders. Skipped silently for targets the host cannot load.
func installSystem(p *plan.Plan, host target.Triple) error {
	if !hostSupported(p.Target, host) {
		return nil
	}
	for _, r := range p.Formats {
		folder, err := SystemFolder(r.Format, host.OS)
		if err != nil {
			return err
		}
		src := wrapperArtifact(p, r.Format)
		dst := filepath.Join(folder, p.Plugin+"."+r.Format.Extension())
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return err
		}
		if err := atomicCopy(src, dst); err != nil {
			return fmt.Errorf("failed to install %s to %s: %w", r.Format, folder, err)
		}
	}
	return nil
}
