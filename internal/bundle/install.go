package bundle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/plugbundle/plugbundle/internal/plan"
	"github.com/plugbundle/plugbundle/pkgs/format"
)

var ErrArtifactNotProduced = errors.New("bundle artifact not produced by the wrapper")

// wrapperArtifact is the location convention owned by the wrapping
// library: one bundle per format under wrapper-output.
func wrapperArtifact(p *plan.Plan, f format.Format) string {
	return filepath.Join(p.BuildDir, "wrapper-output", p.Plugin, p.Plugin+"."+f.Extension())
}

// collectArtifacts verifies that the wrapper emitted every requested
// bundle and returns their build-tree paths in request order.
func collectArtifacts(p *plan.Plan) ([]string, error) {
	out := make([]string, 0, len(p.Formats))
	for _, r := range p.Formats {
		path := wrapperArtifact(p, r.Format)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s missing at %s", ErrArtifactNotProduced, r.Format, path)
		}
		out = append(out, path)
	}
	return out, nil
}

// install copies each produced bundle into the plan's output directory
// and returns the final paths in request order. Each artifact is staged
// under a temporary name inside the destination directory and renamed
// into place, so a crash mid-copy never leaves a partial bundle visible
// under its final name.
func install(p *plan.Plan) ([]string, error) {
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return nil, err
	}

	installed := make([]string, 0, len(p.Formats))
	for _, r := range p.Formats {
		src := wrapperArtifact(p, r.Format)
		if _, err := os.Stat(src); err != nil {
			return nil, fmt.Errorf("%w: %s missing at %s", ErrArtifactNotProduced, r.Format, src)
		}

		name := p.Plugin + "." + r.Format.Extension()
		final := filepath.Join(p.OutputDir, name)
		if err := atomicCopy(src, final); err != nil {
			return nil, fmt.Errorf("failed to install %s: %w", name, err)
		}
		installed = append(installed, final)
	}
	return installed, nil
}

// atomicCopy stages src under a dot-temp path next to dst, then renames
// it into place. src may be a file or a bundle directory.
func atomicCopy(src, dst string) error {
	stage, err := os.MkdirTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	staged := filepath.Join(stage, filepath.Base(dst))
	if err := copyPath(src, staged); err != nil {
		return err
	}

	// An older bundle under the final name cannot be renamed over on
	// every platform, drop it first.
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(staged, dst)
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.CopyFS(dst, os.DirFS(src))
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
