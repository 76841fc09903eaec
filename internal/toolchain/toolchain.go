package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/plugbundle/plugbundle/pkgs/target"
)

var (
	ErrNoToolchain   = errors.New("no cross toolchain available")
	ErrCMakeNotFound = errors.New("cmake is required for bundling, install it from https://cmake.org")
)

// minZigVersion is the oldest zig release whose cross targets the
// descriptors are written against.
const minZigVersion = "v0.14.0"

// supported lists the (os, arch) pairs a descriptor is shipped for.
// universal is covered by the macos descriptors of both slices.
var supported = map[target.OS][]target.Arch{
	target.Linux:   {target.X86_64, target.AArch64},
	target.MacOS:   {target.X86_64, target.AArch64, target.Universal},
	target.Windows: {target.X86_64, target.AArch64},
}

// File resolves the toolchain descriptor for cross-compiling to t from
// host. The descriptor name is fixed per cross triple, never assembled
// from ad hoc input, so an unsupported pair fails with ErrNoToolchain
// before any build is attempted.
func File(dir string, t target.Triple) (string, error) {
	archs, ok := supported[t.OS]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoToolchain, t)
	}
	found := false
	for _, a := range archs {
		if a == t.Arch {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrNoToolchain, t)
	}

	path := filepath.Join(dir, "zig-"+t.CrossTriple()+".cmake")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: descriptor %s not found", ErrNoToolchain, path)
	}
	return path, nil
}

// EnsureZig verifies that the zig cross toolchain is installed and recent
// enough. Only called when at least one plan needs a toolchain file.
func EnsureZig(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "zig", "version").Output()
	if err != nil {
		return fmt.Errorf("cross compilation requires zig (>= %s): %w", strings.TrimPrefix(minZigVersion, "v"), err)
	}
	v := "v" + strings.TrimSpace(string(out))
	if !semver.IsValid(v) || semver.Compare(v, minZigVersion) < 0 {
		return fmt.Errorf("cross compilation requires zig >= %s, found %s",
			strings.TrimPrefix(minZigVersion, "v"), strings.TrimSpace(string(out)))
	}
	return nil
}

// EnsureCMake verifies that cmake is on the PATH.
func EnsureCMake(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "cmake", "--version").Run(); err != nil {
		return ErrCMakeNotFound
	}
	return nil
}
