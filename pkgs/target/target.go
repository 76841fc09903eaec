package target

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// OS is the operating system component of a target triple.
type OS string

const (
	Linux   OS = "linux"
	Windows OS = "windows"
	MacOS   OS = "macos"
)

// Arch is the CPU architecture component of a target triple.
type Arch string

const (
	X86_64  Arch = "x86_64"
	AArch64 Arch = "aarch64"
	// Universal is the macOS fat-binary sentinel (x86_64 + arm64 in one bundle).
	Universal Arch = "universal"
)

// Env is the ABI environment component of a target triple.
type Env string

const (
	EnvNone Env = ""
	Gnu     Env = "gnu"
	Musl    Env = "musl"
	Msvc    Env = "msvc"
)

var (
	ErrUnknownOS          = errors.New("unknown operating system")
	ErrUnknownArch        = errors.New("unknown architecture")
	ErrUnknownEnv         = errors.New("unknown abi environment")
	ErrIllegalCombination = errors.New("illegal target combination")
)

// Triple identifies a build target: operating system, CPU architecture
// and ABI variant. Immutable once parsed.
type Triple struct {
	OS   OS
	Arch Arch
	Env  Env

	// ABITag pins a minimum libc version for gnu targets (e.g. "2.31").
	ABITag string
}

// universalSentinel is the one triple string that does not follow the
// <arch>-<vendor>-<os> shape.
const universalSentinel = "universal-apple-darwin"

// Parse parses a target triple of the shape <arch>-<vendor>-<os>[-<env>][.<abiTag>],
// plus the literal sentinel "universal-apple-darwin".
// Parsing is deterministic: the same input always yields the same Triple
// or the same error kind.
func Parse(s string) (Triple, error) {
	if strings.EqualFold(s, universalSentinel) {
		return Triple{OS: MacOS, Arch: Universal}, nil
	}

	rest := s
	var abiTag string
	// A glibc pin follows the gnu environment: x86_64-unknown-linux-gnu.2.31
	if i := strings.Index(rest, "gnu."); i >= 0 {
		abiTag = rest[i+len("gnu."):]
		rest = rest[:i+len("gnu")]
	}

	parts := strings.Split(rest, "-")
	if len(parts) < 3 || len(parts) > 4 {
		return Triple{}, fmt.Errorf("%w: %s", ErrUnknownOS, s)
	}

	var t Triple
	switch parts[0] {
	case "x86_64", "amd64":
		t.Arch = X86_64
	case "aarch64", "arm64":
		t.Arch = AArch64
	case "universal":
		t.Arch = Universal
	default:
		return Triple{}, fmt.Errorf("%w: %s", ErrUnknownArch, parts[0])
	}

	osPart := parts[2]
	switch {
	case osPart == "linux":
		t.OS = Linux
	case osPart == "windows":
		t.OS = Windows
	case osPart == "darwin" || strings.HasPrefix(osPart, "macos"):
		t.OS = MacOS
	default:
		return Triple{}, fmt.Errorf("%w: %s", ErrUnknownOS, osPart)
	}

	if len(parts) == 4 {
		switch parts[3] {
		case "gnu":
			t.Env = Gnu
		case "musl":
			t.Env = Musl
		case "msvc":
			t.Env = Msvc
		default:
			return Triple{}, fmt.Errorf("%w: %s", ErrUnknownEnv, parts[3])
		}
	}
	t.ABITag = abiTag

	if t.Arch == Universal && t.OS != MacOS {
		return Triple{}, fmt.Errorf("%w: universal is only valid for macos (%s)", ErrIllegalCombination, s)
	}
	if t.ABITag != "" && t.Env != Gnu {
		return Triple{}, fmt.Errorf("%w: a libc version requires the gnu environment (%s)", ErrIllegalCombination, s)
	}

	return t, nil
}

// String returns the canonical triple string. The vendor is fixed per OS,
// so the result is stable across runs for the same input and is safe to
// use as a directory name.
func (t Triple) String() string {
	if t.Arch == Universal {
		return universalSentinel
	}

	var sb strings.Builder
	sb.WriteString(string(t.Arch))
	switch t.OS {
	case MacOS:
		sb.WriteString("-apple-darwin")
	case Windows:
		sb.WriteString("-pc-windows")
	default:
		sb.WriteString("-unknown-linux")
	}
	if t.Env != EnvNone {
		sb.WriteByte('-')
		sb.WriteString(string(t.Env))
	}
	if t.ABITag != "" {
		sb.WriteByte('.')
		sb.WriteString(t.ABITag)
	}
	return sb.String()
}

// CrossTriple returns the <arch>-<os>[-<env>][.<glibc>] string handed to
// the cross toolchain. Universal maps to both Apple slices, so the cross
// toolchain sees plain "macos" and the arch list is carried separately.
func (t Triple) CrossTriple() string {
	arch := t.Arch
	if arch == Universal {
		arch = AArch64
	}
	s := string(arch) + "-" + string(t.OS)
	if t.Env != EnvNone {
		s += "-" + string(t.Env)
	}
	if t.ABITag != "" {
		s += "." + t.ABITag
	}
	return s
}

// NeedsToolchain reports whether building for t on the given host requires
// a cross toolchain descriptor. A pinned libc always does: the host libc
// is whatever the host happens to run, never a contract.
func (t Triple) NeedsToolchain(host Triple) bool {
	if t.ABITag != "" {
		return true
	}
	if t.Arch == Universal {
		return host.OS != MacOS
	}
	return t.OS != host.OS || t.Arch != host.Arch || t.Env != host.Env
}

// Host returns the triple of the machine the process runs on, derived
// from the Go runtime. Callers detect it once at startup and pass it
// down explicitly so tests can substitute arbitrary hosts. A platform
// with no triple equivalent is an error, never a guessed triple.
func Host() (Triple, error) {
	return hostFrom(runtime.GOOS, runtime.GOARCH)
}

func hostFrom(goos, goarch string) (Triple, error) {
	var t Triple
	switch goos {
	case "windows":
		t.OS = Windows
		t.Env = Msvc
	case "darwin":
		t.OS = MacOS
	case "linux":
		t.OS = Linux
		t.Env = Gnu
	default:
		return Triple{}, fmt.Errorf("%w: host %s", ErrUnknownOS, goos)
	}
	switch goarch {
	case "amd64":
		t.Arch = X86_64
	case "arm64":
		t.Arch = AArch64
	default:
		return Triple{}, fmt.Errorf("%w: host %s", ErrUnknownArch, goarch)
	}
	return t, nil
}
