package format

import (
	"errors"
	"fmt"
	"strings"

	"github.com/plugbundle/plugbundle/pkgs/target"
)

// Format is a plugin distribution format.
type Format string

const (
	// CLAP is the self-describing native format, legal on every platform.
	CLAP Format = "clap"
	// VST3 wraps the plugin for the third-party VST3 SDK. Requesting it
	// requires an explicit license acknowledgment.
	VST3 Format = "vst3"
	// AUV2 is the macOS-only Audio Unit component format.
	AUV2 Format = "auv2"
)

// License identifies which VST3 SDK license terms the builder accepts.
type License string

const (
	LicenseNone        License = ""
	LicenseGPL         License = "gpl"
	LicenseProprietary License = "proprietary"
)

var (
	ErrMissingLicense         = errors.New("vst3 requires a license acknowledgment (gpl or proprietary)")
	ErrUnknownLicense         = errors.New("unknown vst3 license")
	ErrNotSupportedOnPlatform = errors.New("format not supported on platform")
	ErrNoFormatsRequested     = errors.New("no plugin formats requested")
)

// Extension returns the bundle extension for the format.
func (f Format) Extension() string {
	if f == AUV2 {
		return "component"
	}
	return string(f)
}

// Request pairs a requested format with its license state. The license is
// meaningful only for VST3.
type Request struct {
	Format  Format
	License License
}

// ParseLicense validates a VST3 license tag. The empty tag is a missing
// acknowledgment, never a default accept.
func ParseLicense(s string) (License, error) {
	switch strings.ToLower(s) {
	case "":
		return LicenseNone, ErrMissingLicense
	case "gpl":
		return LicenseGPL, nil
	case "proprietary":
		return LicenseProprietary, nil
	default:
		return LicenseNone, fmt.Errorf("%w: %q", ErrUnknownLicense, s)
	}
}

// Select validates the requested formats against the resolved target.
// The result is deduplicated by format and ordered clap, vst3, auv2 so
// downstream paths are stable. An empty request set is legal here; the
// CLI boundary rejects it before a pipeline is built.
func Select(reqs []Request, t target.Triple) ([]Request, error) {
	seen := make(map[Format]Request, len(reqs))
	for _, r := range reqs {
		switch r.Format {
		case VST3:
			if r.License == LicenseNone {
				return nil, ErrMissingLicense
			}
			if r.License != LicenseGPL && r.License != LicenseProprietary {
				return nil, fmt.Errorf("%w: %q", ErrUnknownLicense, r.License)
			}
		case AUV2:
			if t.OS != target.MacOS {
				return nil, fmt.Errorf("%w: auv2 requires macos, got %s", ErrNotSupportedOnPlatform, t)
			}
		case CLAP:
		default:
			return nil, fmt.Errorf("unknown format %q", r.Format)
		}
		seen[r.Format] = r
	}

	var out []Request
	for _, f := range []Format{CLAP, VST3, AUV2} {
		if r, ok := seen[f]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Formats returns just the format names of a request set.
func Formats(reqs []Request) []Format {
	out := make([]Format, len(reqs))
	for i, r := range reqs {
		out[i] = r.Format
	}
	return out
}
