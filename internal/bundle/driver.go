package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/plugbundle/plugbundle/internal/plan"
	"github.com/plugbundle/plugbundle/pkgs/format"
)

// Environment contract handed to the wrapper build. The wrapper's CMake
// project reads these keys; changing them is a breaking change.
const (
	envPluginName  = "PB_PLUGIN_NAME"
	envStaticLib   = "PB_PLUGIN_STATIC_LIB"
	envWantCLAP    = "PB_PLUGIN_WANT_CLAP"
	envWantVST3    = "PB_PLUGIN_WANT_VST3"
	envWantAUV2    = "PB_PLUGIN_WANT_AUV2"
	envVST3License = "PB_VST3_LICENSE"
	envCrossTarget = "PB_CROSS_TARGET"
	envOSXArch     = "PB_OSX_ARCH"
	envBuildType   = "PB_BUILD_TYPE"
)

// execute runs the configure and build phases for one plan and maps the
// result to an Outcome. A nonzero exit from either phase short-circuits;
// build failures are deterministic given identical inputs, so nothing is
// retried.
func (o *Orchestrator) execute(ctx context.Context, p *plan.Plan) Outcome {
	out := Outcome{
		Target:   p.Target,
		Formats:  format.Formats(p.Formats),
		ExitCode: -1,
	}

	var logBuf bytes.Buffer
	w := io.Writer(&logBuf)
	if o.stream != nil {
		w = io.MultiWriter(&logBuf, o.stream)
	}

	bs := o.newBuildSystem(p)
	bs.Output(w)
	applyEnv(bs.Env, p)

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	fail := func(phase string, err error) Outcome {
		out.ExitCode = bs.ExitCode()
		out.Log = logBuf.String()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.TimedOut = true
			out.Err = fmt.Errorf("%s of %s timed out after %v", phase, p.Target, p.Timeout)
			return out
		}
		out.Err = fmt.Errorf("failed to %s %s: %w", phase, p.Target, err)
		return out
	}

	if err := bs.Configure(ctx); err != nil {
		return fail("configure", err)
	}
	if err := bs.Build(ctx); err != nil {
		return fail("build", err)
	}

	out.Log = logBuf.String()
	out.ExitCode = bs.ExitCode()

	// Postcondition: the wrapper must have emitted one bundle per
	// requested format. A missing artifact after a zero exit is a
	// contract violation, surfaced loudly rather than skipped.
	artifacts, err := collectArtifacts(p)
	if err != nil {
		out.Err = err
		return out
	}

	out.Success = true
	out.Artifacts = artifacts
	return out
}

func applyEnv(set func(key, val string), p *plan.Plan) {
	set(envPluginName, p.Plugin)
	set(envStaticLib, p.StaticLib)
	set(envBuildType, buildType(p.Profile))

	for _, r := range p.Formats {
		switch r.Format {
		case format.CLAP:
			set(envWantCLAP, "1")
		case format.VST3:
			set(envWantVST3, "1")
			set(envVST3License, string(r.License))
		case format.AUV2:
			set(envWantAUV2, "1")
		}
	}

	if p.ToolchainFile != "" {
		set(envCrossTarget, p.Target.CrossTriple())
	}
	if p.OSXArchs != "" {
		set(envOSXArch, p.OSXArchs)
	}
}

// buildType maps the plugin's build profile onto the wrapper's CMake
// build type.
func buildType(profile string) string {
	switch profile {
	case "dev", "test":
		return "Debug"
	default:
		return "Release"
	}
}
