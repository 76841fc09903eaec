package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plugbundle/plugbundle/internal/config"
	"github.com/plugbundle/plugbundle/internal/plan"
	"github.com/plugbundle/plugbundle/pkgs/buildsys"
	"github.com/plugbundle/plugbundle/pkgs/format"
	"github.com/plugbundle/plugbundle/pkgs/target"
)

var linuxHost = target.Triple{OS: target.Linux, Arch: target.X86_64, Env: target.Gnu}

// fakeBuild is a BuildSystem that emits wrapper artifacts into the build
// tree instead of invoking cmake.
type fakeBuild struct {
	p   *plan.Plan
	out io.Writer
	env map[string]string

	failConfigure bool
	failBuild     bool
	skip          map[format.Format]bool
	delay         time.Duration
	block         bool

	configured bool
	built      bool
	exitCode   int
}

var _ buildsys.BuildSystem = (*fakeBuild)(nil)

func (f *fakeBuild) Source(string)   {}
func (f *fakeBuild) BuildDir(string) {}
func (f *fakeBuild) Env(k, v string) { f.env[k] = v }
func (f *fakeBuild) Output(w io.Writer) {
	f.out = w
}
func (f *fakeBuild) ExitCode() int { return f.exitCode }

func (f *fakeBuild) Configure(ctx context.Context, args ...string) error {
	f.configured = true
	fmt.Fprintln(f.out, "-- Configuring done")
	if f.failConfigure {
		f.exitCode = 1
		return errors.New("exit status 1")
	}
	f.exitCode = 0
	return nil
}

func (f *fakeBuild) Build(ctx context.Context, args ...string) error {
	f.built = true
	fmt.Fprintln(f.out, "[100%] Built target wrapper")
	if f.block {
		<-ctx.Done()
		f.exitCode = -1
		return ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failBuild {
		f.exitCode = 2
		return errors.New("exit status 2")
	}
	for _, r := range f.p.Formats {
		if f.skip[r.Format] {
			continue
		}
		path := wrapperArtifact(f.p, r.Format)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte("bundle"), 0o644); err != nil {
			return err
		}
	}
	f.exitCode = 0
	return nil
}

// fixture creates a config rooted in a temp dir with static libraries and
// toolchain descriptors for the given triples.
func fixture(t *testing.T, plugin string, triples ...string) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		BuildRoot:    filepath.Join(root, "build"),
		InstallRoot:  filepath.Join(root, "build", "bundled"),
		Profile:      "release",
		ToolchainDir: filepath.Join(root, "toolchains"),
		WrapperDir:   filepath.Join(root, "wrapper"),
		Jobs:         1,
		Timeout:      time.Minute,
	}
	for _, s := range triples {
		tr, err := target.Parse(s)
		if err != nil {
			t.Fatal(err)
		}
		lib := plan.StaticLibPath(cfg.BuildRoot, plugin, tr, cfg.Profile)
		if err := os.MkdirAll(filepath.Dir(lib), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(lib, []byte("!<arch>\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if tr.NeedsToolchain(linuxHost) {
			descriptor := filepath.Join(cfg.ToolchainDir, "zig-"+tr.CrossTriple()+".cmake")
			if err := os.MkdirAll(cfg.ToolchainDir, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(descriptor, []byte("# toolchain\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return cfg
}

func newTestOrchestrator(cfg config.Config, tweak func(*fakeBuild)) *Orchestrator {
	o := New(cfg, linuxHost)
	o.checkTools = func(context.Context, bool) error { return nil }
	o.newBuildSystem = func(p *plan.Plan) buildsys.BuildSystem {
		fb := &fakeBuild{p: p, env: map[string]string{}, exitCode: -1, out: io.Discard}
		if tweak != nil {
			tweak(fb)
		}
		return fb
	}
	return o
}

func TestRunRoundTrip(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	o := newTestOrchestrator(cfg, nil)

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{
			{Format: format.CLAP},
			{Format: format.VST3, License: format.LicenseGPL},
		},
		Install: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	got := outcomes[0].Artifacts
	want := []string{
		filepath.Join(cfg.InstallRoot, "x86_64-unknown-linux-gnu", "myplug.clap"),
		filepath.Join(cfg.InstallRoot, "x86_64-unknown-linux-gnu", "myplug.vst3"),
	}
	if len(got) != len(want) {
		t.Fatalf("Artifacts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Artifacts[%d] = %q, want %q", i, got[i], want[i])
		}
		if _, err := os.Stat(want[i]); err != nil {
			t.Errorf("installed bundle missing: %v", err)
		}
	}
}

func TestRunWithoutInstallKeepsBuildTreePaths(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	o := newTestOrchestrator(cfg, nil)

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{{Format: format.CLAP}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes[0].Artifacts) != 1 {
		t.Fatalf("Artifacts = %v", outcomes[0].Artifacts)
	}
	if !strings.HasPrefix(outcomes[0].Artifacts[0], cfg.BuildRoot) {
		t.Errorf("artifact %q should stay in the build tree", outcomes[0].Artifacts[0])
	}
	if _, err := os.Stat(filepath.Join(cfg.InstallRoot, "x86_64-unknown-linux-gnu", "myplug.clap")); !os.IsNotExist(err) {
		t.Error("install ran without --install")
	}
}

func TestRunInputErrors(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	clap := []format.Request{{Format: format.CLAP}}

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no plugin", Request{Formats: clap}, ErrNoPlugin},
		{"no formats", Request{Plugin: "myplug"}, format.ErrNoFormatsRequested},
		{"bad triple", Request{Plugin: "myplug", Targets: []string{"bogus"}, Formats: clap}, target.ErrUnknownOS},
		{"vst3 without license", Request{
			Plugin:  "myplug",
			Targets: []string{"x86_64-unknown-linux-gnu"},
			Formats: []format.Request{{Format: format.VST3}},
		}, format.ErrMissingLicense},
		{"auv2 on linux", Request{
			Plugin:  "myplug",
			Targets: []string{"x86_64-unknown-linux-gnu"},
			Formats: []format.Request{{Format: format.AUV2}},
		}, format.ErrNotSupportedOnPlatform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			built := false
			o := newTestOrchestrator(cfg, func(fb *fakeBuild) { built = true })
			outcomes, err := o.Run(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Run error = %v, want %v", err, tt.want)
			}
			if outcomes != nil {
				t.Errorf("input error must not produce outcomes, got %+v", outcomes)
			}
			if built {
				t.Error("input error must be reported before any build starts")
			}
		})
	}
}

func TestRunMatrixPartialFailure(t *testing.T) {
	triples := []string{
		"x86_64-unknown-linux-gnu",
		"aarch64-unknown-linux-gnu",
		"x86_64-pc-windows-msvc",
	}
	// No static library for the middle triple.
	cfg := fixture(t, "myplug", triples[0], triples[2])
	cfg.Jobs = 2
	// The middle triple's descriptor is present so the failure is
	// exactly the missing static lib.
	mid, _ := target.Parse(triples[1])
	descriptor := filepath.Join(cfg.ToolchainDir, "zig-"+mid.CrossTriple()+".cmake")
	if err := os.WriteFile(descriptor, []byte("# toolchain\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	o := newTestOrchestrator(cfg, nil)

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: triples,
		Formats: []format.Request{{Format: format.CLAP}},
		Install: true,
	})
	if err == nil {
		t.Fatal("Run should report the failed pipeline")
	}
	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	for i, s := range triples {
		if got := outcomes[i].Target.String(); got != s {
			t.Errorf("outcomes[%d].Target = %s, want %s (request order)", i, got, s)
		}
	}
	if !outcomes[0].Success || !outcomes[2].Success {
		t.Errorf("sibling pipelines must run to completion: %+v", outcomes)
	}
	if outcomes[1].Success {
		t.Error("outcome for broken pipeline marked successful")
	}
	if !errors.Is(outcomes[1].Err, plan.ErrStaticLibMissing) {
		t.Errorf("outcomes[1].Err = %v, want ErrStaticLibMissing", outcomes[1].Err)
	}
}

func TestRunOrderedUnderConcurrency(t *testing.T) {
	triples := []string{
		"x86_64-unknown-linux-gnu",
		"aarch64-unknown-linux-gnu",
		"aarch64-unknown-linux-musl",
	}
	cfg := fixture(t, "myplug", triples...)
	cfg.Jobs = 3

	// Later slots finish first.
	delays := map[string]time.Duration{
		triples[0]: 60 * time.Millisecond,
		triples[1]: 30 * time.Millisecond,
		triples[2]: 0,
	}
	o := newTestOrchestrator(cfg, nil)
	base := o.newBuildSystem
	o.newBuildSystem = func(p *plan.Plan) buildsys.BuildSystem {
		fb := base(p).(*fakeBuild)
		fb.delay = delays[p.Target.String()]
		return fb
	}

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: triples,
		Formats: []format.Request{{Format: format.CLAP}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, s := range triples {
		if got := outcomes[i].Target.String(); got != s {
			t.Errorf("outcomes[%d].Target = %s, want %s", i, got, s)
		}
	}
}

func TestRunFailedBuildNeverInstalls(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	o := newTestOrchestrator(cfg, func(fb *fakeBuild) { fb.failBuild = true })

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{{Format: format.CLAP}},
		Install: true,
	})
	if err == nil {
		t.Fatal("Run should fail")
	}
	oc := outcomes[0]
	if oc.Success {
		t.Fatal("failed build marked successful")
	}
	if oc.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", oc.ExitCode)
	}
	if oc.TimedOut {
		t.Error("nonzero exit must not be reported as a timeout")
	}

	outDir := filepath.Join(cfg.InstallRoot, "x86_64-unknown-linux-gnu")
	if entries, err := os.ReadDir(outDir); err == nil && len(entries) > 0 {
		t.Errorf("failed build left artifacts in %s: %v", outDir, entries)
	}
}

func TestRunConfigureFailureShortCircuits(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	var fb *fakeBuild
	o := newTestOrchestrator(cfg, func(f *fakeBuild) {
		f.failConfigure = true
		fb = f
	})

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{{Format: format.CLAP}},
	})
	if err == nil {
		t.Fatal("Run should fail")
	}
	if fb.built {
		t.Error("build phase ran after configure failed")
	}
	if outcomes[0].ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", outcomes[0].ExitCode)
	}
	if !strings.Contains(outcomes[0].Log, "Configuring") {
		t.Errorf("log should carry the output collected so far, got %q", outcomes[0].Log)
	}
}

func TestRunMissingArtifactIsLoud(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	o := newTestOrchestrator(cfg, func(fb *fakeBuild) {
		fb.skip = map[format.Format]bool{format.VST3: true}
	})

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{
			{Format: format.CLAP},
			{Format: format.VST3, License: format.LicenseGPL},
		},
	})
	if err == nil {
		t.Fatal("Run should fail when the wrapper drops an artifact")
	}
	if !errors.Is(outcomes[0].Err, ErrArtifactNotProduced) {
		t.Errorf("Err = %v, want ErrArtifactNotProduced", outcomes[0].Err)
	}
	if outcomes[0].Success {
		t.Error("missing artifact after zero exit must fail the pipeline")
	}
	if outcomes[0].ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0: both phases exited zero", outcomes[0].ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	cfg.Timeout = 20 * time.Millisecond
	o := newTestOrchestrator(cfg, func(fb *fakeBuild) { fb.block = true })

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{{Format: format.CLAP}},
	})
	if err == nil {
		t.Fatal("Run should fail on timeout")
	}
	oc := outcomes[0]
	if !oc.TimedOut {
		t.Errorf("TimedOut = false, want true (err: %v)", oc.Err)
	}
	if oc.Success {
		t.Error("timed out pipeline marked successful")
	}
}

func TestRunPersistsLog(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	cfg.LogDir = filepath.Join(cfg.BuildRoot, "logs")
	o := newTestOrchestrator(cfg, nil)

	if _, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{{Format: format.CLAP}},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	logPath := filepath.Join(cfg.LogDir, "myplug-x86_64-unknown-linux-gnu.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log not persisted: %v", err)
	}
	if !strings.Contains(string(data), "Built target") {
		t.Errorf("persisted log = %q", data)
	}
}

func TestRunDeduplicatesTargets(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	cfg.Jobs = 2

	var mu sync.Mutex
	buildDirs := []string{}
	o := newTestOrchestrator(cfg, nil)
	base := o.newBuildSystem
	o.newBuildSystem = func(p *plan.Plan) buildsys.BuildSystem {
		mu.Lock()
		buildDirs = append(buildDirs, p.BuildDir)
		mu.Unlock()
		return base(p)
	}

	outcomes, err := o.Run(context.Background(), Request{
		Plugin: "myplug",
		Targets: []string{
			"x86_64-unknown-linux-gnu",
			"x86_64-unknown-linux-gnu",
		},
		Formats: []format.Request{{Format: format.CLAP}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1: repeated triples must collapse", len(outcomes))
	}
	// Two pipelines for one triple would run in the same build tree.
	if len(buildDirs) != 1 {
		t.Errorf("build ran %d times in %v, want once", len(buildDirs), buildDirs)
	}
}

func TestNewClampsJobs(t *testing.T) {
	cfg := fixture(t, "myplug", "x86_64-unknown-linux-gnu")
	cfg.Jobs = 0
	o := newTestOrchestrator(cfg, nil)
	if o.cfg.Jobs != 1 {
		t.Fatalf("Jobs = %d, want clamped to 1", o.cfg.Jobs)
	}

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Targets: []string{"x86_64-unknown-linux-gnu"},
		Formats: []format.Request{{Format: format.CLAP}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Errorf("outcomes = %+v, want one success", outcomes)
	}
}

func TestRunDefaultsToHostTarget(t *testing.T) {
	cfg := fixture(t, "myplug", linuxHost.String())
	o := newTestOrchestrator(cfg, nil)

	outcomes, err := o.Run(context.Background(), Request{
		Plugin:  "myplug",
		Formats: []format.Request{{Format: format.CLAP}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Target != linuxHost {
		t.Errorf("outcomes = %+v, want one host-target outcome", outcomes)
	}
}
