package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/qiniu/x/log"
	"golang.org/x/sync/errgroup"

	"github.com/plugbundle/plugbundle/internal/config"
	"github.com/plugbundle/plugbundle/internal/plan"
	"github.com/plugbundle/plugbundle/internal/toolchain"
	"github.com/plugbundle/plugbundle/pkgs/buildsys"
	"github.com/plugbundle/plugbundle/pkgs/buildsys/cmake"
	"github.com/plugbundle/plugbundle/pkgs/format"
	"github.com/plugbundle/plugbundle/pkgs/target"
)

var ErrNoPlugin = errors.New("no plugin specified")

// Request describes one bundling invocation: a build matrix of targets,
// the formats to produce for each, and whether to install the results.
type Request struct {
	Plugin  string
	Targets []string
	Formats []format.Request

	// Install copies bundles into <installRoot>/<triple>/; without it
	// the output stays in the wrapper's build tree.
	Install bool

	// System additionally copies host-loadable bundles into the per-OS
	// system plugin folders.
	System bool
}

// Orchestrator runs target pipelines against a fixed config and host.
// It holds no state across runs.
type Orchestrator struct {
	cfg  config.Config
	host target.Triple

	// newBuildSystem and checkTools are swapped in tests for fakes.
	newBuildSystem func(*plan.Plan) buildsys.BuildSystem
	checkTools     func(ctx context.Context, cross bool) error

	// stream, when set, additionally receives the external tools' output
	// as it arrives.
	stream io.Writer
}

// New creates an orchestrator. The host triple is detected once by the
// caller and passed in, never read from ambient state.
func New(cfg config.Config, host target.Triple) *Orchestrator {
	// errgroup.SetLimit(0) would block Go forever.
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	return &Orchestrator{
		cfg:            cfg,
		host:           host,
		newBuildSystem: defaultBuildSystem,
		checkTools:     checkTools,
	}
}

// Stream mirrors all external tool output to w as it is produced.
func (o *Orchestrator) Stream(w io.Writer) {
	o.stream = w
}

func defaultBuildSystem(p *plan.Plan) buildsys.BuildSystem {
	cm := cmake.New(p.WrapperSource, p.BuildDir)
	cm.BuildType(buildType(p.Profile))
	if p.ToolchainFile != "" {
		cm.Toolchain(p.ToolchainFile)
	}
	return cm
}

// entry is one validated matrix slot: a resolved triple with its
// per-triple format selection.
type entry struct {
	triple  target.Triple
	formats []format.Request
}

// Run executes the whole matrix and returns one Outcome per distinct
// requested target, in request order regardless of completion order;
// repeated triples collapse into one pipeline. The returned
// error is non-nil when any pipeline failed; outcomes are returned
// alongside it so the caller sees the full picture.
func (o *Orchestrator) Run(ctx context.Context, req Request) ([]Outcome, error) {
	entries, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	if err := o.preflight(ctx, entries); err != nil {
		return nil, err
	}

	// Fixed result slots indexed by request position keep the output
	// order deterministic under concurrency.
	outcomes := make([]Outcome, len(entries))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Jobs)
	for i, e := range entries {
		g.Go(func() error {
			outcomes[i] = o.runPipeline(ctx, req, e)
			return nil
		})
	}
	// Workers never return errors; failures land in their outcome slot
	// so one broken pipeline cannot cancel its siblings.
	g.Wait()

	var merr *multierror.Error
	for _, oc := range outcomes {
		if !oc.Success {
			merr = multierror.Append(merr, fmt.Errorf("%s [%s]: %w",
				oc.Target, joinFormats(oc.Formats), oc.Err))
		}
	}
	return outcomes, merr.ErrorOrNil()
}

// validate resolves every triple and selects formats per triple. Input
// errors surface here, before any external process is spawned, naming
// the offending value.
func (o *Orchestrator) validate(req Request) ([]entry, error) {
	if req.Plugin == "" {
		return nil, ErrNoPlugin
	}
	if len(req.Formats) == 0 {
		return nil, format.ErrNoFormatsRequested
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = []string{o.host.String()}
	}

	// Pipelines share no filesystem state only because their trees are
	// keyed by triple, so a triple may appear in the matrix once.
	seen := make(map[target.Triple]bool, len(targets))
	entries := make([]entry, 0, len(targets))
	for _, s := range targets {
		t, err := target.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --target %q: %w", s, err)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		reqs, err := format.Select(req.Formats, t)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t, err)
		}
		entries = append(entries, entry{triple: t, formats: reqs})
	}
	return entries, nil
}

// preflight checks the external tools the matrix will need, once, before
// any pipeline starts.
func (o *Orchestrator) preflight(ctx context.Context, entries []entry) error {
	cross := false
	for _, e := range entries {
		if e.triple.NeedsToolchain(o.host) {
			cross = true
			break
		}
	}
	return o.checkTools(ctx, cross)
}

func checkTools(ctx context.Context, cross bool) error {
	if err := toolchain.EnsureCMake(ctx); err != nil {
		return err
	}
	if cross {
		return toolchain.EnsureZig(ctx)
	}
	return nil
}

// runPipeline executes one matrix entry end to end. Precondition and
// build failures are fatal to this pipeline only.
func (o *Orchestrator) runPipeline(ctx context.Context, req Request, e entry) Outcome {
	log.Infof("bundling %s for %s [%s]", req.Plugin, e.triple, joinFormats(format.Formats(e.formats)))

	p, err := plan.New(req.Plugin, e.triple, e.formats, o.cfg, o.host)
	if err != nil {
		return Outcome{
			Target:   e.triple,
			Formats:  format.Formats(e.formats),
			ExitCode: -1,
			Err:      err,
		}
	}

	out := o.execute(ctx, p)
	o.persistLog(req.Plugin, out)
	if !out.Success {
		log.Warnf("bundling %s for %s failed: %v", req.Plugin, e.triple, out.Err)
		return out
	}

	if req.Install {
		installed, err := install(p)
		if err != nil {
			out.Success = false
			out.Err = err
			return out
		}
		out.Artifacts = installed
	}
	if req.System {
		if err := installSystem(p, o.host); err != nil {
			out.Success = false
			out.Err = err
			return out
		}
	}

	log.Infof("bundled %s for %s: %s", req.Plugin, e.triple, strings.Join(out.Artifacts, ", "))
	return out
}

// persistLog writes the captured build output under the log directory,
// one file per (plugin, triple). Best effort: a failed write is reported
// but never fails the pipeline.
func (o *Orchestrator) persistLog(plugin string, out Outcome) {
	if o.cfg.LogDir == "" || out.Log == "" {
		return
	}
	if err := os.MkdirAll(o.cfg.LogDir, 0o755); err != nil {
		log.Warnf("failed to create log dir: %v", err)
		return
	}
	path := filepath.Join(o.cfg.LogDir, plugin+"-"+out.Target.String()+".log")
	if err := os.WriteFile(path, []byte(out.Log), 0o644); err != nil {
		log.Warnf("failed to persist build log %s: %v", path, err)
	}
}

func joinFormats(fs []format.Format) string {
	s := make([]string, len(fs))
	for i, f := range fs {
		s[i] = string(f)
	}
	return strings.Join(s, " ")
}
