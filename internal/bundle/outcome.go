package bundle

import (
	"github.com/plugbundle/plugbundle/pkgs/format"
	"github.com/plugbundle/plugbundle/pkgs/target"
)

// Outcome is the result of one target pipeline. Immutable after the
// pipeline returns it; the orchestrator owns every instance for the
// duration of a run.
type Outcome struct {
	Target  target.Triple
	Formats []format.Format
	Success bool

	// Artifacts are the bundle paths, one per requested format, in the
	// order the formats were selected. Build-tree paths unless the
	// installer ran, in which case the installed paths.
	Artifacts []string

	// Log is the captured output of both build phases.
	Log string

	// ExitCode of the failing phase (0 on success, -1 when the external
	// tool never produced an exit status).
	ExitCode int

	// TimedOut marks a failure caused by the wall-clock ceiling rather
	// than a nonzero exit.
	TimedOut bool

	// Err carries the pipeline's failure, nil on success.
	Err error
}
