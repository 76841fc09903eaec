package buildsys

import (
	"context"
	"io"
)

// BuildSystem captures the lifecycle of a native build helper. It keeps
// the common configure/build phases and environment setup; implementations
// add their own extras.
type BuildSystem interface {
	// Basic paths.
	Source(dir string)
	BuildDir(dir string)

	// Environment helper. Values are passed to the spawned processes
	// only, never written into this process's environment.
	Env(key, val string)

	// Output sets where both phases stream their combined stdout/stderr,
	// line by line as it arrives.
	Output(w io.Writer)

	// Lifecycle. A nil error means the phase exited zero.
	Configure(ctx context.Context, args ...string) error
	Build(ctx context.Context, args ...string) error

	// ExitCode reports the exit status of the last phase run (0 on
	// success, -1 when the process never ran or was killed).
	ExitCode() int
}
