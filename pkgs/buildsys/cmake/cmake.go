package cmake

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/plugbundle/plugbundle/pkgs/buildsys"
)

type defineValue struct {
	value    string
	typeName string
}

// CMake wraps the configure and build phases of a CMake project with
// chainable configuration. It never mutates the parent process
// environment; everything goes through the spawned command.
type CMake struct {
	sourceDir string
	buildDir  string
	generator string
	buildType string
	toolchain string
	Defines   map[string]defineValue

	env      map[string]string
	out      io.Writer
	exitCode int
}

var _ buildsys.BuildSystem = (*CMake)(nil)

// New creates a CMake helper for the given source and build directories.
func New(sourceDir, buildDir string) *CMake {
	return &CMake{
		sourceDir: sourceDir,
		buildDir:  buildDir,
		Defines:   map[string]defineValue{},
		env:       map[string]string{},
		out:       os.Stdout,
		exitCode:  -1,
	}
}

func (c *CMake) Source(dir string) {
	c.sourceDir = dir
}

func (c *CMake) BuildDir(dir string) {
	c.buildDir = dir
}

func (c *CMake) Generator(name string) *CMake {
	c.generator = name
	return c
}

func (c *CMake) BuildType(name string) *CMake {
	c.buildType = name
	return c
}

func (c *CMake) Toolchain(path string) *CMake {
	c.toolchain = path
	return c
}

func (c *CMake) Define(key, value string) *CMake {
	c.Defines[key] = defineValue{value: value, typeName: "STRING"}
	return c
}

func (c *CMake) DefineBool(key string, value bool) *CMake {
	if value {
		c.Defines[key] = defineValue{value: "ON", typeName: "BOOL"}
		return c
	}
	c.Defines[key] = defineValue{value: "OFF", typeName: "BOOL"}
	return c
}

func (c *CMake) Env(key, value string) {
	c.env[key] = value
}

func (c *CMake) Output(w io.Writer) {
	c.out = w
}

// ExitCode reports the exit status of the last phase (-1 before any phase
// ran or when the process was killed by a signal).
func (c *CMake) ExitCode() int {
	return c.exitCode
}

func (c *CMake) Configure(ctx context.Context, args ...string) error {
	if err := os.MkdirAll(c.buildDir, 0o755); err != nil {
		return err
	}
	cmakeArgs := []string{"-S", c.sourceDir, "-B", c.buildDir}
	if c.generator != "" {
		cmakeArgs = append(cmakeArgs, "-G", c.generator)
	}
	if c.toolchain != "" {
		c.Define("CMAKE_TOOLCHAIN_FILE", c.toolchain)
	}
	if c.buildType != "" {
		c.Define("CMAKE_BUILD_TYPE", c.buildType)
	}
	cmakeArgs = append(cmakeArgs, c.definesArgs()...)
	cmakeArgs = append(cmakeArgs, args...)

	return c.run(ctx, cmakeArgs)
}

func (c *CMake) Build(ctx context.Context, args ...string) error {
	cmdArgs := []string{"--build", c.buildDir}
	if c.buildType != "" {
		cmdArgs = append(cmdArgs, "--config", c.buildType)
	}
	cmdArgs = append(cmdArgs, args...)
	return c.run(ctx, cmdArgs)
}

func (c *CMake) definesArgs() []string {
	if len(c.Defines) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Defines))
	for k := range c.Defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		def := c.Defines[k]
		if def.typeName != "" {
			args = append(args, "-D"+k+":"+def.typeName+"="+def.value)
			continue
		}
		args = append(args, "-D"+k+"="+def.value)
	}
	return args
}

// run spawns cmake with the merged environment, streaming combined
// stdout/stderr to the configured writer as the tool produces it.
func (c *CMake) run(ctx context.Context, args []string) error {
	c.exitCode = -1

	cmd := exec.CommandContext(ctx, "cmake", args...)
	if len(c.env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), c.env)
	}

	w := &syncWriter{w: c.out}
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)

	err := cmd.Run()
	if cmd.ProcessState != nil {
		c.exitCode = cmd.ProcessState.ExitCode()
	}
	return err
}

// syncWriter serializes writes from the two output pipes.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func mergeEnv(base []string, override map[string]string) []string {
	envMap := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	for k, v := range override {
		envMap[k] = v
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+envMap[k])
	}
	return out
}
