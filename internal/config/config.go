package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory when
// no --config flag is given.
const DefaultFile = "plugbundle.yaml"

// Config carries the bundler-wide settings. Zero values are filled in by
// Load; the struct is read-only after that.
type Config struct {
	// BuildRoot is where the plugin's compiled static libraries live and
	// where the wrapper build trees are created.
	BuildRoot string `yaml:"buildRoot"`

	// InstallRoot is the root of the per-triple bundle output tree. Its
	// layout (<installRoot>/<triple>/<plugin>.<ext>) is an external
	// contract consumed by validation tooling.
	InstallRoot string `yaml:"installRoot"`

	// Profile selects which build profile's static library to bundle.
	Profile string `yaml:"profile"`

	// ToolchainDir holds the cross-compilation toolchain descriptors.
	ToolchainDir string `yaml:"toolchainDir"`

	// WrapperDir is the CMake project of the external format-wrapping
	// library that adapts the static library to each plugin ABI.
	WrapperDir string `yaml:"wrapperDir"`

	// LogDir, when set, persists each pipeline's captured build log.
	LogDir string `yaml:"logDir"`

	// Jobs bounds how many target pipelines run concurrently.
	Jobs int `yaml:"jobs"`

	// Timeout is the wall-clock ceiling for one pipeline's external
	// builds. Zero means the default.
	Timeout time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the timeout from its "30m"-style form; the other
// fields decode as declared.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	aux := struct {
		plain   `yaml:",inline"`
		Timeout string `yaml:"timeout"`
	}{plain: plain(*c)}

	if err := value.Decode(&aux); err != nil {
		return err
	}
	*c = Config(aux.plain)
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", aux.Timeout, err)
		}
		c.Timeout = d
	}
	return nil
}

func defaults() Config {
	return Config{
		BuildRoot:    "build",
		InstallRoot:  filepath.Join("build", "bundled"),
		Profile:      "release",
		ToolchainDir: "toolchains",
		WrapperDir:   "wrapper",
		Jobs:         1,
		Timeout:      30 * time.Minute,
	}
}

// Load reads the config file at path, or the defaults when path is empty
// and no plugbundle.yaml exists. Relative paths are resolved against the
// file's directory (or the working directory for pure defaults) so later
// chdirs cannot move the output tree.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine, run on defaults.
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	base := "."
	if err == nil {
		base = filepath.Dir(path)
	}
	if err := cfg.normalize(base); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize(base string) error {
	if c.Jobs < 1 {
		c.Jobs = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	for _, p := range []*string{&c.BuildRoot, &c.InstallRoot, &c.ToolchainDir, &c.WrapperDir, &c.LogDir} {
		if *p == "" {
			continue
		}
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}
