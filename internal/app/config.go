package app

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metlos/cm-bump/internal/bumper"
	"github.com/metlos/cm-bump/pkg/logging"
)

// PidUnset marks an unconfigured PID option. PID 0 itself is meaningful as
// a parent: it selects the process whose recorded parent PID is 0, which in
// a shared PID namespace is the container entrypoint.
const PidUnset = -1

// Config holds the full configuration of the sidecar. Values come from
// flags, environment variables and an optional YAML file; merging happens
// in the cmd package, validation here.
type Config struct {
	// Dir is the directory to which config map content is persisted.
	Dir string `yaml:"dir"`

	// Namespace is the namespace in which to look for config maps.
	Namespace string `yaml:"namespace"`

	// Labels is the label selector restricting which config maps are
	// watched.
	Labels string `yaml:"labels"`

	// Signal is the signal name delivered to the payload on change, e.g.
	// "SIGHUP". Empty disables bumping; the sidecar then only mirrors
	// files.
	Signal string `yaml:"signal"`

	// ProcessPid is the PID of the payload, when known. Overrides
	// ProcessCommand.
	ProcessPid int `yaml:"processPid"`

	// ProcessCommand is a regular expression identifying the payload by
	// its command line.
	ProcessCommand string `yaml:"processCommand"`

	// ParentPid is the PID of the payload's parent, when known. Overrides
	// ParentCommand. Zero selects the process whose recorded parent is 0.
	ParentPid int `yaml:"parentPid"`

	// ParentCommand is a regular expression identifying the payload's
	// parent by its command line.
	ParentCommand string `yaml:"parentCommand"`

	// Debounce is the quiet period collapsing bursts of changes into one
	// signal delivery. Zero selects the built-in default.
	Debounce time.Duration `yaml:"debounce"`

	// TLSVerify controls verification of the API server certificate.
	// Disabling it is for clusters with self-signed certificates and no
	// distributed CA bundle.
	TLSVerify bool `yaml:"tlsVerify"`

	// LogLevel is consumed by logging setup only.
	LogLevel string `yaml:"logLevel"`
}

// DefaultConfig returns a Config with all optional values at their
// defaults.
func DefaultConfig() Config {
	return Config{
		ProcessPid: PidUnset,
		ParentPid:  PidUnset,
		TLSVerify:  true,
	}
}

// LoadConfigFile reads a YAML config file into a Config based on defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for the errors no later component can
// recover from. It also logs the softer inconsistencies the CLI surface
// allows, like detection options without a signal.
func (c *Config) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("the target directory must be set"))
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("the namespace must be set"))
	}
	if c.Labels == "" {
		errs = append(errs, errors.New("the label selector must be set"))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("the debounce window must not be negative, got %s", c.Debounce))
	}

	if c.Signal != "" && !c.hasProcessCriteria() {
		errs = append(errs, errors.New("a signal is configured but no process detection is; set a PID or a command pattern"))
	}
	if c.Signal == "" && c.hasProcessCriteria() {
		logging.Warn("Config", "Process detection is configured but no signal is; the process will not be bumped")
	}
	if c.ProcessPid != PidUnset && c.ProcessCommand != "" {
		logging.Warn("Config", "Ignoring the process command pattern %q because PID %d is set", c.ProcessCommand, c.ProcessPid)
	}
	if c.ParentPid != PidUnset && c.ParentCommand != "" {
		logging.Warn("Config", "Ignoring the parent command pattern %q because parent PID %d is set", c.ParentCommand, c.ParentPid)
	}

	if _, _, err := c.BumperConfig(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) hasProcessCriteria() bool {
	return c.ProcessPid != PidUnset || c.ProcessCommand != "" ||
		c.ParentPid != PidUnset || c.ParentCommand != ""
}

// BumperConfig derives the bumper configuration. The second return value
// is false when bumping is disabled (no signal configured).
func (c *Config) BumperConfig() (bumper.Config, bool, error) {
	if c.Signal == "" {
		return bumper.Config{}, false, nil
	}

	var detections []bumper.Detection

	parent, ok, err := detection(c.ParentPid, c.ParentCommand, "parent")
	if err != nil {
		return bumper.Config{}, false, err
	}
	if ok {
		detections = append(detections, parent)
	}

	process, ok, err := detection(c.ProcessPid, c.ProcessCommand, "process")
	if err != nil {
		return bumper.Config{}, false, err
	}
	if ok {
		detections = append(detections, process)
	}

	return bumper.Config{
		Detections: detections,
		Signal:     c.Signal,
		Window:     c.Debounce,
	}, true, nil
}

// detection builds one Detection from a PID/pattern option pair. The PID
// wins when both are given.
func detection(pid int, pattern, role string) (bumper.Detection, bool, error) {
	if pid != PidUnset {
		return bumper.Detection{Pid: pid}, true, nil
	}
	if pattern == "" {
		return bumper.Detection{}, false, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return bumper.Detection{}, false, fmt.Errorf("failed to parse the %s command pattern %q as a regular expression: %w", role, pattern, err)
	}
	return bumper.Detection{Cmdline: re}, true, nil
}
