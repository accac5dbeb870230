// Package config loads the YAML configuration of a prison process.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("invalid config")

// Config is the configuration of one virtualized process.
type Config struct {
	APILevel    int32      `yaml:"apiLevel"`
	PackageName string     `yaml:"packageName"`
	HostUID     int32      `yaml:"hostUid"`
	VirtualUID  int32      `yaml:"virtualUid"`
	Policy      Policy     `yaml:"policy"`
	Libraries   Libraries  `yaml:"libraries"`
	Rules       []Rule     `yaml:"rules"`
	Capture     Capture    `yaml:"capture"`
	FileSystem  FileSystem `yaml:"filesystem"`
	Probes      Probes     `yaml:"probes"`
	Debug       bool       `yaml:"debug"`
}

// Policy selects the managed policy script.
type Policy struct {
	// Script is a host path to a JavaScript policy. Empty uses the
	// built-in policy.
	Script  string        `yaml:"script"`
	Timeout time.Duration `yaml:"timeout"`
	Class   string        `yaml:"class"`
}

// Libraries configures the guest linker.
type Libraries struct {
	SearchPaths []string `yaml:"searchPaths"`
	Preload     []string `yaml:"preload"`
}

// Rule is a seed redirection rule.
type Rule struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Capture configures deflate payload capture. Empty Package disables it.
type Capture struct {
	Package string `yaml:"package"`
	Marker  string `yaml:"marker"`
	Dir     string `yaml:"dir"`
}

// FileSystem describes the guest filesystem.
type FileSystem struct {
	// Root is a host directory that backs the guest filesystem. Empty
	// means in-memory.
	Root string `yaml:"root"`
	// Files are seeded into the guest filesystem, path to content.
	Files map[string]string `yaml:"files"`
}

// Probes are exercised by `prison run` after the hooks are installed.
type Probes struct {
	Paths     []string `yaml:"paths"`
	Classes   []string `yaml:"classes"`
	Dex       []string `yaml:"dex"`
	Libraries []string `yaml:"libraries"`
	Deflate   []string `yaml:"deflate"`
	UID       bool     `yaml:"uid"`
}

var defaultConfig = `
apiLevel: 30
packageName: ""
hostUid: 10050
virtualUid: 0
policy:
  script: ""
  timeout: 0s
  class: "com/android/prison/core/NativeCore"
libraries:
  searchPaths: ["/system/lib64", "/vendor/lib64"]
  preload: ["libc.so"]
rules: []
capture:
  package: ""
  marker: "x98"
  dir: "/sdcard/Android/data/com.android.prison"
filesystem:
  root: ""
probes:
  uid: true
debug: false
`

// Default returns the default configuration.
func Default() *Config {
	c := &Config{}
	if err := yaml.Unmarshal([]byte(defaultConfig), c); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return c
}

// Decode reads YAML from r on top of the defaults. Unknown keys are errors.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// Load reads and validates the configuration file at path on fs.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate reports every problem with c.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.APILevel <= 0 {
		bad("apiLevel %d", c.APILevel)
	}
	if c.PackageName == "" {
		bad("packageName is required")
	}
	if c.HostUID < 0 || c.VirtualUID < 0 {
		bad("negative uid")
	}
	if c.Policy.Timeout < 0 {
		bad("policy.timeout %v", c.Policy.Timeout)
	}
	for i, r := range c.Rules {
		if r.Source == "" || r.Target == "" {
			bad("rules[%d]: source and target are required", i)
		}
	}
	return errors.Join(errs...)
}

// Marshal returns c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
