// Package config loads inspectbridge settings from KDL files.
package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"

	"github.com/standardbeagle/inspectbridge/internal/injector/scripts"
)

// Configuration file names
const (
	ProjectConfigFile = "inspectbridge.kdl"
	GlobalConfigFile  = "config.kdl"
)

// Config holds the complete bridge configuration.
type Config struct {
	// Listen is the address frontends connect to.
	Listen string `kdl:"listen"`
	// Target is the debug port of the target process.
	Target string `kdl:"target"`
	// RequestTimeout is the per-request timeout in seconds (0 = none).
	RequestTimeout int `kdl:"request-timeout"`
	// StackTraceLimit is applied to the target once the bootstrap loads.
	StackTraceLimit int `kdl:"stack-trace-limit"`
	// Anchor selects the runtime anchor; "auto" picks by target version.
	Anchor string `kdl:"anchor"`
	// AgentDir is where agent scripts are written for the target to load.
	AgentDir string `kdl:"agent-dir"`
	// SaveLiveEdit writes live-edited sources back to disk.
	SaveLiveEdit bool `kdl:"save-live-edit"`
	// V8Profiler is the path of the v8-profiler module used by the heap profiler agent.
	V8Profiler string `kdl:"v8-profiler"`

	Inject InjectConfig `kdl:"inject"`
}

// InjectConfig toggles the agents injected into the target.
type InjectConfig struct {
	Console      bool `kdl:"console"`
	Network      bool `kdl:"network"`
	HeapProfiler bool `kdl:"heap-profiler"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8080",
		Target:          "127.0.0.1:5858",
		RequestTimeout:  10,
		StackTraceLimit: 50,
		Anchor:          "auto",
		AgentDir:        filepath.Join(os.TempDir(), "inspectbridge"),
		Inject: InjectConfig{
			Console:      true,
			Network:      true,
			HeapProfiler: true,
		},
	}
}

// Timeout returns the request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Domains returns the agent domains that are enabled, sorted.
func (c *Config) Domains() []string {
	enabled := map[string]bool{
		scripts.Console:      c.Inject.Console,
		scripts.Network:      c.Inject.Network,
		scripts.HeapProfiler: c.Inject.HeapProfiler,
	}
	var out []string
	for _, d := range scripts.Domains() {
		if enabled[d] {
			out = append(out, d)
		}
	}
	return out
}

// AgentOptions returns the extra options passed to each agent.
func (c *Config) AgentOptions() map[string]map[string]any {
	opts := make(map[string]map[string]any)
	if c.V8Profiler != "" {
		opts[scripts.HeapProfiler] = map[string]any{"v8-profiler": c.V8Profiler}
	}
	return opts
}

// Validate checks the configuration for values the bridge cannot use.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if _, _, err := net.SplitHostPort(c.Target); err != nil {
		return fmt.Errorf("invalid target address %q: %w", c.Target, err)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request-timeout must not be negative")
	}
	if c.StackTraceLimit < 0 {
		return fmt.Errorf("stack-trace-limit must not be negative")
	}
	if c.AgentDir == "" {
		return fmt.Errorf("agent-dir is required")
	}
	return nil
}

// Load finds and loads the configuration. An explicit path must exist;
// otherwise inspectbridge.kdl is searched from dir upwards, then the global
// config file is tried, then defaults are used.
func Load(path, dir string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if found := FindConfigFile(dir); found != "" {
		log.Printf("[config] using %s", found)
		return LoadFile(found)
	}
	if global := GlobalConfigPath(); global != "" {
		if _, err := os.Stat(global); err == nil {
			log.Printf("[config] using %s", global)
			return LoadFile(global)
		}
	}
	return DefaultConfig(), nil
}

// FindConfigFile searches for inspectbridge.kdl starting from dir and walking up.
func FindConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(absDir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			break
		}
		absDir = parent
	}
	return ""
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "inspectbridge", GlobalConfigFile)
}

// LoadFile loads configuration from a specific file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses KDL configuration data over the defaults.
func Parse(data string) (*Config, error) {
	cfg := DefaultConfig()
	if err := kdl.Unmarshal([]byte(data), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes a default config file with documentation.
func WriteDefault(path string) error {
	defaultKDL := `// inspectbridge configuration

// Address inspector frontends connect to
listen "127.0.0.1:8080"

// Debug port of the target process
target "127.0.0.1:5858"

// Per-request timeout in seconds (0 = no timeout)
request-timeout 10

// Error.stackTraceLimit applied in the target
stack-trace-limit 50

// Runtime anchor: "auto", "process-binding" or "module-load"
anchor "auto"

// Write live-edited scripts back to disk
save-live-edit false

// Agents to inject
inject {
    console true
    network true
    heap-profiler true
}
`
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
