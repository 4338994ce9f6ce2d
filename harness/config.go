package harness

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/livedeck/selwatch"
	"github.com/hazyhaar/livedeck/strudel"
)

// FileConfig is the top-level livedeck configuration.
type FileConfig struct {
	Editor  EditorConfig  `yaml:"editor"`
	Browser BrowserConfig `yaml:"browser"`
	Watcher WatcherConfig `yaml:"watcher"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// Duration is a time.Duration that unmarshals from YAML strings ("500ms",
// "4h") or bare integers (nanoseconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EditorConfig locates the editor page and its custom element.
type EditorConfig struct {
	URL          string   `yaml:"url"`
	ElementTag   string   `yaml:"element_tag"`
	EvalTimeout  Duration `yaml:"eval_timeout"`
	ReadyTimeout Duration `yaml:"ready_timeout"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	MemoryLimit      int64    `yaml:"memory_limit"`
	RecycleInterval  Duration `yaml:"recycle_interval"`
	ResourceBlocking []string `yaml:"resource_blocking"`
	Stealth          string   `yaml:"stealth"` // headless | headful
	XvfbDisplay      string   `yaml:"xvfb_display"`
}

// WatcherConfig controls the selection watcher.
type WatcherConfig struct {
	Interval      Duration `yaml:"interval"`
	VerifyDelay   Duration `yaml:"verify_delay"`
	FreshWindow   Duration `yaml:"fresh_window"`
	LineClasses   []string `yaml:"line_classes"`
	MarkerClasses []string `yaml:"marker_classes"`
}

// StorageConfig locates the SQLite databases.
type StorageConfig struct {
	PatternsDB      string `yaml:"patterns_db"`
	ObservabilityDB string `yaml:"observability_db"`
}

// HTTPConfig controls the control API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// TokenHash is a bcrypt hash of the shared bearer token. Empty
	// disables auth.
	TokenHash string `yaml:"token_hash"`
}

// MCPConfig controls the MCP-over-QUIC surface.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *FileConfig {
	var cfg FileConfig
	cfg.applyDefaults()
	return &cfg
}

func (c *FileConfig) applyDefaults() {
	if c.Editor.URL == "" {
		c.Editor.URL = "https://strudel.cc/"
	}
	if c.Editor.ElementTag == "" {
		c.Editor.ElementTag = "strudel-editor"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = Duration(4 * time.Hour)
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Storage.PatternsDB == "" {
		c.Storage.PatternsDB = "data/patterns.db"
	}
	if c.Storage.ObservabilityDB == "" {
		c.Storage.ObservabilityDB = "data/observability.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
	if c.MCP.Addr == "" {
		c.MCP.Addr = ":8091"
	}
}

// StrudelConfig builds the editor host configuration.
func (c *FileConfig) StrudelConfig() strudel.Config {
	level := strudel.LevelHeadless
	if c.Browser.Stealth == "headful" {
		level = strudel.LevelHeadful
	}
	return strudel.Config{
		EditorURL:    c.Editor.URL,
		ElementTag:   c.Editor.ElementTag,
		EvalTimeout:  c.Editor.EvalTimeout.Std(),
		ReadyTimeout: c.Editor.ReadyTimeout.Std(),
		Browser: strudel.BrowserConfig{
			RemoteURL:        c.Browser.Remote,
			MemoryLimit:      c.Browser.MemoryLimit,
			RecycleInterval:  c.Browser.RecycleInterval.Std(),
			ResourceBlocking: c.Browser.ResourceBlocking,
			Stealth:          level,
			XvfbDisplay:      c.Browser.XvfbDisplay,
		},
	}
}

// WatcherOptions builds the selection watcher options.
func (c *FileConfig) WatcherOptions() selwatch.Options {
	return selwatch.Options{
		Interval:      c.Watcher.Interval.Std(),
		VerifyDelay:   c.Watcher.VerifyDelay.Std(),
		FreshWindow:   c.Watcher.FreshWindow.Std(),
		LineClasses:   c.Watcher.LineClasses,
		MarkerClasses: c.Watcher.MarkerClasses,
	}
}

// WrapHost adapts the concrete editor host to the EditorHost interface.
func WrapHost(h *strudel.Host) EditorHost { return strudelHost{h} }

type strudelHost struct{ h *strudel.Host }

func (s strudelHost) OpenUnit(ctx context.Context, unitID, code string) (UnitHandle, error) {
	handle, err := s.h.OpenUnit(ctx, unitID, code)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (s strudelHost) CloseUnit(ctx context.Context, unitID string) error {
	return s.h.CloseUnit(ctx, unitID)
}
