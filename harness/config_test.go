package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livedeck.yaml")
	data := `
editor:
  url: http://localhost:5173/
  eval_timeout: 5s
browser:
  stealth: headful
  resource_blocking: [images, fonts]
watcher:
  interval: 250ms
http:
  addr: ":9999"
mcp:
  enabled: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Editor.URL != "http://localhost:5173/" {
		t.Fatalf("editor url: got %q", cfg.Editor.URL)
	}
	if cfg.Editor.EvalTimeout.Std() != 5*time.Second {
		t.Fatalf("eval timeout: got %v", cfg.Editor.EvalTimeout)
	}
	if cfg.Browser.Stealth != "headful" {
		t.Fatalf("stealth: got %q", cfg.Browser.Stealth)
	}
	if cfg.Watcher.Interval.Std() != 250*time.Millisecond {
		t.Fatalf("interval: got %v", cfg.Watcher.Interval)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Fatalf("http addr: got %q", cfg.HTTP.Addr)
	}
	if !cfg.MCP.Enabled {
		t.Fatal("mcp should be enabled")
	}

	// Defaults fill the rest.
	if cfg.Editor.ElementTag != "strudel-editor" {
		t.Fatalf("element tag: got %q", cfg.Editor.ElementTag)
	}
	if cfg.MCP.Addr != ":8091" {
		t.Fatalf("mcp addr: got %q", cfg.MCP.Addr)
	}

	opts := cfg.WatcherOptions()
	if opts.Interval != 250*time.Millisecond {
		t.Fatalf("watcher options interval: got %v", opts.Interval)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile("/nonexistent/livedeck.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
