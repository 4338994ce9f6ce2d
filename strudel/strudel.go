// Package strudel drives a browser-hosted live-coding editor page and hands
// out per-unit handles speaking to the editor's custom elements. Each unit
// is one <strudel-editor> element; its `editor` property exposes the repl
// facade (setCode, evaluate, stop, toggle, code).
package strudel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/livedeck/strudel/internal/browser"
)

// BrowserConfig controls Chrome lifecycle. Re-exported from internal.
type BrowserConfig = browser.Config

// StealthLevel selects the browser automation mode.
type StealthLevel = browser.StealthLevel

const (
	LevelHeadless = browser.LevelHeadless
	LevelHeadful  = browser.LevelHeadful
)

// Config configures the editor host.
type Config struct {
	// EditorURL is the page that registers the strudel-editor custom
	// element. Default: https://strudel.cc/.
	EditorURL string

	// ElementTag is the custom element tag name. Default: "strudel-editor".
	ElementTag string

	// EvalTimeout bounds a single JS call against the page. Default: 10s.
	EvalTimeout time.Duration

	// ReadyTimeout bounds waiting for a new element's repl facade to
	// initialise. Default: 30s.
	ReadyTimeout time.Duration

	Browser browser.Config

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.EditorURL == "" {
		c.EditorURL = "https://strudel.cc/"
	}
	if c.ElementTag == "" {
		c.ElementTag = "strudel-editor"
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = 10 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Host owns the browser and the editor page. Not safe for concurrent Start
// and Close; handle methods are safe once Start returns.
type Host struct {
	cfg    Config
	logger *slog.Logger
	mgr    *browser.Manager

	mu   sync.RWMutex
	page *rod.Page
}

// NewHost creates a Host. Call Start to launch the browser and open the
// editor page.
func NewHost(cfg Config) *Host {
	cfg.defaults()
	cfg.Browser.Logger = cfg.Logger
	return &Host{
		cfg:    cfg,
		logger: cfg.Logger,
		mgr:    browser.NewManager(cfg.Browser),
	}
}

// Start launches Chrome and opens the editor page. After a browser recycle
// the page is reopened; existing unit handles keep working because they
// resolve their element through the host on every call.
func (h *Host) Start(ctx context.Context) error {
	h.mgr.SetRecycleCallback(&browser.RecycleCallback{
		AfterRecycle: func(*rod.Browser) {
			if err := h.openPage(ctx); err != nil {
				h.logger.Error("strudel: reopen editor page failed", "error", err)
			}
		},
	})

	if _, err := h.mgr.Start(ctx); err != nil {
		return fmt.Errorf("strudel: browser start: %w", err)
	}
	if err := h.openPage(ctx); err != nil {
		h.mgr.Close()
		return err
	}
	return nil
}

func (h *Host) openPage(ctx context.Context) error {
	page, err := browser.OpenPage(ctx, h.mgr, h.cfg.EditorURL)
	if err != nil {
		return fmt.Errorf("strudel: open editor page: %w", err)
	}

	// The page is usable once the custom element is defined.
	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.ReadyTimeout)
	defer cancel()
	err = page.Context(waitCtx).Wait(rod.Eval(
		`(tag) => customElements.get(tag) !== undefined`, h.cfg.ElementTag))
	if err != nil {
		page.Close()
		return fmt.Errorf("strudel: editor element %q never registered: %w", h.cfg.ElementTag, err)
	}

	h.mu.Lock()
	old := h.page
	h.page = page
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	h.logger.Info("strudel: editor page ready", "url", h.cfg.EditorURL)
	return nil
}

// Page returns the current editor page.
func (h *Host) Page() *rod.Page {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.page
}

// OpenUnit injects a new editor element for unitID with the given initial
// code and waits for its repl facade. The returned handle implements the
// unit-facing Repl, Editor and Element roles.
func (h *Host) OpenUnit(ctx context.Context, unitID, code string) (*Handle, error) {
	page := h.Page()
	if page == nil {
		return nil, fmt.Errorf("strudel: host not started")
	}

	elemID := "unit-" + unitID
	_, err := page.Context(ctx).Eval(`(tag, id, code) => {
		if (document.getElementById(id)) {
			throw new Error('element already exists: ' + id);
		}
		const el = document.createElement(tag);
		el.id = id;
		el.setAttribute('code', code);
		document.body.appendChild(el);
	}`, h.cfg.ElementTag, elemID, code)
	if err != nil {
		return nil, fmt.Errorf("strudel: create element for unit %s: %w", unitID, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.ReadyTimeout)
	defer cancel()
	err = page.Context(waitCtx).Wait(rod.Eval(`(id) => {
		const el = document.getElementById(id);
		return el !== null && el.editor != null;
	}`, elemID))
	if err != nil {
		return nil, fmt.Errorf("strudel: repl facade for unit %s not ready: %w", unitID, err)
	}

	h.logger.Info("strudel: unit element ready", "unit", unitID, "element", elemID)
	return &Handle{host: h, elemID: elemID, timeout: h.cfg.EvalTimeout}, nil
}

// CloseUnit stops and removes the unit's editor element.
func (h *Host) CloseUnit(ctx context.Context, unitID string) error {
	page := h.Page()
	if page == nil {
		return fmt.Errorf("strudel: host not started")
	}
	_, err := page.Context(ctx).Eval(`(id) => {
		const el = document.getElementById(id);
		if (!el) return;
		if (el.editor) el.editor.stop();
		el.remove();
	}`, "unit-"+unitID)
	if err != nil {
		return fmt.Errorf("strudel: close unit %s: %w", unitID, err)
	}
	return nil
}

// Close shuts the browser down.
func (h *Host) Close() error {
	h.mu.Lock()
	h.page = nil
	h.mu.Unlock()
	return h.mgr.Close()
}
