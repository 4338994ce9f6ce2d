package strudel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Handle speaks to one editor element. It resolves the element by id on
// every call, so it survives page reloads and browser recycles as long as
// the element is recreated under the same id.
type Handle struct {
	host    *Host
	elemID  string
	timeout time.Duration
}

// ElementID returns the DOM id of the unit's editor element.
func (h *Handle) ElementID() string { return h.elemID }

// Evaluate sets the element's code and evaluates it, starting or updating
// playback.
func (h *Handle) Evaluate(ctx context.Context, code string) error {
	_, err := h.await(ctx, `(id, code) => {
		const el = document.getElementById(id);
		if (!el || !el.editor) throw new Error('editor not ready: ' + id);
		el.editor.setCode(code);
		return el.editor.evaluate();
	}`, h.elemID, code)
	if err != nil {
		return fmt.Errorf("strudel: evaluate %s: %w", h.elemID, err)
	}
	return nil
}

// Stop halts the unit's playback.
func (h *Handle) Stop(ctx context.Context) error {
	_, err := h.eval(ctx, `(id) => {
		const el = document.getElementById(id);
		if (!el || !el.editor) throw new Error('editor not ready: ' + id);
		el.editor.stop();
	}`, h.elemID)
	if err != nil {
		return fmt.Errorf("strudel: stop %s: %w", h.elemID, err)
	}
	return nil
}

// SetCode replaces the editor buffer without evaluating.
func (h *Handle) SetCode(ctx context.Context, code string) error {
	_, err := h.eval(ctx, `(id, code) => {
		const el = document.getElementById(id);
		if (!el || !el.editor) throw new Error('editor not ready: ' + id);
		el.editor.setCode(code);
	}`, h.elemID, code)
	if err != nil {
		return fmt.Errorf("strudel: set code %s: %w", h.elemID, err)
	}
	return nil
}

// Toggle flips the unit between playing and stopped.
func (h *Handle) Toggle(ctx context.Context) error {
	_, err := h.await(ctx, `(id) => {
		const el = document.getElementById(id);
		if (!el || !el.editor) throw new Error('editor not ready: ' + id);
		return el.editor.toggle();
	}`, h.elemID)
	if err != nil {
		return fmt.Errorf("strudel: toggle %s: %w", h.elemID, err)
	}
	return nil
}

// Code returns the current editor buffer.
func (h *Handle) Code(ctx context.Context) (string, error) {
	res, err := h.eval(ctx, `(id) => {
		const el = document.getElementById(id);
		if (!el || !el.editor) throw new Error('editor not ready: ' + id);
		return el.editor.code;
	}`, h.elemID)
	if err != nil {
		return "", fmt.Errorf("strudel: read code %s: %w", h.elemID, err)
	}
	return res.Value.Str(), nil
}

// HTML returns the outer HTML of the element subtree, for highlight
// inspection.
func (h *Handle) HTML(ctx context.Context) (string, error) {
	res, err := h.eval(ctx, `(id) => {
		const el = document.getElementById(id);
		if (!el) throw new Error('element missing: ' + id);
		return el.outerHTML;
	}`, h.elemID)
	if err != nil {
		return "", fmt.Errorf("strudel: read html %s: %w", h.elemID, err)
	}
	return res.Value.Str(), nil
}

func (h *Handle) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	page := h.host.Page()
	if page == nil {
		return nil, fmt.Errorf("host not started")
	}
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return page.Context(callCtx).Eval(js, args...)
}

// await is eval with promise resolution, for facade methods that return one.
func (h *Handle) await(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	page := h.host.Page()
	if page == nil {
		return nil, fmt.Errorf("host not started")
	}
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return page.Context(callCtx).Evaluate(rod.Eval(js, args...).ByPromise())
}
