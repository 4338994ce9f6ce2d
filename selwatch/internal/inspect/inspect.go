// Package inspect implements the heuristic highlight check the selection
// watcher uses to decide whether an editor repainted its visual feedback.
//
// The third-party editor decorates active pattern lines with inline
// background colors and marker classes whose exact names are not a contract.
// Inspection is therefore best-effort: it answers "does at least one code
// line look highlighted", nothing more, and production behavior is never
// gated on it beyond a warning.
package inspect

import (
	"strings"

	"golang.org/x/net/html"
)

// Options tune what counts as a code line and as a highlight marker.
type Options struct {
	// LineClasses identify code line elements. Default: cm-line, cm_line.
	LineClasses []string
	// MarkerClasses indicate a highlighted line or a descendant highlight
	// marker. Defaults cover the CodeMirror decorations the editor has been
	// seen to emit; the set is configurable because it is opaque upstream.
	MarkerClasses []string
}

func (o *Options) defaults() {
	if len(o.LineClasses) == 0 {
		o.LineClasses = []string{"cm-line", "cm_line"}
	}
	if len(o.MarkerClasses) == 0 {
		o.MarkerClasses = []string{"highlighted", "cm-highlight", "strudel-highlight", "active-line"}
	}
}

// ContainsHighlight parses doc and reports whether any code line element
// carries a non-empty background color, one of the marker classes, or a
// descendant bearing a marker class.
func ContainsHighlight(doc string, opts Options) (bool, error) {
	opts.defaults()

	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return false, err
	}

	found := false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode && hasAnyClass(n, opts.LineClasses) {
			if lineHighlighted(n, opts.MarkerClasses) {
				found = true
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found, nil
}

// lineHighlighted checks one code line node: inline background color, marker
// class on the line itself, or marker class anywhere below it.
func lineHighlighted(n *html.Node, markers []string) bool {
	if hasBackgroundColor(n) || hasAnyClass(n, markers) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if descendantHasClass(c, markers) {
			return true
		}
	}
	return false
}

func descendantHasClass(n *html.Node, classes []string) bool {
	if n.Type == html.ElementNode && hasAnyClass(n, classes) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if descendantHasClass(c, classes) {
			return true
		}
	}
	return false
}

func hasAnyClass(n *html.Node, classes []string) bool {
	attr := attrValue(n, "class")
	if attr == "" {
		return false
	}
	for _, have := range strings.Fields(attr) {
		for _, want := range classes {
			if have == want {
				return true
			}
		}
	}
	return false
}

// hasBackgroundColor reports whether the node's inline style sets a
// non-empty background color. Values that explicitly clear the background
// (transparent, none) do not count.
func hasBackgroundColor(n *html.Node) bool {
	style := attrValue(n, "style")
	if style == "" {
		return false
	}
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(strings.ToLower(name))
		if name != "background-color" && name != "background" {
			continue
		}
		value = strings.TrimSpace(strings.ToLower(value))
		if value != "" && value != "transparent" && value != "none" && value != "initial" && value != "unset" {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
