package patternlib

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

const maxImportBody = 4 << 20 // 4MB

// Importer pulls community pattern pages into the library: fetch, sanitize,
// convert to markdown, extract fenced code blocks as pattern sources.
type Importer struct {
	store  *Store
	client *http.Client
	policy *bluemonday.Policy
	conv   *converter.Converter
	logger *slog.Logger
}

// NewImporter creates an Importer writing into store.
func NewImporter(store *Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		logger: logger,
	}
}

// ImportURL fetches pageURL and stores every fenced code block found as a
// pattern. Pattern names come from the nearest preceding heading, with a
// numeric suffix on collision. Returns the stored patterns.
func (i *Importer) ImportURL(ctx context.Context, pageURL string) ([]*Pattern, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("patternlib: import %s: %w", pageURL, err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("patternlib: fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("patternlib: fetch %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImportBody))
	if err != nil {
		return nil, fmt.Errorf("patternlib: read %s: %w", pageURL, err)
	}

	patterns, err := i.extract(string(body))
	if err != nil {
		return nil, fmt.Errorf("patternlib: extract %s: %w", pageURL, err)
	}

	var stored []*Pattern
	for _, p := range patterns {
		p.OriginURL = pageURL
		if _, err := i.store.Put(ctx, p); err != nil {
			i.logger.Warn("patternlib: store imported pattern failed",
				"name", p.Name, "url", pageURL, "error", err)
			continue
		}
		stored = append(stored, p)
	}

	i.logger.Info("patternlib: import complete",
		"url", pageURL, "found", len(patterns), "stored", len(stored))
	return stored, nil
}

// extract sanitizes HTML, converts it to markdown and collects fenced code
// blocks.
func (i *Importer) extract(html string) ([]*Pattern, error) {
	clean := i.policy.Sanitize(html)

	md, err := i.conv.ConvertString(clean)
	if err != nil {
		return nil, fmt.Errorf("markdown convert: %w", err)
	}

	return extractFences(md), nil
}

// extractFences scans markdown for ``` fences, naming each block after the
// nearest preceding heading.
func extractFences(md string) []*Pattern {
	var out []*Pattern
	seen := map[string]int{}

	heading := "imported"
	var fence []string
	inFence := false

	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "```"):
			if inFence {
				source := strings.TrimSpace(strings.Join(fence, "\n"))
				if source != "" {
					name := slugify(heading)
					seen[name]++
					if seen[name] > 1 {
						name = fmt.Sprintf("%s-%d", name, seen[name])
					}
					out = append(out, &Pattern{Name: name, Source: source})
				}
				fence = nil
			}
			inFence = !inFence

		case inFence:
			fence = append(fence, line)

		case strings.HasPrefix(trimmed, "#"):
			h := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if h != "" {
				heading = h
			}
		}
	}

	return out
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "imported"
	}
	return out
}
