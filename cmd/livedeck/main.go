// Command livedeck is the live-coding deck harness daemon.
//
// Usage:
//
//	livedeck -config livedeck.yaml          # run with config file
//	livedeck                                # run with defaults
//	livedeck -import https://example.com/p  # import patterns and exit
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/livedeck/dbopen"
	"github.com/hazyhaar/livedeck/harness"
	"github.com/hazyhaar/livedeck/mcpquic"
	"github.com/hazyhaar/livedeck/observability"
	"github.com/hazyhaar/livedeck/patternlib"
	"github.com/hazyhaar/livedeck/strudel"
)

func main() {
	configPath := flag.String("config", "", "path to livedeck.yaml config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	importURL := flag.String("import", "", "import patterns from a URL and exit")
	listPatterns := flag.Bool("patterns", false, "list stored patterns and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *addr, *importURL, *listPatterns); err != nil {
		logger.Error("livedeck: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, addr, importURL string, listPatterns bool) error {
	cfg, err := resolveConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}

	patterns, err := patternlib.Open(cfg.Storage.PatternsDB)
	if err != nil {
		return fmt.Errorf("patterns db: %w", err)
	}
	defer patterns.DB.Close()

	// One-shot: import patterns from a community page.
	if importURL != "" {
		imp := patternlib.NewImporter(patterns, logger)
		stored, err := imp.ImportURL(ctx, importURL)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stored)
	}

	// One-shot: list patterns.
	if listPatterns {
		all, err := patterns.List(ctx, 0)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}

	// Observability DB.
	obsDB, err := dbopen.Open(cfg.Storage.ObservabilityDB, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("observability db: %w", err)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		return fmt.Errorf("observability init: %w", err)
	}
	if err := observability.Cleanup(ctx, obsDB, observability.DefaultRetention()); err != nil {
		logger.Warn("livedeck: retention cleanup", "error", err)
	}

	metrics := observability.NewMetricsManager(obsDB, 256, 5*time.Second)
	defer metrics.Close()
	events := observability.NewEventLogger(obsDB)

	// Editor host (browser + strudel page).
	host := strudel.NewHost(cfg.StrudelConfig())
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("editor host: %w", err)
	}
	defer host.Close()

	h, err := harness.New(harness.Options{
		Host:     harness.WrapHost(host),
		Patterns: patterns,
		Watcher:  cfg.WatcherOptions(),
		Events:   events,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("harness: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("harness start: %w", err)
	}
	defer h.Close()

	hb := observability.NewHeartbeatWriter(obsDB, "livedeck", time.Minute, h.Registry().Size)
	hb.Start(ctx)
	defer hb.Stop()

	// Optional MCP over QUIC.
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "livedeck",
			Version: "1.0.0",
		}, nil)
		h.RegisterMCP(mcpSrv)

		var tlsCfg *tls.Config
		if cfg.MCP.TLSCert != "" && cfg.MCP.TLSKey != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(cfg.MCP.TLSCert, cfg.MCP.TLSKey)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			return fmt.Errorf("mcp tls: %w", err)
		}
		ql, err := mcpquic.NewListener(cfg.MCP.Addr, tlsCfg, mcpSrv, logger)
		if err != nil {
			return fmt.Errorf("mcp listener: %w", err)
		}
		go func() {
			logger.Info("livedeck: MCP QUIC starting", "addr", cfg.MCP.Addr)
			if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
				logger.Error("livedeck: MCP QUIC", "error", sErr)
			}
		}()
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h.Router(cfg.HTTP.TokenHash),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("livedeck: server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("livedeck: server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("livedeck: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("livedeck: shutdown", "error", err)
	}
	logger.Info("livedeck: stopped")
	return nil
}

func resolveConfig(path string) (*harness.FileConfig, error) {
	if path != "" {
		return harness.LoadFile(path)
	}
	return harness.DefaultConfig(), nil
}
