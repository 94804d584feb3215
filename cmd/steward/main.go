// Steward is a conversational assistant that mediates between LLM
// backends and productivity tools: mail, calendar, contacts, documents,
// and any external MCP tool server.
//
// It exposes a streaming HTTP chat API, a WebSocket variant, and a CLI
// for one-shot questions. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	steward serve            Start the API server
//	steward ask <question>   Ask a single question (for testing)
//	steward version          Print version and build information
//	steward -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oslund/steward/internal/api"
	"github.com/oslund/steward/internal/buildinfo"
	"github.com/oslund/steward/internal/chat"
	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/metrics"
	"github.com/oslund/steward/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the steward command. All OS-level
// dependencies are injected as parameters so the lifecycle can be
// driven from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals, and our argument surface is small
// enough that manual parsing stays clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: steward ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Steward - Conversational Productivity Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: steward [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml")
	return nil
}

// runAsk handles the "steward ask <question>" subcommand: one turn with
// an empty history, printing the assistant's final answer. Useful for
// smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	svc := chat.NewService(cfg, metrics.NewFileSink(cfg.Metrics.Path, logger), logger)

	question := strings.Join(args, " ")
	var answer string
	for snapshot := range svc.Chat(ctx, question, nil, cfg.Models.Default) {
		if len(snapshot) > 0 {
			answer = snapshot[len(snapshot)-1].Content
		}
	}

	fmt.Fprintln(stdout, answer)
	return nil
}

// runServe handles the "steward serve" subcommand: wire the metrics
// pipeline, the chat service, and the HTTP server, then run until a
// termination signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, "text")
	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics pipeline: the JSONL file is the durable store; MQTT and
	// the usage database are optional fan-outs.
	sinks := metrics.MultiSink{metrics.NewFileSink(cfg.Metrics.Path, logger)}

	var mqttSink *metrics.MQTTSink
	if cfg.Metrics.MQTT.Broker != "" {
		mqttSink = metrics.NewMQTTSink(cfg.Metrics.MQTT, logger)
		if err := mqttSink.Start(ctx); err != nil {
			logger.Warn("mqtt metrics sink unavailable", "error", err)
		} else {
			sinks = append(sinks, mqttSink)
		}
	}

	var store *usage.Store
	if cfg.UsageDB != "" {
		store, err = usage.NewStore(cfg.UsageDB)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		defer store.Close()
		sinks = append(sinks, &usageSink{store: store, logger: logger})
	}

	svc := chat.NewService(cfg, sinks, logger)
	server := api.NewServer(cfg, svc, store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
		if mqttSink != nil {
			if err := mqttSink.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}
	}

	logger.Info("stopped")
	return nil
}

// usageSink mirrors each metrics record into the usage database.
type usageSink struct {
	store  *usage.Store
	logger *slog.Logger
}

func (s *usageSink) Log(rec metrics.Record) {
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	err = s.store.Record(context.Background(), usage.Record{
		Timestamp:       ts,
		RequestID:       rec.RequestID,
		Model:           rec.Model,
		Status:          rec.Status,
		DurationSeconds: rec.DurationSeconds,
		ToolCalls:       len(rec.InvokedTools),
		ToolErrors:      len(rec.ToolErrors),
	})
	if err != nil {
		s.logger.Warn("usage record failed", "request_id", rec.RequestID, "error", err)
	}
}

// newLogger builds a slog logger writing to w.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
