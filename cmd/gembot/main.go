// Gembot is a Telegram bot that relays chat messages to the Gemini API.
//
// Each inbound text message is sent to Gemini together with a window of
// the sender's recent conversation history, and the generated reply is
// sent back and persisted so future turns have context. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); the bot token and API key may ride in
// the TELEGRAM_TOKEN and GEMINI_API_KEY environment variables.
//
// Usage:
//
//	gembot serve             Start the bot (default)
//	gembot version           Print version and build information
//	gembot -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/gembot/internal/bridge"
	"github.com/nugget/gembot/internal/buildinfo"
	"github.com/nugget/gembot/internal/config"
	"github.com/nugget/gembot/internal/gemini"
	"github.com/nugget/gembot/internal/history"
	"github.com/nugget/gembot/internal/telegram"
)

// startupProbeTimeout bounds the getMe credential check at startup.
const startupProbeTimeout = 10 * time.Second

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

// run is the real entry point for the gembot command. All OS-level
// dependencies are injected as parameters so tests can drive the full
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals (flag.CommandLine), which interferes with
// parallel tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

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
			return fmt.Errorf("unknown argument: %s (try -help)", args[i])
		}
	}

	switch command {
	case "", "serve":
		return serve(ctx, stdout, configPath)
	case "version":
		return printVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s (try -help)", command)
	}
}

// serve loads configuration, wires the components, and runs the bridge
// until the process receives SIGINT or SIGTERM.
func serve(ctx context.Context, stdout io.Writer, configPath string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gembot",
		"version", buildinfo.Version,
		"config", path,
		"log_level", level.String(),
	)

	// Missing credentials are fatal here, before any network I/O.
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open history store %s: %w", cfg.History.Path, err)
	}
	defer store.Close()

	var genOpts []gemini.Option
	if cfg.Gemini.TimeoutSec > 0 {
		genOpts = append(genOpts, gemini.WithTimeout(time.Duration(cfg.Gemini.TimeoutSec)*time.Second))
	}
	genClient, err := gemini.NewClient(cfg.Gemini.APIKey, logger, genOpts...)
	if err != nil {
		return err
	}

	tg := telegram.NewClient(cfg.Telegram.Token, logger)

	// Probe the bot credential before starting the poller so a bad
	// token fails loudly at startup instead of in the poll loop.
	probeCtx, probeCancel := context.WithTimeout(ctx, startupProbeTimeout)
	me, err := tg.GetMe(probeCtx)
	probeCancel()
	if err != nil {
		return fmt.Errorf("telegram credential check: %w", err)
	}
	logger.Info("connected to telegram", "bot", me.Username, "bot_id", me.ID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := telegram.NewPoller(tg, cfg.Telegram.PollTimeoutSec, logger)
	go poller.Run(ctx)

	b := bridge.NewBridge(bridge.BridgeConfig{
		Transport: tg,
		Generator: genClient,
		Store:     store,
		Logger:    logger,
		RateLimit: cfg.Telegram.RateLimit,
		Window:    cfg.History.Window,
		Markdown:  cfg.Telegram.RenderMarkdown,
	})

	// Blocks until ctx is cancelled and in-flight messages drain.
	b.Start(ctx, poller.Updates())

	logger.Info("gembot stopped")
	return nil
}

// printVersion writes build information in text or JSON form.
func printVersion(w io.Writer, format string) error {
	switch format {
	case "", "text":
		fmt.Fprintln(w, buildinfo.String())
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	default:
		return fmt.Errorf("unknown output format: %s (valid: text, json)", format)
	}
	return nil
}

// printUsage writes command help.
func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `gembot is a Telegram bot backed by the Gemini API.

Usage:
  gembot [flags] [command]

Commands:
  serve     Start the bot (default)
  version   Print version and build information

Flags:
  -config <path>   Config file (default: search %v)
  -o <format>      Output format for version: text, json
  -h, -help        Show this help
`, config.DefaultSearchPaths())
	return nil
}
