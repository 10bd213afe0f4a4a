// Supportdesk is a customer-support chat backend.
//
// It classifies each customer message, routes it to a specialised
// responder (general, orders, billing) that may call read and write
// actions against the commerce dataset, and streams the reply over SSE
// or WebSocket while persisting the conversation.
//
// Usage:
//
//	supportdesk serve              Start the API server
//	supportdesk init [dir]         Write a default config.yaml
//	supportdesk seed               Install the demo commerce dataset
//	supportdesk ask <question>     Ask a single question as the demo user
//	supportdesk agents             List the routing targets
//	supportdesk version            Print version and build information
//	supportdesk -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/supportdesk/internal/actions"
	"github.com/nugget/supportdesk/internal/agent"
	"github.com/nugget/supportdesk/internal/api"
	"github.com/nugget/supportdesk/internal/buildinfo"
	"github.com/nugget/supportdesk/internal/chat"
	"github.com/nugget/supportdesk/internal/commerce"
	"github.com/nugget/supportdesk/internal/config"
	"github.com/nugget/supportdesk/internal/delegate"
	"github.com/nugget/supportdesk/internal/events"
	"github.com/nugget/supportdesk/internal/llm"
	"github.com/nugget/supportdesk/internal/mqtt"
	"github.com/nugget/supportdesk/internal/ratelimit"
	"github.com/nugget/supportdesk/internal/router"
	"github.com/nugget/supportdesk/internal/store"
	"github.com/nugget/supportdesk/internal/stream"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, logs
// go to stdout, and args is os.Args[1:]. Arguments are parsed by hand
// so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "seed":
		return runSeed(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: supportdesk ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "agents":
		return runAgents(stdout, configPath, outputFmt)
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
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Supportdesk - Customer Support Chat Backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: supportdesk [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  seed         Install the demo commerce dataset")
	fmt.Fprintln(w, "  ask          Ask a single question as the demo user")
	fmt.Fprintln(w, "  agents       List the routing targets")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/supportdesk/config.yaml, /etc/supportdesk/config.yaml")
	return nil
}

// app holds the components shared by serve and ask.
type app struct {
	db        *sql.DB
	store     *store.Store
	commerce  *commerce.Store
	runs      *agent.RunStore
	models    *llm.MultiClient
	router    *router.Router
	delegator *delegate.Delegator
	chat      *chat.Orchestrator
	bus       *events.Bus
}

func (a *app) Close() error { return a.db.Close() }

// build opens storage, seeds the demo dataset, and wires the pipeline.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := openDB(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{db: db, bus: events.New()}

	if a.store, err = store.New(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	if a.commerce, err = commerce.NewStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open commerce store: %w", err)
	}
	if err := a.commerce.Seed(ctx, time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed commerce data: %w", err)
	}
	if a.runs, err = agent.NewRunStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open run store: %w", err)
	}
	logger.Info("database opened", "path", cfg.Database.Path)

	catalog, err := actions.NewCatalog(a.commerce, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register actions: %w", err)
	}
	logger.Info("actions registered", "count", len(catalog.Names()))

	a.models = createLLMClient(cfg, logger)

	a.router = router.NewRouter(logger.With("component", "router"), routerConfig(cfg))

	a.delegator = delegate.New(delegate.Config{
		Client:  a.models,
		Router:  a.router,
		Actions: catalog,
		Model:   cfg.Models.Default,
		Runs:    a.runs,
		Bus:     a.bus,
		Logger:  logger,
	})

	a.chat = chat.New(chat.Config{
		Store:      a.store,
		Processor:  a.delegator,
		MaxHistory: cfg.Chat.MaxHistory,
		Bus:        a.bus,
		Logger:     logger,
	})
	return a, nil
}

// runServe starts the API server and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stdout)
	if err != nil {
		return err
	}
	logger.Info("starting Supportdesk", "build", buildinfo.Get().String(), "config", cfgPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var limiter *ratelimit.Store
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			SweepInterval:     cfg.RateLimit.SweepInterval(),
			IdleTTL:           cfg.RateLimit.IdleTTL(),
		}, logger)
		defer limiter.Close()
		logger.Info("rate limiting enabled",
			"requests_per_minute", cfg.RateLimit.RequestsPerMinute,
			"burst", cfg.RateLimit.Burst,
		)
	}

	var wg sync.WaitGroup
	if cfg.MQTT.Enabled {
		fwd := mqtt.New(cfg.MQTT, a.bus, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fwd.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
				return
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := fwd.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}()
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Chat:           a.chat,
		Agents:         a.delegator,
		Router:         a.router,
		Runs:           a.runs,
		Health:         a.store.Ping,
		Providers:      a.models,
		Limiter:        limiter,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Bus:            a.bus,
	}, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	err = server.Start(ctx)
	cancel()
	wg.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Supportdesk stopped")
	return nil
}

// runSeed installs the demo dataset without starting the server.
func runSeed(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	cs, err := commerce.NewStore(db)
	if err != nil {
		return fmt.Errorf("open commerce store: %w", err)
	}
	if err := cs.Seed(ctx, time.Now()); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fmt.Fprintf(stdout, "Seeded demo data into %s (users: %s, %s)\n", cfg.Database.Path, commerce.DemoUserID, commerce.OtherUserID)
	return nil
}

// runAsk sends one message through the full pipeline as the demo user
// and streams the reply text to stdout.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	evs, err := a.chat.Stream(ctx, chat.Request{
		UserID:  commerce.DemoUserID,
		Message: strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return printEvents(stdout, evs)
}

// printEvents renders a stream for a terminal: routing and actions as
// bracketed notes, text as it arrives.
func printEvents(w io.Writer, ch <-chan stream.Event) error {
	var failure error
	for ev := range ch {
		switch d := ev.Data.(type) {
		case stream.RoutingData:
			fmt.Fprintf(w, "[%s: %s]\n", d.Category, d.AgentName)
		case stream.ToolCallData:
			fmt.Fprintf(w, "[action: %s]\n", d.Name)
		case stream.TextDeltaData:
			fmt.Fprint(w, d.Delta)
		case stream.DoneData:
			fmt.Fprintln(w)
		case stream.ErrorData:
			failure = errors.New(d.Message)
		}
	}
	return failure
}

// runAgents lists routing targets. It needs no model provider or
// database, only the built-in profiles.
func runAgents(w io.Writer, configPath, outputFmt string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	d := delegate.New(delegate.Config{
		Actions: actions.NewRegistry(slog.New(slog.DiscardHandler)),
		Model:   cfg.Models.Default,
		Logger:  slog.New(slog.DiscardHandler),
	})
	agents := d.ListAgents()

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}
	for _, ag := range agents {
		fmt.Fprintf(w, "%-8s %-20s %s\n", ag.Category, ag.Name, ag.Description)
	}
	return nil
}

// openDB opens the shared SQLite database in WAL mode.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
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

// createLLMClient builds a multi-provider client. Models not mapped to
// a provider fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	multi := llm.NewMultiClient("ollama", llm.NewOllamaClient(cfg.Models.OllamaURL, logger))

	if cfg.Anthropic.APIKey != "" {
		anthropic := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		anthropic.Pace(cfg.Anthropic.RequestsPerMinute)
		multi.AddProvider("anthropic", anthropic)
		logger.Info("Anthropic provider configured", "requests_per_minute", cfg.Anthropic.RequestsPerMinute)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, cfg.ProviderFor(m.Name))
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
	)
	return multi
}

func routerConfig(cfg *config.Config) router.Config {
	rc := router.Config{
		DefaultModel:    cfg.Models.Default,
		ClassifierModel: cfg.Models.Classifier,
		MaxAuditLog:     1000,
	}
	for _, m := range cfg.Models.Available {
		rc.Models = append(rc.Models, router.Model{
			Name:          m.Name,
			Provider:      cfg.ProviderFor(m.Name),
			SupportsTools: m.SupportsTools,
			Speed:         m.Speed,
			Quality:       m.Quality,
		})
	}
	return rc
}
