package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cexll/genbridge/pkg/bridge"
	"github.com/cexll/genbridge/pkg/config"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/mcp"
	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/model/anthropic"
	"github.com/cexll/genbridge/pkg/model/gemini"
	"github.com/cexll/genbridge/pkg/model/openai"
	"github.com/cexll/genbridge/pkg/model/scripted"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/session"
	"github.com/cexll/genbridge/pkg/telemetry"
	"github.com/cexll/genbridge/pkg/tool"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const mcpIdleTTL = 10 * time.Minute

// capabilityFactory is replaced in tests.
var capabilityFactory = newCapability

// environment holds everything a command needs to run sessions.
type environment struct {
	loader    *config.Loader
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Manager
	pool      *mcp.Pool
	store     *session.FileStore
	journal   *event.FileJournal
	bus       *event.EventBus
	schemas   *schema.Cache
	tools     []tool.Tool
	bridge    *bridge.Bridge
}

func newLogger(streams ioStreams, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(streams.err, &slog.HandlerOptions{Level: level}))
}

func openEnvironment(ctx context.Context, flags *globalFlags, streams ioStreams) (env *environment, err error) {
	logger := newLogger(streams, flags.verbose)
	loader, err := config.NewLoader(flags.configPath, flags.dir, config.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	env = &environment{loader: loader, cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = env.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Endpoint != "" {
		env.telemetry, err = telemetry.NewManager(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, err
		}
		telemetry.SetDefault(env.telemetry)
	}

	if env.schemas, err = schema.NewCache(cfg.SchemaCacheSize); err != nil {
		return nil, err
	}
	if env.tools, err = webhookTools(cfg); err != nil {
		return nil, err
	}
	if len(cfg.MCPServers) > 0 {
		env.pool = mcp.NewPool(mcpIdleTTL, mcp.WithLogger(logger))
		remote, err := env.pool.Tools(ctx, cfg.MCPServers...)
		if err != nil {
			return nil, fmt.Errorf("mcp tools: %w", err)
		}
		env.tools = append(env.tools, remote...)
	}

	opts := bridge.Options{
		Capability: bridge.CapabilityFunc(env.capability),
		Provider:   cfg.Provider,
		Logger:     logger,
	}
	if cfg.Store.Dir != "" {
		if env.store, err = session.NewFileStore(filepath.Join(cfg.Store.Dir, "transcripts")); err != nil {
			return nil, err
		}
		opts.Store = env.store
		if env.journal, err = event.NewFileJournal(filepath.Join(cfg.Store.Dir, "events.journal")); err != nil {
			return nil, err
		}
		env.bus = event.NewEventBus(event.WithJournal(env.journal))
		opts.Bus = env.bus
	}
	if env.bridge, err = bridge.New(opts); err != nil {
		return nil, err
	}
	return env, nil
}

// capability builds the model for a new session from the latest good config,
// so reloaded provider settings apply to sessions created afterwards.
func (e *environment) capability(ctx context.Context, _ bridge.SessionSpec) (model.Capability, error) {
	cfg := e.cfg
	if last, ok := e.loader.Last(); ok {
		cfg = last
	}
	return capabilityFactory(ctx, cfg)
}

func newCapability(ctx context.Context, cfg *config.Config) (model.Capability, error) {
	if cfg.Provider == config.ProviderScripted {
		return scripted.New(), nil
	}
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("%s: environment variable %s is not set", cfg.Provider, cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewSDKModelWithBaseURL(key, cfg.Model, cfg.BaseURL, cfg.MaxTokens), nil
	case config.ProviderOpenAI:
		return openai.NewSDKModelWithBaseURL(key, cfg.Model, cfg.BaseURL, cfg.MaxTokens), nil
	case config.ProviderGemini:
		m, err := gemini.NewSDKModelWithBaseURL(ctx, key, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func webhookTools(cfg *config.Config) ([]tool.Tool, error) {
	tools := make([]tool.Tool, 0, len(cfg.Tools))
	for _, ref := range cfg.Tools {
		def, err := ref.Definition()
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool.Tool{Definition: def, Handler: tool.Webhook(ref.Endpoint, nil)})
	}
	return tools, nil
}

// Close releases sessions, MCP clients, stores and the exporter.
func (e *environment) Close(ctx context.Context) error {
	var errs []error
	if e.bridge != nil {
		errs = append(errs, e.bridge.Close(ctx))
	}
	if e.bus != nil {
		errs = append(errs, e.bus.Close())
	}
	if e.pool != nil {
		errs = append(errs, e.pool.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.journal != nil {
		errs = append(errs, e.journal.Close())
	}
	if e.telemetry != nil {
		errs = append(errs, e.telemetry.Shutdown(ctx))
		telemetry.SetDefault(nil)
	}
	return errors.Join(errs...)
}

// readPrompt joins args, or reads stdin when the only arg is "-".
func readPrompt(args []string, streams ioStreams) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		raw, err := io.ReadAll(streams.in)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	if len(args) == 0 {
		return "", errors.New("prompt is required")
	}
	return strings.Join(args, " "), nil
}

func readSchemaFile(cache *schema.Cache, path string) (*schema.Schema, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return cache.Parse(raw)
}
