// Command agentmesh runs one mesh agent process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/agentmesh/agentmesh/pkg/agent"
	"github.com/agentmesh/agentmesh/pkg/artifact"
	"github.com/agentmesh/agentmesh/pkg/broker"
	"github.com/agentmesh/agentmesh/pkg/checkpoint"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/llms"
	"github.com/agentmesh/agentmesh/pkg/logger"
	"github.com/agentmesh/agentmesh/pkg/observability"
)

var version = "dev"

type cli struct {
	Serve   serveCmd   `cmd:"" help:"Run an agent."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type serveCmd struct {
	Config    string `short:"c" default:"agentmesh.yaml" help:"Path to the agent configuration file."`
	Artifacts string `help:"Artifact storage directory. In-memory when empty."`
}

type versionCmd struct{}

func main() {
	_ = godotenv.Load()

	var c cli
	ktx := kong.Parse(&c,
		kong.Name("agentmesh"),
		kong.Description("Broker-coordinated agent task execution and peer delegation."),
		kong.UsageOnError(),
	)
	if err := ktx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentmesh: %v\n", err)
		os.Exit(1)
	}
}

func (v *versionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func (s *serveCmd) Run() error {
	cfg, err := config.LoadFile(s.Config)
	if err != nil {
		return err
	}
	logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := buildBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := checkpoint.NewSQLStoreFromConfig(&cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer store.Close()

	llm, err := buildLLM(cfg)
	if err != nil {
		return fmt.Errorf("llm configuration: %w", err)
	}

	var artifacts artifact.Store
	if s.Artifacts != "" {
		artifacts, err = artifact.NewLocalStore(s.Artifacts)
		if err != nil {
			return err
		}
	} else {
		artifacts = artifact.NewMemoryStore()
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = observability.NewMetrics()
		if err != nil {
			return err
		}
		defer metrics.Shutdown(context.Background())
		go serveMetrics(cfg.Metrics.Addr, metrics)
	}

	ag, err := agent.New(cfg, agent.Deps{
		Broker:     b,
		Checkpoint: store,
		LLM:        llm,
		Artifacts:  artifacts,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	if err := ag.Start(ctx); err != nil {
		return err
	}
	defer ag.Stop()

	<-ctx.Done()
	slog.Info("Shutting down")
	return nil
}

func buildLLM(cfg *config.Config) (llms.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return llms.NewOpenAIClient(llms.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		})
	case "gemini":
		return llms.NewGeminiClient(llms.GeminiConfig{
			APIKey: cfg.LLM.APIKey,
			Model:  cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
}

func buildBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "memory":
		return broker.NewMemoryBroker(), nil
	case "redis":
		return broker.NewRedisBroker(ctx, broker.RedisOptions{
			URL:              cfg.Broker.URL,
			PublishAttempts:  cfg.Broker.PublishAttempts,
			PublishBaseDelay: time.Duration(cfg.Broker.PublishBaseDelayMs) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Broker.Type)
	}
}

func serveMetrics(addr string, metrics *observability.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Metrics endpoint failed", "error", err)
	}
}
