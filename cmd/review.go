package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/reviewdesk/internal/analyzer"
	"github.com/reviewdesk/internal/auth"
	"github.com/reviewdesk/internal/config"
	"github.com/reviewdesk/internal/logging"
	"github.com/reviewdesk/internal/providers"
	"github.com/reviewdesk/internal/providers/github"
	"github.com/reviewdesk/internal/providers/gitlab"
	"github.com/reviewdesk/internal/registry"
	"github.com/reviewdesk/internal/session"
	"github.com/reviewdesk/internal/workflow"
)

// ReviewCommand returns the review command
func ReviewCommand() *cli.Command {
	return &cli.Command{
		Name:  "review",
		Usage: "Start an interactive review session",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: runReview,
	}
}

func runReview(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Setup(c.Bool("verbose"))
	ctx := c.Context

	orch, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return runLoop(ctx, orch)
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*workflow.Orchestrator, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	var creds workflow.TokenSource = unconfiguredTokenSource{}
	provs := map[string]providers.Provider{}
	if cfg.GitHub.AppID > 0 {
		pem, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read app private key: %w", err)
		}
		mgr, err := auth.NewManager(strconv.FormatInt(cfg.GitHub.AppID, 10), pem, cfg.GitHub.APIURL, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up credential manager: %w", err)
		}
		creds = mgr
		provs["github"] = github.New(cfg.GitHub.APIURL)
	}
	if cfg.GitLab.Token != "" {
		gl, err := gitlab.New(gitlab.Config{URL: cfg.GitLab.URL, Token: cfg.GitLab.Token})
		if err != nil {
			return nil, fmt.Errorf("failed to set up gitlab provider: %w", err)
		}
		provs["gitlab"] = gl
	}

	analyzers, err := buildAnalyzers(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gateway := analyzer.NewGateway(time.Duration(cfg.Analyzers.TimeoutSeconds)*time.Second, logger, analyzers...)

	return workflow.NewOrchestrator(store, creds, provs, gateway, logger), nil
}

// unconfiguredTokenSource stands in when no GitHub App is configured.
type unconfiguredTokenSource struct{}

func (unconfiguredTokenSource) TokenFor(ctx context.Context, owner, repo string) (*auth.AccessToken, error) {
	return nil, fmt.Errorf("no GitHub App is configured")
}

func buildStore(cfg *config.Config) (session.Store, error) {
	switch cfg.General.StoreDriver {
	case "sqlite":
		return session.NewSQLiteStore(cfg.General.StorePath)
	default:
		return session.NewMemoryStore(), nil
	}
}

func buildRegistry(cfg *config.Config) (registry.Registry, error) {
	if cfg.Registry.Driver == "postgres" {
		db, err := registry.OpenPostgres(cfg.Registry.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open installation registry: %w", err)
		}
		return registry.NewPostgresRegistry(db), nil
	}
	return registry.StaticRegistry(cfg.GitHub.Installations), nil
}

func buildAnalyzers(ctx context.Context, cfg *config.Config) ([]analyzer.Analyzer, error) {
	var out []analyzer.Analyzer
	for _, name := range cfg.Analyzers.Enabled {
		switch name {
		case "security":
			sec, err := analyzer.NewSecurityAnalyzer()
			if err != nil {
				return nil, fmt.Errorf("failed to set up security analyzer: %w", err)
			}
			out = append(out, sec)
		case "architecture":
			out = append(out, analyzer.NewArchitectureAnalyzer())
		case "llm":
			if cfg.Analyzers.LLM.APIKey == "" {
				return nil, fmt.Errorf("llm analyzer is enabled but analyzers.llm.api_key is not set")
			}
			llm, err := analyzer.NewGoogleAIAnalyzer(ctx, "llm", cfg.Analyzers.LLM.APIKey, cfg.Analyzers.LLM.Model)
			if err != nil {
				return nil, fmt.Errorf("failed to set up llm analyzer: %w", err)
			}
			out = append(out, llm)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no analyzers enabled")
	}
	return out, nil
}

// runLoop drives the conversation over stdin/stdout. One session at a time;
// a cancelled session is replaced by a fresh one on the next message.
func runLoop(ctx context.Context, orch *workflow.Orchestrator) error {
	s, prompt, err := orch.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Println(prompt)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		reply, err := orch.HandleInput(ctx, s.ID, line)
		if errors.Is(err, session.ErrNotFound) {
			s, reply, err = orch.Start(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Println(reply)
	}
	return scanner.Err()
}
