package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/poller"
	"github.com/rendis/flowpilot/internal/push"
	"github.com/rendis/flowpilot/pkg/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: `Serve the flow.* tools over MCP stdio. Alongside the server it polls idle
executions, watches the definitions directory when one is configured and
reads decision requests from the push channel when push_url is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("push-url", "", "WebSocket URL of the authority's push channel")
	bindFlags(v, serveCmd.Flags(), map[string]string{"push_url": "push-url"})
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	p, err := poller.New(poller.Deps{
		Registry:  s.registry,
		Decisions: s.decisions,
		Executor:  s.executor,
	}, poller.Config{
		Schedule:     cfg.pollSchedule(),
		ContinueIdle: true,
		Hub:          s.hub,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	if cfg.DefinitionsDir != "" {
		go func() {
			if err := s.catalog.Watch(ctx, cfg.DefinitionsDir); err != nil {
				logger.Warn("definition watch stopped", "error", err)
			}
		}()
	}

	if cfg.PushURL != "" {
		client := push.NewClient(cfg.PushURL, s.decisions, push.WithLogger(logger))
		go func() {
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("push channel closed", "error", err)
			}
		}()
	}

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Executor:  s.executor,
		Catalog:   s.catalog,
		Registry:  s.registry,
		Decisions: s.decisions,
		Journal:   s.journal,
		Hub:       s.hub,
		Logger:    logger,
	})
	logger.Info("flowpilot serving on stdio", "authority_url", cfg.AuthorityURL, "definitions_dir", cfg.DefinitionsDir)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
