package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/authority"
)

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Serve the definitions directory as a workflow authority over HTTP",
	Long: `Run an in-process workflow authority for local development. It serves
GET /workflow/{serviceType}, POST /workflow/execute-step and
POST /workflow/decision, and pushes decision requests on GET /workflow/push.`,
	Args: cobra.NoArgs,
	RunE: runAuthority,
}

func init() {
	authorityCmd.Flags().String("listen-addr", "", "TCP listen address (default :4200)")
	bindFlags(v, authorityCmd.Flags(), map[string]string{"listen_addr": "listen-addr"})
	rootCmd.AddCommand(authorityCmd)
}

func runAuthority(cmd *cobra.Command, _ []string) error {
	if cfg.DefinitionsDir == "" {
		return errors.New("definitions_dir is required")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := newTracerProvider(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	b := authority.NewBroadcaster(logger)
	defer b.Close()
	local, err := newLocalAuthority(cfg.DefinitionsDir, b, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           local.Handler(tp),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("authority listening", "addr", cfg.ListenAddr, "service_types", local.ServiceTypes())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("authority stopped")
	return nil
}
