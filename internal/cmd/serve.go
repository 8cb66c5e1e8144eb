package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/relaycrm/relay/internal/approval"
	"github.com/relaycrm/relay/internal/config"
	"github.com/relaycrm/relay/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Relay server with the approval sweeper and trace retention",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> tenant_id from RELAY_API_KEYS
// (comma-separated; each entry key or key:tenant_id).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantID
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	rt, err := newAppRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	sweeper, err := approval.NewSweeper(rt.approvals, rt.procStore, cfg.TraceRetention)
	if err != nil {
		return fmt.Errorf("approval sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	apiKeys := parseAPIKeys(os.Getenv("RELAY_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("RELAY_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(
		rt,
		rt.approvals,
		rt.auditStore,
		rt.procStore,
		apiKeys,
		server.WithTenantManager(rt.tenants),
		server.WithValidationLog(rt.validationLog),
		server.WithVault(rt.vault),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", sweeper.Entries()).
		Int("api_keys", len(apiKeys)).
		Msg("relay_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
