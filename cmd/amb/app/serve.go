package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-ambassador/ambassador/pkg/api"
	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/catalog"
	"github.com/mcp-ambassador/ambassador/pkg/config"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/networking"
	"github.com/mcp-ambassador/ambassador/pkg/proxy"
	"github.com/mcp-ambassador/ambassador/pkg/session"
	"github.com/mcp-ambassador/ambassador/pkg/store"
	"github.com/mcp-ambassador/ambassador/pkg/telemetry"
	"github.com/mcp-ambassador/ambassador/pkg/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ambassador server",
	Long: `Start the ambassador: open the store, start shared backends from the
published catalog, and serve the HTTP surface until SIGINT or SIGTERM.`,
	RunE: runServe,
}

const (
	gracefulTimeout    = 30 * time.Second
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 75 * time.Second // must exceed the request timeout middleware
	serverIdleTimeout  = 60 * time.Second
	metricsPollTick    = 15 * time.Second
)

func runServe(cmd *cobra.Command, _ []string) error {
	// Re-read the level now that the debug flag has been parsed.
	logger.Initialize()

	cfg, err := config.Load(configFileFlag(cmd))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("closing store: %v", err)
		}
	}()

	secret, err := session.LoadServerSecret(cfg.DataDir)
	if err != nil {
		return err
	}
	ipSalt, err := session.LoadIPSalt(cfg.DataDir)
	if err != nil {
		return err
	}
	recoveryToken, recoveryHash, created, err := session.EnsureRecoveryToken(cfg.DataDir)
	if err != nil {
		return err
	}
	if created {
		// Shown exactly once; only the hash is persisted.
		logger.Infow("generated admin recovery token", "token", recoveryToken)
	}

	auditor, err := audit.NewWriter(cfg.AuditDir, audit.WithRetentionDays(cfg.RetentionDays))
	if err != nil {
		return err
	}

	limiter := session.NewRateLimiter()
	sessions := session.NewManager(secret, st, st, limiter, auditor, session.WithIPSalt(ipSalt))

	var pool *proxy.PerUserPool
	vlt := vault.New(secret, st, vault.WithChangeHandler(func(userID, mcpID string) {
		pool.InvalidateCredentials(userID, mcpID)
	}))
	pool = proxy.NewPerUserPool(
		&credentialSource{users: st, vault: vlt},
		proxy.WithMaxPerUser(cfg.MaxPerUser),
		proxy.WithMaxTotal(cfg.MaxTotal),
	)
	shared := proxy.NewSharedManager()

	resolver := catalog.NewResolver(st, st, st)
	authorizer := authz.NewAuthorizer(st, st)
	router := proxy.NewRouter(resolver, authorizer, shared, pool, auditor)
	reloader := catalog.NewReloader(st, shared, pool)
	metrics := telemetry.New()

	adminHashes := append([]string{recoveryHash}, cfg.AdminKeyHashes...)
	apiServer := api.NewServer(
		sessions, router, shared, pool, auditor, reloader,
		api.NewAdminAuth(adminHashes), metrics,
	)

	// First reconcile starts every published backend.
	result, err := reloader.Apply(ctx)
	if err != nil {
		return fmt.Errorf("starting catalog backends: %w", err)
	}
	logger.Infow("catalog started",
		"backends", len(result.Added), "errors", len(result.Errors))

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      apiServer.Routes(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { auditor.Run(gctx); return nil })
	g.Go(func() error { pool.Run(gctx); return nil })
	g.Go(func() error { limiter.Run(gctx); return nil })
	g.Go(func() error {
		pollMetrics(gctx, metrics, shared, pool, auditor)
		return nil
	})
	g.Go(func() error {
		logger.Infof("Server listening on %s", cfg.BaseURL())
		var serveErr error
		if cfg.TLS {
			certPath, keyPath, certErr := networking.EnsureServerCert(cfg.DataDir, []string{cfg.Host})
			if certErr != nil {
				return certErr
			}
			serveErr = server.ListenAndServeTLS(certPath, keyPath)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Stop accepting and drain, then flush audit, then stop backends.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
		return nil
	})

	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	shared.StopAll(stopCtx)
	auditor.Close()

	if runErr != nil {
		return runErr
	}
	logger.Info("Server shutdown complete")
	return nil
}

func pollMetrics(ctx context.Context, m *telemetry.Metrics, shared *proxy.SharedManager, pool *proxy.PerUserPool, auditor *audit.Writer) {
	tick := time.NewTicker(metricsPollTick)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			for name, health := range shared.StatusSummary(ctx) {
				m.SetBackendUp(name, health.Healthy)
			}
			m.SetPoolInstances(pool.Live())
			m.SetAuditBuffered(auditor.BufferedEvents())
		case <-ctx.Done():
			return
		}
	}
}

// credentialSource decrypts stored credentials for the per-user pool by
// joining the user row (for its vault salt) with the vault.
type credentialSource struct {
	users *store.Store
	vault *vault.Vault
}

func (c *credentialSource) CredentialsFor(ctx context.Context, userID, mcpID string) (map[string]string, error) {
	user, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.vault.Get(ctx, user, mcpID)
}
