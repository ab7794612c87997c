package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/crossdisc/internal/api"
	"github.com/kalambet/crossdisc/internal/config"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the central agent and show local settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return showStatus(cmd.Context(), a)
	},
}

func showStatus(ctx context.Context, a *app) error {
	healthErr := a.client.Health(ctx)
	if healthErr != nil {
		printStatus("Gateway", "%s %s", a.cfg.Gateway.BaseURL, red("unreachable"))
	} else {
		printStatus("Gateway", "%s %s", a.cfg.Gateway.BaseURL, green("ok"))
	}
	printStatus("Fallback", "%s", a.cfg.Gateway.Fallback)
	if a.cfg.Gateway.CacheTTL > 0 {
		printStatus("Cache TTL", "%s", a.cfg.Gateway.CacheTTL)
	} else {
		printStatus("Cache TTL", "disabled")
	}
	printStatus("Data dir", "%s", a.cfg.Storage.DataDir)

	if a.history == nil {
		printStatus("History", "%s", yellow("unavailable"))
	} else if recs, err := a.history.RecentSearches(1); err != nil {
		printStatus("History", "%s", red(err.Error()))
	} else if len(recs) == 0 {
		printStatus("History", "empty")
	} else {
		printStatus("History", "last search %q %s", recs[0].Concept, recs[0].CreatedAt.Local().Format(time.DateTime))
	}

	if healthErr != nil {
		return fmt.Errorf("gateway health check: %w", healthErr)
	}
	return nil
}

// --- demo ---

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Serve an in-memory central agent for local testing",
	Long: `Serve an in-memory central agent for local testing.

The demo agent classifies, searches and answers from built-in sample data.
Point the client at it with:
  CROSSDISC_GATEWAY_BASE_URL=http://127.0.0.1:8000/api crossdisc search 熵`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setupLogging(cfg.Log.Level)
		if cmd.Flags().Changed("port") {
			port, _ := cmd.Flags().GetInt("port")
			if port <= 0 || port > 65535 {
				return fmt.Errorf("invalid --port %d", port)
			}
			cfg.Demo.Port = port
		}
		return runDemo(cmd.Context(), cfg)
	},
}

func init() {
	demoCmd.Flags().Int("port", 0, "listen port (overrides demo.port)")
}

func newDemoRouter() http.Handler {
	topRouter := chi.NewRouter()
	topRouter.Use(middleware.Recoverer)
	topRouter.Mount("/", api.NewHandler(api.NewDemoBackend(nil)))
	return topRouter
}

func runDemo(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Demo.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newDemoRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		printSuccess("demo agent listening on http://%s/api", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve crossdisc tools over MCP (stdio)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Gateway:      a.gw,
			History:      a.history,
			Search:       a.searchConfig(),
			Classify:     a.classifyRequest(""),
			PollInterval: a.cfg.Search.PollInterval,
		})
		slog.Info("MCP server started (stdio transport)")
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
