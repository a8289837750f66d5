// server is the MCP resource server binary. It exposes the sandboxed file
// tools and the memory store over stdio or HTTP (REST, JSON-RPC, WebSocket).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mcp-resource-server/internal/config"
	"mcp-resource-server/internal/di"
	"mcp-resource-server/internal/security"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		cancel()
		log.Fatalf("server: %v", err)
	}
}

// run parses args, builds the container and serves until ctx ends or, in
// stdio mode, the input is exhausted.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var (
		mode       = fs.String("mode", "stdio", "Server mode: stdio or http")
		addr       = fs.String("addr", "", "HTTP listen address (default from config)")
		configFile = fs.String("config", os.Getenv("MCP_CONFIG_FILE"), "YAML configuration file")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *mode != "stdio" && *mode != "http" {
		return fmt.Errorf("invalid mode %q: use stdio or http", *mode)
	}

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Shutdown(); err != nil {
			container.Logger.Error("shutdown failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return container.Run(ctx)
	})

	switch *mode {
	case "stdio":
		container.Logger.Info("serving MCP over stdio")
		server := container.NewMCPServer(&security.Identity{ID: "stdio", Method: security.AuthMethodStdio})
		g.Go(func() error {
			defer cancel()
			return server.ServeStdio(ctx, stdin, stdout, 0)
		})
	case "http":
		if *addr == "" {
			*addr = cfg.Addr()
		}
		httpServer := &http.Server{
			Addr:              *addr,
			Handler:           container.NewRouter(container.NewMCPServer(nil)).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		g.Go(func() error {
			container.Logger.Info("serving HTTP", "addr", *addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			// the parent context is already done here
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx) //nolint:contextcheck // fresh context for shutdown
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	container.Logger.Info("server stopped")
	return nil
}
