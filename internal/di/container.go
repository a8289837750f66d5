// Package di provides dependency injection container for the application
package di

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"mcp-resource-server/internal/api"
	"mcp-resource-server/internal/api/handlers"
	"mcp-resource-server/internal/circuitbreaker"
	"mcp-resource-server/internal/config"
	"mcp-resource-server/internal/dispatch"
	"mcp-resource-server/internal/fallback"
	"mcp-resource-server/internal/logging"
	"mcp-resource-server/internal/mcp"
	"mcp-resource-server/internal/memory"
	"mcp-resource-server/internal/metrics"
	"mcp-resource-server/internal/ratelimit"
	"mcp-resource-server/internal/retry"
	"mcp-resource-server/internal/sandbox"
	"mcp-resource-server/internal/security"
)

const auditBufferSize = 256

// healthProbeKey is looked up in the fallback by the health check.
const healthProbeKey = "__health__"

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger logging.Logger

	Metrics     *metrics.Metrics
	Guard       *sandbox.Guard
	Files       *sandbox.Gateway
	Store       *memory.Store
	Fallback    memory.Fallback
	Bridge      *memory.Bridge
	Limiter     ratelimit.Limiter
	Extractor   *security.Extractor
	AuditLogger *security.AuditLogger
	Dispatcher  *dispatch.Dispatcher

	fallbackErr error
	closers     []io.Closer
}

// NewContainer creates a new dependency injection container
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{Config: cfg}

	// Initialize in dependency order
	if err := c.initializeLogging(); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	c.Metrics = metrics.New()

	if err := c.initializeSandbox(); err != nil {
		_ = c.closeAll()
		return nil, fmt.Errorf("failed to initialize sandbox: %w", err)
	}
	c.initializeMemory(ctx)
	if err := c.initializeRateLimit(ctx); err != nil {
		_ = c.Bridge.Close()
		_ = c.closeAll()
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	c.initializeDispatcher()

	c.Logger.Info("container initialized",
		"root", c.Guard.Root(),
		"fallback", c.Fallback.Name(),
		"rate_limit_backend", c.Limiter.Name())
	return c, nil
}

func (c *Container) initializeLogging() error {
	opts := logging.Options{Level: c.Config.Logging.Level, Format: c.Config.Logging.Format}
	if c.Config.Logging.File != "" {
		f, err := logging.OpenFile(c.Config.Logging.File)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, f)
		opts.Output = f
	}
	c.Logger = logging.NewLogger(opts).WithComponent("server")
	return nil
}

func (c *Container) initializeSandbox() error {
	root, err := c.Config.GetDataDir()
	if err != nil {
		return err
	}
	fs := c.Config.Filesystem
	c.Guard, err = sandbox.NewGuard(root, fs.AllowedExtensions, fs.DenyPatterns)
	if err != nil {
		return err
	}
	c.Files = sandbox.NewGateway(c.Guard, fs.MaxFileSize, c.Logger)
	return nil
}

// initializeMemory builds the store and its mirror. An unreachable
// fallback leaves the server running on the local store alone; the health
// check keeps reporting the connection error.
func (c *Container) initializeMemory(ctx context.Context) {
	mc := c.Config.Memory
	c.Store = memory.NewStore(memory.Config{MaxBytes: mc.MaxSize, DefaultTTL: mc.TTL()},
		memory.WithObserver(c.Metrics))
	c.Metrics.RegisterStoreGauges(c.Store.Usage)

	var fb memory.Fallback
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		var oerr error
		fb, oerr = fallback.Open(ctx, mc.FallbackURL, mc.FallbackPrefix)
		if oerr != nil {
			c.Logger.Warn("fallback connect failed", "error", oerr)
		}
		return oerr
	})
	if err != nil {
		c.Logger.Error("fallback unavailable, continuing without it", "error", err)
		c.fallbackErr = err
		fb = memory.NoopFallback{}
	}
	c.Fallback = fallback.WithBreaker(fb, &circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			c.Logger.Warn("fallback circuit changed state", "from", from.String(), "to", to.String())
		},
	})
	c.Bridge = memory.NewBridge(c.Store, c.Fallback, mc.FallbackTimeout(), c.Logger, c.Metrics)
}

func (c *Container) initializeRateLimit(ctx context.Context) error {
	rc := ratelimit.DefaultConfig()
	rc.Limit = c.Config.RateLimit.Requests
	rc.Window = c.Config.RateLimit.Window()
	rc.Backend = c.Config.RateLimit.Backend
	rc.RedisURL = c.Config.RateLimit.RedisURL

	limiter, err := ratelimit.New(ctx, rc)
	if err != nil {
		return err
	}
	c.Limiter = limiter
	return nil
}

func (c *Container) initializeDispatcher() {
	c.Extractor = security.NewExtractor(security.ExtractorConfig{
		JWTSecret:           c.Config.Auth.JWTSecret,
		JWTIssuer:           c.Config.Auth.JWTIssuer,
		APIKeys:             c.Config.Auth.APIKeys,
		IdentityHeader:      c.Config.Auth.IdentityHeader,
		TrustIdentityHeader: c.Config.Auth.TrustIdentityHeader,
	})
	c.AuditLogger = security.NewAuditLogger(c.Logger, c.Metrics, auditBufferSize)
	c.Dispatcher = dispatch.New(dispatch.Deps{
		Files:   c.Files,
		Memory:  c.Bridge,
		Limiter: c.Limiter,
		Audit:   c.AuditLogger,
		Metrics: c.Metrics,
		Logger:  c.Logger,
	})
}

// NewMCPServer builds an MCP adapter. identity is attached to requests that
// arrive without one; stdio passes its fixed identity here.
func (c *Container) NewMCPServer(identity *security.Identity) *mcp.Server {
	return mcp.NewServer(mcp.Options{
		Name:            c.Config.Server.Name,
		Version:         c.Config.Server.Version,
		DefaultIdentity: identity,
	}, c.Dispatcher, c.Bridge, c.Logger)
}

// NewRouter builds the HTTP surface around server.
func (c *Container) NewRouter(server *mcp.Server) *api.Router {
	return api.NewRouter(api.Options{
		Name:       c.Config.Server.Name,
		Version:    c.Config.Server.Version,
		Dispatcher: c.Dispatcher,
		MCP:        server,
		Extractor:  c.Extractor,
		Metrics:    c.Metrics,
		Logger:     c.Logger,
		Checks:     c.HealthChecks(),
		// base64 inflates file content by a third; leave room for the envelope
		MaxRequestBytes: c.Config.Filesystem.MaxFileSize*2 + 1<<20,
	})
}

// Run drives the background janitors until ctx ends.
func (c *Container) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Store.Run(ctx, c.Config.Memory.Sweep())
	})
	g.Go(func() error {
		return c.Limiter.Run(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HealthChecks returns the named dependency checks served at /health.
func (c *Container) HealthChecks() map[string]handlers.CheckFunc {
	return map[string]handlers.CheckFunc{
		"sandbox": func(context.Context) error {
			info, err := os.Stat(c.Guard.Root())
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("sandbox root %s is not a directory", c.Guard.Root())
			}
			return nil
		},
		"fallback": func(ctx context.Context) error {
			if c.fallbackErr != nil {
				return c.fallbackErr
			}
			if b, ok := c.Fallback.(*fallback.Breaker); ok && b.State() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrCircuitOpen
			}
			_, _, _, err := c.Fallback.Get(ctx, healthProbeKey)
			return err
		},
	}
}

// HealthCheck performs health checks on all services
func (c *Container) HealthCheck(ctx context.Context) error {
	var errs []error
	for name, check := range c.HealthChecks() {
		if err := check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s health check failed: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown gracefully shuts down all services
func (c *Container) Shutdown() error {
	var errs []error
	if c.Limiter != nil {
		if err := c.Limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rate limiter: %w", err))
		}
	}
	if c.Bridge != nil {
		if err := c.Bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close fallback: %w", err))
		}
	}
	errs = append(errs, c.closeAll())
	return errors.Join(errs...)
}

func (c *Container) closeAll() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}
