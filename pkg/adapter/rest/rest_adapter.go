package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/provider"
)

// DefaultPort is the port used when none is configured.
const DefaultPort = 8080

// RESTAdapter implements the adapter.Adapter interface for the HTTP document
// API.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. http.Server.Shutdown closes the listener and idle connections
//  3. Active requests get up to ShutdownTimeout to finish; event streams
//     end as soon as their request context is cancelled
//
// Thread safety:
// All methods are safe for concurrent use. Stop is idempotent.
type RESTAdapter struct {
	config   RESTConfig
	provider *provider.Provider

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	stopOnce sync.Once
	stopErr  error

	// streams is closed on Stop so that open event streams return before
	// http.Server.Shutdown waits for them.
	streams chan struct{}
}

// RESTConfig holds configuration parameters for the HTTP adapter.
//
// Default values (applied by New if zero):
//   - Port: 8080
//   - ReadHeaderTimeout: 10s
//   - IdleTimeout: 2m
//   - ShutdownTimeout: 30s
//
// ReadTimeout and WriteTimeout default to 0 (none) because content
// transfers and event streams are long-lived.
type RESTConfig struct {
	// Enabled controls whether the HTTP adapter is active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the TCP port to listen on.
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// ReadHeaderTimeout bounds reading the request headers.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"min=0" yaml:"read_header_timeout"`

	// ReadTimeout bounds reading a whole request, body included. 0 means none.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0" yaml:"read_timeout"`

	// WriteTimeout bounds writing a response. 0 means none.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0" yaml:"write_timeout"`

	// IdleTimeout closes keep-alive connections idle for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0" yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum time to wait for active requests
	// during graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0" yaml:"shutdown_timeout"`
}

// ApplyDefaults fills in zero values with sensible defaults.
//
// Enabled is left alone so that an explicit false survives.
func (c *RESTConfig) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *RESTConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 || c.ReadHeaderTimeout < 0 {
		return fmt.Errorf("invalid timeouts: must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// New creates a stopped RESTAdapter. Call SetProvider, then Serve.
//
// Panics if the configuration is invalid after defaults are applied.
func New(config RESTConfig) *RESTAdapter {
	config.ApplyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid HTTP adapter config: %v", err))
	}
	return &RESTAdapter{
		config:  config,
		streams: make(chan struct{}),
	}
}

// SetProvider injects the document provider.
func (a *RESTAdapter) SetProvider(p *provider.Provider) {
	a.provider = p
	logger.Debug("HTTP adapter provider configured")
}

// Serve listens on the configured port and blocks until ctx is cancelled.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the listener cannot be created, serving fails, or shutdown
//     exceeds ShutdownTimeout
func (a *RESTAdapter) Serve(ctx context.Context) error {
	if a.provider == nil {
		return errors.New("HTTP adapter: provider not set")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.config.Port))
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener on port %d: %w", a.config.Port, err)
	}
	return a.serve(ctx, listener)
}

func (a *RESTAdapter) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.config.ReadHeaderTimeout,
		ReadTimeout:       a.config.ReadTimeout,
		WriteTimeout:      a.config.WriteTimeout,
		IdleTimeout:       a.config.IdleTimeout,
	}

	a.mu.Lock()
	a.server = server
	a.listener = listener
	a.mu.Unlock()

	logger.Info("HTTP server listening on %s", listener.Addr())

	errChan := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		logger.Info("HTTP shutdown signal received: %v", ctx.Err())
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		// Stop was called directly; the Stop below waits for it.
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// Stop shuts the server down gracefully. Safe to call multiple times and
// before Serve.
func (a *RESTAdapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		close(a.streams)

		a.mu.Lock()
		server := a.server
		a.mu.Unlock()
		if server == nil {
			return
		}

		if err := server.Shutdown(ctx); err != nil {
			a.stopErr = fmt.Errorf("HTTP server shutdown error: %w", err)
			logger.Error("HTTP server shutdown error: %v", err)
			return
		}
		logger.Info("HTTP server stopped")
	})
	return a.stopErr
}

// Protocol returns "HTTP".
func (a *RESTAdapter) Protocol() string {
	return "HTTP"
}

// Port returns the configured TCP port.
func (a *RESTAdapter) Port() int {
	return a.config.Port
}

// Addr returns the listener's address once Serve has started, or nil.
func (a *RESTAdapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}
