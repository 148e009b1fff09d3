package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/adapter"
	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/marmos91/dittomtp/pkg/provider"
)

// DefaultShutdownTimeout bounds adapter and provider shutdown when Options
// leaves it unset.
const DefaultShutdownTimeout = 30 * time.Second

// Options configures a DittoMTPServer.
type Options struct {
	// ShutdownTimeout bounds stopping the adapters and draining the provider.
	ShutdownTimeout time.Duration

	// AutoOpen lists device ids opened before the adapters start. A device
	// that fails to open is logged and skipped.
	AutoOpen []int

	// Metrics is served alongside the adapters when non-nil.
	Metrics *metrics.Server
}

// DittoMTPServer manages the lifecycle of the network adapters that share
// one document provider.
//
// Lifecycle:
//  1. Creation: New() with the provider
//  2. Registration: AddAdapter() for each surface
//  3. Startup: Serve() opens the configured devices and starts all adapters
//  4. Shutdown: Context cancellation stops the adapters, then the provider
//     closes every device and drains in-flight transfers
//
// Thread safety:
// DittoMTPServer is safe for concurrent use. AddAdapter() may be called
// concurrently with other methods. Serve() may only be called once.
//
// Example usage:
//
//	srv := server.New(p, server.Options{AutoOpen: []int{0}})
//	srv.AddAdapter(rest.New(restConfig))
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type DittoMTPServer struct {
	provider *provider.Provider
	opts     Options

	// mu protects adapters and served
	mu       sync.RWMutex
	adapters []adapter.Adapter
	served   bool
}

// New creates a server for p. Call AddAdapter() to register surfaces, then
// Serve() to start.
//
// Panics if p is nil (programmer error).
func New(p *provider.Provider, opts Options) *DittoMTPServer {
	if p == nil {
		panic("provider cannot be nil")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &DittoMTPServer{
		provider: p,
		opts:     opts,
		adapters: make([]adapter.Adapter, 0, 2),
	}
}

// AddAdapter injects the provider into a and registers it.
//
// Returns:
//   - error if another adapter uses the same protocol or port, or Serve()
//     has already been called
//
// Panics if a is nil (programmer error).
func (s *DittoMTPServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return fmt.Errorf("cannot add %s adapter: server already started", a.Protocol())
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}
	if s.opts.Metrics != nil && s.opts.Metrics.Port() == port {
		return fmt.Errorf("port %d already in use by the metrics server", port)
	}

	a.SetProvider(s.provider)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// Serve opens the auto-open devices, starts every adapter and blocks until
// ctx is cancelled or an adapter fails.
//
// Shutdown behavior:
// When ctx is cancelled or an adapter fails, every adapter is stopped in
// reverse registration order. Once all of them have returned the provider
// is shut down, closing the devices and waiting for transfers. Both steps
// share ShutdownTimeout.
//
// Returns:
//   - ctx.Err() if shutdown was triggered by cancellation
//   - error if an adapter failed, no adapter is registered, or Serve() was
//     already called
func (s *DittoMTPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	s.openDevices(ctx)

	logger.Info("Starting DittoMTP with %d adapter(s)", len(adapters))

	// Buffered so that simultaneous failures never block a goroutine.
	errChan := make(chan adapterError, len(adapters)+1)
	var wg sync.WaitGroup

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	if s.opts.Metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.opts.Metrics.Start(metricsCtx); err != nil && metricsCtx.Err() == nil {
				errChan <- adapterError{protocol: "metrics", err: err}
			}
		}()
	}

	startTime := time.Now()
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter on port %d", protocol, a.Port())

			if err := a.Serve(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					logger.Error("%s adapter failed: %v", protocol, err)
					errChan <- adapterError{protocol: protocol, err: err}
				} else {
					logger.Debug("%s adapter stopped gracefully", protocol)
				}
			} else {
				logger.Info("%s adapter stopped", protocol)
			}
		}(adp)
	}
	logger.Debug("Adapters launched in %v", time.Since(startTime))

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.stopAllAdapters(stopCtx, adapters)
	stopMetrics()

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()

	if err := s.provider.Shutdown(stopCtx); err != nil {
		logger.Error("Provider shutdown error: %v", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}

	logger.Info("DittoMTP stopped")
	return shutdownErr
}

// openDevices opens every configured device. Failures are logged and
// skipped.
func (s *DittoMTPServer) openDevices(ctx context.Context) {
	for _, id := range s.opts.AutoOpen {
		if err := s.provider.OpenDevice(ctx, id); err != nil {
			logger.Warn("Failed to open device %d: %v", id, err)
			continue
		}
		logger.Info("Opened device %d", id)
	}
}

// adapterError pairs an adapter protocol name with its error.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters calls Stop() on every adapter in reverse registration
// order. Errors are logged and the remaining adapters are still stopped.
func (s *DittoMTPServer) stopAllAdapters(ctx context.Context, adapters []adapter.Adapter) {
	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter (port %d)", protocol, adp.Port())
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
		}
	}
}

// Adapters returns a snapshot of the registered adapters.
func (s *DittoMTPServer) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
