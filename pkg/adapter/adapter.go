package adapter

import (
	"context"

	"github.com/marmos91/dittomtp/pkg/provider"
)

// Adapter represents a network surface that exposes the document provider
// and can be managed by the DittoMTP server.
//
// Lifecycle:
//  1. Creation: Adapter is created with its own configuration
//  2. Provider injection: SetProvider() provides the shared document API
//  3. Startup: Serve() starts listening and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetProvider() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the server and blocks until the context is cancelled
	// or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must initiate graceful shutdown:
	//   - Stop accepting new connections
	//   - Wait for active requests to complete (with timeout)
	//   - Return nil
	//
	// If Serve returns before context cancellation, the server treats it as
	// a fatal error and stops all other adapters.
	//
	// Parameters:
	//   - ctx: Controls the server lifecycle. Cancellation triggers shutdown.
	//
	// Returns:
	//   - nil on graceful shutdown
	//   - error if startup fails or shutdown is not graceful
	Serve(ctx context.Context) error

	// SetProvider injects the shared document provider.
	//
	// Called exactly once before Serve(); no synchronization needed.
	SetProvider(p *provider.Provider)

	// Stop initiates graceful shutdown. It must be idempotent and safe to
	// call concurrently with Serve().
	//
	// Parameters:
	//   - ctx: Controls the shutdown timeout. When cancelled, force cleanup.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging.
	Protocol() string

	// Port returns the TCP port the adapter listens on.
	Port() int
}
