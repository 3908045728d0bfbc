// Package supervisor owns the process-level concerns spec §4.6 assigns to
// the core binary: binding the listener and winding the server down cleanly
// on SIGINT/SIGTERM. It installs no CPU-timer signal handling; each
// cputimer.Timer registers and releases its own real-time signal.
package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeworker/fabric/internal/telemetry"
)

// shutdownGrace bounds how long Run waits for in-flight requests to finish
// after a SIGINT/SIGTERM; past it, Run returns the shutdown error without
// force-closing the remaining connections.
const shutdownGrace = 10 * time.Second

// Run binds addr, serves handler until ctx is cancelled or SIGINT/SIGTERM is
// received, then shuts down gracefully. handler is an http.Handler (the
// router.Router in production) so this package stays decoupled from the
// request-routing layer and testable with a bare handler.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: handler}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	telemetry.L().Info().Str("addr", addr).Log("listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	telemetry.L().Info().Log("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
