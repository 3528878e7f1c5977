package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/wa-gateway-go/internal/app"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.UsesDefaultSecret() {
		logger.Warn("config.secret.default", slog.String("hint", "set WA_GATEWAY_SECRET"))
	}

	wire, err := app.NewWire(ctx, cfg, logger)
	if err != nil {
		logger.Error("app.wire.fail", slog.String("err", err.Error()))
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           wire.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http.listen", slog.String("addr", srv.Addr), slog.String("auth_backend", cfg.AuthBackend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("http.shutdown.start")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err = srv.Shutdown(sctx)
		cancel()
	}

	// Disconnect without logging out so credentials stay valid for the next start.
	if cerr := wire.Close(); cerr != nil {
		logger.Warn("app.close.fail", slog.String("err", cerr.Error()))
	}
	if err != nil {
		logger.Error("http.serve.fail", slog.String("err", err.Error()))
		return err
	}
	logger.Info("http.shutdown.ok")
	return nil
}
