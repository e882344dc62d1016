package main

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

	"github.com/me/cwlcore/internal/server"
	"github.com/me/cwlcore/internal/store"
)

func newServeCmd(f *flags) *cobra.Command {
	var addr, baseDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run submission and status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			dbPath := cfg.DBPath
			if dbPath == "" {
				dbPath = ":memory:"
				logger.Warn("no --db given, runs are kept in memory only")
			}
			st, err := store.NewSQLiteStore(dbPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			logger.Info("database ready", "path", dbPath)

			if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
				return fmt.Errorf("create tmpdir: %w", err)
			}
			exec, err := newExecutor(cfg, cfg.TmpDir, st, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(exec, st, logger, server.WithBaseDir(baseDir), server.WithContext(ctx))
			httpServer := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", cfg.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown", "error", err)
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("runs did not stop", "error", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	cmd.Flags().StringVar(&baseDir, "base-dir", ".", "Directory relative references in submitted documents resolve against")
	return cmd
}
