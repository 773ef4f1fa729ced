package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oxidelab/internal/httpapi"
	"oxidelab/internal/watch"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr        string
		corsOrigins string
		watchDir    bool
		loadPath    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("cors-origins") {
				cfg.CORS.Enabled = true
				cfg.CORS.Origins = splitCSV(corsOrigins)
			}
			if cmd.Flags().Changed("watch") {
				cfg.WatchModelsDir = watchDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := a.newEngine()
			if err != nil {
				return err
			}
			defer func() {
				if err := eng.Close(); err != nil {
					a.log.Error().Err(err).Str("event", "shutdown").Msg("engine close failed")
				}
			}()

			if _, err := eng.SyncCache(ctx); err != nil {
				a.log.Warn().Err(err).Str("event", "startup_sync").Msg("initial cache sync failed")
			}
			if loadPath != "" {
				if err := eng.LoadModel(ctx, eng.ResolvePath(loadPath)); err != nil {
					return err
				}
			}
			if cfg.WatchModelsDir {
				w, err := watch.New(cfg.ModelsDir, func(ctx context.Context) error {
					_, err := eng.SyncCache(ctx)
					return err
				}, cfg.WatchDebounce.Std(), a.log)
				if err != nil {
					return err
				}
				if err := w.Start(ctx); err != nil {
					return err
				}
				defer w.Stop()
			}

			httpapi.SetLogger(a.log)
			httpapi.SetDefaultLogLevel(cfg.LogLevel)
			httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
			httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
			httpapi.SetBaseContext(ctx)

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpapi.NewMux(eng),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				a.log.Info().Str("event", "listen").Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("oxided listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			// Graceful shutdown (Ctrl+C / SIGTERM)
			eng.CancelGeneration()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				a.log.Error().Err(err).Str("event", "shutdown").Msg("graceful shutdown error")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address (defaults OXIDE_ADDR or config)")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Enable CORS for these comma-separated origins")
	cmd.Flags().BoolVar(&watchDir, "watch", false, "Re-sync the index when the models directory changes")
	cmd.Flags().StringVar(&loadPath, "load", "", "Model to load at startup")
	return cmd
}
