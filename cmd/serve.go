package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/dlcore/internal/api"
	"github.com/tanq16/dlcore/internal/output"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				cfg.API.Listen = listen
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			srv := &http.Server{
				Addr:              cfg.API.Listen,
				Handler:           api.NewRouter(st.manager, st.recorder),
				ReadHeaderTimeout: 10 * time.Second,
			}
			output.PrintInfo("API listening on " + srv.Addr)
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("op", "cmd/serve").Str("listen", srv.Addr).Msg("api listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}
			log.Info().Str("op", "cmd/serve").Msg("shutting down, pausing running tasks")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Str("op", "cmd/serve").Err(err).Msg("api shutdown")
			}
			st.manager.PauseAll()
			st.manager.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8080", "Address the API listens on")
	return cmd
}
