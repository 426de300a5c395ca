package main

import (
	"context"
	"time"

	"github.com/medrex/dlt-keyx/internal/gateway"
	"github.com/spf13/cobra"
)

var listenAddr string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from server.listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and the shared-records API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			srv := newGateway(a)
			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	},
}

func newGateway(a *app) *gateway.Service {
	cfg := a.cfg.Server
	addr := cfg.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	return gateway.NewService(gateway.Config{
		Addr:         addr,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
		JWTSecret:    cfg.JWTSecret,
		Issuer:       cfg.Issuer,
		RateLimit:    cfg.RateLimit,
		RatePeriod:   cfg.RatePeriod,
		MetricsPath:  a.cfg.Monitoring.MetricsPath,
		HealthPath:   a.cfg.Monitoring.HealthPath,
	}, a.records, a.health, a.monitor, a.logger)
}
