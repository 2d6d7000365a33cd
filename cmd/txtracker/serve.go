package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tranvictor/txtracker"
	"github.com/tranvictor/txtracker/api"
	"github.com/tranvictor/txtracker/tokenmeta"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve gas quotes and token metadata over HTTP",
	Long: `Serve GET /gas?chainId=<id>, GET /token?tokenAddress=<addr>&chain=<id>,
GET /healthz and GET /metrics. Gas quotes of every configured chain are
refreshed in the background.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		for _, id := range cfg.ChainIDs() {
			info, err := txtracker.LookupChain(id, nil)
			if err != nil {
				return err
			}
			logger.WithFields(logger.Fields{
				"chain_id": id,
				"network":  info.Name,
				"testnet":  txtracker.IsTestnetChain(id),
			}).Info("Serving gas quotes")
		}

		gin.SetMode(gin.ReleaseMode)
		server, err := api.NewServer(d.oracle, tokenmeta.NewResolver(d.clients),
			api.WithRegistry(d.reg),
			api.WithQuoteTTL(cfg.Server.QuoteTTL),
			api.WithRateLimit(cfg.Server.RatePerSecond, cfg.Server.RateBurst),
		)
		if err != nil {
			return err
		}
		httpSrv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return d.oracle.Run(gctx)
		})
		g.Go(func() error {
			logger.WithFields(logger.Fields{
				"addr": httpSrv.Addr,
			}).Info("Starting HTTP server")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil {
			return err
		}
		logger.WithFields(logger.Fields{
			"addr": httpSrv.Addr,
		}).Info("Server exited")
		return nil
	},
}
