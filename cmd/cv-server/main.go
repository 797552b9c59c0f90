package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldvault/pkg/app"
	"coldvault/pkg/config"
	"coldvault/pkg/logging"
	"coldvault/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. 配置与日志
	cfgFile := flag.String("config", "", "config file (default is $HOME/.cv/config.yaml)")
	flag.Parse()

	if err := config.Load(*cfgFile); err != nil {
		log.Fatal().Err(err).Msg("Config error")
	}
	if err := logging.Setup(viper.GetString("log.level"), viper.GetString("log.format")); err != nil {
		log.Fatal().Err(err).Msg("Config error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 组装引擎
	application, err := app.NewApp(ctx, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize app")
	}
	defer application.Close()
	log.Info().Str("workspace", application.Engine.Config().WorkspacePath).Msg("ColdVault engine initialized")

	// 3. 守护进程独占工作区，直到退出
	err = application.Exclusive(func() error { return serve(ctx, application) })
	if err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		application.Close()
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}

func serve(ctx context.Context, a *app.App) error {
	interval, err := config.Duration("server.interval")
	if err != nil {
		return err
	}
	checkInterval, err := config.Duration("server.check_pending_interval")
	if err != nil {
		return err
	}

	grpcAddr := viper.GetString("server.addr")
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return err
	}
	grpcServer, hs := server.New()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              viper.GetString("server.metrics_addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := server.NewScheduler(a.Engine, a.Ledger, a.Progress(), hs, server.SchedulerConfig{
		Interval:             interval,
		CheckPendingInterval: checkInterval,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", grpcAddr).Msg("gRPC health server listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		log.Info().Str("addr", metricsServer.Addr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	// 优雅退出: 等调度器放下手上的动作，再关网络
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		hs.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
