// shmbusd is the discovery broker daemon: a registry over a local
// datagram socket that tells producers and consumers about each other.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shmbus/shmbus/config"
	"github.com/shmbus/shmbus/discovery"
	"github.com/shmbus/shmbus/logging"
)

func main() {
	godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		os.Stderr.WriteString("shmbusd: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	broker, err := discovery.NewBroker(cfg.Broker.SocketPath, log.With(logger, "component", "broker"), reg)
	if err != nil {
		level.Error(logger).Log("msg", "broker start failed", "err", err)
		os.Exit(1)
	}
	defer broker.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Broker.MetricsAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Run(ctx)
	})
	g.Go(func() error {
		level.Info(logger).Log("msg", "metrics listening", "addr", cfg.Broker.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		level.Error(logger).Log("msg", "broker exited", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "broker stopped")
}
