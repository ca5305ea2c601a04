// cmd/serve.go
package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	scheduler "github.com/cortexserve/batchsched/scheduler"
)

var metricsAddr string

// serveCmd runs the scheduler against the in-memory reference backend and
// exposes its Prometheus metrics until interrupted. A real deployment
// would swap ReferenceBackend for a client that talks to an actual model
// server; the scheduler itself is agnostic to which Backend it is given.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler against the reference backend",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg := scheduler.DefaultConfig()
		if configPath != "" {
			loaded, err := scheduler.LoadConfig(configPath)
			if err != nil {
				logrus.Fatalf("loading config: %v", err)
			}
			cfg = loaded
		}

		reg := prometheus.NewRegistry()
		metrics := scheduler.NewPrometheusMetrics(reg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		backend := scheduler.NewReferenceBackend(cfg.Backend)
		infer := scheduler.NewInfer(ctx, cfg, backend, metrics)
		_ = infer

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux}

		go func() {
			logrus.Infof("serving metrics on %s", metricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("metrics server: %v", err)
			}
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logrus.Info("shutting down")
		cancel()
		_ = server.Shutdown(context.Background())
	},
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address to serve Prometheus metrics on")
}
