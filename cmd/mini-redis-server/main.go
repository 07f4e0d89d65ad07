// Command mini-redis-server runs the RESP key/value and pub/sub server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/parkcheolu/mini-redis/db"
	"github.com/parkcheolu/mini-redis/metrics"
	"github.com/parkcheolu/mini-redis/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	bindFlag    string
	metricsFlag string
	debugFlag   bool
)

func main() {
	root := &cobra.Command{
		Use:   "mini-redis-server [port]",
		Short: "Serve the RESP key/value and pub/sub protocol",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	root.Flags().StringVar(&bindFlag, "bind", "127.0.0.1", "Address to listen on.")
	root.Flags().StringVar(&metricsFlag, "metrics-addr", "", "Address to serve Prometheus /metrics on; empty disables it.")
	root.Flags().BoolVar(&debugFlag, "debug", false, "Enable debug-level logging.")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mini-redis-server:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if debugFlag {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	port := "6379"
	if len(args) == 1 {
		port = args[0]
	}
	addr := fmt.Sprintf("%s:%s", bindFlag, port)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	database := db.New(db.WithRecorder(m))
	defer database.Close()

	ln, err := server.Listen(addr, database, log, m)
	if err != nil {
		return err
	}

	if metricsFlag != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: metricsFlag, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("mini-redis-server listening")
	if err := ln.Serve(ctx); err != nil {
		return err
	}
	log.Info().Msg("mini-redis-server shut down cleanly")
	return nil
}
