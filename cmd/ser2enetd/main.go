// Command ser2enetd runs the two-port serial-to-Ethernet bridge: it loads
// configuration, opens both UART devices, starts a session engine per
// port, and serves Prometheus metrics until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/daedaluz/ser2enet/config"
	"github.com/daedaluz/ser2enet/metrics"
	"github.com/daedaluz/ser2enet/serial"
	"github.com/daedaluz/ser2enet/session"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	root := &cobra.Command{
		Use:   "ser2enetd",
		Short: "Serial-to-Ethernet bridge daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "/etc/ser2enet/ser2enet.yaml", "path to the configuration file")
	root.Flags().StringVar(&logLevel, "log-level", "", "override globals.log_level (trace|debug|info|warn|error)")
	root.Flags().StringVar(&logFormat, "log-format", "", "override globals.log_format (text|json)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	store := config.NewStore(configPath)
	model, err := store.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(model.Globals)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	sessionMetrics := metrics.NewRegistry(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sessions := make([]*session.Session, 0, 2)
	for i, portCfg := range model.Ports {
		port, err := serial.Open(portCfg.Device, nil)
		if err != nil {
			return fmt.Errorf("open port %d device %s: %w", i, portCfg.Device, err)
		}
		if err := port.MakeRaw(); err != nil {
			return fmt.Errorf("set port %d raw mode: %w", i, err)
		}
		s := session.New(i, portCfg, port, sessionMetrics, logger)
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start session %d: %w", i, err)
		}
		sessions = append(sessions, s)
	}

	fanout := session.NewFanout(sessions...)
	store.OnReconfigure(func(port int, cfg config.Port) {
		if port < len(sessions) {
			sessions[port].Reconfigure(cfg)
		}
	})
	store.Watch()
	_ = fanout // wired for an external link-status collaborator to call into

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: model.Globals.Metricslisten, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server exited")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	for i, s := range sessions {
		if err := s.Close(); err != nil {
			logger.WithError(err).Warnf("error closing session %d", i)
		}
	}
	return nil
}

func newLogger(g config.Globals) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(firstNonEmpty(logLevel, g.LogLevel, "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if firstNonEmpty(logFormat, g.LogFormat, "text") == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
