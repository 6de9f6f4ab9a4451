package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wjholden/gotftp/internal/config"
	"github.com/wjholden/gotftp/tftp"
)

var (
	cfgFile string
	cfg     = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "tftp-server",
	Short: "TFTP server with option negotiation and windowed transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(cmd)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML configuration file")
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "UDP listen address")
	flags.StringVar(&cfg.Root, "root", cfg.Root, "directory served to clients")
	flags.BoolVar(&cfg.ReadOnly, "readonly", cfg.ReadOnly, "reject all writes")
	flags.BoolVar(&cfg.WriteOnly, "writeonly", cfg.WriteOnly, "reject all reads")
	flags.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "concurrent session limit")
	flags.IntVar(&cfg.MaxRetry, "max-retry", cfg.MaxRetry, "retransmits before a session is dropped")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Prometheus /metrics address (empty disables)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level")
}

func run(cmd *cobra.Command) error {
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		// Values set on the command line win over the file.
		flags := cmd.Flags()
		if !flags.Changed("listen") {
			cfg.Listen = loaded.Listen
		}
		if !flags.Changed("root") {
			cfg.Root = loaded.Root
		}
		if !flags.Changed("readonly") {
			cfg.ReadOnly = loaded.ReadOnly
		}
		if !flags.Changed("writeonly") {
			cfg.WriteOnly = loaded.WriteOnly
		}
		if !flags.Changed("max-connections") {
			cfg.MaxConnections = loaded.MaxConnections
		}
		if !flags.Changed("max-retry") {
			cfg.MaxRetry = loaded.MaxRetry
		}
		if !flags.Changed("metrics-listen") {
			cfg.MetricsListen = loaded.MetricsListen
		}
		if !flags.Changed("log-level") {
			cfg.LogLevel = loaded.LogLevel
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	server := &tftp.Server{
		Addr:           cfg.Listen,
		Resolver:       tftp.NewDirResolver(cfg.Root),
		ReadOnly:       cfg.ReadOnly,
		WriteOnly:      cfg.WriteOnly,
		MaxConnections: cfg.MaxConnections,
		MaxRetry:       cfg.MaxRetry,
		Log:            log,
	}

	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		server.Metrics = tftp.NewMetrics(reg)
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsListen, nil); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}

	if err := server.Listen(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		server.Close()
	}()

	return server.Serve()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
