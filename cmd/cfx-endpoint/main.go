package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cfx "github.com/glimte/cfx-go"
	"github.com/glimte/cfx-go/config"
	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/health"
	"github.com/glimte/cfx-go/messaging"
	"github.com/glimte/cfx-go/metrics"
	"github.com/glimte/cfx-go/presence"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configFile string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "cfx-endpoint",
		Short: "Run and probe CFX endpoints",
		Long: `cfx-endpoint runs a CFX endpoint from a YAML configuration file and
probes other endpoints on the network.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "cfx-endpoint.yaml", "Endpoint configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	loadConfig := func() (*config.Config, *slog.Logger, error) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	var timeout time.Duration
	probeCmd := &cobra.Command{
		Use:   "probe <uri> <address> <handle>",
		Short: "Ask an endpoint whether it is present",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return probe(cmd.Context(), cfg, logger, args[0], args[1], args[2], timeout)
		},
	}
	probeCmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Request timeout")

	checkCmd := &cobra.Command{
		Use:   "check <uri> <address>",
		Short: "Check that an address accepts traffic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return check(cmd.Context(), cfg, logger, args[0], args[1])
		},
	}

	rootCmd.AddCommand(serveCmd, probeCmd, checkCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg, cfg.Handle)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	requestTarget := ""
	if len(cfg.Listeners) > 0 {
		requestTarget = cfg.Listeners[0]
	}
	responder := &presence.Responder{
		Handle:        cfg.Handle,
		RequestURI:    messaging.SanitizeURI(cfg.ListenURI),
		RequestTarget: requestTarget,
	}

	opts = append(opts,
		cfx.WithLogger(logger),
		cfx.WithMetrics(collector),
		cfx.WithRequestHandler(responder),
	)
	endpoint, err := cfx.Open(ctx, cfg.Handle, opts...)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		mux.Handle("/healthz", health.Handler(5*time.Second,
			health.NewEndpointChecker(endpoint),
			health.NewRuntimeChecker(500, 1000)))

		server := &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "address", cfg.MetricsAddress)
	}

	if len(endpoint.PublishChannels()) > 0 {
		announce := &contracts.EndpointConnected{
			CFXHandle:            cfg.Handle,
			RequestNetworkUri:    responder.RequestURI,
			RequestTargetAddress: requestTarget,
		}
		if err := endpoint.Publish(ctx, announce); err != nil {
			logger.Warn("failed to announce endpoint", "error", err)
		}
	}

	events, cancel := endpoint.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			logger.Info("message received",
				"address", msg.Address,
				"messageName", msg.Envelope.Name(),
				"source", msg.Envelope.Source)
		}
	}
}

func probe(ctx context.Context, cfg *config.Config, logger *slog.Logger, uri, address, handle string, timeout time.Duration) error {
	endpoint, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	start := time.Now()
	resp, err := presence.Probe(ctx, endpoint, uri, address, handle, timeout)
	if err != nil {
		return err
	}

	fmt.Printf("%s is present (%v)\n", resp.CFXHandle, time.Since(start).Round(time.Millisecond))
	if resp.RequestNetworkUri != "" {
		fmt.Printf("  request uri:     %s\n", resp.RequestNetworkUri)
	}
	if resp.RequestTargetAddress != "" {
		fmt.Printf("  request address: %s\n", resp.RequestTargetAddress)
	}
	return nil
}

func check(ctx context.Context, cfg *config.Config, logger *slog.Logger, uri, address string) error {
	endpoint, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	ok, err := endpoint.TestPublishChannel(ctx, uri, address)
	if !ok {
		return fmt.Errorf("%s %s does not accept traffic: %w", messaging.SanitizeURI(uri), address, err)
	}
	fmt.Printf("%s %s accepts traffic\n", messaging.SanitizeURI(uri), address)
	return nil
}

// openClient opens the configured endpoint without listeners or channels,
// keeping only its security and timeouts
func openClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cfx.Endpoint, error) {
	return cfx.Open(ctx, cfg.Handle,
		cfx.WithLogger(logger),
		cfx.WithSecurity(cfg.Security()),
		cfx.WithConnectTimeout(cfg.ConnectTimeout),
		cfx.WithDefaultTimeout(cfg.RequestTimeout),
		cfx.WithShutdownAnnouncement(false))
}
