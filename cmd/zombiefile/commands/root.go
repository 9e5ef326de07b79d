package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"zombiefile/internal/core/ports"
	"zombiefile/internal/infrastructure/monitoring"
	"zombiefile/internal/infrastructure/signal"
	rtc "zombiefile/internal/infrastructure/webrtc"
	"zombiefile/internal/transfer"
	"zombiefile/pkg/config"
	"zombiefile/pkg/logger"
)

var (
	configPath  string
	signalURL   string
	logLevel    string
	metricsAddr string

	cfg *config.Config
	log *zap.SugaredLogger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "zombiefile",
		Short:         "Send files peer to peer over an encrypted WebRTC data channel",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			if signalURL != "" {
				cfg.Client.SignalURL = signalURL
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			log = logger.NewConsole(cfg.Logging.Level).Sugar()
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: search configs/config.yaml, config.yaml)")
	root.PersistentFlags().StringVar(&signalURL, "signal", "", "signaling server WebSocket URL (e.g. ws://localhost:3000/ws)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve transfer metrics on this address (e.g. :9100)")

	root.AddCommand(sendCmd(), receiveCmd())
	return root.Execute()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	loaded, _ := config.LoadFirst("configs/config.yaml", "config.yaml")
	return loaded, nil
}

func dialSignal(ctx context.Context) (*signal.Client, error) {
	clientCfg := signal.DefaultClientConfig()
	if cfg.Client.DialAttempts > 0 {
		clientCfg.Retry.MaxAttempts = cfg.Client.DialAttempts
	}
	if cfg.Client.RequestTimeout > 0 {
		clientCfg.RequestTimeout = cfg.Client.RequestTimeout
	}
	return signal.Dial(ctx, cfg.Client.SignalURL, clientCfg, log)
}

// observer returns the transfer metrics sink. Metrics are only collected when
// --metrics-addr is set; the returned stop func shuts the endpoint down.
func observer() (ports.TransferObserver, func()) {
	if metricsAddr == "" {
		return nil, func() {}
	}

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)

	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("Metrics endpoint failed", "address", metricsAddr, "error", err)
		}
	}()
	log.Infow("Serving transfer metrics", "address", metricsAddr)

	return collector, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func webrtcConfig() rtc.Config {
	return rtc.ConfigFrom(cfg)
}

func senderConfig(c *config.Config) transfer.SenderConfig {
	sc := transfer.DefaultSenderConfig()
	if c.Transfer.UseBandwidth {
		sc.Sizer = transfer.BandwidthSizerConfig()
	}
	if c.Transfer.TargetBuffer > 0 {
		sc.Sizer.TargetBuffer = c.Transfer.TargetBuffer
	}
	if c.Transfer.MinChunkSize > 0 {
		sc.Sizer.MinChunk = c.Transfer.MinChunkSize
	}
	if c.Transfer.MaxChunkSize > 0 {
		sc.Sizer.MaxChunk = c.Transfer.MaxChunkSize
	}
	if c.Transfer.DefaultBandwidth > 0 {
		sc.Sizer.DefaultBandwidth = c.Transfer.DefaultBandwidth
	}
	sc.Sizer.Randomize = c.Transfer.RandomizeChunkSize
	sc.Sizer.UseBandwidth = c.Transfer.UseBandwidth

	if c.Transfer.PollInterval > 0 {
		sc.PollInterval = c.Transfer.PollInterval
	}
	if c.Transfer.CompressionThreshold > 0 {
		sc.CompressionThreshold = c.Transfer.CompressionThreshold
	}
	if c.Transfer.KeyExchangeTimeout > 0 {
		sc.KeyExchangeTimeout = c.Transfer.KeyExchangeTimeout
	}
	sc.SendFileEnd = c.Transfer.SendFileEnd
	return sc
}
