// Package main provides the CLI entry point for the tele-metroo MTProto
// transport.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/tele-metroo/internal/config"
	"github.com/postalsys/tele-metroo/internal/crypto"
	"github.com/postalsys/tele-metroo/internal/logging"
	"github.com/postalsys/tele-metroo/internal/metrics"
	"github.com/postalsys/tele-metroo/internal/mtproto"
	"github.com/postalsys/tele-metroo/internal/transport"
	"github.com/postalsys/tele-metroo/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "tele-metroo",
		Short:   "tele-metroo - MTProto transport core",
		Long:    "tele-metroo establishes authenticated, encrypted sessions\nwith Telegram data centers and carries RPC traffic across them.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "tools", Title: "Tools:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	setup := setupCmd()
	setup.GroupID = "start"
	rootCmd.AddCommand(setup)

	fp := fingerprintCmd()
	fp.GroupID = "tools"
	rootCmd.AddCommand(fp)

	dump := metricsCmd()
	dump.GroupID = "tools"
	rootCmd.AddCommand(dump)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and authorize the configured data centers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Client.LogLevel, cfg.Client.LogFormat)
			m := metrics.Default()

			keys := make([][]byte, 0, len(cfg.RSAKeys))
			for i := range cfg.RSAKeys {
				pemData, err := cfg.RSAKeys[i].GetPEM()
				if err != nil {
					return fmt.Errorf("rsa_keys[%d]: %w", i, err)
				}
				keys = append(keys, pemData)
			}

			factory := transport.NewTCPFactory(transport.DialConfig{
				Timeout:            cfg.Timing.DialTimeout,
				ProxyAddr:          cfg.Proxy.Address,
				ProxyUser:          cfg.Proxy.Username,
				ProxyPassword:      cfg.Proxy.Password,
				SendBytesPerSecond: cfg.Limits.SendBytesPerSecond,
				SendBurst:          cfg.Limits.SendBurst,
			}, logger)

			client := mtproto.NewClient(mtproto.Config{
				RSAPublicKeys:         keys,
				PFS:                   cfg.PFS.Enabled,
				TempKeyExpiry:         cfg.PFS.TempKeyExpiry,
				AckTimeout:            cfg.Timing.AckFlush,
				IPv6:                  cfg.Client.IPv6,
				ReconnectInitialDelay: cfg.Timing.ReconnectInitial,
				ReconnectMaxDelay:     cfg.Timing.ReconnectMax,
				Factory:               factory,
				Logger:                logger,
				Metrics:               m,
			}, mtproto.Callbacks{
				OnRPCResult: func(msgID int64, body []byte) {
					logger.Info("rpc result",
						logging.KeyMsgID, msgID, logging.KeyCount, len(body))
				},
				OnRPCError: func(msgID int64, code int32, message string) {
					logger.Warn("rpc error",
						logging.KeyMsgID, msgID, "code", code, "text", message)
				},
				OnUpdate: func(body []byte) {
					logger.Debug("update received", logging.KeyCount, len(body))
				},
			})

			if err := client.Start(); err != nil {
				return err
			}
			defer client.Close()

			for _, d := range cfg.DCs {
				for _, ep := range d.Endpoints {
					client.AddEndpoint(d.ID, ep.IPv6, ep.Media, ep.Host, ep.Port)
				}
			}

			ctx := context.Background()
			for _, d := range cfg.DCs {
				if err := client.Authorize(ctx, d.ID); err != nil {
					logger.Warn("authorization failed",
						logging.KeyDC, d.ID, logging.KeyError, err)
				}
			}

			if cfg.Metrics.Listen != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					srv := &http.Server{
						Addr:              cfg.Metrics.Listen,
						Handler:           mux,
						ReadHeaderTimeout: 10 * time.Second,
					}
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", logging.KeyError, err)
					}
				}()
				logger.Info("metrics listening", logging.KeyAddress, cfg.Metrics.Listen)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			for _, d := range cfg.DCs {
				packets, bytes := client.Stats(d.ID)
				fmt.Printf("DC %d: %d packets, %s sent\n",
					d.ID, packets, humanize.Bytes(uint64(bytes)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Config file path")
	return cmd
}

func setupCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if existing, err := config.Load(out); err == nil {
				w.SetExisting(existing)
			}
			cfg, err := w.Run()
			if err != nil {
				return err
			}
			if err := wizard.Save(cfg, out); err != nil {
				return err
			}
			fmt.Println("Wrote", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "config.yaml", "Output config path")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <key.pem>...",
		Short: "Print the fingerprints of RSA public keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				pk, err := crypto.ParsePublicKeyPEM(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Printf("%s\t%016x\n", path, uint64(pk.Fingerprint))
			}
			return nil
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the registered metrics in Prometheus text format",
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics.Default()
			gathered, err := prometheus.DefaultGatherer.Gather()
			if err != nil {
				return err
			}
			enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
			for _, mf := range gathered {
				if err := enc.Encode(mf); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
