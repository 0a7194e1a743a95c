package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/pki"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.JWTSecret == "" {
			return errNoJWTSecret
		}
		if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
			return errors.New("tls-cert and tls-key must be set together")
		}
		if err := api.ParseTrustedProxies(cfg.TrustedProxies); err != nil {
			return err
		}

		logger, closeLog, err := newLogger(appFs, os.Stdout, cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := openComponents(ctx, appFs, cfg, logger)
		if err != nil {
			return err
		}
		defer c.close()

		a, err := api.New(c.service, []byte(cfg.JWTSecret),
			api.WithLogger(logger),
			api.WithTrustedProxies(cfg.TrustedProxies),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn(e.Message,
					slog.String("alert", string(e.Type)),
					slog.Int("count", e.Count),
					slog.Int("threshold", e.Threshold))
			}),
		)
		if err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if cfg.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		sweeper := &pki.Sweeper{
			Service:  c.service,
			Interval: cfg.SweepInterval,
			Logger:   logger,
		}
		go sweeper.Run(ctx)

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				logger.Warn("serving plain HTTP; set tls-cert and tls-key for TLS")
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server started",
			slog.Int("port", cfg.Port),
			slog.String("storage", cfg.Storage),
			slog.String("data_dir", cfg.DataDir),
			slog.String("master_key_id", c.keys.MasterKeyID()),
			slog.String("public_url", cfg.PublicURL))

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	flags := serverCmd.Flags()
	flags.IntP("port", "p", 8443, "Port to listen on")
	flags.String("public-url", "https://localhost:8443", "Base URL published in CRL distribution points")
	flags.String("key-algorithm", string(pki.AlgorithmRSA2048), "Key algorithm for issued certificates: rsa2048 or ecdsa-p256")
	flags.Duration("download-ttl", pki.DefaultDownloadTTL, "How long a key export request stays valid")
	flags.Duration("sweep-interval", pki.DefaultSweepInterval, "How often expired export requests are removed")
	flags.String("tls-cert", "", "Path to TLS certificate file")
	flags.String("tls-key", "", "Path to TLS key file")
	flags.StringSlice("trusted-proxies", nil, "CIDR ranges whose forwarding headers identify the client IP")
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}
