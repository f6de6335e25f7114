package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/account"
	"github.com/courierchat/courier/internal/applet"
	"github.com/courierchat/courier/internal/auth"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/config"
	"github.com/courierchat/courier/internal/database"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/server"
	"github.com/courierchat/courier/internal/transport"
)

// Headroom between a single item and the batch cap, reserved for the batch
// envelope and thread metadata.
const batchEnvelopeSlack = 512

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "courierd",
		Short: "Courier applet status-update engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("account-address", "", "Owning account transport address")
	cmd.PersistentFlags().Int("flush-interval-seconds", defaults.GetInt("flush.interval_seconds"), "Flush timer interval in seconds")
	cmd.PersistentFlags().Int("batch-max-bytes", defaults.GetInt("flush.batch_max_bytes"), "Outgoing batch size cap in bytes")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("link-code", "", "Device link code (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "account.address", "account-address")
	bindFlag(cmd, "flush.interval_seconds", "flush-interval-seconds")
	bindFlag(cmd, "flush.batch_max_bytes", "batch-max-bytes")
	bindFlag(cmd, "device.signing_secret", "signing-secret")
	bindFlag(cmd, "device.link_code", "link-code")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runEngine(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	owner, err := account.Ensure(db, appConfig.AccountAddress, appConfig.AccountKeySeed)
	if err != nil {
		return err
	}

	spool, err := transport.NewSpool(db, logger)
	if err != nil {
		return err
	}

	engine, err := applet.NewService(applet.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		IDProvider:   applet.NewUUIDProvider(),
		Logger:       logger,
		Chats:        chat.NewStore(),
		Owner:        owner,
		MaxItemBytes: appConfig.BatchMaxBytes - batchEnvelopeSlack,
	})
	if err != nil {
		return err
	}

	flusher, err := applet.NewFlusher(applet.FlusherConfig{
		Service:  engine,
		Sender:   spool,
		MaxBytes: appConfig.BatchMaxBytes,
		Interval: appConfig.FlushInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	engine.SetSendSignal(flusher.Wake)

	tokenIssuer := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		LinkCode:      appConfig.DeviceLinkCode,
		TokenTTL:      appConfig.DeviceTokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer: tokenIssuer,
		Engine:      engine,
		FlushOnce:   flusher.FlushOnce,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("flush cycle starting",
			zap.Duration("interval", appConfig.FlushInterval),
			zap.Int("batch_max_bytes", appConfig.BatchMaxBytes))
		if err := flusher.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("flush cycle stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("engine api starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
