package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/auth"
	"github.com/MarcoPoloResearchLab/readingroom/internal/backbone"
	"github.com/MarcoPoloResearchLab/readingroom/internal/chat"
	"github.com/MarcoPoloResearchLab/readingroom/internal/config"
	"github.com/MarcoPoloResearchLab/readingroom/internal/database"
	"github.com/MarcoPoloResearchLab/readingroom/internal/gateway"
	"github.com/MarcoPoloResearchLab/readingroom/internal/logging"
	"github.com/MarcoPoloResearchLab/readingroom/internal/presence"
	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/readingroom/internal/room"
	"github.com/MarcoPoloResearchLab/readingroom/internal/server"
	"github.com/MarcoPoloResearchLab/readingroom/internal/signals"
	"github.com/MarcoPoloResearchLab/readingroom/internal/telemetry"
	"github.com/MarcoPoloResearchLab/readingroom/internal/users"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load(".env")

	rootCmd := &cobra.Command{
		Use:   "readingroom-api",
		Short: "Live reading room presence and broadcast service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("nats-url", defaults.GetString("nats.url"), "NATS server URL; empty runs a single instance")
	cmd.PersistentFlags().String("otlp-endpoint", defaults.GetString("telemetry.otlp_endpoint"), "OTLP gRPC collector endpoint")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "telemetry.otlp_endpoint", "otlp-endpoint")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.ServiceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: appConfig.OTLPEndpoint,
		ServiceName:  appConfig.ServiceName,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := room.NewRegistry(logger)
	var broadcaster protocol.Broadcaster = registry
	var roster presence.Roster = presence.NewLocalRoster()
	if appConfig.NATSEnabled() {
		natsConn, err := backbone.Connect(ctx, backbone.ConnectConfig{
			URL:    appConfig.NATSURL,
			Name:   appConfig.ServiceName,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer natsConn.Close()

		natsBroadcaster, kvRoster, err := setupBackbone(natsConn, registry, appConfig, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := natsBroadcaster.Stop(); err != nil {
				logger.Warn("room subscription drain failed", zap.Error(err))
			}
		}()
		broadcaster = natsBroadcaster
		roster = kvRoster
	}

	store, err := presence.NewGormStore(db)
	if err != nil {
		return err
	}
	writeQueue, err := presence.NewWriteQueue(presence.QueueConfig{
		Store:   store,
		Workers: appConfig.WriteWorkers,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace)
		defer cancel()
		if err := writeQueue.Close(closeCtx); err != nil {
			logger.Warn("presence write queue close failed", zap.Error(err))
		}
	}()

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Roster:      roster,
		Writer:      writeQueue,
		Broadcaster: broadcaster,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	reaper, err := presence.NewReaper(presence.ReaperConfig{
		Store:    store,
		TTL:      appConfig.PresenceTTL,
		Interval: appConfig.ReaperInterval,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	chatRelay, err := chat.NewRelay(chat.RelayConfig{
		Database:    db,
		Profiles:    identities,
		Broadcaster: broadcaster,
		IDProvider:  chat.NewUUIDProvider(),
		Clock:       time.Now,
		Logger:      logger,
		RateLimit:   appConfig.ChatRateLimit,
		RateWindow:  appConfig.ChatRateWindow,
		MaxLength:   appConfig.ChatMaxLength,
	})
	if err != nil {
		return err
	}

	signalRelay, err := signals.NewRelay(signals.RelayConfig{
		Broadcaster: broadcaster,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	realtimeGateway, err := gateway.New(gateway.Config{
		Registry:    registry,
		Broadcaster: broadcaster,
		Tracker:     tracker,
		Chat:        chatRelay,
		Signals:     signalRelay,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identities:       identities,
		Gateway:          realtimeGateway,
		Readers:          tracker,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		reaper.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		reaper.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	drainCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace)
	defer cancel()
	if closeErr := realtimeGateway.Shutdown(drainCtx); closeErr != nil {
		logger.Warn("websocket connections still open", zap.Int("count", realtimeGateway.OpenConnections()), zap.Error(closeErr))
	}
	if drainErr := writeQueue.Drain(drainCtx); drainErr != nil {
		logger.Warn("presence write queue drain incomplete", zap.Error(drainErr))
	}
	logger.Info("server stopped")
	return err
}

func setupBackbone(natsConn *nats.Conn, registry *room.Registry, appConfig config.AppConfig, logger *zap.Logger) (*backbone.NATSBroadcaster, *backbone.KVRoster, error) {
	natsBroadcaster, err := backbone.NewNATSBroadcaster(backbone.BroadcasterConfig{
		Conn:   natsConn,
		Local:  registry,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := natsBroadcaster.Start(); err != nil {
		return nil, nil, err
	}

	jetStream, err := natsConn.JetStream()
	if err != nil {
		_ = natsBroadcaster.Stop()
		return nil, nil, err
	}
	kvRoster, err := backbone.NewKVRoster(backbone.RosterConfig{
		JetStream: jetStream,
		Bucket:    appConfig.NATSRosterBucket,
		Logger:    logger,
	})
	if err != nil {
		_ = natsBroadcaster.Stop()
		return nil, nil, err
	}
	return natsBroadcaster, kvRoster, nil
}
