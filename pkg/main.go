package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	pkg "git.solsynth.dev/hypernet/calling/pkg/internal"
	"git.solsynth.dev/hypernet/calling/pkg/internal/database"
	"git.solsynth.dev/hypernet/calling/pkg/internal/grpc"
	"git.solsynth.dev/hypernet/calling/pkg/internal/http"
	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/services"
	store "git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")

	viper.SetDefault("bind", "0.0.0.0:8447")
	viper.SetDefault("grpc_bind", "0.0.0.0:7447")
	viper.SetDefault("calling.gather_timeout", 3*time.Second)
	viper.SetDefault("calling.poll_interval", 500*time.Millisecond)
	viper.SetDefault("calling.ring_timeout", 60*time.Second)
	viper.SetDefault("calling.retention", 90*24*time.Hour)
	viper.SetDefault("calling.ice_servers", []string{"stun:stun.l.google.com:19302"})
	viper.SetDefault("media.microphone", "sample")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Panic().Err(err).Msg("An error occurred when loading settings.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	var signals store.Store
	if dsn := viper.GetString("database.dsn"); dsn == "" {
		log.Warn().Msg("No database configured, call sessions are kept in memory.")
		signals = store.NewMemoryStore()
	} else if err := database.NewSource(); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when connect to database.")
	} else if err := database.RunMigration(database.C); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when running database auto migration.")
	} else {
		feed := database.NewFeed(dsn)
		go feed.Run(ctx)
		signals = store.NewGormStore(database.C, feed)
	}

	// Set up calling
	transports, err := negotiation.NewPionFactory(negotiation.PionConfig{
		ICEServers:          viper.GetStringSlice("calling.ice_servers"),
		DisconnectedTimeout: viper.GetDuration("calling.ice_disconnected_timeout"),
		FailedTimeout:       viper.GetDuration("calling.ice_failed_timeout"),
		KeepAliveInterval:   viper.GetDuration("calling.ice_keepalive_interval"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("An error occurred when initializing webrtc.")
	}
	device := &media.SampleDevice{Denied: viper.GetString("media.microphone") == "none"}
	services.SetupCalling(signals, transports, device)

	// Server
	server := http.NewServer()
	go server.Listen()

	grpcServer := grpc.NewGrpc()
	go func() {
		if err := grpcServer.Listen(); err != nil {
			log.Fatal().Err(err).Msg("An error occurred when starting grpc server...")
		}
	}()

	// Configure timed tasks
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	quartz.AddFunc("@every 1m", services.DoRingingTimeout)
	quartz.AddFunc("@every 60m", services.DoAutoDatabaseCleanup)
	quartz.Start()

	// Messages
	log.Info().Msgf("Calling v%s is started...", pkg.AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("Calling v%s is quitting...", pkg.AppVersion)

	shutdown, release := context.WithTimeout(context.Background(), 5*time.Second)
	defer release()
	services.Calls.Close(shutdown)
	_ = server.Shutdown()
	grpcServer.Stop()
	quartz.Stop()
}
