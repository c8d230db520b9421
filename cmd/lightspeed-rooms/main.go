package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-rooms/api"
	"github.com/tcriess/lightspeed-rooms/auth"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/filter"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/messages"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/presence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/users"
	"github.com/tcriess/lightspeed-rooms/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	if cfg.AuthConfig.JWTSecret == "" {
		globals.AppLogger.Error("no jwt secret configured (auth.jwt_secret)")
		os.Exit(1)
	}

	lock, err := persistence.LockDataDir(cfg.PersistenceConfig.FlockPath)
	if err != nil {
		globals.AppLogger.Error("could not lock data", "error", err)
		os.Exit(1)
	}
	if lock != nil {
		defer lock.Unlock()
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	directory, err := room.NewDirectory(persister, cfg.CacheConfig.UserCacheSize)
	if err != nil {
		panic(err)
	}

	hub := ws.NewHub(cfg.RealtimeConfig.StatsSpec)
	tracker := presence.NewTracker(hub, cfg.RealtimeConfig.TypingTimeout)
	defer tracker.Stop()
	hub.SetTypingTracker(tracker)
	store := messages.NewStore(persister, directory, hub)
	policy, err := filter.NewPolicy(cfg.MessageConfig.RejectExpr)
	if err != nil {
		panic(err)
	}
	store.SetPolicy(policy)

	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.TokenTTL, cfg.AuthConfig.Issuer)
	authenticator := auth.NewAuthenticator(jwtManager, persister, cfg.OIDCConfigs)
	userService := users.NewService(persister, auth.NewPasswordHasher(cfg.AuthConfig.BcryptCost), jwtManager)

	wsHandler := ws.NewHandler(hub, directory, store, tracker, authenticator, cfg.RealtimeConfig.SendQueueSize)
	router := api.NewServer(directory, store, userService, authenticator).Router(wsHandler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	srv := &http.Server{
		Addr:    cfg.ServerConfig.Addr,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			globals.AppLogger.Error("could not shut down server", "error", err)
		}
	}()

	globals.AppLogger.Info("listening", "addr", cfg.ServerConfig.Addr, "persistence", cfg.PersistenceConfig.Type)
	if cfg.ServerConfig.SSLCert != "" && cfg.ServerConfig.SSLKey != "" {
		err = srv.ListenAndServeTLS(cfg.ServerConfig.SSLCert, cfg.ServerConfig.SSLKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		globals.AppLogger.Error("stopped listening", "error", err)
	}
	cancel()
	<-hubDone
	globals.AppLogger.Info("stopped")
}
