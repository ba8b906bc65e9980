package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"harvia_mirror/internal/cloud"
	"harvia_mirror/internal/dispatch"
	"harvia_mirror/internal/engine"
	"harvia_mirror/internal/handlers"
	"harvia_mirror/internal/logger"
	"harvia_mirror/internal/poller"
	"harvia_mirror/internal/repository"
	"harvia_mirror/internal/server"
	"harvia_mirror/internal/session"

	"github.com/spf13/viper"
)

func main() {
	// load config.yml
	if err := loadConfig(); err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}

	// init logger
	log := logger.Get(viper.GetString("log.level"))

	// open DB
	db, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Fatalw("failed to close sqlite", "err", cerr)
		}
	}()

	// wire dependencies
	repos := repository.NewRepository(db)

	auth := cloud.NewCognitoAuthenticator(
		viper.GetString("myharvia.base_url"),
		viper.GetString("myharvia.username"),
		viper.GetString("myharvia.password"),
	)
	client := cloud.NewClient(viper.GetString("myharvia.base_url"), cloud.NewTokenSource(auth), log)

	eng := engine.New(engine.Config{
		DefaultHeaterPowerW:  viper.GetInt("heater.default_power_w"),
		HeaterPowerOverrides: heaterOverrides(log),
	}, client, repos.Energy, log)

	disp := dispatch.New(eng, log)
	sup := session.NewSupervisor(client, disp, session.Config{
		HeartbeatTimeout: viper.GetDuration("realtime.heartbeat_timeout"),
		RotateInterval:   viper.GetDuration("realtime.rotate_interval"),
	}, log)
	pol := poller.New(client, eng, repos.Events, log)
	apiHandler := handlers.NewHandler(eng, repos.Events, log)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.LoadPersisted(ctx); err != nil {
		log.Warnw("failed to load persisted energy counters", "err", err)
	}

	// start realtime sessions and the fallback poller
	go func() {
		if err := sup.Start(ctx); err != nil {
			log.Errorw("realtime sessions not started", "err", err)
		}
	}()
	go pol.Run(ctx, viper.GetDuration("poll.interval"))

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, viper.GetString("port"), apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, sup, srv, log)
}

func loadConfig() error {
	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	return viper.ReadInConfig()
}

// openDB initializes the SQLite database using configuration.
func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	if dbPath == "" {
		log.Infow("db.path not set in config; using default file", "default", "mirror.db")
		dbPath = "mirror.db"
	}
	return repository.InitDB(dbPath)
}

// heaterOverrides reads per-device nameplate watts from config.
func heaterOverrides(log *logger.Logger) map[string]int {
	raw := viper.GetStringMapString("heater.overrides")
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]int, len(raw))
	for id, s := range raw {
		w, err := strconv.Atoi(s)
		if err != nil || w <= 0 {
			log.Warnw("invalid heater override ignored", "device", id, "value", s)
			continue
		}
		out[id] = w
	}
	return out
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, sup *session.Supervisor, srv *server.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down...")

	// stop background goroutines, then unwind the realtime sessions
	cancel()
	sup.Stop()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalw("server forced to shutdown", "err", err)
	}
}
