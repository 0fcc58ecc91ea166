// Command server is the engine's process entrypoint: load configuration,
// wire the ambient stack (logging, database, vault, API-key decryption,
// metrics), and serve the Event Bus's WebSocket transport until a signal
// asks it to stop. Grounded on the teacher's own main.go lifecycle (load
// config, init dependencies in order, wait on a signal channel, then
// shut down gracefully) but trimmed to what this engine actually owns:
// no HTTP routing framework, no exchange connectivity, no auth.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tradingagent/config"
	"tradingagent/internal/apikeys"
	"tradingagent/internal/database"
	"tradingagent/internal/events"
	"tradingagent/internal/session"
	"tradingagent/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg.Logging)
	log.Info().Msg("starting tradingagent engine")

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	cancel()

	repo := database.NewRepository(db)

	var credStore apikeys.Store
	if cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(vault.Config{
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			MountPath:  cfg.Vault.MountPath,
			SecretPath: cfg.Vault.SecretPath,
			CacheTTL:   5 * time.Minute,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to vault")
		}
		credStore = vaultClient
		log.Info().Msg("vault credential store enabled")
	}

	if credStore != nil {
		// Decider construction (which model, which decrypted key) is a caller
		// concern outside this engine's scope; this only checks on boot that
		// an API-key service can be built from the passphrase. The store is
		// not contacted here.
		passphrase := os.Getenv("APIKEYS_PASSPHRASE")
		if passphrase == "" {
			log.Fatal().Msg("APIKEYS_PASSPHRASE must be set when vault is enabled")
		}
		if _, err := apikeys.NewService(credStore, passphrase, 5*time.Minute); err != nil {
			log.Fatal().Err(err).Msg("failed to build api key service")
		}
	}

	bus := events.NewBus(cfg.Session.HeartbeatInterval, cfg.Session.HeartbeatMaxAge)
	runtime := session.NewRuntime(bus, repo, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", wsRouter(bus, log))
	mux.Handle("/metrics", promhttp.HandlerFor(runtime.Metrics().Registerer(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down server")
	}
	log.Info().Int("active_sessions", runtime.ActiveCount()).Msg("server stopped; active sessions drain independently")
}

// wsRouter dispatches GET /ws/{sessionID} to the Event Bus hub for that
// session, creating it on first connect (spec §4.5: a consumer may connect
// before or after a session starts producing events).
func wsRouter(bus *events.Bus, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/ws/")
		if sessionID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}
		hub := bus.HubFor(sessionID)
		events.Handler(hub, log)(w, r)
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var output io.Writer = os.Stdout
	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
