// Package database provides the pgxpool-backed persistence layer for
// session, trade, journal, and result records (spec §6 "Persisted
// entities"). Pool construction is ported close to 1:1 from the teacher's
// internal/database/db.go, with its log.Printf calls promoted to zerolog
// per the ambient logging stack.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB opens a pool sized the same as the teacher's (MaxConns=25, MinConns=5),
// pings it, and returns the wrapper.
func NewDB(cfg Config, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to postgres")

	return &DB{Pool: pool, log: log.With().Str("component", "database").Logger()}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the tables this engine owns. Spec §5 "Database
// sessions" requires session-per-phase, not a single held connection; this
// runs once at process start over its own short-lived context.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			agent_id UUID NOT NULL,
			status VARCHAR(20) NOT NULL,
			session_type VARCHAR(10) NOT NULL,
			config JSONB NOT NULL,
			runtime_stats JSONB,
			current_index INT NOT NULL DEFAULT 0,
			total_candles INT,
			pending_position JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id),
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			size DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			reason VARCHAR(20) NOT NULL,
			leverage INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_thoughts (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id),
			candle_index INT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			candle JSONB NOT NULL,
			indicators JSONB NOT NULL,
			reasoning TEXT NOT NULL,
			decision JSONB NOT NULL,
			order_data JSONB,
			council_stage1 JSONB,
			council_stage2 JSONB,
			council_metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL UNIQUE REFERENCES sessions(id),
			final_equity DECIMAL(20, 8) NOT NULL,
			total_pnl DECIMAL(20, 8) NOT NULL,
			total_pnl_percent DECIMAL(10, 4) NOT NULL,
			total_trades INT NOT NULL,
			win_rate DECIMAL(10, 4) NOT NULL,
			forced_stop BOOLEAN NOT NULL DEFAULT false,
			auto_stop BOOLEAN NOT NULL DEFAULT false,
			equity_curve JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
