package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pk-battle/internal/config"
)

// Repository provides PostgreSQL-based data access for the battle archive,
// notifications and moderation records
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS battle_archive (
			id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			status_reason VARCHAR(32),
			challenger_id VARCHAR(64) NOT NULL,
			opponent_id VARCHAR(64) NOT NULL,
			challenger_score BIGINT NOT NULL DEFAULT 0,
			opponent_score BIGINT NOT NULL DEFAULT 0,
			winner_id VARCHAR(64),
			is_draw BOOLEAN NOT NULL DEFAULT FALSE,
			duration INT NOT NULL,
			start_time TIMESTAMPTZ,
			finished_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS battle_gifts (
			gift_id VARCHAR(64) PRIMARY KEY,
			battle_id VARCHAR(64) NOT NULL REFERENCES battle_archive(id) ON DELETE CASCADE,
			side VARCHAR(16) NOT NULL,
			recipient_id VARCHAR(64) NOT NULL,
			sender_id VARCHAR(64) NOT NULL,
			gift_type VARCHAR(64) NOT NULL,
			value BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			from_user_id VARCHAR(64),
			type VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			link TEXT,
			metadata JSONB,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS moderation_records (
			user_id VARCHAR(64) PRIMARY KEY,
			strikes INT NOT NULL DEFAULT 0,
			is_banned BOOLEAN NOT NULL DEFAULT FALSE,
			is_permanent_ban BOOLEAN NOT NULL DEFAULT FALSE,
			ban_until TIMESTAMPTZ,
			ban_reason TEXT,
			last_violation_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS moderation_history (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			action VARCHAR(16) NOT NULL,
			reason TEXT,
			strike_count INT NOT NULL,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			ban_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_battle_archive_challenger ON battle_archive(challenger_id, finished_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_battle_archive_opponent ON battle_archive(opponent_id, finished_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_battle_archive_finished ON battle_archive(status, finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_battle_gifts_battle ON battle_gifts(battle_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_moderation_history_user ON moderation_history(user_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}
