package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dispatch-system/internal/config"
	"dispatch-system/internal/logger"

	_ "github.com/lib/pq"
)

// DB is the PostgreSQL connection pool.
type DB struct {
	*sql.DB
}

// Connect opens the pool and verifies connectivity.
func Connect(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithField("host", cfg.Host).Info("Successfully connected to database")

	return &DB{DB: db}, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health pings the database.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
