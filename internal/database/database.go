package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"hwconfirm/internal/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Connect opens the Postgres pool backing the postgres store.
func Connect(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	if cfg.DBHost == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("DB_HOST and DB_NAME are required for the postgres store")
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	log.Printf("[Database] Connected: host=%s db=%s", cfg.DBHost, cfg.DBName)
	return db, nil
}
