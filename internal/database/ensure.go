package database

import (
	"context"
	"errors"
	"fmt"

	"novel-wash/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// adminDBName - база для административных запросов.
const adminDBName = "postgres"

// insufficientPrivilege - SQLSTATE 42501.
const insufficientPrivilege = "42501"

// EnsureDatabase создаёт целевую базу, если её нет. Пользователю нужно право CREATEDB.
func EnsureDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (created bool, err error) {
	adminDSN := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, adminDBName, cfg.DBSSLMode)
	conn, err := pgx.Connect(ctx, adminDSN)
	if err != nil {
		return false, fmt.Errorf("connect to admin database '%s': %w", adminDBName, err)
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", cfg.DBName).Scan(&exists); err != nil {
		return false, fmt.Errorf("check database '%s': %w", cfg.DBName, err)
	}
	if exists {
		logger.Debug("Database already exists", zap.String("db", cfg.DBName))
		return false, nil
	}

	logger.Info("Database does not exist, creating", zap.String("db", cfg.DBName), zap.String("user", cfg.DBUser))
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{cfg.DBName}.Sanitize()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
			return false, fmt.Errorf("user '%s' lacks permission to create database '%s': %w", cfg.DBUser, cfg.DBName, err)
		}
		return false, fmt.Errorf("create database '%s': %w", cfg.DBName, err)
	}
	return true, nil
}
