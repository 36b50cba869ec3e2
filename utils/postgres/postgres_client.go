/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"go.corp.nvidia.com/longshore/utils"
)

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	SSLMode         string
}

// PostgresClient handles PostgreSQL database operations
type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// CreatePostgresClient creates a new PostgreSQL client with the given connection parameters.
// This is a convenience function that constructs a PostgresConfig and calls NewPostgresClient.
func CreatePostgresClient(
	ctx context.Context,
	logger *slog.Logger,
	host string,
	port int,
	database string,
	user string,
	password string,
	maxConns int32,
	minConns int32,
	maxConnLifetime time.Duration,
	sslMode string,
) (*PostgresClient, error) {
	config := PostgresConfig{
		Host:            host,
		Port:            port,
		Database:        database,
		User:            user,
		Password:        password,
		MaxConns:        maxConns,
		MinConns:        minConns,
		MaxConnLifetime: maxConnLifetime,
		SSLMode:         sslMode,
	}

	client, err := NewPostgresClient(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("postgres client initialized",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("database", database),
	)

	return client, nil
}

// buildConnURL assembles the pgx connection URL. Credentials go through
// url.Userinfo so passwords containing %, @, : or / (e.g. rotated by Vault)
// still parse.
func buildConnURL(config PostgresConfig) string {
	return fmt.Sprintf(
		"postgres://%s@%s:%d/%s?sslmode=%s",
		url.UserPassword(config.User, config.Password).String(),
		config.Host,
		config.Port,
		config.Database,
		config.SSLMode,
	)
}

// NewPostgresClient creates a new PostgreSQL client with connection pooling
func NewPostgresClient(ctx context.Context, config PostgresConfig, logger *slog.Logger) (*PostgresClient, error) {
	// Parse config to get a pgxpool.Config
	poolConfig, err := pgxpool.ParseConfig(buildConnURL(config))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	// Configure connection pool settings
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Ping to verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("postgres client connected successfully")

	return &PostgresClient{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (c *PostgresClient) Close() {
	c.logger.Info("closing postgres client")
	c.pool.Close()
}

// Pool returns the underlying pgxpool.Pool for direct database access
func (c *PostgresClient) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping verifies the database connection is still alive
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// CreateClient creates a PostgreSQL client from PostgresConfig
func (config *PostgresConfig) CreateClient(logger *slog.Logger) (*PostgresClient, error) {
	return NewPostgresClient(context.Background(), *config, logger)
}

// PostgresFlagPointers holds pointers to flag values for PostgreSQL configuration
type PostgresFlagPointers struct {
	host               *string
	port               *int
	user               *string
	password           *string
	database           *string
	maxConns           *int
	minConns           *int
	maxConnLifetimeMin *int
	sslMode            *string
}

// RegisterPostgresFlags registers PostgreSQL-related command-line flags
// Returns a PostgresFlagPointers that should be converted to PostgresConfig
// after flag.Parse() is called
func RegisterPostgresFlags() *PostgresFlagPointers {
	return &PostgresFlagPointers{
		host: flag.String("postgres-host",
			utils.GetEnv("LONGSHORE_POSTGRES_HOST", "localhost"),
			"PostgreSQL host"),
		port: flag.Int("postgres-port",
			utils.GetEnvInt("LONGSHORE_POSTGRES_PORT", 5432),
			"PostgreSQL port"),
		user: flag.String("postgres-user",
			utils.GetEnv("LONGSHORE_POSTGRES_USER", "postgres"),
			"PostgreSQL user"),
		password: flag.String("postgres-password",
			utils.GetEnvOrConfig("LONGSHORE_POSTGRES_PASSWORD", "postgres_password", ""),
			"PostgreSQL password"),
		database: flag.String("postgres-database",
			utils.GetEnv("LONGSHORE_POSTGRES_DATABASE", "longshore_db"),
			"PostgreSQL database name"),
		maxConns: flag.Int("postgres-max-conns",
			utils.GetEnvInt("LONGSHORE_POSTGRES_MAX_CONNS", 10),
			"Maximum number of connections in the pool"),
		minConns: flag.Int("postgres-min-conns",
			utils.GetEnvInt("LONGSHORE_POSTGRES_MIN_CONNS", 2),
			"Minimum number of connections in the pool"),
		maxConnLifetimeMin: flag.Int("postgres-max-conn-lifetime-min",
			utils.GetEnvInt("LONGSHORE_POSTGRES_MAX_CONN_LIFETIME_MIN", 30),
			"Maximum connection lifetime in minutes"),
		sslMode: flag.String("postgres-ssl-mode",
			utils.GetEnv("LONGSHORE_POSTGRES_SSL_MODE", "disable"),
			"PostgreSQL SSL mode (disable, prefer, require, verify-full)"),
	}
}

// ToPostgresConfig converts flag pointers to PostgresConfig
// This should be called after flag.Parse()
func (f *PostgresFlagPointers) ToPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            *f.host,
		Port:            *f.port,
		User:            *f.user,
		Password:        *f.password,
		Database:        *f.database,
		MaxConns:        int32(*f.maxConns),
		MinConns:        int32(*f.minConns),
		MaxConnLifetime: time.Duration(*f.maxConnLifetimeMin) * time.Minute,
		SSLMode:         *f.sslMode,
	}
}
