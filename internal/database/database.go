// Package database provides MySQL connection management for importguard.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/retry"
)

// Manager handles connections to the destination table database and the
// cursor store.
type Manager struct {
	Destination *sql.DB
	Store       *sql.DB
	config      *config.Config
	policy      retry.Policy
	logger      *logger.Logger
}

// NewManager creates a new database manager from configuration.
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	policy := retry.DefaultPolicy()
	if cfg != nil {
		policy = retry.FromConfig(cfg.Retry)
	}
	return &Manager{
		config: cfg,
		policy: policy,
		logger: log,
	}
}

// ConnectDestination opens the destination database. Row values are read
// back as raw text, so parseTime is off.
func (m *Manager) ConnectDestination(ctx context.Context) error {
	if m.Destination != nil {
		return nil
	}
	db, err := m.connectWithRetry(ctx, "destination", &m.config.Destination.MySQL, false)
	if err != nil {
		return fmt.Errorf("failed to connect to destination database: %w", err)
	}
	m.Destination = db
	return nil
}

// ConnectStore opens the cursor store database.
func (m *Manager) ConnectStore(ctx context.Context) error {
	if m.Store != nil {
		return nil
	}
	db, err := m.connectWithRetry(ctx, "store", &m.config.Store.MySQL, true)
	if err != nil {
		return fmt.Errorf("failed to connect to store database: %w", err)
	}
	m.Store = db
	return nil
}

// connectWithRetry opens and pings a database under the shared retry policy.
func (m *Manager) connectWithRetry(ctx context.Context, name string, cfg *config.DatabaseConfig, parseTime bool) (*sql.DB, error) {
	var db *sql.DB
	attempts, err := m.policy.Do(ctx, func(ctx context.Context) error {
		conn, err := m.connect(cfg, parseTime)
		if err != nil {
			return failure.Preconditionf("invalid %s connection settings: %v", name, err)
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return err
		}
		db = conn
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		m.logger.Warnf("Connecting to %s database failed (attempt %d), retrying in %s: %v", name, attempt, wait, err)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debugf("Connected to %s database %s after %d attempt(s)", name, cfg.Host, attempts)
	return db, nil
}

// connect creates a database handle.
func (m *Manager) connect(cfg *config.DatabaseConfig, parseTime bool) (*sql.DB, error) {
	db, err := sql.Open("mysql", BuildDSN(cfg, parseTime))
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// BuildDSN constructs a MySQL DSN from configuration.
func BuildDSN(cfg *config.DatabaseConfig, parseTime bool) string {
	dc := mysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.ParseTime = parseTime

	switch cfg.TLS {
	case "disable":
		dc.TLSConfig = "false"
	case "required":
		dc.TLSConfig = "true"
	default:
		dc.TLSConfig = "preferred"
	}

	return dc.FormatDSN()
}

// Close closes all database connections gracefully.
func (m *Manager) Close() error {
	var errs []error

	if m.Store != nil {
		if err := m.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	if m.Destination != nil {
		if err := m.Destination.Close(); err != nil {
			errs = append(errs, fmt.Errorf("destination close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}
	return nil
}

// Ping verifies all open connections are alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.Destination != nil {
		if err := m.Destination.PingContext(ctx); err != nil {
			return fmt.Errorf("destination ping failed: %w", err)
		}
	}

	if m.Store != nil {
		if err := m.Store.PingContext(ctx); err != nil {
			return fmt.Errorf("store ping failed: %w", err)
		}
	}

	return nil
}
