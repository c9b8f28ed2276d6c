package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/narvanalabs/camfleet/internal/models"
)

// registryLockKey is the pg advisory lock key guarding registry writes.
const registryLockKey int64 = 0x63616d666c656574

const schema = `
CREATE TABLE IF NOT EXISTS camfleet_nodes (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	base_url      TEXT NOT NULL,
	transport     TEXT NOT NULL,
	auth          JSONB NOT NULL DEFAULT '{"type":"none"}',
	labels        JSONB NOT NULL DEFAULT '{}',
	capabilities  TEXT[] NOT NULL DEFAULT '{}',
	last_seen     TIMESTAMPTZ,
	cached_status JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
)`

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	LockTimeout     time.Duration
}

// DefaultPostgresConfig returns a PostgresConfig with sensible defaults.
func DefaultPostgresConfig(dsn string) *PostgresConfig {
	return &PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
		LockTimeout:     5 * time.Second,
	}
}

// PostgresBackend stores the registry in a single table. Writes run in one
// transaction under a transaction-scoped advisory lock.
type PostgresBackend struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewPostgresBackend connects, verifies the connection and creates the table.
func NewPostgresBackend(ctx context.Context, cfg *PostgresConfig, logger *slog.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry table: %w", err)
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}

	logger.Info("connected to PostgreSQL registry")
	return &PostgresBackend{db: db, lockTimeout: lockTimeout, logger: logger}, nil
}

// Load returns every stored node ordered by id.
func (b *PostgresBackend) Load(ctx context.Context) ([]*models.Node, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, base_url, transport, auth, labels, capabilities,
		       last_seen, cached_status, created_at, updated_at
		FROM camfleet_nodes
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

func scanNode(rows *sql.Rows) (*models.Node, error) {
	var (
		n            models.Node
		transport    string
		authJSON     []byte
		labelsJSON   []byte
		capabilities []string
		lastSeen     sql.NullTime
		statusJSON   []byte
	)
	err := rows.Scan(
		&n.ID, &n.Name, &n.BaseURL, &transport, &authJSON, &labelsJSON,
		pq.Array(&capabilities), &lastSeen, &statusJSON, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}

	n.Transport = models.Transport(transport)

	var doc models.AuthDocument
	if err := json.Unmarshal(authJSON, &doc); err != nil {
		return nil, fmt.Errorf("decoding auth of node %s: %w", n.ID, err)
	}
	if n.Auth, err = models.DecodeStoredAuth(doc); err != nil {
		return nil, fmt.Errorf("decoding auth of node %s: %w", n.ID, err)
	}

	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &n.Labels); err != nil {
			return nil, fmt.Errorf("decoding labels of node %s: %w", n.ID, err)
		}
		if len(n.Labels) == 0 {
			n.Labels = nil
		}
	}
	n.Capabilities = models.NormalizeCapabilities(capabilities)

	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		n.LastSeen = &t
	}
	if len(statusJSON) > 0 {
		var st models.NodeStatus
		if err := json.Unmarshal(statusJSON, &st); err != nil {
			return nil, fmt.Errorf("decoding cached status of node %s: %w", n.ID, err)
		}
		n.CachedStatus = &st
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}

// Write replaces the table contents with nodes in one transaction.
func (b *PostgresBackend) Write(ctx context.Context, nodes []*models.Node) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				b.logger.Error("failed to rollback registry transaction", "error", rbErr)
			}
		}
	}()

	if err := b.lock(ctx, tx); err != nil {
		return err
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM camfleet_nodes WHERE NOT (id = ANY($1))`, pq.Array(ids)); err != nil {
		return fmt.Errorf("deleting removed nodes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO camfleet_nodes (id, name, base_url, transport, auth, labels,
			capabilities, last_seen, cached_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			transport = EXCLUDED.transport,
			auth = EXCLUDED.auth,
			labels = EXCLUDED.labels,
			capabilities = EXCLUDED.capabilities,
			last_seen = EXCLUDED.last_seen,
			cached_status = EXCLUDED.cached_status,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		authJSON, err := json.Marshal(models.EncodeAuth(n.Auth))
		if err != nil {
			return fmt.Errorf("encoding auth of node %s: %w", n.ID, err)
		}
		labels := n.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		labelsJSON, err := json.Marshal(labels)
		if err != nil {
			return fmt.Errorf("encoding labels of node %s: %w", n.ID, err)
		}
		var statusJSON []byte
		if n.CachedStatus != nil {
			if statusJSON, err = json.Marshal(n.CachedStatus); err != nil {
				return fmt.Errorf("encoding cached status of node %s: %w", n.ID, err)
			}
		}
		var lastSeen sql.NullTime
		if n.LastSeen != nil {
			lastSeen = sql.NullTime{Time: *n.LastSeen, Valid: true}
		}
		capabilities := n.Capabilities
		if capabilities == nil {
			capabilities = []string{}
		}

		if _, err := stmt.ExecContext(ctx,
			n.ID, n.Name, n.BaseURL, string(n.Transport), authJSON, labelsJSON,
			pq.Array(capabilities), lastSeen, statusJSON, n.CreatedAt, n.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upserting node %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing registry: %w", err)
	}
	return nil
}

// lock polls pg_try_advisory_xact_lock until it succeeds or the lock timeout
// passes. The lock is released when tx ends.
func (b *PostgresBackend) lock(ctx context.Context, tx *sql.Tx) error {
	deadline := time.Now().Add(b.lockTimeout)
	for {
		var acquired bool
		if err := tx.QueryRowContext(ctx,
			`SELECT pg_try_advisory_xact_lock($1)`, registryLockKey).Scan(&acquired); err != nil {
			return fmt.Errorf("acquiring registry lock: %w", err)
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Ping checks the database connection.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
