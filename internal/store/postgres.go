package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore persists agents and policies in Postgres via database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity. A
// failed ping here maps to exit code 2 at boot.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			role        TEXT NOT NULL,
			status      TEXT NOT NULL,
			public_key  TEXT NOT NULL,
			created_by  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id          TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL REFERENCES agents(id),
			name        TEXT NOT NULL,
			spec        JSONB NOT NULL,
			spec_hash   TEXT NOT NULL,
			active      BOOLEAN NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS policies_one_active
			ON policies (agent_id, name) WHERE active`,
		`CREATE INDEX IF NOT EXISTS policies_agent ON policies (agent_id) WHERE active`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, status, public_key, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Name, a.Role, a.Status, a.PublicKeyPEM, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, status, public_key, created_by, created_at, updated_at
		 FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.PublicKeyPEM, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, status, public_key, created_by, created_at, updated_at
		 FROM agents ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.PublicKeyPEM,
			&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now())
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	defer tx.Rollback()

	if p.Active {
		if _, err := tx.ExecContext(ctx,
			`UPDATE policies SET active = false, updated_at = $3
			 WHERE agent_id = $1 AND name = $2 AND active`,
			p.AgentID, p.Name, time.Now()); err != nil {
			return fmt.Errorf("deactivate predecessor: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policies (id, agent_id, name, spec, spec_hash, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			spec = EXCLUDED.spec, spec_hash = EXCLUDED.spec_hash,
			active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		p.ID, p.AgentID, p.Name, []byte(p.Spec), p.SpecHash, p.Active, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) ActivePolicies(ctx context.Context, agentID string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, spec, spec_hash, active, created_at, updated_at
		 FROM policies WHERE agent_id = $1 AND active ORDER BY name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("active policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		var p Policy
		var spec []byte
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Name, &spec, &p.SpecHash,
			&p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Spec = spec
		out = append(out, &p)
	}
	return out, rows.Err()
}
