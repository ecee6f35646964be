// Package postgres provides the PostgreSQL-backed persistence layer for the
// Voxa server: the durable conversation log and fact store, user and session
// records, per-user plugin enablement, and rate counters.
//
// All repositories share a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	mem := store.Memory()       // memory.Store
//	users := store.Users()      // identity.UserStore
//	sessions := store.Sessions() // identity.SessionStore
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    user_id          TEXT         PRIMARY KEY,
    email            TEXT         NOT NULL UNIQUE,
    password_hash    BYTEA        NOT NULL,
    salt             BYTEA        NOT NULL,
    iterations       INTEGER      NOT NULL,
    role             TEXT         NOT NULL DEFAULT 'user',
    tier             TEXT         NOT NULL DEFAULT 'free',
    locked_until     TIMESTAMPTZ,
    failure_count    INTEGER      NOT NULL DEFAULT 0,
    last_failure_at  TIMESTAMPTZ,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users (email);
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    token_hash  BYTEA        PRIMARY KEY,
    user_id     TEXT         NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_seen   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions (last_seen);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    turn_id       TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
    session_id    TEXT         NOT NULL,
    role          TEXT         NOT NULL,
    content       TEXT         NOT NULL,
    tool_name     TEXT         NOT NULL DEFAULT '',
    tool_call_id  TEXT         NOT NULL DEFAULT '',
    token_count   INTEGER      NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_user_id ON turns (user_id);
CREATE INDEX IF NOT EXISTS idx_turns_user_session_created
    ON turns (user_id, session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_turns_user_created
    ON turns (user_id, created_at);
`

const ddlPluginEnablement = `
CREATE TABLE IF NOT EXISTS plugin_enablement (
    user_id     TEXT         NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
    plugin      TEXT         NOT NULL,
    enabled     BOOLEAN      NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, plugin)
);

CREATE INDEX IF NOT EXISTS idx_plugin_enablement_user ON plugin_enablement (user_id);
`

const ddlRateCounters = `
CREATE TABLE IF NOT EXISTS rate_counters (
    user_id     TEXT         NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
    kind        TEXT         NOT NULL,
    occurred_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    amount      BIGINT       NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_rate_counters_user_kind_time
    ON rate_counters (user_id, kind, occurred_at);
`

// ddlFacts returns the facts DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlFacts(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS facts (
    fact_id         TEXT         PRIMARY KEY,
    user_id         TEXT         NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
    source_turn_id  TEXT         NOT NULL DEFAULT '',
    text            TEXT         NOT NULL,
    importance      DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    embedding       vector(%d),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_facts_user_id ON facts (user_id);
CREATE INDEX IF NOT EXISTS idx_facts_user_created ON facts (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_facts_fts
    ON facts USING GIN (to_tsvector('simple', text));
CREATE INDEX IF NOT EXISTS idx_facts_embedding
    ON facts USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g., 1536
// for OpenAI text-embedding-3-small). Changing it after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlUsers,
		ddlSessions,
		ddlTurns,
		ddlFacts(embeddingDimensions),
		ddlPluginEnablement,
		ddlRateCounters,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
