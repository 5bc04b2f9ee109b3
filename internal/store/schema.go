package store

// schema is applied idempotently at startup. ivfflat indexes are created
// with lists=100; on tiny corpora they can return zero rows, which the
// search paths compensate for with a sequential retry.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS users (
    id          UUID PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agents (
    id          UUID PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    type        TEXT NOT NULL DEFAULT 'assistant',
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
    id          UUID PRIMARY KEY,
    user_id     UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    agent_id    UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    name        TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_mappings (
    external_id TEXT PRIMARY KEY,
    session_id  UUID NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
    session_id  UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    round_id    INTEGER NOT NULL CHECK (round_id > 0),
    speaker     TEXT NOT NULL CHECK (speaker IN ('user', 'assistant')),
    content     TEXT NOT NULL,
    timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, round_id, speaker)
);

CREATE TABLE IF NOT EXISTS documents_chunks (
    chunk_id        UUID PRIMARY KEY,
    document_source TEXT NOT NULL,
    content         TEXT NOT NULL,
    content_hash    TEXT NOT NULL,
    embedding       vector(1024) NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (document_source, content_hash)
);
CREATE INDEX IF NOT EXISTS documents_chunks_embedding_idx
    ON documents_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS structured_memory (
    fact_id         UUID PRIMARY KEY,
    session_id      UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    source_round_id INTEGER NOT NULL CHECK (source_round_id > 0),
    type            TEXT NOT NULL CHECK (type IN ('Fact', 'Decision', 'Assumption', 'UserPreference')),
    content         TEXT NOT NULL,
    relations       JSONB NOT NULL DEFAULT '{}',
    metadata        JSONB NOT NULL DEFAULT '{}',
    embedding       vector(1024) NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (session_id, type, content)
);
CREATE INDEX IF NOT EXISTS structured_memory_embedding_idx
    ON structured_memory USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS procedural_memory (
    workflow_id         UUID PRIMARY KEY,
    trigger_embedding   vector(1024) NOT NULL,
    trigger_pattern     TEXT,
    successful_workflow JSONB NOT NULL,
    usage_count         INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS procedural_memory_trigger_idx
    ON procedural_memory USING ivfflat (trigger_embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS procedural_lessons (
    lesson_id         UUID PRIMARY KEY,
    trigger_embedding vector(1024) NOT NULL,
    goal_text         TEXT NOT NULL,
    agent             TEXT NOT NULL,
    status            TEXT NOT NULL CHECK (status IN ('success', 'fail')),
    error             TEXT,
    fix_summary       TEXT,
    working_params    JSONB NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS procedural_lessons_trigger_idx
    ON procedural_lessons USING ivfflat (trigger_embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS extraction_queue (
    session_id  UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    round_id    INTEGER NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'done')),
    attempts    INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, round_id)
);
CREATE INDEX IF NOT EXISTS extraction_queue_pending_idx
    ON extraction_queue (status, created_at) WHERE status = 'pending';
`
