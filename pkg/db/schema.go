package db

const schema = `
-- Performance and reliability settings
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;
PRAGMA temp_store = MEMORY;

-- Runs: one row per CLI invocation that mutates the cache or manifest
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,              -- uuid
    command TEXT NOT NULL,                -- fetch, extract, run
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'running', -- running, succeeded, failed
    manifest_path TEXT NOT NULL,
    augment_mode TEXT,
    features TEXT,                        -- comma separated feature ids
    record_count INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER DEFAULT 0,
    cached_count INTEGER DEFAULT 0,
    failed_count INTEGER DEFAULT 0,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

-- Sources: every distinct source reference ever seen
CREATE TABLE IF NOT EXISTS sources (
    source_id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_ref TEXT NOT NULL UNIQUE,
    scheme TEXT NOT NULL,                 -- http, https, s3, file
    host TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sources_host ON sources(host);

-- Fetch attempts: one row per record per fetch run, cached or not
CREATE TABLE IF NOT EXISTS fetch_attempts (
    attempt_id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    source_id INTEGER NOT NULL,
    record_index INTEGER NOT NULL,
    category TEXT NOT NULL,
    attempted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    cached BOOLEAN NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL,
    error_type TEXT,
    error_message TEXT,
    duration_ms INTEGER,
    local_path TEXT,
    FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE,
    FOREIGN KEY (source_id) REFERENCES sources(source_id) ON DELETE CASCADE,
    UNIQUE(run_id, record_index)
);

CREATE INDEX IF NOT EXISTS idx_attempts_run ON fetch_attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_source ON fetch_attempts(source_id);
CREATE INDEX IF NOT EXISTS idx_attempts_success ON fetch_attempts(success);

-- Artifact types: lookup table for normalization
CREATE TABLE IF NOT EXISTS artifact_types (
    type_id INTEGER PRIMARY KEY AUTOINCREMENT,
    type_name TEXT NOT NULL UNIQUE,
    description TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Artifacts: content pointers (DB stores metadata, disk stores content)
CREATE TABLE IF NOT EXISTS artifacts (
    artifact_id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id INTEGER NOT NULL,
    type_id INTEGER NOT NULL,
    run_id TEXT,
    content_hash TEXT NOT NULL,
    file_path TEXT NOT NULL UNIQUE,
    size_bytes INTEGER,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (source_id) REFERENCES sources(source_id) ON DELETE CASCADE,
    FOREIGN KEY (type_id) REFERENCES artifact_types(type_id),
    FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_source ON artifacts(source_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON artifacts(content_hash);

-- Seed artifact types
INSERT OR IGNORE INTO artifact_types (type_name, description) VALUES
    ('canonical_image', 'Padded and resized image fetched from the source'),
    ('variant', 'Rotated or mirrored derivative of a canonical image'),
    ('lbp', 'Local binary pattern code image'),
    ('glcm', 'Gray-level co-occurrence tensor'),
    ('sift', 'Keypoints and descriptors');
`
