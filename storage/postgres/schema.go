package postgres

const schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id          TEXT PRIMARY KEY,
	client_secret_hash TEXT NOT NULL DEFAULT '',
	client_name        TEXT NOT NULL DEFAULT '',
	redirect_uris      TEXT[],
	grant_types        TEXT[],
	scopes             TEXT[],
	public             BOOLEAN NOT NULL DEFAULT FALSE,
	owner_user_id      TEXT NOT NULL DEFAULT '',
	active             BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
	code                  TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	scopes                TEXT[],
	resource              TEXT NOT NULL DEFAULT '',
	code_challenge        TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL,
	expires_at            TIMESTAMPTZ NOT NULL,
	used                  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS oauth_device_authorizations (
	device_code      TEXT PRIMARY KEY,
	user_code        TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	scopes           TEXT[],
	resource         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL,
	last_poll_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_device_user_code ON oauth_device_authorizations(user_code);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	value      TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	scopes     TEXT[],
	resource   TEXT NOT NULL DEFAULT '',
	family_id  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_tokens_family ON oauth_tokens(family_id);
CREATE INDEX IF NOT EXISTS idx_tokens_user_client ON oauth_tokens(user_id, client_id);
CREATE INDEX IF NOT EXISTS idx_tokens_expires ON oauth_tokens(expires_at);
`
