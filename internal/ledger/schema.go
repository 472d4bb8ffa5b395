package ledger

// Schema is the PostgreSQL DDL for accounts and the journal. Journal rows are
// append-only: updates and deletes are rejected by rules.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
    user_id        TEXT NOT NULL,
    holder_name    TEXT NOT NULL,
    account_number CHAR(10) UNIQUE NOT NULL CHECK (account_number ~ '^[0-9]{10}$'),
    balance_kobo   BIGINT NOT NULL DEFAULT 0 CHECK (balance_kobo >= 0),
    is_active      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);

CREATE TABLE IF NOT EXISTS transactions (
    transaction_id       TEXT PRIMARY KEY,
    account_id           TEXT NOT NULL REFERENCES accounts(account_id) ON DELETE RESTRICT,
    direction            TEXT NOT NULL CHECK (direction IN ('DEBIT', 'CREDIT')),
    amount_kobo          BIGINT NOT NULL CHECK (amount_kobo > 0),
    counterparty_name    TEXT NOT NULL,
    counterparty_bank    TEXT NOT NULL,
    counterparty_account TEXT NOT NULL,
    status               TEXT NOT NULL CHECK (status IN ('SUCCESS', 'FAILED')),
    reference_code       TEXT UNIQUE NOT NULL,
    idempotency_key      TEXT UNIQUE,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_id, created_at DESC);

CREATE OR REPLACE RULE transactions_no_update AS ON UPDATE TO transactions DO INSTEAD NOTHING;
CREATE OR REPLACE RULE transactions_no_delete AS ON DELETE TO transactions DO INSTEAD NOTHING;
`

// DropSchema removes the ledger tables. Used by seeding and integration tests.
const DropSchema = `
DROP TABLE IF EXISTS transactions;
DROP TABLE IF EXISTS accounts;
`
