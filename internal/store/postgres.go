package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/banksim/internal/ledger"
	"github.com/example/banksim/internal/rules"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS simulations (
	name TEXT PRIMARY KEY,
	start_date TEXT,
	end_date TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	simulation TEXT NOT NULL REFERENCES simulations(name) ON DELETE CASCADE,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entries (
	id BIGSERIAL PRIMARY KEY,
	simulation TEXT NOT NULL REFERENCES simulations(name) ON DELETE CASCADE,
	account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	amount NUMERIC(30, 10) NOT NULL,
	currency TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	effective_time TIMESTAMPTZ NOT NULL,
	origin TEXT NOT NULL DEFAULT 'manual'
);

CREATE INDEX IF NOT EXISTS idx_pg_entries_account_time ON entries(account_id, effective_time);

CREATE TABLE IF NOT EXISTS funding_rules (
	id BIGSERIAL PRIMARY KEY,
	simulation TEXT NOT NULL REFERENCES simulations(name) ON DELETE CASCADE,
	rule_type TEXT NOT NULL,
	target_account_id BIGINT NOT NULL REFERENCES accounts(id),
	source_account_id BIGINT NOT NULL REFERENCES accounts(id),
	time_of_day TEXT NOT NULL,
	currency TEXT NOT NULL,
	threshold NUMERIC(30, 10),
	target_amount NUMERIC(30, 10)
);
`

// PostgresManager hosts every simulation in one shared Postgres database,
// scoped by a simulation name column with cascading deletes. It offers
// the same Manager/Store contract as the per-file SQLite backend.
type PostgresManager struct {
	pool *pgxpool.Pool
}

// NewPostgresManager connects to databaseURL and ensures the schema.
func NewPostgresManager(ctx context.Context, databaseURL string) (*PostgresManager, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresManager{pool: pool}, nil
}

// Close releases the underlying pool.
func (m *PostgresManager) Close() {
	m.pool.Close()
}

func (m *PostgresManager) Create(ctx context.Context, name string) error {
	if !ValidSimulationName(name) {
		return fmt.Errorf("invalid simulation name %q", name)
	}
	tag, err := m.pool.Exec(ctx,
		`INSERT INTO simulations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("create simulation %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("simulation %q: %w", name, ErrExists)
	}
	return nil
}

func (m *PostgresManager) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM simulations WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check simulation %q: %w", name, err)
	}
	return exists, nil
}

func (m *PostgresManager) List(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx, `SELECT name FROM simulations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan simulation: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (m *PostgresManager) Delete(ctx context.Context, name string) error {
	tag, err := m.pool.Exec(ctx, `DELETE FROM simulations WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete simulation %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("simulation %q: %w", name, ErrNotFound)
	}
	return nil
}

func (m *PostgresManager) Open(ctx context.Context, name string) (Store, error) {
	ok, err := m.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("simulation %q: %w", name, ErrNotFound)
	}
	return &postgresStore{pool: m.pool, sim: name}, nil
}

type postgresStore struct {
	pool *pgxpool.Pool
	sim  string
}

// Close is a no-op; the pool belongs to the manager.
func (s *postgresStore) Close() error { return nil }

func (s *postgresStore) CreateAccount(ctx context.Context, name string) (ledger.Account, error) {
	var acct ledger.Account
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (simulation, name) VALUES ($1, $2) RETURNING id, name, created_at`,
		s.sim, name).Scan(&acct.ID, &acct.Name, &acct.CreatedAt)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

func (s *postgresStore) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	var acct ledger.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = $1 AND simulation = $2`,
		id, s.sim).Scan(&acct.ID, &acct.Name, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get account %d: %w", id, err)
	}
	return acct, nil
}

func (s *postgresStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at FROM accounts WHERE simulation = $1 ORDER BY id`, s.sim)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var acct ledger.Account
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *postgresStore) RenameAccount(ctx context.Context, id int64, name string) (ledger.Account, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET name = $1 WHERE id = $2 AND simulation = $3`, name, id, s.sim)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("rename account %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return s.GetAccount(ctx, id)
}

func (s *postgresStore) DeleteAccount(ctx context.Context, id int64) error {
	var refs int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM funding_rules
		 WHERE simulation = $1 AND (target_account_id = $2 OR source_account_id = $2)`,
		s.sim, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("check rule references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("account %d: %w", id, ErrAccountInUse)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM accounts WHERE id = $1 AND simulation = $2`, id, s.sim)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if _, err := s.GetAccount(ctx, e.AccountID); err != nil {
		return ledger.Entry{}, err
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO entries (simulation, account_id, amount, currency, description, effective_time, origin)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		s.sim, e.AccountID, e.Amount, e.Currency, e.Description, e.EffectiveTime.UTC(), originManual).
		Scan(&e.ID)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return e, nil
}

func (s *postgresStore) AppendRulePair(ctx context.Context, ruleID int64, debit, credit ledger.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append rule pair: %w", err)
	}
	defer tx.Rollback(ctx)

	origin := ruleOrigin(ruleID)
	for _, e := range []ledger.Entry{debit, credit} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO entries (simulation, account_id, amount, currency, description, effective_time, origin)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.sim, e.AccountID, e.Amount, e.Currency, e.Description, e.EffectiveTime.UTC(), origin); err != nil {
			return fmt.Errorf("append rule pair: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Currency, &e.Description, &e.EffectiveTime); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListEntries(ctx context.Context, accountID int64) ([]ledger.Entry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.queryEntries(ctx,
		`SELECT id, account_id, amount, currency, description, effective_time
		 FROM entries WHERE simulation = $1 AND account_id = $2
		 ORDER BY effective_time, id`, s.sim, accountID)
}

func (s *postgresStore) ListAllEntries(ctx context.Context) ([]ledger.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT id, account_id, amount, currency, description, effective_time
		 FROM entries WHERE simulation = $1
		 ORDER BY effective_time, id`, s.sim)
}

func (s *postgresStore) ClearSynthesized(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM entries WHERE simulation = $1 AND origin != $2`, s.sim, originManual)
	if err != nil {
		return fmt.Errorf("clear synthesized entries: %w", err)
	}
	return nil
}

func (s *postgresStore) Balance(ctx context.Context, accountID int64, currency string, at time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM entries
		 WHERE simulation = $1 AND account_id = $2 AND currency = $3 AND effective_time <= $4`,
		s.sim, accountID, currency, at.UTC()).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance query: %w", err)
	}
	return balance, nil
}

func (s *postgresStore) CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	if err := r.Validate(); err != nil {
		return rules.Rule{}, err
	}
	for _, id := range []int64{r.TargetAccountID, r.SourceAccountID} {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return rules.Rule{}, err
		}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO funding_rules (simulation, rule_type, target_account_id, source_account_id, time_of_day, currency, threshold, target_amount)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		s.sim, string(r.Kind), r.TargetAccountID, r.SourceAccountID,
		r.TimeOfDay.String(), r.Currency, r.Threshold, r.TargetAmount).Scan(&r.ID)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("create rule: %w", err)
	}
	return r, nil
}

func (s *postgresStore) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_type, target_account_id, source_account_id, time_of_day, currency, threshold, target_amount
		 FROM funding_rules WHERE simulation = $1 ORDER BY id`, s.sim)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		var kind, tod string
		if err := rows.Scan(&r.ID, &kind, &r.TargetAccountID, &r.SourceAccountID, &tod, &r.Currency, &r.Threshold, &r.TargetAmount); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Kind = rules.Kind(kind)
		if r.TimeOfDay, err = rules.ParseTimeOfDay(tod); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM funding_rules WHERE id = $1 AND simulation = $2`, id, s.sim)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) Metadata(ctx context.Context) (Metadata, error) {
	var m Metadata
	err := s.pool.QueryRow(ctx,
		`SELECT start_date, end_date FROM simulations WHERE name = $1`, s.sim).
		Scan(&m.StartDate, &m.EndDate)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return m, nil
}

func (s *postgresStore) SetMetadata(ctx context.Context, m Metadata) (Metadata, error) {
	current, err := s.Metadata(ctx)
	if err != nil {
		return Metadata{}, err
	}
	if m.StartDate != nil {
		current.StartDate = m.StartDate
	}
	if m.EndDate != nil {
		current.EndDate = m.EndDate
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE simulations SET start_date = $1, end_date = $2 WHERE name = $3`,
		current.StartDate, current.EndDate, s.sim)
	if err != nil {
		return Metadata{}, fmt.Errorf("write metadata: %w", err)
	}
	return current, nil
}
