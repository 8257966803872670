package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/example/banksim/internal/ledger"
	"github.com/example/banksim/internal/rules"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS metadata (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	start_date TEXT,
	end_date TEXT
);

CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	effective_time TEXT NOT NULL,
	origin TEXT NOT NULL DEFAULT 'manual'
);

CREATE INDEX IF NOT EXISTS idx_entries_account_time ON entries(account_id, effective_time);
CREATE INDEX IF NOT EXISTS idx_entries_origin ON entries(origin);

CREATE TABLE IF NOT EXISTS funding_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_type TEXT NOT NULL,
	target_account_id INTEGER NOT NULL REFERENCES accounts(id),
	source_account_id INTEGER NOT NULL REFERENCES accounts(id),
	time_of_day TEXT NOT NULL,
	currency TEXT NOT NULL,
	threshold TEXT,
	target_amount TEXT
);
`

// SQLiteManager keeps one SQLite database file per simulation under a
// data directory, mirroring the simulator's isolated-ledger model:
// deleting a simulation is deleting its file.
type SQLiteManager struct {
	dataDir string
}

// NewSQLiteManager ensures the data directory exists and returns a
// manager over it.
func NewSQLiteManager(dataDir string) (*SQLiteManager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &SQLiteManager{dataDir: dataDir}, nil
}

func (m *SQLiteManager) path(name string) string {
	return filepath.Join(m.dataDir, name+".db")
}

func (m *SQLiteManager) Create(ctx context.Context, name string) error {
	if !ValidSimulationName(name) {
		return fmt.Errorf("invalid simulation name %q", name)
	}
	if _, err := os.Stat(m.path(name)); err == nil {
		return fmt.Errorf("simulation %q: %w", name, ErrExists)
	}
	db, err := sql.Open("sqlite3", m.path(name))
	if err != nil {
		return fmt.Errorf("create simulation %q: %w", name, err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("initialize simulation %q: %w", name, err)
	}
	return nil
}

func (m *SQLiteManager) Exists(ctx context.Context, name string) (bool, error) {
	if !ValidSimulationName(name) {
		return false, nil
	}
	_, err := os.Stat(m.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (m *SQLiteManager) List(ctx context.Context) ([]string, error) {
	files, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".db") {
			continue
		}
		names = append(names, strings.TrimSuffix(f.Name(), ".db"))
	}
	sort.Strings(names)
	return names, nil
}

func (m *SQLiteManager) Delete(ctx context.Context, name string) error {
	ok, err := m.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("simulation %q: %w", name, ErrNotFound)
	}
	return os.Remove(m.path(name))
}

// Open returns a throwaway handle to one simulation's database. Callers
// close it when the operation completes.
func (m *SQLiteManager) Open(ctx context.Context, name string) (Store, error) {
	ok, err := m.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("simulation %q: %w", name, ErrNotFound)
	}
	db, err := sql.Open("sqlite3", m.path(name))
	if err != nil {
		return nil, fmt.Errorf("open simulation %q: %w", name, err)
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateAccount(ctx context.Context, name string) (ledger.Account, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (name, created_at) VALUES (?, ?)`,
		name, formatStoredTime(now))
	if err != nil {
		return ledger.Account{}, fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Account{}, fmt.Errorf("create account: %w", err)
	}
	return ledger.Account{ID: id, Name: name, CreatedAt: now}, nil
}

func (s *sqliteStore) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	var acct ledger.Account
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&acct.ID, &acct.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get account %d: %w", id, err)
	}
	acct.CreatedAt, err = parseStoredTime(created)
	if err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var acct ledger.Account
		var created string
		if err := rows.Scan(&acct.ID, &acct.Name, &created); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if acct.CreatedAt, err = parseStoredTime(created); err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RenameAccount(ctx context.Context, id int64, name string) (ledger.Account, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("rename account %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Account{}, err
	}
	if n == 0 {
		return ledger.Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return s.GetAccount(ctx, id)
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id int64) error {
	var refs int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM funding_rules WHERE target_account_id = ? OR source_account_id = ?`,
		id, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("check rule references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("account %d: %w", id, ErrAccountInUse)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("delete entries of account %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if _, err := s.GetAccount(ctx, e.AccountID); err != nil {
		return ledger.Entry{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (account_id, amount, currency, description, effective_time, origin)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Amount.String(), e.Currency, e.Description,
		formatStoredTime(e.EffectiveTime), originManual)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("append entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return e, nil
}

// AppendRulePair writes both legs of a synthesized transfer in one
// transaction so a partial pair can never be observed.
func (s *sqliteStore) AppendRulePair(ctx context.Context, ruleID int64, debit, credit ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append rule pair: %w", err)
	}
	defer tx.Rollback()

	origin := ruleOrigin(ruleID)
	for _, e := range []ledger.Entry{debit, credit} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (account_id, amount, currency, description, effective_time, origin)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.AccountID, e.Amount.String(), e.Currency, e.Description,
			formatStoredTime(e.EffectiveTime), origin); err != nil {
			return fmt.Errorf("append rule pair: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var amount, effective string
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &e.Currency, &e.Description, &effective); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var err error
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
		}
		if e.EffectiveTime, err = parseStoredTime(effective); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListEntries(ctx context.Context, accountID int64) ([]ledger.Entry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount, currency, description, effective_time
		 FROM entries WHERE account_id = ? ORDER BY effective_time, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *sqliteStore) ListAllEntries(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount, currency, description, effective_time
		 FROM entries ORDER BY effective_time, id`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *sqliteStore) ClearSynthesized(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE origin != ?`, originManual); err != nil {
		return fmt.Errorf("clear synthesized entries: %w", err)
	}
	return nil
}

// Balance sums the account's entries in the given currency effective at
// or before the instant. Amounts are summed as exact decimals in Go, not
// as SQL floats.
func (s *sqliteStore) Balance(ctx context.Context, accountID int64, currency string, at time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM entries
		 WHERE account_id = ? AND currency = ? AND effective_time <= ?`,
		accountID, currency, formatStoredTime(at))
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance query: %w", err)
	}
	defer rows.Close()

	var amounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return decimal.Zero, fmt.Errorf("scan amount: %w", err)
		}
		amounts = append(amounts, a)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}
	return sumEntries(amounts)
}

func (s *sqliteStore) CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	if err := r.Validate(); err != nil {
		return rules.Rule{}, err
	}
	for _, id := range []int64{r.TargetAccountID, r.SourceAccountID} {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return rules.Rule{}, err
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_rules (rule_type, target_account_id, source_account_id, time_of_day, currency, threshold, target_amount)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(r.Kind), r.TargetAccountID, r.SourceAccountID, r.TimeOfDay.String(),
		r.Currency, decimalOrNil(r.Threshold), decimalOrNil(r.TargetAmount))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("create rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return rules.Rule{}, fmt.Errorf("create rule: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_type, target_account_id, source_account_id, time_of_day, currency, threshold, target_amount
		 FROM funding_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		var kind, tod string
		var threshold, target sql.NullString
		if err := rows.Scan(&r.ID, &kind, &r.TargetAccountID, &r.SourceAccountID, &tod, &r.Currency, &threshold, &target); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Kind = rules.Kind(kind)
		if r.TimeOfDay, err = rules.ParseTimeOfDay(tod); err != nil {
			return nil, err
		}
		if r.Threshold, err = nullDecimal(threshold); err != nil {
			return nil, err
		}
		if r.TargetAmount, err = nullDecimal(target); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM funding_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) Metadata(ctx context.Context) (Metadata, error) {
	var m Metadata
	err := s.db.QueryRowContext(ctx,
		`SELECT start_date, end_date FROM metadata WHERE id = 1`).
		Scan(&m.StartDate, &m.EndDate)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return m, nil
}

func (s *sqliteStore) SetMetadata(ctx context.Context, m Metadata) (Metadata, error) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metadata (id, start_date, end_date) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET start_date = excluded.start_date, end_date = excluded.end_date`,
		current.StartDate, current.EndDate)
	if err != nil {
		return Metadata{}, fmt.Errorf("write metadata: %w", err)
	}
	return current, nil
}

func decimalOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt decimal %q: %w", v.String, err)
	}
	return &d, nil
}
