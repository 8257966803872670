// Package store provides the durable ledger behind simulations. The
// primary backend keeps one SQLite file per simulation under a data
// directory; a Postgres backend offers the same contract for shared
// deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/banksim/internal/ledger"
	"github.com/example/banksim/internal/rules"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a simulation that already exists.
	ErrExists = errors.New("already exists")
	// ErrAccountInUse is returned when deleting an account still
	// referenced by funding rules.
	ErrAccountInUse = errors.New("account referenced by funding rules")
)

// Metadata holds a simulation's optional inclusive date bounds, each
// formatted YYYY-MM-DD and independently patchable.
type Metadata struct {
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

// originManual marks user-entered entries; rule-synthesized entries
// carry "rule:<id>" so a re-run can clear them.
const originManual = "manual"

func ruleOrigin(ruleID int64) string {
	return fmt.Sprintf("rule:%d", ruleID)
}

// Store is one simulation's ledger. All reads and writes are synchronous;
// failures propagate immediately with no internal retry.
type Store interface {
	rules.Ledger

	CreateAccount(ctx context.Context, name string) (ledger.Account, error)
	GetAccount(ctx context.Context, id int64) (ledger.Account, error)
	ListAccounts(ctx context.Context) ([]ledger.Account, error)
	RenameAccount(ctx context.Context, id int64, name string) (ledger.Account, error)
	// DeleteAccount removes the account and its entries. It fails with
	// ErrAccountInUse while any funding rule references the account.
	DeleteAccount(ctx context.Context, id int64) error

	// AppendEntry appends a manual entry and returns it with its id.
	AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	ListEntries(ctx context.Context, accountID int64) ([]ledger.Entry, error)
	ListAllEntries(ctx context.Context) ([]ledger.Entry, error)
	// ClearSynthesized removes every rule-originated entry, leaving
	// manual entries untouched. Run before a fresh scheduling pass.
	ClearSynthesized(ctx context.Context) error

	CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error)
	ListRules(ctx context.Context) ([]rules.Rule, error)
	DeleteRule(ctx context.Context, id int64) error

	Metadata(ctx context.Context) (Metadata, error)
	SetMetadata(ctx context.Context, m Metadata) (Metadata, error)

	Close() error
}

// Manager creates, lists and deletes simulations and opens per-simulation
// stores. Deleting a simulation cascades to everything it owns.
type Manager interface {
	Create(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
	Open(ctx context.Context, name string) (Store, error)
}

var simulationName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidSimulationName reports whether the name is usable as a simulation
// identifier (and, for the SQLite backend, as a file name).
func ValidSimulationName(name string) bool {
	return simulationName.MatchString(name)
}

// sumEntries folds amount strings into an exact decimal balance.
func sumEntries(amounts []string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range amounts {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", a, err)
		}
		total = total.Add(d)
	}
	return total, nil
}

// timeLayout is fixed-width so stored UTC timestamps compare
// lexicographically in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStoredTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}
