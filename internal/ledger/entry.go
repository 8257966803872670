package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceZone is the canonical time zone for day bucketing and for
// resolving rule evaluation instants. It must not vary per request.
var ReferenceZone = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

// Account is a named balance container within one simulation.
type Account struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is an immutable economic movement against one account in one
// currency. Positive amounts are credits, negative amounts are debits.
// Entries are append-only; nothing in the engine mutates or deletes one.
type Entry struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
	EffectiveTime time.Time       `json:"effective_time"`
}

// Day returns the calendar day of the entry in the reference zone,
// formatted as YYYY-MM-DD.
func (e Entry) Day() string {
	return e.EffectiveTime.In(ReferenceZone).Format("2006-01-02")
}

// BalanceAmount is a per-currency balance figure.
type BalanceAmount struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}
