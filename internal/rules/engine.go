package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/banksim/internal/ledger"
)

// Outcome is the terminal state of one (rule, day) evaluation.
type Outcome string

const (
	// OutcomeNoOp means the rule's condition was not met.
	OutcomeNoOp Outcome = "NO_OP"
	// OutcomeFired means a balanced entry pair was appended.
	OutcomeFired Outcome = "FIRED"
)

// Ledger is the store surface the engine evaluates against. Balance
// reads and pair appends hit the same store, so later evaluations
// observe the cumulative effect of all earlier firings.
type Ledger interface {
	// Balance returns the account's balance in the given currency,
	// counting entries effective at or before the given instant.
	Balance(ctx context.Context, accountID int64, currency string, at time.Time) (decimal.Decimal, error)
	// AppendRulePair atomically appends the balanced debit/credit pair
	// synthesized by the given rule.
	AppendRulePair(ctx context.Context, ruleID int64, debit, credit ledger.Entry) error
}

// Engine converts declarative funding rules into concrete paired
// entries, one evaluation per (rule, simulated instant).
type Engine struct {
	store Ledger
	log   *slog.Logger
}

// NewEngine creates an engine evaluating against the given ledger.
func NewEngine(store Ledger, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, log: log}
}

// Evaluate applies the rule's policy against the target account's
// balance at the given instant. When the condition is met it appends a
// balanced pair sharing the instant and the rule's currency: a debit on
// the paying account and an equal credit on the receiving account.
//
// The rule must already have passed Validate; evaluation executes the
// policy arithmetic as written, including threshold/target_amount
// combinations that move money in a surprising direction.
func (e *Engine) Evaluate(ctx context.Context, r Rule, at time.Time) (Outcome, error) {
	balance, err := e.store.Balance(ctx, r.TargetAccountID, r.Currency, at)
	if err != nil {
		return OutcomeNoOp, fmt.Errorf("balance lookup for account %d: %w", r.TargetAccountID, err)
	}

	amount, from, to := r.transfer(balance)
	if from == 0 {
		return OutcomeNoOp, nil
	}

	description := r.Kind.Description()
	debit := ledger.Entry{
		AccountID:     from,
		Amount:        amount.Neg(),
		Currency:      r.Currency,
		Description:   description,
		EffectiveTime: at,
	}
	credit := ledger.Entry{
		AccountID:     to,
		Amount:        amount,
		Currency:      r.Currency,
		Description:   description,
		EffectiveTime: at,
	}

	if err := e.store.AppendRulePair(ctx, r.ID, debit, credit); err != nil {
		return OutcomeNoOp, fmt.Errorf("append pair for rule %d: %w", r.ID, err)
	}

	e.log.Debug("rule_fired",
		"rule_id", r.ID,
		"rule_type", string(r.Kind),
		"amount", amount.String(),
		"currency", r.Currency,
		"at", at.Format(time.RFC3339),
	)
	return OutcomeFired, nil
}

// transfer computes the transfer implied by the rule given the target
// balance. A zero from-account means the rule does not fire.
func (r Rule) transfer(balance decimal.Decimal) (amount decimal.Decimal, from, to int64) {
	switch r.Kind {
	case BackupFunding:
		// Shortfall funding: bring a negative target back to exactly zero.
		if balance.IsNegative() {
			return balance.Neg(), r.SourceAccountID, r.TargetAccountID
		}
	case TopUp:
		// Refill to target_amount whenever the balance dips below threshold.
		if balance.LessThan(*r.Threshold) {
			return r.TargetAmount.Sub(balance), r.SourceAccountID, r.TargetAccountID
		}
	case SweepOut:
		// Skim the excess above target_amount once the balance exceeds threshold.
		if balance.GreaterThan(*r.Threshold) {
			return balance.Sub(*r.TargetAmount), r.TargetAccountID, r.SourceAccountID
		}
	}
	return decimal.Zero, 0, 0
}
