package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a funding-rule policy.
type Kind string

const (
	BackupFunding Kind = "BACKUP_FUNDING"
	TopUp         Kind = "TOPUP"
	SweepOut      Kind = "SWEEP_OUT"
)

// IsValid reports whether the kind is one of the known policies.
func (k Kind) IsValid() bool {
	switch k {
	case BackupFunding, TopUp, SweepOut:
		return true
	}
	return false
}

// Description returns the fixed label attached to entries synthesized
// by rules of this kind.
func (k Kind) Description() string {
	switch k {
	case BackupFunding:
		return "Backup funding transfer"
	case TopUp:
		return "Top-up transfer"
	case SweepOut:
		return "Sweep-out transfer"
	}
	return "Funding transfer"
}

// TimeOfDay is a local wall-clock time with seconds resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// On resolves the wall-clock time on the given calendar day in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, loc)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Rule is a declarative funding policy between two accounts, evaluated
// once per day at its time of day. Threshold and TargetAmount are set
// for TOPUP and SWEEP_OUT rules and nil for BACKUP_FUNDING.
type Rule struct {
	ID              int64            `json:"id"`
	Kind            Kind             `json:"rule_type"`
	TargetAccountID int64            `json:"target_account_id"`
	SourceAccountID int64            `json:"source_account_id"`
	TimeOfDay       TimeOfDay        `json:"time_of_day"`
	Currency        string           `json:"currency"`
	Threshold       *decimal.Decimal `json:"threshold,omitempty"`
	TargetAmount    *decimal.Decimal `json:"target_amount,omitempty"`
}

// ValidationError reports a malformed rule. Rules failing validation are
// rejected before scheduling and never partially applied.
type ValidationError struct {
	RuleID int64
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule %d: %s %s", e.RuleID, e.Field, e.Reason)
}

// Validate checks structural well-formedness of the rule. It does not
// reject economically surprising threshold/target_amount combinations;
// those execute the documented formula as-is.
func (r Rule) Validate() error {
	if !r.Kind.IsValid() {
		return &ValidationError{RuleID: r.ID, Field: "rule_type", Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	if r.Currency == "" {
		return &ValidationError{RuleID: r.ID, Field: "currency", Reason: "is required"}
	}
	if r.TargetAccountID == r.SourceAccountID {
		return &ValidationError{RuleID: r.ID, Field: "source_account_id", Reason: "must differ from target_account_id"}
	}
	switch r.Kind {
	case TopUp, SweepOut:
		if r.Threshold == nil {
			return &ValidationError{RuleID: r.ID, Field: "threshold", Reason: "is required for " + string(r.Kind)}
		}
		if r.TargetAmount == nil {
			return &ValidationError{RuleID: r.ID, Field: "target_amount", Reason: "is required for " + string(r.Kind)}
		}
	case BackupFunding:
		if r.Threshold != nil {
			return &ValidationError{RuleID: r.ID, Field: "threshold", Reason: "must be absent for BACKUP_FUNDING"}
		}
		if r.TargetAmount != nil {
			return &ValidationError{RuleID: r.ID, Field: "target_amount", Reason: "must be absent for BACKUP_FUNDING"}
		}
	}
	return nil
}
