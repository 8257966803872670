package rules

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/banksim/internal/ledger"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, ledger.ReferenceZone)
}

func TestNewSchedulerRejectsInvalidRules(t *testing.T) {
	engine := NewEngine(&memLedger{}, nil)

	_, err := NewScheduler(engine, []Rule{
		{ID: 1, Kind: BackupFunding, TargetAccountID: 1, SourceAccountID: 1,
			TimeOfDay: fivePM, Currency: "USD"},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "source_account_id", verr.Field)
}

func TestRunRejectsInvertedRange(t *testing.T) {
	engine := NewEngine(&memLedger{}, nil)
	sched, err := NewScheduler(engine, []Rule{
		{ID: 1, Kind: BackupFunding, TargetAccountID: 1, SourceAccountID: 2,
			TimeOfDay: fivePM, Currency: "USD"},
	})
	require.NoError(t, err)

	_, err = sched.Run(context.Background(), day(2024, 3, 5), day(2024, 3, 1))
	assert.Error(t, err)
}

func TestRunEmptyRuleSet(t *testing.T) {
	sched, err := NewScheduler(NewEngine(&memLedger{}, nil), nil)
	require.NoError(t, err)

	summary, err := sched.Run(context.Background(), day(2024, 3, 1), day(2024, 3, 5))
	require.NoError(t, err)
	assert.Zero(t, summary.Evaluated)
	assert.Zero(t, summary.Fired)
}

// Three-day backup funding: the target goes negative every morning and
// the 17:00 rule restores it to zero each day.
func TestBackupFundingAcrossThreeDays(t *testing.T) {
	m := &memLedger{}
	for i := 0; i < 3; i++ {
		m.add(1, "-50", "USD", day(2024, 3, 1+i).Add(9*time.Hour))
	}
	m.add(2, "1000", "USD", day(2024, 2, 28))

	sched, err := NewScheduler(NewEngine(m, nil), []Rule{
		{ID: 1, Kind: BackupFunding, TargetAccountID: 1, SourceAccountID: 2,
			TimeOfDay: fivePM, Currency: "USD"},
	})
	require.NoError(t, err)

	summary, err := sched.Run(context.Background(), day(2024, 3, 1), day(2024, 3, 3))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Days)
	assert.Equal(t, 3, summary.Evaluated)
	assert.Equal(t, 3, summary.Fired)
	assert.Equal(t, 3, summary.ByKind[BackupFunding])

	// 3 manual debits + 1 funding deposit + 3 synthesized pairs.
	assert.Len(t, m.entries, 4+6)

	end := day(2024, 3, 3).Add(23 * time.Hour)
	assert.True(t, mustBalance(t, m, 1, "USD", end).IsZero())
	assert.True(t, mustBalance(t, m, 2, "USD", end).Equal(decimal.NewFromInt(850)))
}

// A sweep at 16:00 funds a top-up at 17:00 the same day: later instants
// must observe earlier firings.
func TestChainedRulesSameDay(t *testing.T) {
	m := &memLedger{}
	m.add(1, "5000", "USD", day(2024, 3, 1).Add(8*time.Hour)) // operating account
	// account 2 is the buffer, account 3 needs topping up
	m.add(3, "20", "USD", day(2024, 3, 1).Add(8*time.Hour))

	sweep := Rule{
		ID: 1, Kind: SweepOut, TargetAccountID: 1, SourceAccountID: 2,
		TimeOfDay: TimeOfDay{Hour: 16}, Currency: "USD",
		Threshold: dptr("1000"), TargetAmount: dptr("1000"),
	}
	topup := Rule{
		ID: 2, Kind: TopUp, TargetAccountID: 3, SourceAccountID: 2,
		TimeOfDay: fivePM, Currency: "USD",
		Threshold: dptr("100"), TargetAmount: dptr("500"),
	}

	sched, err := NewScheduler(NewEngine(m, nil), []Rule{topup, sweep})
	require.NoError(t, err)

	_, err = sched.Run(context.Background(), day(2024, 3, 1), day(2024, 3, 1))
	require.NoError(t, err)

	end := day(2024, 3, 1).Add(23 * time.Hour)
	// Sweep moved 4000 into the buffer, then the top-up drew 480 from it.
	assert.True(t, mustBalance(t, m, 1, "USD", end).Equal(decimal.NewFromInt(1000)))
	assert.True(t, mustBalance(t, m, 2, "USD", end).Equal(decimal.NewFromInt(3520)))
	assert.True(t, mustBalance(t, m, 3, "USD", end).Equal(decimal.NewFromInt(500)))
}

// Rules sharing an instant evaluate in rule-id order, so the second
// rule sees the first one's effect.
func TestSameInstantTieBreaksByRuleID(t *testing.T) {
	m := &memLedger{}
	m.add(1, "-50", "USD", day(2024, 3, 1).Add(9*time.Hour))
	m.add(2, "1000", "USD", day(2024, 2, 28))

	backup := Rule{
		ID: 1, Kind: BackupFunding, TargetAccountID: 1, SourceAccountID: 2,
		TimeOfDay: fivePM, Currency: "USD",
	}
	// Same instant, higher id: sees the restored zero balance and tops
	// up the full 500.
	topup := Rule{
		ID: 2, Kind: TopUp, TargetAccountID: 1, SourceAccountID: 2,
		TimeOfDay: fivePM, Currency: "USD",
		Threshold: dptr("100"), TargetAmount: dptr("500"),
	}

	sched, err := NewScheduler(NewEngine(m, nil), []Rule{topup, backup})
	require.NoError(t, err)

	summary, err := sched.Run(context.Background(), day(2024, 3, 1), day(2024, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Fired)

	end := day(2024, 3, 1).Add(23 * time.Hour)
	assert.True(t, mustBalance(t, m, 1, "USD", end).Equal(decimal.NewFromInt(500)))
	assert.True(t, mustBalance(t, m, 2, "USD", end).Equal(decimal.NewFromInt(450)))
}

func TestDayInstantsOrdering(t *testing.T) {
	early := Rule{ID: 5, Kind: BackupFunding, TargetAccountID: 1, SourceAccountID: 2,
		TimeOfDay: TimeOfDay{Hour: 8}, Currency: "USD"}
	lateA := Rule{ID: 9, Kind: BackupFunding, TargetAccountID: 3, SourceAccountID: 4,
		TimeOfDay: fivePM, Currency: "USD"}
	lateB := Rule{ID: 2, Kind: BackupFunding, TargetAccountID: 5, SourceAccountID: 6,
		TimeOfDay: fivePM, Currency: "USD"}

	sched, err := NewScheduler(NewEngine(&memLedger{}, nil), []Rule{lateA, early, lateB})
	require.NoError(t, err)

	instants := sched.dayInstants(day(2024, 3, 1))
	require.Len(t, instants, 3)
	assert.Equal(t, int64(5), instants[0].rule.ID)
	assert.Equal(t, int64(2), instants[1].rule.ID)
	assert.Equal(t, int64(9), instants[2].rule.ID)
}
