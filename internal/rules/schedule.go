package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/banksim/internal/ledger"
)

// RunSummary reports what a scheduling pass did.
type RunSummary struct {
	Days      int          `json:"days"`
	Evaluated int          `json:"evaluated"`
	Fired     int          `json:"fired"`
	ByKind    map[Kind]int `json:"by_kind"`
}

// Scheduler drives the engine across a simulation's date range, one
// simulated instant per (day × rule) combination, in chronological
// order. The pass is single-threaded: each instant's outcome depends on
// the cumulative state left by all strictly earlier instants.
type Scheduler struct {
	engine *Engine
	rules  []Rule
}

// NewScheduler validates every rule up front and returns a scheduler
// over the validated set. A single malformed rule rejects the whole set;
// nothing is partially scheduled.
func NewScheduler(engine *Engine, ruleSet []Rule) (*Scheduler, error) {
	for _, r := range ruleSet {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	rs := make([]Rule, len(ruleSet))
	copy(rs, ruleSet)
	return &Scheduler{engine: engine, rules: rs}, nil
}

type instant struct {
	at   time.Time
	rule Rule
}

// Run evaluates every (day, rule) instant across the inclusive
// [start, end] calendar range, in non-decreasing instant order with ties
// broken by rule id ascending. Instants are produced one day at a time,
// so large ranges are never materialized up front. The first store error
// aborts the remaining schedule.
func (s *Scheduler) Run(ctx context.Context, start, end time.Time) (RunSummary, error) {
	summary := RunSummary{ByKind: make(map[Kind]int)}
	if len(s.rules) == 0 {
		return summary, nil
	}

	startDay := midnight(start)
	endDay := midnight(end)
	if endDay.Before(startDay) {
		return summary, fmt.Errorf("end date %s precedes start date %s",
			endDay.Format("2006-01-02"), startDay.Format("2006-01-02"))
	}

	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		summary.Days++
		for _, in := range s.dayInstants(day) {
			outcome, err := s.engine.Evaluate(ctx, in.rule, in.at)
			if err != nil {
				return summary, err
			}
			summary.Evaluated++
			if outcome == OutcomeFired {
				summary.Fired++
				summary.ByKind[in.rule.Kind]++
			}
		}
	}
	return summary, nil
}

// dayInstants resolves every rule's evaluation instant on the given day
// and orders them by instant, then rule id. Because each rule fires at
// most once per day, ordering within the day is all that is needed for
// the global (instant, rule id) order.
func (s *Scheduler) dayInstants(day time.Time) []instant {
	instants := make([]instant, 0, len(s.rules))
	for _, r := range s.rules {
		instants = append(instants, instant{at: r.TimeOfDay.On(day, ledger.ReferenceZone), rule: r})
	}
	sort.Slice(instants, func(i, j int) bool {
		if !instants[i].at.Equal(instants[j].at) {
			return instants[i].at.Before(instants[j].at)
		}
		return instants[i].rule.ID < instants[j].rule.ID
	})
	return instants
}

func midnight(t time.Time) time.Time {
	local := t.In(ledger.ReferenceZone)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, ledger.ReferenceZone)
}
