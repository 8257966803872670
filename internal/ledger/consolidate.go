package ledger

import "github.com/shopspring/decimal"

// washEpsilon is the absolute net amount below which a consolidated
// entry is treated as a wash and dropped.
var washEpsilon = decimal.New(1, -9)

type consolidationKey struct {
	instant     int64
	description string
	currency    string
}

// Consolidate merges entries sharing the same economic identity — equal
// effective instant, description and currency — into single net entries,
// and drops any result whose absolute amount falls below 1e-9.
//
// The input is assumed to belong to a single account. Ordering is
// preserved by first occurrence of each identity, non-matching entries
// pass through unchanged, and the operation is idempotent: consolidating
// an already-consolidated sequence yields the same sequence.
func Consolidate(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}

	merged := make([]Entry, 0, len(entries))
	index := make(map[consolidationKey]int, len(entries))

	for _, e := range entries {
		key := consolidationKey{
			instant:     e.EffectiveTime.UnixNano(),
			description: e.Description,
			currency:    e.Currency,
		}
		if i, ok := index[key]; ok {
			merged[i].Amount = merged[i].Amount.Add(e.Amount)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, e)
	}

	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		if e.Amount.Abs().LessThan(washEpsilon) {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
