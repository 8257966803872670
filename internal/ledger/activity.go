package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Row is a consolidated entry augmented with the account's running total
// in the entry's currency at that point in the ordered stream.
type Row struct {
	Entry
	AccountName  string          `json:"account_name"`
	RunningTotal decimal.Decimal `json:"running_total"`
}

// AccountDay is one account's consolidated activity within one day
// bucket, with that account's end-of-day balances per currency.
type AccountDay struct {
	AccountID   int64           `json:"account_id"`
	AccountName string          `json:"account_name"`
	Rows        []Row           `json:"rows"`
	EndOfDay    []BalanceAmount `json:"end_of_day"`
}

// Day is one calendar-day bucket of the activity feed.
type Day struct {
	Date     string       `json:"date"`
	Accounts []AccountDay `json:"accounts"`
}

// AccountBalance carries an account's final balances across the feed.
type AccountBalance struct {
	AccountID   int64           `json:"account_id"`
	AccountName string          `json:"account_name"`
	Balances    []BalanceAmount `json:"balances"`
}

// Feed is the full consolidated activity view: day buckets in
// chronological order plus final per-account balances.
type Feed struct {
	Days          []Day            `json:"days"`
	FinalBalances []AccountBalance `json:"final_balances"`
}

type balanceKey struct {
	accountID int64
	currency  string
}

// BuildFeed orders, groups and consolidates the given entries into the
// activity feed.
//
// Entries are sorted by effective time, ties broken by id, then bucketed
// by calendar day in the reference zone in first-seen order (which the
// sort makes chronological). Within a day accounts appear in ascending id
// order, and each account-day group is consolidated before display; a
// group that consolidates to nothing is omitted. Running totals are
// tracked per (account, currency) across the whole scan — they are never
// reset at day boundaries — and each day records an end-of-day snapshot
// for every account active that day.
func BuildFeed(entries []Entry, names map[int64]string) Feed {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].EffectiveTime.Equal(sorted[j].EffectiveTime) {
			return sorted[i].EffectiveTime.Before(sorted[j].EffectiveTime)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var dayOrder []string
	byDay := make(map[string]map[int64][]Entry)
	for _, e := range sorted {
		day := e.Day()
		if _, ok := byDay[day]; !ok {
			byDay[day] = make(map[int64][]Entry)
			dayOrder = append(dayOrder, day)
		}
		byDay[day][e.AccountID] = append(byDay[day][e.AccountID], e)
	}

	running := make(map[balanceKey]decimal.Decimal)
	touched := make(map[int64][]string) // currencies seen per account, in order

	feed := Feed{}
	for _, day := range dayOrder {
		accounts := byDay[day]
		ids := make([]int64, 0, len(accounts))
		for id := range accounts {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		bucket := Day{Date: day}
		for _, id := range ids {
			rows := Consolidate(accounts[id])
			if len(rows) == 0 {
				continue
			}
			group := AccountDay{AccountID: id, AccountName: names[id]}
			for _, e := range rows {
				key := balanceKey{accountID: id, currency: e.Currency}
				if _, seen := running[key]; !seen {
					touched[id] = append(touched[id], e.Currency)
				}
				running[key] = running[key].Add(e.Amount)
				group.Rows = append(group.Rows, Row{
					Entry:        e,
					AccountName:  names[id],
					RunningTotal: running[key],
				})
			}
			group.EndOfDay = snapshotBalances(id, touched[id], running)
			bucket.Accounts = append(bucket.Accounts, group)
		}
		if len(bucket.Accounts) > 0 {
			feed.Days = append(feed.Days, bucket)
		}
	}

	finalIDs := make([]int64, 0, len(touched))
	for id := range touched {
		finalIDs = append(finalIDs, id)
	}
	sort.Slice(finalIDs, func(i, j int) bool { return finalIDs[i] < finalIDs[j] })
	for _, id := range finalIDs {
		feed.FinalBalances = append(feed.FinalBalances, AccountBalance{
			AccountID:   id,
			AccountName: names[id],
			Balances:    snapshotBalances(id, touched[id], running),
		})
	}

	return feed
}

// Rows flattens the feed back into the chronological row stream.
func (f Feed) Rows() []Row {
	var out []Row
	for _, d := range f.Days {
		for _, a := range d.Accounts {
			out = append(out, a.Rows...)
		}
	}
	return out
}

func snapshotBalances(id int64, currencies []string, running map[balanceKey]decimal.Decimal) []BalanceAmount {
	sorted := make([]string, len(currencies))
	copy(sorted, currencies)
	sort.Strings(sorted)

	out := make([]BalanceAmount, 0, len(sorted))
	for _, cur := range sorted {
		out = append(out, BalanceAmount{
			Currency: cur,
			Amount:   running[balanceKey{accountID: id, currency: cur}],
		})
	}
	return out
}
