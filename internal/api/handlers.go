package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/banksim/internal/ledger"
	"github.com/example/banksim/internal/metrics"
	"github.com/example/banksim/internal/rules"
	"github.com/example/banksim/internal/store"
)

// decodeJSON decodes a request body preserving numeric precision.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// openStore resolves the {sim} URL parameter to a store handle; on
// failure it writes the error response and returns ok=false.
func openStore(w http.ResponseWriter, r *http.Request, deps Dependencies) (store.Store, bool) {
	name := chi.URLParam(r, "sim")
	st, err := deps.Stores.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "simulation_not_found")
		} else {
			writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return nil, false
	}
	return st, true
}

func urlID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// writeStoreError maps store and rule errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, "invalid_rule")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrExists):
		writeError(w, r, http.StatusConflict, "already_exists")
	case errors.Is(err, store.ErrAccountInUse):
		writeError(w, r, http.StatusConflict, "account_in_use")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

// ---------------------------------------------------------------------
// Simulations
// ---------------------------------------------------------------------

type createSimulationRequest struct {
	Name      string  `json:"name"`
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

func handleListSimulations(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := deps.Stores.List(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, r, http.StatusOK, map[string][]string{"simulations": names})
	}
}

func handleCreateSimulation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSimulationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if err := deps.Stores.Create(r.Context(), req.Name); err != nil {
			writeStoreError(w, r, err)
			return
		}
		if req.StartDate != nil || req.EndDate != nil {
			st, err := deps.Stores.Open(r.Context(), req.Name)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			defer st.Close()
			if _, err := st.SetMetadata(r.Context(), store.Metadata{StartDate: req.StartDate, EndDate: req.EndDate}); err != nil {
				writeStoreError(w, r, err)
				return
			}
		}
		writeJSON(w, r, http.StatusCreated, map[string]string{"name": req.Name, "message": "created"})
	}
}

func handleDeleteSimulation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "sim")
		if err := deps.Stores.Delete(r.Context(), name); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"name": name, "message": "deleted"})
	}
}

// ---------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------

func handleGetMetadata(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		meta, err := st.Metadata(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, meta)
	}
}

func handlePatchMetadata(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		var patch store.Metadata
		if err := decodeJSON(r, &patch); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		meta, err := st.SetMetadata(r.Context(), patch)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, meta)
	}
}

// ---------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------

type accountNameRequest struct {
	Name string `json:"name"`
}

func handleListAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		accounts, err := st.ListAccounts(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if accounts == nil {
			accounts = []ledger.Account{}
		}
		writeJSON(w, r, http.StatusOK, accounts)
	}
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		var req accountNameRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		acct, err := st.CreateAccount(r.Context(), req.Name)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, acct)
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		id, err := urlID(r, "accountID")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_account_id")
			return
		}
		acct, err := st.GetAccount(r.Context(), id)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, acct)
	}
}

func handlePatchAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		id, err := urlID(r, "accountID")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_account_id")
			return
		}
		var req accountNameRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.Name == "" {
			acct, err := st.GetAccount(r.Context(), id)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			writeJSON(w, r, http.StatusOK, acct)
			return
		}
		acct, err := st.RenameAccount(r.Context(), id, req.Name)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, acct)
	}
}

func handleDeleteAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		id, err := urlID(r, "accountID")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_account_id")
			return
		}
		if err := st.DeleteAccount(r.Context(), id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"message": "deleted"})
	}
}

// ---------------------------------------------------------------------
// Entries
// ---------------------------------------------------------------------

type createEntryRequest struct {
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Description   *string     `json:"description"`
	EffectiveTime string      `json:"effective_time"`
}

func handleListEntries(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		id, err := urlID(r, "accountID")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_account_id")
			return
		}
		entries, err := st.ListEntries(r.Context(), id)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
		writeJSON(w, r, http.StatusOK, entries)
	}
}

func handleCreateEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		id, err := urlID(r, "accountID")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_account_id")
			return
		}
		var req createEntryRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		amount, err := decimal.NewFromString(req.Amount.String())
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_amount")
			return
		}
		effective, err := time.Parse(time.RFC3339, req.EffectiveTime)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_effective_time")
			return
		}
		description := "Manual entry"
		if req.Description != nil {
			description = *req.Description
		}

		if _, err := st.AppendEntry(r.Context(), ledger.Entry{
			AccountID:     id,
			Amount:        amount,
			Currency:      req.Currency,
			Description:   description,
			EffectiveTime: effective,
		}); err != nil {
			writeStoreError(w, r, err)
			return
		}

		// Creation returns the full updated entry list for the account.
		entries, err := st.ListEntries(r.Context(), id)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, entries)
	}
}

// ---------------------------------------------------------------------
// Funding rules
// ---------------------------------------------------------------------

type createRuleRequest struct {
	RuleType        string       `json:"rule_type"`
	TargetAccountID int64        `json:"target_account_id"`
	SourceAccountID int64        `json:"source_account_id"`
	TimeOfDay       string       `json:"time_of_day"`
	Currency        string       `json:"currency"`
	Threshold       *json.Number `json:"threshold"`
	TargetAmount    *json.Number `json:"target_amount"`
}

func handleListRules(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		ruleSet, err := st.ListRules(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if ruleSet == nil {
			ruleSet = []rules.Rule{}
		}
		writeJSON(w, r, http.StatusOK, ruleSet)
	}
}

func handleCreateRule(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		var req createRuleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		tod, err := rules.ParseTimeOfDay(req.TimeOfDay)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_time_of_day")
			return
		}
		threshold, err := optionalDecimal(req.Threshold)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_threshold")
			return
		}
		target, err := optionalDecimal(req.TargetAmount)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_target_amount")
			return
		}

		rule, err := st.CreateRule(r.Context(), rules.Rule{
			Kind:            rules.Kind(req.RuleType),
			TargetAccountID: req.TargetAccountID,
			SourceAccountID: req.SourceAccountID,
			TimeOfDay:       tod,
			Currency:        req.Currency,
			Threshold:       threshold,
			TargetAmount:    target,
		})
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, rule)
	}
}

func handleDeleteRule(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		id, err := urlID(r, "ruleID")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_rule_id")
			return
		}
		if err := st.DeleteRule(r.Context(), id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"message": "deleted"})
	}
}

func optionalDecimal(n *json.Number) (*decimal.Decimal, error) {
	if n == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ---------------------------------------------------------------------
// Simulation run and activity feed
// ---------------------------------------------------------------------

func handleRun(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		ctx := r.Context()
		meta, err := st.Metadata(ctx)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		start, end, err := resolveRange(meta)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_date_range")
			return
		}

		ruleSet, err := st.ListRules(ctx)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		sched, err := rules.NewScheduler(rules.NewEngine(st, deps.Logger), ruleSet)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}

		// A run is a clean projection: prior synthesized entries go away
		// before the pass, manual entries are untouched.
		if err := st.ClearSynthesized(ctx); err != nil {
			writeStoreError(w, r, err)
			return
		}

		summary, err := sched.Run(ctx, start, end)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}

		metrics.SimulationRuns.Inc()
		metrics.SynthesizedEntries.Add(float64(summary.Fired * 2))
		for kind, n := range summary.ByKind {
			metrics.RuleFirings.WithLabelValues(string(kind)).Add(float64(n))
		}
		if deps.Trail != nil {
			deps.Trail.Append("simulation_run", fmt.Sprintf(
				"sim=%s days=%d evaluated=%d fired=%d",
				chi.URLParam(r, "sim"), summary.Days, summary.Evaluated, summary.Fired))
		}

		writeJSON(w, r, http.StatusOK, summary)
	}
}

// resolveRange applies the default of "today" in the reference zone for
// unset bounds; the scheduler itself requires an explicit interval.
func resolveRange(meta store.Metadata) (time.Time, time.Time, error) {
	today := time.Now().In(ledger.ReferenceZone)
	start, end := today, today
	if meta.StartDate != nil {
		var err error
		if start, err = time.ParseInLocation("2006-01-02", *meta.StartDate, ledger.ReferenceZone); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if meta.EndDate != nil {
		var err error
		if end, err = time.ParseInLocation("2006-01-02", *meta.EndDate, ledger.ReferenceZone); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return start, end, nil
}

func loadFeed(r *http.Request, st store.Store) (ledger.Feed, error) {
	accounts, err := st.ListAccounts(r.Context())
	if err != nil {
		return ledger.Feed{}, err
	}
	names := make(map[int64]string, len(accounts))
	for _, a := range accounts {
		names[a.ID] = a.Name
	}
	entries, err := st.ListAllEntries(r.Context())
	if err != nil {
		return ledger.Feed{}, err
	}
	return ledger.BuildFeed(entries, names), nil
}

func handleActivity(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := openStore(w, r, deps)
		if !ok {
			return
		}
		defer st.Close()

		feed, err := loadFeed(r, st)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, feed)
	}
}
