package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/banksim/internal/store"
	"github.com/example/banksim/pkg/audit"
)

func newTestServer(t *testing.T) (*httptest.Server, *audit.Trail) {
	t.Helper()
	mgr, err := store.NewSQLiteManager(t.TempDir())
	require.NoError(t, err)

	trail := audit.NewTrail()
	handler, err := NewRouter(Dependencies{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Stores:       mgr,
		Trail:        trail,
		MaxBodyBytes: 1 << 20,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, trail
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func mustStatus(t *testing.T, resp *http.Response, raw []byte, want int) {
	t.Helper()
	require.Equal(t, want, resp.StatusCode, "body: %s", raw)
}

func createTestAccount(t *testing.T, base, sim, name string) int64 {
	t.Helper()
	resp, raw := doJSON(t, http.MethodPost, base+"/simulations/"+sim+"/accounts",
		map[string]any{"name": name})
	mustStatus(t, resp, raw, http.StatusCreated)
	var acct struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &acct))
	return acct.ID
}

func addEntry(t *testing.T, base, sim string, account int64, amount, currency, at string) {
	t.Helper()
	resp, raw := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/simulations/%s/accounts/%d/entries", base, sim, account),
		map[string]any{"amount": json.RawMessage(amount), "currency": currency, "effective_time": at})
	mustStatus(t, resp, raw, http.StatusCreated)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	mustStatus(t, resp, raw, http.StatusOK)
}

func TestSimulationLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/simulations", nil)
	mustStatus(t, resp, raw, http.StatusOK)
	assert.JSONEq(t, `{"simulations":[]}`, string(raw))

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "march"})
	mustStatus(t, resp, raw, http.StatusCreated)
	assert.NotEmpty(t, resp.Header.Get(CorrelationIDHeader))

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "march"})
	mustStatus(t, resp, raw, http.StatusConflict)

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/simulations", nil)
	mustStatus(t, resp, raw, http.StatusOK)
	assert.JSONEq(t, `{"simulations":["march"]}`, string(raw))

	resp, raw = doJSON(t, http.MethodDelete, srv.URL+"/simulations/march", nil)
	mustStatus(t, resp, raw, http.StatusOK)

	resp, raw = doJSON(t, http.MethodDelete, srv.URL+"/simulations/march", nil)
	mustStatus(t, resp, raw, http.StatusNotFound)
}

func TestUnknownSimulationIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/simulations/ghost/accounts", nil)
	mustStatus(t, resp, raw, http.StatusNotFound)

	var body errorResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "simulation_not_found", body.Error)
	assert.NotEmpty(t, body.CorrelationID)
}

func TestCreateSimulationRejectsInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)

	// Missing required "name" fails schema validation.
	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{})
	mustStatus(t, resp, raw, http.StatusBadRequest)

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "../oops"})
	mustStatus(t, resp, raw, http.StatusBadRequest)
}

func TestMetadataPatch(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/simulations",
		map[string]any{"name": "m", "start_date": "2024-03-01"})
	mustStatus(t, resp, raw, http.StatusCreated)

	resp, raw = doJSON(t, http.MethodPatch, srv.URL+"/simulations/m/metadata",
		map[string]any{"end_date": "2024-03-31"})
	mustStatus(t, resp, raw, http.StatusOK)

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/simulations/m/metadata", nil)
	mustStatus(t, resp, raw, http.StatusOK)
	assert.JSONEq(t, `{"start_date":"2024-03-01","end_date":"2024-03-31"}`, string(raw))
}

func TestAccountEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "s"})

	id := createTestAccount(t, srv.URL, "s", "Checking")

	resp, raw := doJSON(t, http.MethodGet, fmt.Sprintf("%s/simulations/s/accounts/%d", srv.URL, id), nil)
	mustStatus(t, resp, raw, http.StatusOK)
	var acct struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(raw, &acct))
	assert.Equal(t, "Checking", acct.Name)

	resp, raw = doJSON(t, http.MethodPatch, fmt.Sprintf("%s/simulations/s/accounts/%d", srv.URL, id),
		map[string]any{"name": "Everyday"})
	mustStatus(t, resp, raw, http.StatusOK)
	require.NoError(t, json.Unmarshal(raw, &acct))
	assert.Equal(t, "Everyday", acct.Name)

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/simulations/s/accounts/999", nil)
	mustStatus(t, resp, raw, http.StatusNotFound)

	resp, raw = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/simulations/s/accounts/%d", srv.URL, id), nil)
	mustStatus(t, resp, raw, http.StatusOK)
}

func TestDeleteAccountConflictsWhileRuleExists(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "s"})
	target := createTestAccount(t, srv.URL, "s", "Target")
	source := createTestAccount(t, srv.URL, "s", "Source")

	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/simulations/s/rules", map[string]any{
		"rule_type": "BACKUP_FUNDING", "target_account_id": target,
		"source_account_id": source, "time_of_day": "17:00:00", "currency": "USD",
	})
	mustStatus(t, resp, raw, http.StatusCreated)

	resp, raw = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/simulations/s/accounts/%d", srv.URL, target), nil)
	mustStatus(t, resp, raw, http.StatusConflict)
	var body errorResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "account_in_use", body.Error)
}

func TestEntryCreationReturnsUpdatedList(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "s"})
	id := createTestAccount(t, srv.URL, "s", "Checking")

	resp, raw := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/simulations/s/accounts/%d/entries", srv.URL, id),
		map[string]any{"amount": json.RawMessage("100.25"), "currency": "USD",
			"effective_time": "2024-03-01T09:00:00Z"})
	mustStatus(t, resp, raw, http.StatusCreated)

	var entries []struct {
		Amount      string `json:"amount"`
		Description string `json:"description"`
	}
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "100.25", entries[0].Amount)
	assert.Equal(t, "Manual entry", entries[0].Description)

	resp, raw = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/simulations/s/accounts/%d/entries", srv.URL, id),
		map[string]any{"amount": json.RawMessage("-40"), "currency": "USD",
			"description": "rent", "effective_time": "2024-03-01T10:00:00Z"})
	mustStatus(t, resp, raw, http.StatusCreated)
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "rent", entries[1].Description)
}

func TestEntryValidationRejections(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "s"})
	id := createTestAccount(t, srv.URL, "s", "Checking")
	url := fmt.Sprintf("%s/simulations/s/accounts/%d/entries", srv.URL, id)

	// Missing amount.
	resp, raw := doJSON(t, http.MethodPost, url,
		map[string]any{"currency": "USD", "effective_time": "2024-03-01T09:00:00Z"})
	mustStatus(t, resp, raw, http.StatusBadRequest)

	// Amount as a string fails the schema's number type.
	resp, raw = doJSON(t, http.MethodPost, url,
		map[string]any{"amount": "100", "currency": "USD", "effective_time": "2024-03-01T09:00:00Z"})
	mustStatus(t, resp, raw, http.StatusBadRequest)

	// Unparseable timestamp.
	resp, raw = doJSON(t, http.MethodPost, url,
		map[string]any{"amount": json.RawMessage("5"), "currency": "USD", "effective_time": "yesterday"})
	mustStatus(t, resp, raw, http.StatusBadRequest)
}

func TestRuleEndpointsRejectBadRules(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "s"})
	a := createTestAccount(t, srv.URL, "s", "A")

	// Unknown rule_type fails the schema enum.
	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/simulations/s/rules", map[string]any{
		"rule_type": "DRAIN", "target_account_id": a, "source_account_id": a,
		"time_of_day": "17:00:00", "currency": "USD",
	})
	mustStatus(t, resp, raw, http.StatusBadRequest)

	// Source == target fails rule validation.
	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations/s/rules", map[string]any{
		"rule_type": "BACKUP_FUNDING", "target_account_id": a, "source_account_id": a,
		"time_of_day": "17:00:00", "currency": "USD",
	})
	mustStatus(t, resp, raw, http.StatusBadRequest)
	var body errorResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "invalid_rule", body.Error)

	// TOPUP without threshold/target_amount.
	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations/s/rules", map[string]any{
		"rule_type": "TOPUP", "target_account_id": a, "source_account_id": a + 1,
		"time_of_day": "09:00:00", "currency": "USD",
	})
	mustStatus(t, resp, raw, http.StatusBadRequest)
}

type runSummaryResponse struct {
	Days      int            `json:"days"`
	Evaluated int            `json:"evaluated"`
	Fired     int            `json:"fired"`
	ByKind    map[string]int `json:"by_kind"`
}

type feedResponse struct {
	Days []struct {
		Date     string `json:"date"`
		Accounts []struct {
			AccountID   int64  `json:"account_id"`
			AccountName string `json:"account_name"`
			Rows        []struct {
				Description  string `json:"description"`
				Amount       string `json:"amount"`
				RunningTotal string `json:"running_total"`
			} `json:"rows"`
			EndOfDay []struct {
				Currency string `json:"currency"`
				Amount   string `json:"amount"`
			} `json:"end_of_day"`
		} `json:"accounts"`
	} `json:"days"`
	FinalBalances []struct {
		AccountID int64 `json:"account_id"`
		Balances  []struct {
			Currency string `json:"currency"`
			Amount   string `json:"amount"`
		} `json:"balances"`
	} `json:"final_balances"`
}

// Full backup-funding scenario over three days: daily shortfalls on the
// target are covered each evening, and the activity feed shows both the
// manual debits and the synthesized transfers with running balances.
func TestRunBackupFundingEndToEnd(t *testing.T) {
	srv, trail := newTestServer(t)

	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/simulations",
		map[string]any{"name": "e2e", "start_date": "2024-03-01", "end_date": "2024-03-03"})
	mustStatus(t, resp, raw, http.StatusCreated)

	target := createTestAccount(t, srv.URL, "e2e", "Operating")
	source := createTestAccount(t, srv.URL, "e2e", "Reserve")

	// -05:00 keeps the entries on their calendar day in the reference zone.
	for d := 1; d <= 3; d++ {
		addEntry(t, srv.URL, "e2e", target, "-50", "USD",
			fmt.Sprintf("2024-03-0%dT09:00:00-05:00", d))
	}
	addEntry(t, srv.URL, "e2e", source, "1000", "USD", "2024-02-28T09:00:00-05:00")

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations/e2e/rules", map[string]any{
		"rule_type": "BACKUP_FUNDING", "target_account_id": target,
		"source_account_id": source, "time_of_day": "17:00:00", "currency": "USD",
	})
	mustStatus(t, resp, raw, http.StatusCreated)

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations/e2e/run", nil)
	mustStatus(t, resp, raw, http.StatusOK)

	var summary runSummaryResponse
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 3, summary.Days)
	assert.Equal(t, 3, summary.Evaluated)
	assert.Equal(t, 3, summary.Fired)
	assert.Equal(t, 3, summary.ByKind["BACKUP_FUNDING"])

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/simulations/e2e/activity", nil)
	mustStatus(t, resp, raw, http.StatusOK)

	var feed feedResponse
	require.NoError(t, json.Unmarshal(raw, &feed))
	require.Len(t, feed.Days, 4) // Feb 28 deposit day plus the three run days.

	// March 1: the operating account dips to -50, the 17:00 transfer
	// brings it back to zero.
	march1 := feed.Days[1]
	assert.Equal(t, "2024-03-01", march1.Date)
	op := march1.Accounts[0]
	require.Equal(t, target, op.AccountID)
	require.Len(t, op.Rows, 2)
	assert.Equal(t, "-50", op.Rows[0].RunningTotal)
	assert.Equal(t, "Backup funding transfer", op.Rows[1].Description)
	assert.Equal(t, "0", op.Rows[1].RunningTotal)
	require.Len(t, op.EndOfDay, 1)
	assert.Equal(t, "0", op.EndOfDay[0].Amount)

	require.Len(t, feed.FinalBalances, 2)
	assert.Equal(t, "0", feed.FinalBalances[0].Balances[0].Amount)
	assert.Equal(t, "850", feed.FinalBalances[1].Balances[0].Amount)

	// The run landed in the audit trail.
	found := false
	for _, rec := range trail.Records() {
		if rec.Event == "simulation_run" {
			found = true
		}
	}
	assert.True(t, found)
	assert.True(t, audit.Verify(trail.Records()))
}

// Re-running replaces synthesized entries instead of stacking them.
func TestRunIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/simulations",
		map[string]any{"name": "re", "start_date": "2024-03-01", "end_date": "2024-03-01"})
	target := createTestAccount(t, srv.URL, "re", "T")
	source := createTestAccount(t, srv.URL, "re", "S")
	addEntry(t, srv.URL, "re", target, "-50", "USD", "2024-03-01T09:00:00-05:00")

	doJSON(t, http.MethodPost, srv.URL+"/simulations/re/rules", map[string]any{
		"rule_type": "BACKUP_FUNDING", "target_account_id": target,
		"source_account_id": source, "time_of_day": "17:00:00", "currency": "USD",
	})

	var first, second feedResponse
	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/simulations/re/run", nil)
	mustStatus(t, resp, raw, http.StatusOK)
	_, raw = doJSON(t, http.MethodGet, srv.URL+"/simulations/re/activity", nil)
	require.NoError(t, json.Unmarshal(raw, &first))

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/simulations/re/run", nil)
	mustStatus(t, resp, raw, http.StatusOK)
	_, raw = doJSON(t, http.MethodGet, srv.URL+"/simulations/re/activity", nil)
	require.NoError(t, json.Unmarshal(raw, &second))

	assert.Equal(t, first.FinalBalances, second.FinalBalances)
	require.Len(t, second.Days, 1)
	assert.Len(t, second.Days[0].Accounts[0].Rows, 2)
}

func TestActivityExportReturnsWorkbook(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/simulations", map[string]any{"name": "x"})
	id := createTestAccount(t, srv.URL, "x", "Checking")
	addEntry(t, srv.URL, "x", id, "10", "USD", "2024-03-01T09:00:00-05:00")

	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/simulations/x/activity/export", nil)
	mustStatus(t, resp, raw, http.StatusOK)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "x-activity.xlsx")
	// xlsx files are zip archives.
	require.GreaterOrEqual(t, len(raw), 2)
	assert.Equal(t, []byte("PK"), raw[:2])
}

func TestBodySizeLimit(t *testing.T) {
	mgr, err := store.NewSQLiteManager(t.TempDir())
	require.NoError(t, err)
	handler, err := NewRouter(Dependencies{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Stores:       mgr,
		MaxBodyBytes: 64,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	big := map[string]any{"name": string(bytes.Repeat([]byte("a"), 200))}
	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/simulations", big)
	mustStatus(t, resp, raw, http.StatusRequestEntityTooLarge)
}
