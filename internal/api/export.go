package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"
)

// handleActivityExport renders the activity feed as an xlsx workbook,
// one row per consolidated ledger movement. Amounts are rounded to two
// decimal places for display only.
func handleActivityExport(deps Dependencies) http.HandlerFunc {
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

		f := excelize.NewFile()
		defer f.Close()

		const sheet = "Activity"
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			writeError(w, r, http.StatusInternalServerError, "export_failed")
			return
		}

		header := []any{"Day", "Account", "Description", "Currency", "Amount", "Running total"}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			writeError(w, r, http.StatusInternalServerError, "export_failed")
			return
		}

		rowIdx := 2
		for _, day := range feed.Days {
			for _, acct := range day.Accounts {
				for _, row := range acct.Rows {
					cells := []any{
						day.Date,
						acct.AccountName,
						row.Description,
						row.Currency,
						row.Amount.StringFixed(2),
						row.RunningTotal.StringFixed(2),
					}
					cell := fmt.Sprintf("A%d", rowIdx)
					if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
						writeError(w, r, http.StatusInternalServerError, "export_failed")
						return
					}
					rowIdx++
				}
			}
		}

		sim := chi.URLParam(r, "sim")
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sim+"-activity.xlsx"))
		if err := f.Write(w); err != nil && deps.Logger != nil {
			deps.Logger.Error("activity export write failed", "err", err)
		}
	}
}
