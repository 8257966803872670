package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/banksim/internal/metrics"
	"github.com/example/banksim/internal/store"
	"github.com/example/banksim/pkg/audit"
)

// Dependencies wires the router to its collaborators.
type Dependencies struct {
	Logger       *slog.Logger
	Stores       store.Manager
	Trail        *audit.Trail
	MaxBodyBytes int64
}

// NewRouter builds the HTTP surface of the simulator.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	createSimV, err := newSchemaValidator(createSimulationSchema)
	if err != nil {
		return nil, err
	}
	patchMetaV, err := newSchemaValidator(patchMetadataSchema)
	if err != nil {
		return nil, err
	}
	createAccountV, err := newSchemaValidator(createAccountSchema)
	if err != nil {
		return nil, err
	}
	patchAccountV, err := newSchemaValidator(patchAccountSchema)
	if err != nil {
		return nil, err
	}
	createEntryV, err := newSchemaValidator(createEntrySchema)
	if err != nil {
		return nil, err
	}
	createRuleV, err := newSchemaValidator(createRuleSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(BodySizeLimit(deps.MaxBodyBytes))
	if deps.Trail != nil {
		r.Use(AuditMiddleware(deps.Trail))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/simulations", func(r chi.Router) {
		r.Get("/", handleListSimulations(deps))
		r.With(createSimV.Middleware).Post("/", handleCreateSimulation(deps))

		r.Route("/{sim}", func(r chi.Router) {
			r.Delete("/", handleDeleteSimulation(deps))

			r.Get("/metadata", handleGetMetadata(deps))
			r.With(patchMetaV.Middleware).Patch("/metadata", handlePatchMetadata(deps))

			r.Get("/accounts", handleListAccounts(deps))
			r.With(createAccountV.Middleware).Post("/accounts", handleCreateAccount(deps))
			r.Get("/accounts/{accountID}", handleGetAccount(deps))
			r.With(patchAccountV.Middleware).Patch("/accounts/{accountID}", handlePatchAccount(deps))
			r.Delete("/accounts/{accountID}", handleDeleteAccount(deps))

			r.Get("/accounts/{accountID}/entries", handleListEntries(deps))
			r.With(createEntryV.Middleware).Post("/accounts/{accountID}/entries", handleCreateEntry(deps))

			r.Get("/rules", handleListRules(deps))
			r.With(createRuleV.Middleware).Post("/rules", handleCreateRule(deps))
			r.Delete("/rules/{ruleID}", handleDeleteRule(deps))

			r.Post("/run", handleRun(deps))
			r.Get("/activity", handleActivity(deps))
			r.Get("/activity/export", handleActivityExport(deps))
		})
	})

	return r, nil
}
