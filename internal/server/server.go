// Package server exposes the webhook endpoint the chat transport calls
// into and a small read-only ops API for operators and the CLI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"betaline/internal/domain"
	"betaline/internal/engine"
	"betaline/internal/repo"
	"betaline/internal/router"
)

// Config for the HTTP handler.
type Config struct {
	Engine      engine.Engine
	Dispatcher  *router.Dispatcher
	BasePath    string
	WebhookPath string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"report not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler: the webhook route plus the ops API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	r := chi.NewRouter()
	r.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Dispatcher != nil && cfg.WebhookPath != "" {
		r.Post(cfg.WebhookPath, newWebhookHandler(cfg.Dispatcher))
	}

	hcfg := huma.DefaultConfig("Betaline Ops API", "0.1.0")
	api := humachi.New(r, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerReports(group, cfg.Engine)
	registerTesters(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return r, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "bad ") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func respondStatusError(w http.ResponseWriter, serr huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serr.GetStatus())
	if ae, ok := serr.(*apiError); ok {
		json.NewEncoder(w).Encode(map[string]apiErrorBody{"error": ae.Body})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": serr.Error()})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	type listInput struct {
		Status   string `query:"status" enum:"pending,accepted,rejected,fixed" required:"false"`
		Reporter int64  `query:"reporter" required:"false"`
		Limit    int    `query:"limit" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		if _, serr := requirePrincipal(ctx); serr != nil {
			return nil, serr
		}
		if input.Status != "" && !domain.ReportStatus(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+input.Status, nil)
		}
		reports, err := e.Repo.ListReports(ctx, repo.ReportFilters{
			Status:     domain.ReportStatus(input.Status),
			ReporterID: input.Reporter,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: reports}, nil
	})

	type getInput struct {
		ID int64 `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get one report",
	}, func(ctx context.Context, input *getInput) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		if _, serr := requirePrincipal(ctx); serr != nil {
			return nil, serr
		}
		rep, err := e.Repo.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerTesters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-testers",
		Method:      http.MethodGet,
		Path:        "/testers",
		Summary:     "List enrolled testers with scores",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Identity `json:"body"`
	}, error) {
		if _, serr := requirePrincipal(ctx); serr != nil {
			return nil, serr
		}
		testers, err := e.TesterStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Identity `json:"body"`
		}{Body: testers}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	type statsBody struct {
		Reports map[string]int         `json:"reports"`
		Testers int                    `json:"testers"`
		Drift   []repo.CounterMismatch `json:"drift,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Report totals and counter consistency",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statsBody `json:"body"`
	}, error) {
		if _, serr := requirePrincipal(ctx); serr != nil {
			return nil, serr
		}
		counts, err := e.Repo.CountReportsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		testers, err := e.TesterStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		drift, err := e.Repo.CounterDrift(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statsBody `json:"body"`
		}{Body: statsBody{Reports: counts, Testers: len(testers), Drift: drift}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type listInput struct {
		Type  string `query:"type" required:"false"`
		Actor int64  `query:"actor" required:"false"`
		Limit int    `query:"limit" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, serr := requirePrincipal(ctx); serr != nil {
			return nil, serr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		evs, err := e.Repo.ListEvents(ctx, repo.EventFilters{Type: input.Type, ActorID: input.Actor, Limit: limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evs}, nil
	})
}
