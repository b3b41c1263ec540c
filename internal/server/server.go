package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewline/internal/dialogue"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/metrics"
	"crewline/internal/repo"
)

// EventSink accepts inbound dialogue events; *dialogue.Mailbox implements it.
type EventSink interface {
	Post(ctx context.Context, ev dialogue.Event)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Events   EventSink
	Metrics  *metrics.Metrics
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"task 4 is accepted; cannot move to commented"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current\":\"accepted\"}"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the crewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", cfg.Metrics.Handler())

	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAdminTasks(group, cfg.Engine)
	registerWorkerTasks(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Events)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se  huma.StatusError
		ve  engine.ValidationError
		fe  auth.ForbiddenError
		nre auth.NotRegisteredError
		nf  engine.NotFoundError
		it  engine.IllegalTransitionError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &nre):
		return newAPIError(http.StatusForbidden, "not_registered", err.Error(), nil)
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"required_role": fe.Required})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &it):
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{"current": it.Current, "target": it.Target})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "unavailable",
}

func defaultCodeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

// requireAdmin re-checks the caller against the live allow-list on every request.
func requireAdmin(ctx context.Context, e engine.Engine) (domain.UserProfile, error) {
	id, err := userIDFromContext(ctx)
	if err != nil {
		return domain.UserProfile{}, err
	}
	return e.Authorize(ctx, id, domain.RoleAdmin)
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
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

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user profile",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		u, err := e.Profile(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{User: u, Source: p.Source}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List registered users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body UsersResponse `json:"body"`
	}, error) {
		admin, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.Directory(ctx, admin.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := UsersResponse{Items: []domain.UserProfile{}, Admins: d.Admins, Workers: d.Workers}
		for _, u := range d.Users {
			if input.Role == "" || string(u.Role) == input.Role {
				resp.Items = append(resp.Items, u)
			}
		}
		return &struct {
			Body UsersResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAdminTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-admin-tasks",
		Method:      http.MethodGet,
		Path:        "/admin-tasks",
		Summary:     "List tasks issued by admins, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Worker int64  `query:"worker"`
		Admin  int64  `query:"admin"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body AdminTaskList `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAdminTasks(ctx, repo.AdminTaskFilter{
			WorkerID: input.Worker,
			AdminID:  input.Admin,
			Status:   input.Status,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdminTaskList `json:"body"`
		}{Body: AdminTaskList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-admin-task",
		Method:      http.MethodGet,
		Path:        "/admin-tasks/{id}",
		Summary:     "Get an admin task with participant names",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.AdminTaskView `json:"body"`
	}, error) {
		caller, err := userIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.Repo.AdminTaskWithParticipants(ctx, input.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(engine.NotFoundError{Kind: "task", ID: input.ID})
		}
		if err != nil {
			return nil, handleError(err)
		}
		// The addressed worker may read their own task.
		if v.ToWorker != caller {
			if _, err := e.Authorize(ctx, caller, domain.RoleAdmin); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.AdminTaskView `json:"body"`
		}{Body: v}, nil
	})
}

func registerWorkerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-worker-tasks",
		Method:      http.MethodGet,
		Path:        "/worker-tasks",
		Summary:     "List worker requests; pending requests come oldest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Worker int64  `query:"worker"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body WorkerTaskList `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkerTasks(ctx, repo.WorkerTaskFilter{
			WorkerID:    input.Worker,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
			OldestFirst: input.Status == domain.WorkerTaskPending,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerTaskList `json:"body"`
		}{Body: WorkerTaskList{Items: nonNilSlice(items)}}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notification delivery attempts, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		User  int64 `query:"user"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body NotificationList `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListNotifications(ctx, input.User, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationList `json:"body"`
		}{Body: NotificationList{Items: nonNilSlice(items)}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Task and delivery totals",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		users, err := e.Repo.CountUsersByRole(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		adminTasks, err := e.Repo.CountAdminTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		workerTasks, err := e.Repo.CountWorkerTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		delivered, failed, err := e.Repo.DeliveryStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{
			Admins:      users[domain.RoleAdmin],
			Workers:     users[domain.RoleWorker],
			AdminTasks:  nonNilSlice(adminTasks),
			WorkerTasks: nonNilSlice(workerTasks),
			Delivered:   delivered,
			Failed:      failed,
		}}, nil
	})
}

func registerEvents(api huma.API, sink EventSink) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Submit an inbound chat event as the authenticated user",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body EventRequest `json:"body"`
	}) (*struct {
		Body EventAccepted `json:"body"`
	}, error) {
		sender, err := userIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if sink == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "event intake is not enabled", nil)
		}
		kind := dialogue.Kind(input.Body.Kind)
		switch kind {
		case dialogue.KindCommand, dialogue.KindText:
		case dialogue.KindCallback:
			if _, _, err := dialogue.ParseCallback(input.Body.Payload); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown event kind %q", input.Body.Kind), nil)
		}
		ev := dialogue.Event{
			ID:          uuid.NewString(),
			Sender:      sender,
			Username:    input.Body.Username,
			DisplayName: input.Body.DisplayName,
			Kind:        kind,
			Payload:     input.Body.Payload,
			ReceivedAt:  time.Now().UTC(),
		}
		// The mailbox outlives the request.
		sink.Post(context.WithoutCancel(ctx), ev)
		return &struct {
			Body EventAccepted `json:"body"`
		}{Body: EventAccepted{ID: ev.ID}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
