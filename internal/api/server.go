package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tryxpath/internal/cdpcontrol"
	"github.com/dgnsrekt/tryxpath/internal/controller"
	"github.com/dgnsrekt/tryxpath/internal/hub"
	"github.com/dgnsrekt/tryxpath/internal/state"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

type Service interface {
	GetState(ctx context.Context) (state.Snapshot, error)
	GetResults(ctx context.Context) (*types.ResultsBundle, error)
	GetOptions(ctx context.Context) (state.Options, error)
	UpdateOptions(ctx context.Context, attrs *types.AttributesConfig, css *string) (state.Options, error)
	ListTabs(ctx context.Context) ([]controller.TabView, error)
	ListConnections(ctx context.Context) ([]hub.ConnInfo, error)
}

// Options attaches the non-JSON endpoints. Nil handlers are not mounted.
type Options struct {
	Hub         http.Handler
	Events      http.Handler
	ResultsPage []byte
}

type stateOutput struct {
	Body struct {
		PopupState *types.PopupState `json:"popup_state" doc:"Last stored popup form, null before the first store"`
		Results    any               `json:"results" doc:"Last showAllResults bundle with its tabId, null when absent"`
		Options    state.Options     `json:"options"`
	}
}

type resultsOutput struct {
	Body struct {
		Results any `json:"results" doc:"Last showAllResults bundle with its tabId, null when absent"`
	}
}

type optionsOutput struct {
	Body state.Options
}

type updateOptionsInput struct {
	Body struct {
		Attributes *types.AttributesConfig `json:"attributes,omitempty" doc:"Complete attribute mapping"`
		CSS        *string                 `json:"css,omitempty" doc:"Highlight stylesheet"`
	}
}

type tabsOutput struct {
	Body struct {
		Tabs []controller.TabView `json:"tabs"`
	}
}

type connectionsOutput struct {
	Body struct {
		Connections []hub.ConnInfo `json:"connections"`
	}
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	const title = "tryxpath Coordinator API"
	cfg := huma.DefaultConfig(title, "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", htmlHandler(renderDocs(title, docsLinks(opts))))
	router.Get("/docs/hub", htmlHandler(hubDocsHTML))
	if opts.ResultsPage != nil {
		router.Get("/results", htmlHandler(string(opts.ResultsPage)))
	}
	if opts.Hub != nil {
		router.Handle("/ws", opts.Hub)
	}
	if opts.Events != nil {
		router.Get("/api/v1/events", opts.Events.ServeHTTP)
	}

	registerStateHandlers(api, svc)
	registerTabHandlers(api, svc)

	return router
}

func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write([]byte(body)); err != nil {
			slog.Debug("html response write failed", "path", r.URL.Path, "error", err)
		}
	}
}

func registerStateHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-state", Method: http.MethodGet, Path: "/api/v1/state", Summary: "Read the coordinator's shared state", Tags: []string{"State"}},
		func(ctx context.Context, input *struct{}) (*stateOutput, error) {
			snap, err := svc.GetState(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &stateOutput{}
			out.Body.PopupState = snap.PopupState
			if snap.Results != nil {
				out.Body.Results = snap.Results
			}
			out.Body.Options = snap.Options
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-results", Method: http.MethodGet, Path: "/api/v1/results", Summary: "Load the last full result set", Tags: []string{"State"}},
		func(ctx context.Context, input *struct{}) (*resultsOutput, error) {
			b, err := svc.GetResults(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &resultsOutput{}
			if b != nil {
				out.Body.Results = b
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-options", Method: http.MethodGet, Path: "/api/v1/options", Summary: "Load attributes and stylesheet", Tags: []string{"Options"}},
		func(ctx context.Context, input *struct{}) (*optionsOutput, error) {
			opts, err := svc.GetOptions(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &optionsOutput{Body: opts}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "update-options", Method: http.MethodPut, Path: "/api/v1/options", Summary: "Persist attributes and/or stylesheet", Tags: []string{"Options"}},
		func(ctx context.Context, input *updateOptionsInput) (*optionsOutput, error) {
			opts, err := svc.UpdateOptions(ctx, input.Body.Attributes, input.Body.CSS)
			if err != nil {
				return nil, mapErr(err)
			}
			return &optionsOutput{Body: opts}, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List browser tabs and their content runners", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-connections", Method: http.MethodGet, Path: "/api/v1/connections", Summary: "List contexts connected to the hub", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*connectionsOutput, error) {
			conns, err := svc.ListConnections(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &connectionsOutput{}
			out.Body.Connections = conns
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
