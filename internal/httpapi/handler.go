package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chiselcore.dev/chiselcore/internal/crud"
	"chiselcore.dev/chiselcore/internal/ops"
	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/trunk"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// VersionHandler implements trunk.Handler for one applied Version: it is
// the seam a real embedded-JS-runtime integration would bind to instead,
// routing requests through the CRUD convenience layer internal/crud
// builds rather than executing any JS module. One VersionHandler is constructed per apply (applyflow's
// Deps.NewHandler factory) and closes over that apply's own TypeSystem,
// Policy, and Modules, sharing the process-wide Engine and table prefix.
type VersionHandler struct {
	Engine  *queryengine.Engine
	Prefix  string
	Types   *typesys.TypeSystem
	Policy  *policy.Engine
	Modules map[string]string
}

// NewVersionHandler builds a VersionHandler bound to one apply's state.
func NewVersionHandler(engine *queryengine.Engine, prefix string, ts *typesys.TypeSystem, pol *policy.Engine, modules map[string]string) *VersionHandler {
	return &VersionHandler{Engine: engine, Prefix: prefix, Types: ts, Policy: pol, Modules: modules}
}

// Handle implements trunk.Handler, unwrapping job.Payload into the
// *HTTPRequest a Version's worker dispatch loop passes through, per
// trunk.Job's "opaque here, internal/ops's Handler interprets it" contract.
func (h *VersionHandler) Handle(ctx context.Context, job *trunk.Job) trunk.JobResult {
	req, ok := job.Payload.(*HTTPRequest)
	if !ok {
		return trunk.JobResult{Err: fmt.Errorf("httpapi: unexpected job payload %T", job.Payload)}
	}
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		return trunk.JobResult{Err: err}
	}
	return trunk.JobResult{Value: resp}
}

// dispatch routes one HTTPRequest to the CRUD convenience layer by its
// first routing-path segment (the entity name, lowercased the way
// applyflow.endpointPath derives it), enforcing path authorization before
// touching the database.
func (h *VersionHandler) dispatch(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	segment, rawQuery := splitPathAndQuery(req.RoutingPath, req.URI)
	entityName, ok := h.resolveEntity(segment)
	if !ok {
		return &HTTPResponse{Status: http.StatusNotFound, Body: []byte(`{"error":"unknown entity"}`)}, nil
	}

	if !h.Policy.AuthorizePath(req.RoutingPath, req.UserID) {
		return &HTTPResponse{Status: http.StatusForbidden, Body: []byte(`{"error":"forbidden"}`)}, nil
	}

	oc := ops.NewContext(h.Engine, h.Types, h.Policy, queryplan.TablePrefix(h.Prefix),
		ops.RequestContext{Method: req.Method, Path: req.RoutingPath, UserID: req.UserID})
	defer oc.Close()

	switch req.Method {
	case http.MethodGet:
		return h.handleQuery(ctx, oc, entityName, req, rawQuery)
	case http.MethodPost:
		return h.handleStore(ctx, oc, entityName, req)
	case http.MethodDelete:
		return h.handleDelete(ctx, oc, entityName, rawQuery)
	default:
		return &HTTPResponse{Status: http.StatusMethodNotAllowed}, nil
	}
}

func (h *VersionHandler) handleQuery(ctx context.Context, oc *ops.Context, entityName string, req *HTTPRequest, rawQuery string) (*HTTPResponse, error) {
	if err := oc.BeginTransaction(ctx); err != nil {
		return nil, err
	}
	page, err := crud.Query(ctx, oc, h.Types, entityName, req.RoutingPath, rawQuery)
	if err != nil {
		_ = oc.RollbackTransaction()
		return nil, err
	}

	results := make([]value.Value, 0, len(page.Results))
	for _, row := range page.Results {
		labeled, err := h.Policy.ApplyLabels(entityName, req.RoutingPath, req.UserID, row)
		if err != nil {
			_ = oc.RollbackTransaction()
			return nil, err
		}
		results = append(results, labeled)
	}

	out := value.NewMap()
	out.Set("results", value.Array(results))
	out.Set("next_page", value.String(page.NextPage))
	out.Set("prev_page", value.String(page.PrevPage))
	body, err := value.ToJSON(value.FromMap(out))
	if err != nil {
		_ = oc.RollbackTransaction()
		return nil, err
	}
	if err := oc.CommitTransaction(); err != nil {
		return nil, err
	}
	return &HTTPResponse{Status: http.StatusOK, Headers: jsonHeaders(), Body: body}, nil
}

func (h *VersionHandler) handleStore(ctx context.Context, oc *ops.Context, entityName string, req *HTTPRequest) (*HTTPResponse, error) {
	row, err := value.FromJSON(req.Body)
	if err != nil {
		return &HTTPResponse{Status: http.StatusBadRequest, Body: []byte(`{"error":"invalid json body"}`)}, nil
	}
	if err := oc.BeginTransaction(ctx); err != nil {
		return nil, err
	}
	tree, err := oc.Store(ctx, entityName, row)
	if err != nil {
		_ = oc.RollbackTransaction()
		return nil, err
	}
	if err := oc.CommitTransaction(); err != nil {
		return nil, err
	}
	out := value.NewMap()
	out.Set("id", value.String(tree.ID))
	body, err := value.ToJSON(value.FromMap(out))
	if err != nil {
		return nil, err
	}
	return &HTTPResponse{Status: http.StatusCreated, Headers: jsonHeaders(), Body: body}, nil
}

func (h *VersionHandler) handleDelete(ctx context.Context, oc *ops.Context, entityName, rawQuery string) (*HTTPResponse, error) {
	if err := oc.BeginTransaction(ctx); err != nil {
		return nil, err
	}
	if err := crud.Delete(ctx, oc, h.Types, entityName, rawQuery); err != nil {
		_ = oc.RollbackTransaction()
		return nil, err
	}
	if err := oc.CommitTransaction(); err != nil {
		return nil, err
	}
	return &HTTPResponse{Status: http.StatusNoContent}, nil
}

// resolveEntity maps a routing path's first segment back to the
// registered entity name, reversing applyflow.endpointPath's
// lowercase-first-letter convention.
func (h *VersionHandler) resolveEntity(segment string) (string, bool) {
	if segment == "" {
		return "", false
	}
	candidate := strings.ToUpper(segment[:1]) + segment[1:]
	if _, err := h.Types.LookupCustom(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

func splitPathAndQuery(routingPath, uri string) (segment, rawQuery string) {
	trimmed := strings.TrimPrefix(routingPath, "/")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		segment = trimmed[:idx]
	} else {
		segment = trimmed
	}
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		rawQuery = uri[idx+1:]
	}
	return segment, rawQuery
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}
