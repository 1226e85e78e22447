package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories/postgres"
	"github.com/asakaida/monban/internal/services/authorization"
)

// QueryFormatSQL asks the query endpoints to also render the filter as a
// PostgreSQL WHERE expression
const QueryFormatSQL = "sql"

// CheckerInterface defines the engine operations behind the check endpoints
type CheckerInterface interface {
	Check(ctx context.Context, user *entities.User, action string, subject interface{}, actx *entities.AccessContext) (bool, error)
	CheckEnhanced(ctx context.Context, user *entities.User, action string, subject interface{}, actx *entities.AccessContext) *authorization.EnhancedResult
	FilterObjectFields(ctx context.Context, user *entities.User, resource interface{}, actx *entities.AccessContext) (map[string]interface{}, error)
	GetAccessibleResourceQuery(ctx context.Context, user *entities.User, action string, subjectType string, actx *entities.AccessContext) (entities.QueryFilter, error)
}

// PermissionHandler serves permission decisions to other services
type PermissionHandler struct {
	checker CheckerInterface
	logger  logrus.FieldLogger
}

// NewPermissionHandler creates a new PermissionHandler
func NewPermissionHandler(checker CheckerInterface, logger logrus.FieldLogger) *PermissionHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PermissionHandler{checker: checker, logger: logger}
}

type checkRequest struct {
	User    *entities.User          `json:"user"`
	Action  string                  `json:"action"`
	Subject json.RawMessage         `json:"subject"`
	Context *entities.AccessContext `json:"context,omitempty"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

type filterRequest struct {
	User     *entities.User          `json:"user"`
	Resource map[string]interface{}  `json:"resource"`
	Context  *entities.AccessContext `json:"context,omitempty"`
}

type queryRequest struct {
	User        *entities.User          `json:"user"`
	Action      string                  `json:"action"`
	SubjectType string                  `json:"subjectType"`
	Context     *entities.AccessContext `json:"context,omitempty"`
	Format      string                  `json:"format,omitempty"`
}

type queryResponse struct {
	Query entities.QueryFilter `json:"query"`
	SQL   *sqlClause           `json:"sql,omitempty"`
}

type sqlClause struct {
	Where string        `json:"where"`
	Args  []interface{} `json:"args"`
}

func newQueryResponse(query entities.QueryFilter, format string) (*queryResponse, error) {
	resp := &queryResponse{Query: query}
	switch format {
	case "":
	case QueryFormatSQL:
		where, args, err := postgres.BuildWhereClause(query, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to translate query: %w", err)
		}
		resp.SQL = &sqlClause{Where: where, Args: args}
	default:
		return nil, fmt.Errorf("%w: unknown query format %q", errBadRequest, format)
	}
	return resp, nil
}

func (req *checkRequest) subject() (interface{}, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("%w: action is required", errBadRequest)
	}
	return parseSubject(req.Subject)
}

// Check handles POST /v1/check
func (h *PermissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	subject, err := req.subject()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	allowed, err := h.checker.Check(r.Context(), req.User, req.Action, subject, req.Context)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Allowed: allowed})
}

// CheckEnhanced handles POST /v1/check/enhanced. Failures are reported in the
// result, so the response is always 200 once the request is well formed.
func (h *PermissionHandler) CheckEnhanced(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	subject, err := req.subject()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, h.checker.CheckEnhanced(r.Context(), req.User, req.Action, subject, req.Context))
}

// Filter handles POST /v1/filter: the resource is returned without the fields
// the user may not read
func (h *PermissionHandler) Filter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Resource == nil {
		writeError(w, h.logger, fmt.Errorf("%w: resource is required", errBadRequest))
		return
	}

	filtered, err := h.checker.FilterObjectFields(r.Context(), req.User, req.Resource, req.Context)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, filtered)
}

// Query handles POST /v1/query: the row filter of the resources the user may access
func (h *PermissionHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Action == "" {
		writeError(w, h.logger, fmt.Errorf("%w: action is required", errBadRequest))
		return
	}

	query, err := h.checker.GetAccessibleResourceQuery(r.Context(), req.User, req.Action, req.SubjectType, req.Context)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp, err := newQueryResponse(query, req.Format)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
