package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/asakaida/monban/internal/services"
	"github.com/asakaida/monban/internal/services/authorization"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// errNotApplied is reported when the service rejected a mutation without an error
var errNotApplied = errors.New("operation was not applied")

type errorBody struct {
	Error string `json:"error"`
}

// === Shared Helper Functions for all handlers ===

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// errorStatus maps service and engine errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, authorization.ErrInvalidArgument),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, authorization.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrSystemRole), errors.Is(err, services.ErrSystemPermission):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrRoleCycle):
		return http.StatusConflict
	case errors.Is(err, errNotApplied):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

// decodeJSON decodes the request body into v, rejecting unknown fields
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

// parseSubject accepts a type name ("article") or a resource object
// ({"type": "article", "id": "a1", "attributes": {...}})
func parseSubject(raw json.RawMessage) (interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("%w: subject is required", errBadRequest)
	}

	if strings.HasPrefix(trimmed, `"`) {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, fmt.Errorf("%w: invalid subject: %v", errBadRequest, err)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: subject is required", errBadRequest)
		}
		return name, nil
	}

	var res entities.Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: invalid subject: %v", errBadRequest, err)
	}
	if res.Type == "" {
		return nil, fmt.Errorf("%w: subject type is required", errBadRequest)
	}
	return &res, nil
}

// applied turns a service soft failure into errNotApplied
func applied(ok bool, err error, what string) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", errNotApplied, what)
	}
	return nil
}
