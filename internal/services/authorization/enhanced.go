package authorization

import (
	"context"
	"time"

	"github.com/asakaida/monban/internal/entities"
)

const (
	ReasonBasicDenied   = "Permission denied by basic check"
	ReasonCheckFailed   = "Permission check failed: "
	ReasonNotAuthed     = "User not authenticated"
	ReasonMissingFields = "Missing required field permissions"
)

// EnhancedResult is the outcome of a permission check with field and row details
type EnhancedResult struct {
	Granted       bool                   `json:"granted"`
	Reason        string                 `json:"reason,omitempty"`
	AllowedFields []string               `json:"allowedFields,omitempty"`
	DeniedFields  []string               `json:"deniedFields,omitempty"`
	Conditions    map[string]interface{} `json:"conditions,omitempty"`
}

// CheckEnhanced runs the basic check and, when granted, resolves field permissions and
// conditions. It never returns an error: any failure yields a denial with the reason.
func (e *Engine) CheckEnhanced(ctx context.Context, user *entities.User, action string, subject interface{}, actx *entities.AccessContext) *EnhancedResult {
	started := time.Now()
	result := e.checkEnhanced(ctx, user, action, subject, actx)
	e.observeDecision("check_enhanced", result.Granted, started)
	return result
}

func (e *Engine) checkEnhanced(ctx context.Context, user *entities.User, action string, subject interface{}, actx *entities.AccessContext) *EnhancedResult {
	allowed, err := e.Check(ctx, user, action, subject, actx)
	if err != nil {
		return e.failed(user, action, err)
	}
	if !allowed {
		return &EnhancedResult{Granted: false, Reason: ReasonBasicDenied}
	}

	fields, err := e.GetFieldPermissions(ctx, user, subject, actx)
	if err != nil {
		return e.failed(user, action, err)
	}
	conds, err := e.GetPermissionConditions(ctx, user, action, subject, actx)
	if err != nil {
		return e.failed(user, action, err)
	}

	return &EnhancedResult{
		Granted:       true,
		AllowedFields: fields.Allowed,
		DeniedFields:  fields.Denied,
		Conditions:    conds,
	}
}

func (e *Engine) failed(user *entities.User, action string, err error) *EnhancedResult {
	entry := e.logger.WithError(err).WithField("action", action)
	if user != nil {
		entry = entry.WithField("user_id", user.ID)
	}
	entry.Warn("permission check failed")
	return &EnhancedResult{Granted: false, Reason: ReasonCheckFailed + err.Error()}
}
