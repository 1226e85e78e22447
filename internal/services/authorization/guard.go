package authorization

import (
	"context"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/monban/internal/entities"
)

// Descriptor describes the permission a request boundary requires
type Descriptor struct {
	Action         string      `json:"action"`
	Subject        interface{} `json:"subject"`
	CheckFields    bool        `json:"checkFields,omitempty"`
	RequiredFields []string    `json:"requiredFields,omitempty"`
}

// Decision is the outcome of Guard.Authorize
type Decision struct {
	Allowed       bool                   `json:"allowed"`
	Reason        string                 `json:"reason,omitempty"`
	AllowedFields []string               `json:"allowedFields,omitempty"`
	DeniedFields  []string               `json:"deniedFields,omitempty"`
	Conditions    map[string]interface{} `json:"conditions,omitempty"`
}

// EnhancedChecker is implemented by Engine
type EnhancedChecker interface {
	CheckEnhanced(ctx context.Context, user *entities.User, action string, subject interface{}, actx *entities.AccessContext) *EnhancedResult
}

// AuditFunc receives every decision. It runs in its own goroutine.
type AuditFunc func(ctx context.Context, user *entities.User, d Descriptor, dec Decision)

// Guard translates engine results into allow/deny decisions at a request boundary
type Guard struct {
	checker EnhancedChecker
	audit   AuditFunc
	logger  logrus.FieldLogger
}

// NewGuard creates a guard. audit may be nil.
func NewGuard(checker EnhancedChecker, audit AuditFunc, logger logrus.FieldLogger) *Guard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Guard{checker: checker, audit: audit, logger: logger}
}

// Authorize decides whether user may proceed. An absent user is denied without
// consulting the engine. With CheckFields, every required field must be permitted;
// the denied fields reported are the required fields that are not.
func (g *Guard) Authorize(ctx context.Context, user *entities.User, actx *entities.AccessContext, d Descriptor) Decision {
	dec := g.decide(ctx, user, actx, d)

	entry := g.logger.WithFields(logrus.Fields{
		"action":  d.Action,
		"subject": entities.ResolveResourceType(d.Subject),
		"allowed": dec.Allowed,
	})
	if user != nil {
		entry = entry.WithField("user_id", user.ID)
	}
	if dec.Allowed {
		entry.Debug("authorization granted")
	} else {
		entry.WithField("reason", dec.Reason).Info("authorization denied")
	}

	if g.audit != nil {
		go g.audit(context.WithoutCancel(ctx), user, d, dec)
	}
	return dec
}

func (g *Guard) decide(ctx context.Context, user *entities.User, actx *entities.AccessContext, d Descriptor) Decision {
	if user == nil || user.ID == "" {
		return Decision{Allowed: false, Reason: ReasonNotAuthed}
	}

	res := g.checker.CheckEnhanced(ctx, user, d.Action, d.Subject, actx)
	if !res.Granted {
		return Decision{Allowed: false, Reason: res.Reason}
	}

	if d.CheckFields && len(d.RequiredFields) > 0 {
		// a required field must be listed as allowed and not denied
		var permitted, missing []string
		for _, f := range d.RequiredFields {
			if slices.Contains(res.AllowedFields, f) && !slices.Contains(res.DeniedFields, f) {
				permitted = append(permitted, f)
			} else {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return Decision{
				Allowed:       false,
				Reason:        ReasonMissingFields,
				AllowedFields: permitted,
				DeniedFields:  missing,
			}
		}
	}

	return Decision{
		Allowed:       true,
		AllowedFields: res.AllowedFields,
		DeniedFields:  res.DeniedFields,
		Conditions:    res.Conditions,
	}
}
