// Package entitle decides whether a sender may use a resolved model.
package entitle

import (
	"mailmind/internal/model"
)

// State is the outcome class of an authorization check.
type State int

const (
	// Allowed means the sender may dispatch to the model.
	Allowed State = iota

	// Unregistered means the sender has no user record and the model
	// requires a registered plan.
	Unregistered

	// Forbidden means the sender's plan level is below the model's
	// required level.
	Forbidden

	// ModelInactive means the model is disabled in the registry,
	// regardless of who asked.
	ModelInactive
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case Allowed:
		return "allowed"
	case Unregistered:
		return "unregistered"
	case Forbidden:
		return "forbidden"
	case ModelInactive:
		return "model-inactive"
	default:
		return "unknown"
	}
}

// Decision carries the authorization outcome together with everything
// the pipeline needs to proceed on Allowed.
type Decision struct {
	State  State
	Model  model.ModelInfo
	Plan   model.Plan
	Tokens int64

	// UserID is 0 for senders without a user record. A zero id also
	// means no conversation history is ever loaded or persisted.
	UserID int64
}

// Authorize is a pure decision function over the supplied registries.
// The model's active flag is checked before any identity logic. An
// absent sender is treated as an unregistered user with the placeholder
// quota, permitted only on models that require no plan level.
func Authorize(user *model.User, m model.ModelInfo) Decision {
	if !m.Active {
		return Decision{State: ModelInactive, Model: m}
	}

	if user == nil {
		if m.PermLevel > 0 {
			return Decision{State: Unregistered, Model: m, Plan: model.PlanUnregistered}
		}
		return Decision{
			State:  Allowed,
			Model:  m,
			Plan:   model.PlanUnregistered,
			Tokens: model.UnregisteredTokens,
		}
	}

	if user.Plan.Level() < m.PermLevel {
		return Decision{State: Forbidden, Model: m, Plan: user.Plan, UserID: user.UserID}
	}

	return Decision{
		State:  Allowed,
		Model:  m,
		Plan:   user.Plan,
		Tokens: user.Tokens,
		UserID: user.UserID,
	}
}
