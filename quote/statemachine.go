/*
statemachine.go - Quote lifecycle and capability predicates

STATES:

	pending ──approve──▶ approved ──authorize──▶ authorized ──dispatch──▶ dispatched ──complete──▶ completed
	   │                    │
	   └──reject──▶ rejected ◀──reject──┘

rejected and completed have no outgoing transitions.

Role checks live here and nowhere else: transitions consult CanApprove or
CanAuthorize, never the role taxonomy directly.
*/
package quote

// Transition names a lifecycle operation on a quote.
type Transition string

const (
	TransitionApprove   Transition = "approve"
	TransitionReject    Transition = "reject"
	TransitionAuthorize Transition = "authorize"
	TransitionDispatch  Transition = "dispatch"
	TransitionComplete  Transition = "complete"

	// TransitionReprice keeps the quote in pending; it is modeled here so the
	// same source-status and capability checks apply.
	TransitionReprice Transition = "reprice"

	// TransitionManageCatalog is not a quote transition; it only selects a capability.
	TransitionManageCatalog Transition = "manage catalog"
)

type rule struct {
	from       []Status
	to         Status
	capability func(Role) bool
}

var rules = map[Transition]rule{
	TransitionApprove:   {from: []Status{StatusPending}, to: StatusApproved, capability: CanApprove},
	TransitionReject:    {from: []Status{StatusPending, StatusApproved}, to: StatusRejected, capability: CanApprove},
	TransitionAuthorize: {from: []Status{StatusApproved}, to: StatusAuthorized, capability: CanAuthorize},
	TransitionDispatch:  {from: []Status{StatusAuthorized}, to: StatusDispatched, capability: CanApprove},
	TransitionComplete:  {from: []Status{StatusDispatched}, to: StatusCompleted, capability: CanApprove},
	TransitionReprice:   {from: []Status{StatusPending}, to: StatusPending, capability: CanApprove},
}

// statusRank orders the main path so errors can tell "not yet" from "already done".
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusApproved:   1,
	StatusAuthorized: 2,
	StatusDispatched: 3,
	StatusCompleted:  4,
	StatusRejected:   5,
}

// =============================================================================
// CAPABILITIES
// =============================================================================

// CanApprove covers approve, reject, reprice, dispatch and complete.
func CanApprove(r Role) bool {
	switch r {
	case RoleAdmin, RoleManager, RoleSales:
		return true
	}
	return false
}

// CanAuthorize covers authorize and catalog maintenance.
func CanAuthorize(r Role) bool {
	return r == RoleAdmin
}

// Allowed reports whether the actor holds the capability the transition requires.
func (t Transition) Allowed(a Actor) bool {
	if t == TransitionManageCatalog {
		return CanAuthorize(a.Role)
	}
	r, ok := rules[t]
	return ok && r.capability(a.Role)
}

// Target returns the status a successful transition lands in.
func (t Transition) Target() Status {
	return rules[t].to
}

// Sources returns the statuses the transition may start from.
func (t Transition) Sources() []Status {
	return append([]Status(nil), rules[t].from...)
}

// =============================================================================
// CHECKS
// =============================================================================

// CheckTransition validates the source status of q for t.
func CheckTransition(q *Quote, t Transition) error {
	r, ok := rules[t]
	if !ok {
		return &ValidationError{Field: "transition", Message: "unknown transition " + string(t)}
	}
	for _, s := range r.from {
		if q.Status == s {
			return nil
		}
	}
	return &InvalidTransitionError{
		QuoteID:    q.ID,
		Transition: t,
		Current:    q.Status,
		Required:   t.Sources(),
	}
}

// Authorize checks the actor's capability for t.
func Authorize(a Actor, t Transition) error {
	if !t.Allowed(a) {
		return &UnauthorizedError{Actor: a, Transition: t}
	}
	return nil
}

// Terminal reports whether no transition leaves s.
func Terminal(s Status) bool {
	for t, r := range rules {
		if t == TransitionReprice {
			continue
		}
		for _, from := range r.from {
			if from == s {
				return false
			}
		}
	}
	return true
}
