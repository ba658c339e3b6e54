package admission

import "time"

// Operation identifies a tracker transition.
type Operation string

const (
	OpAdmit           Operation = "admit"
	OpEditAdmission   Operation = "edit_admission"
	OpDischarge       Operation = "discharge"
	OpEditDischarge   Operation = "edit_discharge"
	OpCancelDischarge Operation = "cancel_discharge"

	OpRegisterPatient Operation = "register_patient"
	OpArchivePatient  Operation = "archive_patient"
)

// episodeOperations are the transitions that act on an existing episode.
var episodeOperations = []Operation{OpEditAdmission, OpDischarge, OpEditDischarge, OpCancelDischarge}

// Reason is the machine-readable outcome of a policy decision.
type Reason string

const (
	ReasonAllowed             Reason = "allowed"
	ReasonUnauthenticated     Reason = "unauthenticated"
	ReasonRoleNotPrivileged   Reason = "role_not_privileged"
	ReasonAdminRequired       Reason = "admin_required"
	ReasonNotRecordCreator    Reason = "not_record_creator"
	ReasonEditWindowExpired   Reason = "edit_window_expired"
	ReasonEpisodeNotActive    Reason = "episode_not_active"
	ReasonEpisodeNotCompleted Reason = "episode_not_completed"
	ReasonActiveEpisodeExists Reason = "active_episode_exists"
	ReasonPatientDeceased     Reason = "patient_deceased"
	ReasonEpisodeSuperseded   Reason = "episode_superseded"
	ReasonUnknownOperation    Reason = "unknown_operation"
)

// IsStateViolation reports whether the reason describes the record's state
// rather than the actor's rights.
func (r Reason) IsStateViolation() bool {
	switch r {
	case ReasonEpisodeNotActive, ReasonEpisodeNotCompleted, ReasonActiveEpisodeExists,
		ReasonPatientDeceased, ReasonEpisodeSuperseded:
		return true
	}
	return false
}

// Decision is the result of evaluating one operation.
type Decision struct {
	Operation    Operation  `json:"operation"`
	Allowed      bool       `json:"allowed"`
	Reason       Reason     `json:"reason"`
	WindowEndsAt *time.Time `json:"window_ends_at,omitempty"`
}

// DefaultEditWindow is how long creators may correct an admission and
// privileged staff may correct or cancel a discharge.
const DefaultEditWindow = 24 * time.Hour

// Policy decides whether an actor may perform an operation. It has no side
// effects and never fails; callers convert denials into errors.
type Policy struct {
	EditWindow time.Duration
}

func NewPolicy(editWindow time.Duration) Policy {
	if editWindow <= 0 {
		editWindow = DefaultEditWindow
	}
	return Policy{EditWindow: editWindow}
}

// Evaluate decides op for actor at now. For OpAdmit and OpArchivePatient,
// ep is the patient's current active episode (nil when there is none); for
// every other operation ep is the episode being changed.
//
// Checks run in a fixed order: identity, role, state, time window. Role
// comes before state so a non-privileged discharge is always a permission
// failure whatever the episode looks like.
func (p Policy) Evaluate(actor Actor, ep *Episode, op Operation, now time.Time) Decision {
	d := Decision{Operation: op}
	if !actor.Authenticated() {
		return d.deny(ReasonUnauthenticated)
	}

	switch op {
	case OpRegisterPatient:
		return d.allow()

	case OpArchivePatient:
		if actor.Role != RoleAdmin {
			return d.deny(ReasonAdminRequired)
		}
		if ep.Active() {
			return d.deny(ReasonActiveEpisodeExists)
		}
		return d.allow()

	case OpAdmit:
		if ep.Active() {
			return d.deny(ReasonActiveEpisodeExists)
		}
		return d.allow()

	case OpEditAdmission:
		if !ep.Active() {
			return d.deny(ReasonEpisodeNotActive)
		}
		if actor.Role.Privileged() {
			return d.allow()
		}
		if ep.CreatedBy != actor.ID {
			return d.deny(ReasonNotRecordCreator)
		}
		d.WindowEndsAt = p.windowEnd(ep.CreatedAt)
		if !p.within(ep.CreatedAt, now) {
			return d.deny(ReasonEditWindowExpired)
		}
		return d.allow()

	case OpDischarge:
		if !actor.Role.Privileged() {
			return d.deny(ReasonRoleNotPrivileged)
		}
		if !ep.Active() {
			return d.deny(ReasonEpisodeNotActive)
		}
		return d.allow()

	case OpEditDischarge, OpCancelDischarge:
		if !actor.Role.Privileged() {
			return d.deny(ReasonRoleNotPrivileged)
		}
		if !ep.Completed() {
			return d.deny(ReasonEpisodeNotCompleted)
		}
		ref := ep.dischargeWindowStart()
		d.WindowEndsAt = p.windowEnd(ref)
		if !p.within(ref, now) {
			return d.deny(ReasonEditWindowExpired)
		}
		return d.allow()
	}

	return d.deny(ReasonUnknownOperation)
}

// EvaluateEpisode returns decisions for every operation acting on ep.
func (p Policy) EvaluateEpisode(actor Actor, ep *Episode, now time.Time) []Decision {
	out := make([]Decision, 0, len(episodeOperations))
	for _, op := range episodeOperations {
		out = append(out, p.Evaluate(actor, ep, op, now))
	}
	return out
}

// within uses signed elapsed time with an inclusive bound: exactly
// EditWindow after ref is still inside, and a ref in the future (clock
// skew) counts as zero or negative elapsed time.
func (p Policy) within(ref, now time.Time) bool {
	return now.Sub(ref) <= p.EditWindow
}

func (p Policy) windowEnd(ref time.Time) *time.Time {
	t := ref.Add(p.EditWindow)
	return &t
}

func (d Decision) allow() Decision {
	d.Allowed = true
	d.Reason = ReasonAllowed
	return d
}

func (d Decision) deny(r Reason) Decision {
	d.Allowed = false
	d.Reason = r
	return d
}
