package admission

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultClockSkewTolerance bounds how far into the future a client-supplied
// admission or discharge instant may be.
const DefaultClockSkewTolerance = 5 * time.Minute

type Service struct {
	repo   Repository
	policy Policy
	skew   time.Duration
	logger zerolog.Logger
}

func NewService(repo Repository, policy Policy) *Service {
	return &Service{
		repo:   repo,
		policy: policy,
		skew:   DefaultClockSkewTolerance,
		logger: zerolog.Nop(),
	}
}

// SetLogger attaches the logger used for committed transitions.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// SetClockSkewTolerance overrides DefaultClockSkewTolerance. Negative values
// are treated as zero.
func (s *Service) SetClockSkewTolerance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.skew = d
}

func (s *Service) Policy() Policy {
	return s.policy
}

// -- Requests --

type RegisterPatientRequest struct {
	Name      string    `json:"name"`
	BirthDate time.Time `json:"birth_date"`
}

type AdmitRequest struct {
	PatientID     uuid.UUID     `json:"-"`
	AdmittedAt    time.Time     `json:"admitted_at"`
	AdmissionType AdmissionType `json:"admission_type"`
	Ward          string        `json:"ward"`
	Bed           string        `json:"bed"`
	Diagnosis     string        `json:"diagnosis"`
}

// AdmissionPatch carries only the fields being corrected.
type AdmissionPatch struct {
	AdmittedAt      *time.Time     `json:"admitted_at,omitempty"`
	AdmissionType   *AdmissionType `json:"admission_type,omitempty"`
	Ward            *string        `json:"ward,omitempty"`
	Bed             *string        `json:"bed,omitempty"`
	Diagnosis       *string        `json:"diagnosis,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	ExpectedVersion int            `json:"-"`
}

func (p AdmissionPatch) empty() bool {
	return p.AdmittedAt == nil && p.AdmissionType == nil && p.Ward == nil && p.Bed == nil && p.Diagnosis == nil
}

type DischargeRequest struct {
	DischargedAt    time.Time     `json:"discharged_at"`
	DischargeType   DischargeType `json:"discharge_type"`
	Diagnosis       string        `json:"diagnosis"`
	ExpectedVersion int           `json:"-"`
}

type DischargePatch struct {
	DischargedAt    *time.Time     `json:"discharged_at,omitempty"`
	DischargeType   *DischargeType `json:"discharge_type,omitempty"`
	Diagnosis       *string        `json:"diagnosis,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	ExpectedVersion int            `json:"-"`
}

func (p DischargePatch) empty() bool {
	return p.DischargedAt == nil && p.DischargeType == nil && p.Diagnosis == nil
}

type CancelDischargeRequest struct {
	Reason          string `json:"reason"`
	ExpectedVersion int    `json:"-"`
}

// -- Patients --

func (s *Service) RegisterPatient(ctx context.Context, actor Actor, now time.Time, req RegisterPatientRequest) (*Patient, error) {
	now = now.UTC()
	if err := s.authorize(actor, nil, OpRegisterPatient, now); err != nil {
		return nil, err
	}

	var verr ValidationError
	name := strings.TrimSpace(req.Name)
	if name == "" {
		verr.Add("name", "is required")
	}
	if req.BirthDate.IsZero() {
		verr.Add("birth_date", "is required")
	} else if req.BirthDate.After(now) {
		verr.Add("birth_date", "must not be in the future")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	p := &Patient{
		ID:        uuid.New(),
		Name:      name,
		BirthDate: req.BirthDate.UTC(),
		Status:    StatusOutpatient,
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreatePatient(ctx, p); err != nil {
			return err
		}
		return s.repo.AppendEvent(ctx, newPatientEvent(EventPatientRegistered, actor, now, p, "", []FieldChange{
			{Field: "name", To: p.Name},
			{Field: "birth_date", To: p.BirthDate.Format("2006-01-02")},
		}))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Str("actor_id", actor.ID).Msg("patient registered")
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

// ListPatients lists non-archived patients, optionally filtered by status.
func (s *Service) ListPatients(ctx context.Context, status PatientStatus, limit, offset int) ([]*Patient, int, error) {
	if status != "" && !status.Valid() {
		var verr ValidationError
		verr.Add("status", "unknown patient status %q", status)
		return nil, 0, verr.Err()
	}
	return s.repo.ListPatients(ctx, status, limit, offset)
}

// ArchivePatient soft-deletes a patient. Only admins may archive, and never
// while the patient is admitted.
func (s *Service) ArchivePatient(ctx context.Context, actor Actor, now time.Time, id uuid.UUID) error {
	now = now.UTC()
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.LockPatient(ctx, id)
		if err != nil {
			return err
		}
		active, err := s.activeEpisode(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := s.authorize(actor, active, OpArchivePatient, now); err != nil {
			return err
		}
		if err := s.repo.ArchivePatient(ctx, p.ID, now); err != nil {
			return err
		}
		return s.repo.AppendEvent(ctx, newPatientEvent(EventPatientArchived, actor, now, p, "", nil))
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", id.String()).Str("actor_id", actor.ID).Msg("patient archived")
	return nil
}

// -- Transitions --

// Admit opens a new episode for the patient and marks them inpatient.
func (s *Service) Admit(ctx context.Context, actor Actor, now time.Time, req AdmitRequest) (*Episode, error) {
	now = now.UTC()
	var out *Episode
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.LockPatient(ctx, req.PatientID)
		if err != nil {
			return err
		}
		active, err := s.activeEpisode(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := s.authorize(actor, active, OpAdmit, now); err != nil {
			return err
		}
		if p.Status == StatusDeceased {
			return &InvalidStateError{Op: OpAdmit, State: StateNone, Reason: ReasonPatientDeceased}
		}

		admittedAt := req.AdmittedAt
		if admittedAt.IsZero() {
			admittedAt = now
		}
		admittedAt = admittedAt.UTC()

		var verr ValidationError
		if !req.AdmissionType.Valid() {
			verr.Add("admission_type", "unknown admission type %q", req.AdmissionType)
		}
		ward, bed := strings.TrimSpace(req.Ward), strings.TrimSpace(req.Bed)
		if ward == "" {
			verr.Add("ward", "is required")
		}
		if bed == "" {
			verr.Add("bed", "is required")
		}
		s.checkNotFuture(&verr, "admitted_at", admittedAt, now)
		if err := s.checkAfterLastDischarge(ctx, &verr, p.ID, admittedAt); err != nil {
			return err
		}
		if err := verr.Err(); err != nil {
			return err
		}

		ep := &Episode{
			ID:                 uuid.New(),
			PatientID:          p.ID,
			CreatedBy:          actor.ID,
			CreatedAt:          now,
			AdmittedAt:         admittedAt,
			AdmissionType:      req.AdmissionType,
			Ward:               ward,
			Bed:                bed,
			AdmissionDiagnosis: strings.TrimSpace(req.Diagnosis),
			Version:            1,
			UpdatedAt:          now,
		}
		if err := s.repo.CreateEpisode(ctx, ep); err != nil {
			if errors.Is(err, ErrActiveEpisodeExists) {
				return &InvalidStateError{Op: OpAdmit, State: StateActive, Reason: ReasonActiveEpisodeExists}
			}
			return err
		}
		if err := s.repo.UpdatePatientStatus(ctx, p.ID, StatusInpatient, now); err != nil {
			return err
		}
		if err := s.repo.AppendEvent(ctx, newEpisodeEvent(EventAdmitted, actor, now, ep, "", admissionFields(ep))); err != nil {
			return err
		}
		out = ep
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(OpAdmit, actor, out)
	return out, nil
}

// EditAdmission corrects admission data of an active episode.
func (s *Service) EditAdmission(ctx context.Context, actor Actor, now time.Time, episodeID uuid.UUID, patch AdmissionPatch) (*Episode, error) {
	return s.transition(ctx, actor, now, episodeID, OpEditAdmission, patch.ExpectedVersion, func(ctx context.Context, ep *Episode) (*change, error) {
		var verr ValidationError
		if patch.empty() {
			verr.Add("admission", "no fields to change")
			return nil, verr.Err()
		}
		before := ep.Clone()

		if patch.AdmittedAt != nil {
			at := patch.AdmittedAt.UTC()
			s.checkNotFuture(&verr, "admitted_at", at, now)
			if err := s.checkAfterLastDischarge(ctx, &verr, ep.PatientID, at); err != nil {
				return nil, err
			}
			ep.AdmittedAt = at
		}
		if patch.AdmissionType != nil {
			if !patch.AdmissionType.Valid() {
				verr.Add("admission_type", "unknown admission type %q", *patch.AdmissionType)
			}
			ep.AdmissionType = *patch.AdmissionType
		}
		if patch.Ward != nil {
			ep.Ward = strings.TrimSpace(*patch.Ward)
			if ep.Ward == "" {
				verr.Add("ward", "must not be empty")
			}
		}
		if patch.Bed != nil {
			ep.Bed = strings.TrimSpace(*patch.Bed)
			if ep.Bed == "" {
				verr.Add("bed", "must not be empty")
			}
		}
		if patch.Diagnosis != nil {
			ep.AdmissionDiagnosis = strings.TrimSpace(*patch.Diagnosis)
		}
		if err := verr.Err(); err != nil {
			return nil, err
		}
		return &change{
			event:   EventAdmissionEdited,
			reason:  patch.Reason,
			changes: diffAdmission(before, ep),
		}, nil
	})
}

// Discharge completes an active episode. The patient becomes outpatient, or
// deceased for a death discharge.
func (s *Service) Discharge(ctx context.Context, actor Actor, now time.Time, episodeID uuid.UUID, req DischargeRequest) (*Episode, error) {
	return s.transition(ctx, actor, now, episodeID, OpDischarge, req.ExpectedVersion, func(ctx context.Context, ep *Episode) (*change, error) {
		at := req.DischargedAt
		if at.IsZero() {
			at = now
		}
		at = at.UTC()

		var verr ValidationError
		if req.DischargeType == "" {
			verr.Add("discharge_type", "is required")
		} else if !req.DischargeType.Valid() {
			verr.Add("discharge_type", "unknown discharge type %q", req.DischargeType)
		}
		s.checkDischargeTime(&verr, ep, at, now)
		if err := verr.Err(); err != nil {
			return nil, err
		}

		before := ep.Clone()
		dt := req.DischargeType
		ep.DischargedAt = &at
		ep.DischargeType = &dt
		ep.DischargeDiagnosis = ptr(strings.TrimSpace(req.Diagnosis))
		ep.DischargedBy = ptr(actor.ID)
		ep.OriginalDischargedAt = ptr(at)
		return &change{
			event:   EventDischarged,
			changes: diffDischarge(before, ep),
			status:  dt.PatientStatus(),
		}, nil
	})
}

// EditDischarge corrects discharge data of a completed episode. The patient
// status follows a changed discharge type unless the patient has since been
// readmitted.
func (s *Service) EditDischarge(ctx context.Context, actor Actor, now time.Time, episodeID uuid.UUID, patch DischargePatch) (*Episode, error) {
	return s.transition(ctx, actor, now, episodeID, OpEditDischarge, patch.ExpectedVersion, func(ctx context.Context, ep *Episode) (*change, error) {
		var verr ValidationError
		if patch.empty() {
			verr.Add("discharge", "no fields to change")
			return nil, verr.Err()
		}
		superseded, err := s.superseded(ctx, ep)
		if err != nil {
			return nil, err
		}
		before := ep.Clone()

		if patch.DischargedAt != nil {
			at := patch.DischargedAt.UTC()
			if superseded {
				verr.Add("discharged_at", "cannot move the discharge of an episode followed by a later admission")
			}
			s.checkDischargeTime(&verr, ep, at, now)
			ep.DischargedAt = &at
		}
		if patch.DischargeType != nil {
			if !patch.DischargeType.Valid() {
				verr.Add("discharge_type", "unknown discharge type %q", *patch.DischargeType)
			}
			dt := *patch.DischargeType
			ep.DischargeType = &dt
		}
		if patch.Diagnosis != nil {
			ep.DischargeDiagnosis = ptr(strings.TrimSpace(*patch.Diagnosis))
		}
		if err := verr.Err(); err != nil {
			return nil, err
		}

		ch := &change{
			event:   EventDischargeEdited,
			reason:  patch.Reason,
			changes: diffDischarge(before, ep),
		}
		if !superseded && *before.DischargeType != *ep.DischargeType {
			ch.status = ep.DischargeType.PatientStatus()
		}
		return ch, nil
	})
}

// CancelDischarge reopens a completed episode and makes the patient
// inpatient again. Only the patient's most recent episode can be reopened.
func (s *Service) CancelDischarge(ctx context.Context, actor Actor, now time.Time, episodeID uuid.UUID, req CancelDischargeRequest) (*Episode, error) {
	return s.transition(ctx, actor, now, episodeID, OpCancelDischarge, req.ExpectedVersion, func(ctx context.Context, ep *Episode) (*change, error) {
		active, err := s.activeEpisode(ctx, ep.PatientID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, &InvalidStateError{Op: OpCancelDischarge, State: StateCompleted, Reason: ReasonActiveEpisodeExists}
		}
		superseded, err := s.superseded(ctx, ep)
		if err != nil {
			return nil, err
		}
		if superseded {
			return nil, &InvalidStateError{Op: OpCancelDischarge, State: StateCompleted, Reason: ReasonEpisodeSuperseded}
		}

		before := ep.Clone()
		ep.clearDischarge()
		return &change{
			event:   EventDischargeCancelled,
			reason:  req.Reason,
			changes: diffDischarge(before, ep),
			status:  StatusInpatient,
		}, nil
	})
}

// -- Reads --

func (s *Service) GetEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return s.repo.GetEpisode(ctx, id)
}

// CurrentEpisode returns the patient's active episode or ErrNotFound.
func (s *Service) CurrentEpisode(ctx context.Context, patientID uuid.UUID) (*Episode, error) {
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.ActiveEpisode(ctx, patientID)
}

// History lists the patient's episodes oldest first.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Episode, int, error) {
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListEpisodes(ctx, patientID, limit, offset)
}

// Permissions evaluates every operation the actor could attempt on the
// episode, plus admitting its patient again.
func (s *Service) Permissions(ctx context.Context, actor Actor, now time.Time, episodeID uuid.UUID) ([]Decision, error) {
	ep, err := s.repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	active, err := s.activeEpisode(ctx, ep.PatientID)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	out := []Decision{s.policy.Evaluate(actor, active, OpAdmit, now)}
	return append(out, s.policy.EvaluateEpisode(actor, ep, now)...), nil
}

// -- internals --

type change struct {
	event   EventType
	reason  string
	changes []FieldChange
	// status is the patient's new status; empty leaves it untouched.
	status PatientStatus
}

// transition runs an episode-level operation: lock patient then episode,
// authorize, check the caller's version, apply, persist and emit the event,
// all in one transaction.
func (s *Service) transition(ctx context.Context, actor Actor, now time.Time, episodeID uuid.UUID, op Operation, expectedVersion int,
	apply func(ctx context.Context, ep *Episode) (*change, error)) (*Episode, error) {
	now = now.UTC()
	var out *Episode
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetEpisode(ctx, episodeID)
		if err != nil {
			return err
		}
		if _, err := s.repo.LockPatient(ctx, cur.PatientID); err != nil {
			return err
		}
		ep, err := s.repo.LockEpisode(ctx, episodeID)
		if err != nil {
			return err
		}
		if err := s.authorize(actor, ep, op, now); err != nil {
			return err
		}
		if expectedVersion > 0 && expectedVersion != ep.Version {
			return &ConcurrencyConflictError{EpisodeID: ep.ID, Expected: expectedVersion, Actual: ep.Version}
		}

		prev := ep.Version
		ch, err := apply(ctx, ep)
		if err != nil {
			return err
		}
		ep.Version = prev + 1
		ep.UpdatedAt = now
		if err := s.repo.UpdateEpisode(ctx, ep, prev); err != nil {
			return err
		}
		if ch.status != "" {
			if err := s.repo.UpdatePatientStatus(ctx, ep.PatientID, ch.status, now); err != nil {
				return err
			}
		}
		if err := s.repo.AppendEvent(ctx, newEpisodeEvent(ch.event, actor, now, ep, ch.reason, ch.changes)); err != nil {
			return err
		}
		out = ep
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(op, actor, out)
	return out, nil
}

func (s *Service) authorize(actor Actor, ep *Episode, op Operation, now time.Time) error {
	d := s.policy.Evaluate(actor, ep, op, now)
	if d.Allowed {
		return nil
	}
	if d.Reason.IsStateViolation() {
		return &InvalidStateError{Op: op, State: ep.State(), Reason: d.Reason}
	}
	return &PermissionDeniedError{Op: op, Reason: d.Reason}
}

func (s *Service) activeEpisode(ctx context.Context, patientID uuid.UUID) (*Episode, error) {
	ep, err := s.repo.ActiveEpisode(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return ep, err
}

// superseded reports whether the patient was admitted again after ep.
func (s *Service) superseded(ctx context.Context, ep *Episode) (bool, error) {
	active, err := s.activeEpisode(ctx, ep.PatientID)
	if err != nil {
		return false, err
	}
	if active != nil && active.ID != ep.ID {
		return true, nil
	}
	last, err := s.repo.LatestDischarge(ctx, ep.PatientID)
	if err != nil {
		return false, err
	}
	return last != nil && ep.DischargedAt != nil && last.After(*ep.DischargedAt), nil
}

func (s *Service) checkNotFuture(verr *ValidationError, field string, t, now time.Time) {
	if t.After(now.Add(s.skew)) {
		verr.Add(field, "must not be in the future")
	}
}

func (s *Service) checkDischargeTime(verr *ValidationError, ep *Episode, at, now time.Time) {
	if !at.After(ep.AdmittedAt) {
		verr.Add("discharged_at", "must be after admitted_at (%s)", ep.AdmittedAt.Format(time.RFC3339))
	}
	s.checkNotFuture(verr, "discharged_at", at, now)
}

func (s *Service) checkAfterLastDischarge(ctx context.Context, verr *ValidationError, patientID uuid.UUID, at time.Time) error {
	last, err := s.repo.LatestDischarge(ctx, patientID)
	if err != nil {
		return err
	}
	if last != nil && !at.After(*last) {
		verr.Add("admitted_at", "must be after the previous discharge (%s)", last.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Service) logTransition(op Operation, actor Actor, ep *Episode) {
	s.logger.Info().
		Str("operation", string(op)).
		Str("episode_id", ep.ID.String()).
		Str("patient_id", ep.PatientID.String()).
		Str("state", string(ep.State())).
		Int("version", ep.Version).
		Str("actor_id", actor.ID).
		Str("actor_role", string(actor.Role)).
		Msg("episode transition committed")
}
