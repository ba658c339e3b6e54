package admission

import (
	"time"

	"github.com/google/uuid"
)

// PatientStatus is derived from the patient's episodes and only changes
// through tracker transitions.
type PatientStatus string

const (
	StatusOutpatient PatientStatus = "outpatient"
	StatusInpatient  PatientStatus = "inpatient"
	StatusDeceased   PatientStatus = "deceased"
)

var validPatientStatuses = map[PatientStatus]bool{
	StatusOutpatient: true,
	StatusInpatient:  true,
	StatusDeceased:   true,
}

func (s PatientStatus) Valid() bool { return validPatientStatuses[s] }

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	Name      string        `db:"name" json:"name"`
	BirthDate time.Time     `db:"birth_date" json:"birth_date"`
	Status    PatientStatus `db:"status" json:"status"`
	CreatedBy string        `db:"created_by" json:"created_by"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time    `db:"deleted_at" json:"deleted_at,omitempty"`
}

// AdmissionType categorizes how the patient arrived.
type AdmissionType string

const (
	AdmissionEmergency   AdmissionType = "emergency"
	AdmissionElective    AdmissionType = "elective"
	AdmissionTransfer    AdmissionType = "transfer"
	AdmissionObservation AdmissionType = "observation"
)

var validAdmissionTypes = map[AdmissionType]bool{
	AdmissionEmergency:   true,
	AdmissionElective:    true,
	AdmissionTransfer:    true,
	AdmissionObservation: true,
}

func (t AdmissionType) Valid() bool { return validAdmissionTypes[t] }

// DischargeType categorizes how the episode ended.
type DischargeType string

const (
	DischargeRoutine       DischargeType = "routine"
	DischargeTransfer      DischargeType = "transfer"
	DischargeAgainstAdvice DischargeType = "against_advice"
	DischargeEvasion       DischargeType = "evasion"
	DischargeDeath         DischargeType = "death"
)

var validDischargeTypes = map[DischargeType]bool{
	DischargeRoutine:       true,
	DischargeTransfer:      true,
	DischargeAgainstAdvice: true,
	DischargeEvasion:       true,
	DischargeDeath:         true,
}

func (t DischargeType) Valid() bool { return validDischargeTypes[t] }

// PatientStatus returns the status a patient takes after a discharge of this type.
func (t DischargeType) PatientStatus() PatientStatus {
	if t == DischargeDeath {
		return StatusDeceased
	}
	return StatusOutpatient
}

// EpisodeState is the observable phase of an episode.
type EpisodeState string

const (
	StateNone      EpisodeState = "none"
	StateActive    EpisodeState = "active"
	StateCompleted EpisodeState = "completed"
)

// Episode maps to the admission_episode table. Discharge fields are either
// all nil (active) or all set (completed).
//
// OriginalDischargedAt keeps discharged_at as the discharge recorded it.
// Discharge corrections never move it, so the discharge edit window cannot
// be extended by re-dating the discharge.
type Episode struct {
	ID                   uuid.UUID      `db:"id" json:"id"`
	PatientID            uuid.UUID      `db:"patient_id" json:"patient_id"`
	CreatedBy            string         `db:"created_by" json:"created_by"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	AdmittedAt           time.Time      `db:"admitted_at" json:"admitted_at"`
	AdmissionType        AdmissionType  `db:"admission_type" json:"admission_type"`
	Ward                 string         `db:"ward" json:"ward"`
	Bed                  string         `db:"bed" json:"bed"`
	AdmissionDiagnosis   string         `db:"admission_diagnosis" json:"admission_diagnosis"`
	DischargedAt         *time.Time     `db:"discharged_at" json:"discharged_at,omitempty"`
	DischargeType        *DischargeType `db:"discharge_type" json:"discharge_type,omitempty"`
	DischargeDiagnosis   *string        `db:"discharge_diagnosis" json:"discharge_diagnosis,omitempty"`
	DischargedBy         *string        `db:"discharged_by" json:"discharged_by,omitempty"`
	OriginalDischargedAt *time.Time     `db:"original_discharged_at" json:"original_discharged_at,omitempty"`
	Version              int            `db:"version" json:"version"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// State is nil-safe: a nil episode is StateNone.
func (e *Episode) State() EpisodeState {
	switch {
	case e == nil:
		return StateNone
	case e.DischargedAt == nil:
		return StateActive
	default:
		return StateCompleted
	}
}

func (e *Episode) Active() bool { return e.State() == StateActive }

func (e *Episode) Completed() bool { return e.State() == StateCompleted }

// Clone returns a deep copy.
func (e *Episode) Clone() *Episode {
	if e == nil {
		return nil
	}
	c := *e
	if e.DischargedAt != nil {
		t := *e.DischargedAt
		c.DischargedAt = &t
	}
	if e.DischargeType != nil {
		t := *e.DischargeType
		c.DischargeType = &t
	}
	if e.DischargeDiagnosis != nil {
		s := *e.DischargeDiagnosis
		c.DischargeDiagnosis = &s
	}
	if e.DischargedBy != nil {
		s := *e.DischargedBy
		c.DischargedBy = &s
	}
	if e.OriginalDischargedAt != nil {
		t := *e.OriginalDischargedAt
		c.OriginalDischargedAt = &t
	}
	return &c
}

func (e *Episode) clearDischarge() {
	e.DischargedAt = nil
	e.DischargeType = nil
	e.DischargeDiagnosis = nil
	e.DischargedBy = nil
	e.OriginalDischargedAt = nil
}

// dischargeWindowStart is where the discharge edit window runs from. Rows
// written before original_discharged_at existed fall back to discharged_at.
func (e *Episode) dischargeWindowStart() time.Time {
	if e.OriginalDischargedAt != nil {
		return *e.OriginalDischargedAt
	}
	return *e.DischargedAt
}
