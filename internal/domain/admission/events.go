package admission

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a committed change.
type EventType string

const (
	EventPatientRegistered  EventType = "patient.registered"
	EventPatientArchived    EventType = "patient.archived"
	EventAdmitted           EventType = "episode.admitted"
	EventAdmissionEdited    EventType = "episode.admission_edited"
	EventDischarged         EventType = "episode.discharged"
	EventDischargeEdited    EventType = "episode.discharge_edited"
	EventDischargeCancelled EventType = "episode.discharge_cancelled"
)

const (
	AggregatePatient = "patient"
	AggregateEpisode = "episode"
)

// FieldChange is one entry of a change diff. Times are rendered as RFC 3339
// strings; nil means the field was empty.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// ChangeEvent records a committed mutation for the audit collaborator. It is
// written to the outbox inside the same transaction as the change itself.
type ChangeEvent struct {
	ID            uuid.UUID     `json:"id"`
	Type          EventType     `json:"type"`
	AggregateType string        `json:"aggregate_type"`
	AggregateID   uuid.UUID     `json:"aggregate_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	ActorID       string        `json:"actor_id"`
	ActorRole     Role          `json:"actor_role"`
	OccurredAt    time.Time     `json:"occurred_at"`
	Version       int           `json:"version,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Changes       []FieldChange `json:"changes,omitempty"`
}

func newEpisodeEvent(t EventType, actor Actor, now time.Time, ep *Episode, reason string, changes []FieldChange) *ChangeEvent {
	return &ChangeEvent{
		ID:            uuid.New(),
		Type:          t,
		AggregateType: AggregateEpisode,
		AggregateID:   ep.ID,
		PatientID:     ep.PatientID,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		OccurredAt:    now,
		Version:       ep.Version,
		Reason:        reason,
		Changes:       changes,
	}
}

func newPatientEvent(t EventType, actor Actor, now time.Time, p *Patient, reason string, changes []FieldChange) *ChangeEvent {
	return &ChangeEvent{
		ID:            uuid.New(),
		Type:          t,
		AggregateType: AggregatePatient,
		AggregateID:   p.ID,
		PatientID:     p.ID,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		OccurredAt:    now,
		Reason:        reason,
		Changes:       changes,
	}
}

func diffAdmission(before, after *Episode) []FieldChange {
	var d differ
	d.time("admitted_at", &before.AdmittedAt, &after.AdmittedAt)
	d.str("admission_type", ptr(string(before.AdmissionType)), ptr(string(after.AdmissionType)))
	d.str("ward", &before.Ward, &after.Ward)
	d.str("bed", &before.Bed, &after.Bed)
	d.str("admission_diagnosis", &before.AdmissionDiagnosis, &after.AdmissionDiagnosis)
	return d.changes
}

// admissionFields lists the admission data of a new episode as changes from nil.
func admissionFields(ep *Episode) []FieldChange {
	return []FieldChange{
		{Field: "admitted_at", To: timeVal(&ep.AdmittedAt)},
		{Field: "admission_type", To: string(ep.AdmissionType)},
		{Field: "ward", To: ep.Ward},
		{Field: "bed", To: ep.Bed},
		{Field: "admission_diagnosis", To: ep.AdmissionDiagnosis},
	}
}

func diffDischarge(before, after *Episode) []FieldChange {
	var d differ
	d.time("discharged_at", before.DischargedAt, after.DischargedAt)
	d.str("discharge_type", dischargeTypeStr(before.DischargeType), dischargeTypeStr(after.DischargeType))
	d.str("discharge_diagnosis", before.DischargeDiagnosis, after.DischargeDiagnosis)
	d.str("discharged_by", before.DischargedBy, after.DischargedBy)
	return d.changes
}

type differ struct {
	changes []FieldChange
}

func (d *differ) str(field string, from, to *string) {
	if eqStr(from, to) {
		return
	}
	d.changes = append(d.changes, FieldChange{Field: field, From: strVal(from), To: strVal(to)})
}

func (d *differ) time(field string, from, to *time.Time) {
	if eqTime(from, to) {
		return
	}
	d.changes = append(d.changes, FieldChange{Field: field, From: timeVal(from), To: timeVal(to)})
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func strVal(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timeVal(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func dischargeTypeStr(t *DischargeType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

func ptr[T any](v T) *T { return &v }
