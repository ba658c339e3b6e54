package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists patients, episodes and their change events.
//
// Every tracker transition runs inside WithinTx. Lock methods must hold a
// row lock until the surrounding transaction ends; the service always locks
// the patient before any of its episodes.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Patients
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	UpdatePatientStatus(ctx context.Context, id uuid.UUID, status PatientStatus, at time.Time) error
	ArchivePatient(ctx context.Context, id uuid.UUID, at time.Time) error
	ListPatients(ctx context.Context, status PatientStatus, limit, offset int) ([]*Patient, int, error)

	// Episodes
	CreateEpisode(ctx context.Context, ep *Episode) error
	GetEpisode(ctx context.Context, id uuid.UUID) (*Episode, error)
	LockEpisode(ctx context.Context, id uuid.UUID) (*Episode, error)
	// UpdateEpisode writes ep only if the stored version still equals
	// prevVersion, returning *ConcurrencyConflictError otherwise.
	UpdateEpisode(ctx context.Context, ep *Episode, prevVersion int) error
	ActiveEpisode(ctx context.Context, patientID uuid.UUID) (*Episode, error)
	// LatestDischarge returns the most recent discharge instant of the
	// patient's completed episodes, or nil when there is none.
	LatestDischarge(ctx context.Context, patientID uuid.UUID) (*time.Time, error)
	// ListEpisodes orders by admitted_at ascending.
	ListEpisodes(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Episode, int, error)

	// Change events
	AppendEvent(ctx context.Context, ev *ChangeEvent) error
}
