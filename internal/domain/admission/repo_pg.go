package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equipemed/equipemed/internal/platform/db"
	"github.com/equipemed/equipemed/internal/platform/outbox"
)

// Postgres error codes the tracker reacts to.
const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// uqActiveEpisode is the partial unique index enforcing one active episode
// per patient.
const uqActiveEpisode = "uq_admission_episode_active"

type repoPG struct {
	pool   *pgxpool.Pool
	runner *db.TxRunner
}

// NewRepo returns a Postgres repository. A nil runner gets one without a
// lock timeout.
func NewRepo(pool *pgxpool.Pool, runner *db.TxRunner) Repository {
	if runner == nil {
		runner = db.NewTxRunner(pool, 0)
	}
	return &repoPG{pool: pool, runner: runner}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.runner.Run(ctx, fn)
}

// -- Patients --

const patientCols = `id, name, birth_date, status, created_by, created_at, updated_at, deleted_at`

func (r *repoPG) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, name, birth_date, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, p.BirthDate, string(p.Status), p.CreatedBy, p.CreatedAt, p.UpdatedAt,
	)
	return mapPgError(err, uuid.Nil)
}

func (r *repoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *repoPG) LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
	if err != nil {
		return nil, mapPgError(err, uuid.Nil)
	}
	return p, nil
}

func (r *repoPG) UpdatePatientStatus(ctx context.Context, id uuid.UUID, status PatientStatus, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient SET status = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		id, string(status), at)
	if err != nil {
		return mapPgError(err, uuid.Nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ArchivePatient(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return mapPgError(err, uuid.Nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListPatients(ctx context.Context, status PatientStatus, limit, offset int) ([]*Patient, int, error) {
	where := `WHERE deleted_at IS NULL`
	args := []interface{}{}
	if status != "" {
		where += ` AND status = $1`
		args = append(args, string(status))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	q := fmt.Sprintf(`SELECT %s FROM patient %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		patientCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.BirthDate, &status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = PatientStatus(status)
	return &p, nil
}

// -- Episodes --

const episodeCols = `id, patient_id, created_by, created_at, admitted_at, admission_type, ward, bed,
	admission_diagnosis, discharged_at, discharge_type, discharge_diagnosis, discharged_by,
	original_discharged_at, version, updated_at`

func (r *repoPG) CreateEpisode(ctx context.Context, ep *Episode) error {
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO admission_episode (
			id, patient_id, created_by, created_at, admitted_at, admission_type, ward, bed,
			admission_diagnosis, version, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ep.ID, ep.PatientID, ep.CreatedBy, ep.CreatedAt, ep.AdmittedAt, string(ep.AdmissionType),
		ep.Ward, ep.Bed, ep.AdmissionDiagnosis, ep.Version, ep.UpdatedAt,
	)
	return mapPgError(err, ep.ID)
}

// episodeVisible hides episodes whose patient has been archived.
const episodeVisible = `EXISTS (
	SELECT 1 FROM patient p WHERE p.id = admission_episode.patient_id AND p.deleted_at IS NULL)`

func (r *repoPG) GetEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM admission_episode WHERE id = $1 AND `+episodeVisible, id))
}

func (r *repoPG) LockEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	ep, err := scanEpisode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM admission_episode WHERE id = $1 AND `+episodeVisible+` FOR UPDATE`, id))
	if err != nil {
		return nil, mapPgError(err, id)
	}
	return ep, nil
}

func (r *repoPG) UpdateEpisode(ctx context.Context, ep *Episode, prevVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE admission_episode SET
			admitted_at=$3, admission_type=$4, ward=$5, bed=$6, admission_diagnosis=$7,
			discharged_at=$8, discharge_type=$9, discharge_diagnosis=$10, discharged_by=$11,
			original_discharged_at=$12, version=$13, updated_at=$14
		WHERE id = $1 AND version = $2`,
		ep.ID, prevVersion,
		ep.AdmittedAt, string(ep.AdmissionType), ep.Ward, ep.Bed, ep.AdmissionDiagnosis,
		ep.DischargedAt, dischargeTypeStr(ep.DischargeType), ep.DischargeDiagnosis, ep.DischargedBy,
		ep.OriginalDischargedAt, ep.Version, ep.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err, ep.ID)
	}
	if tag.RowsAffected() == 0 {
		var actual int
		if err := r.conn(ctx).QueryRow(ctx, `SELECT version FROM admission_episode WHERE id = $1`, ep.ID).Scan(&actual); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return &ConcurrencyConflictError{EpisodeID: ep.ID, Expected: prevVersion, Actual: actual}
	}
	return nil
}

func (r *repoPG) ActiveEpisode(ctx context.Context, patientID uuid.UUID) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM admission_episode WHERE patient_id = $1 AND discharged_at IS NULL`, patientID))
}

func (r *repoPG) LatestDischarge(ctx context.Context, patientID uuid.UUID) (*time.Time, error) {
	var last *time.Time
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT MAX(discharged_at) FROM admission_episode WHERE patient_id = $1`, patientID).Scan(&last)
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (r *repoPG) ListEpisodes(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Episode, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM admission_episode WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+episodeCols+` FROM admission_episode WHERE patient_id = $1
		 ORDER BY admitted_at, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ep)
	}
	return out, total, rows.Err()
}

func scanEpisode(row pgx.Row) (*Episode, error) {
	var ep Episode
	var admissionType string
	var dischargeType *string
	err := row.Scan(
		&ep.ID, &ep.PatientID, &ep.CreatedBy, &ep.CreatedAt, &ep.AdmittedAt, &admissionType,
		&ep.Ward, &ep.Bed, &ep.AdmissionDiagnosis,
		&ep.DischargedAt, &dischargeType, &ep.DischargeDiagnosis, &ep.DischargedBy,
		&ep.OriginalDischargedAt, &ep.Version, &ep.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ep.AdmissionType = AdmissionType(admissionType)
	if dischargeType != nil {
		dt := DischargeType(*dischargeType)
		ep.DischargeType = &dt
	}
	return &ep, nil
}

// -- Change events --

// AppendEvent queues ev in the outbox using the caller's transaction, so the
// event is published only if the change commits.
func (r *repoPG) AppendEvent(ctx context.Context, ev *ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return outbox.Enqueue(ctx, r.conn(ctx), outbox.Event{
		ID:            ev.ID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     string(ev.Type),
		Payload:       payload,
		CreatedAt:     ev.OccurredAt,
	})
}

// mapPgError translates constraint and lock failures into domain errors.
// episodeID labels concurrency conflicts and may be uuid.Nil.
func mapPgError(err error, episodeID uuid.UUID) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if pgErr.ConstraintName == uqActiveEpisode {
			return ErrActiveEpisodeExists
		}
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return &ConcurrencyConflictError{EpisodeID: episodeID, Cause: err}
	}
	return err
}
