package admission

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	nurse    = Actor{ID: "nurse-1", Role: RoleNurse}
	nurse2   = Actor{ID: "nurse-2", Role: RoleNurse}
	doctor   = Actor{ID: "doctor-1", Role: RoleDoctor}
	resident = Actor{ID: "resident-1", Role: RoleResident}
	admin    = Actor{ID: "admin-1", Role: RoleAdmin}
	clerk    = Actor{ID: "staff-1", Role: RoleStaff}
)

func newTestService() (*Service, *memRepo) {
	repo := newMemRepo()
	return NewService(repo, NewPolicy(24*time.Hour)), repo
}

func registerPatient(t *testing.T, svc *Service) *Patient {
	t.Helper()
	p, err := svc.RegisterPatient(context.Background(), clerk, t0.Add(-48*time.Hour), RegisterPatientRequest{
		Name:      "Ana Souza",
		BirthDate: time.Date(1980, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return p
}

func admit(t *testing.T, svc *Service, actor Actor, patientID uuid.UUID, at time.Time) *Episode {
	t.Helper()
	ep, err := svc.Admit(context.Background(), actor, at, AdmitRequest{
		PatientID:     patientID,
		AdmittedAt:    at,
		AdmissionType: AdmissionEmergency,
		Ward:          "A",
		Bed:           "12",
		Diagnosis:     "pneumonia",
	})
	require.NoError(t, err)
	return ep
}

func discharge(t *testing.T, svc *Service, epID uuid.UUID, at time.Time, dt DischargeType) *Episode {
	t.Helper()
	ep, err := svc.Discharge(context.Background(), doctor, at, epID, DischargeRequest{
		DischargedAt:  at,
		DischargeType: dt,
		Diagnosis:     "recovered",
	})
	require.NoError(t, err)
	return ep
}

func patientStatus(t *testing.T, svc *Service, id uuid.UUID) PatientStatus {
	t.Helper()
	p, err := svc.GetPatient(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func requirePermissionDenied(t *testing.T, err error, reason Reason) {
	t.Helper()
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, reason, denied.Reason)
}

func requireInvalidState(t *testing.T, err error, reason Reason) {
	t.Helper()
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, reason, invalid.Reason)
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for _, f := range verr.Fields {
		if f.Field == field {
			return
		}
	}
	t.Fatalf("expected validation error on %q, got %v", field, verr)
}

// -- Patients --

func TestService_RegisterPatient(t *testing.T) {
	svc, repo := newTestService()
	p := registerPatient(t, svc)

	assert.Equal(t, StatusOutpatient, p.Status)
	assert.Equal(t, "staff-1", p.CreatedBy)
	assert.Equal(t, []EventType{EventPatientRegistered}, repo.eventTypes())
}

func TestService_RegisterPatient_Validation(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.RegisterPatient(context.Background(), clerk, t0, RegisterPatientRequest{
		Name:      "  ",
		BirthDate: t0.Add(time.Hour),
	})
	requireValidation(t, err, "name")
	requireValidation(t, err, "birth_date")
}

func TestService_RegisterPatient_Unauthenticated(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.RegisterPatient(context.Background(), Actor{}, t0, RegisterPatientRequest{Name: "x", BirthDate: t0.AddDate(-1, 0, 0)})
	requirePermissionDenied(t, err, ReasonUnauthenticated)
}

func TestService_ListPatients(t *testing.T) {
	svc, _ := newTestService()
	p1 := registerPatient(t, svc)
	registerPatient(t, svc)
	admit(t, svc, nurse, p1.ID, t0)

	all, total, err := svc.ListPatients(context.Background(), "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	in, total, err := svc.ListPatients(context.Background(), StatusInpatient, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, p1.ID, in[0].ID)

	_, _, err = svc.ListPatients(context.Background(), "admitted", 10, 0)
	requireValidation(t, err, "status")
}

func TestService_ArchivePatient(t *testing.T) {
	svc, repo := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	err := svc.ArchivePatient(context.Background(), doctor, t0, p.ID)
	requirePermissionDenied(t, err, ReasonAdminRequired)

	err = svc.ArchivePatient(context.Background(), admin, t0, p.ID)
	requireInvalidState(t, err, ReasonActiveEpisodeExists)

	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeRoutine)
	require.NoError(t, svc.ArchivePatient(context.Background(), admin, t0.Add(2*time.Hour), p.ID))

	_, err = svc.GetPatient(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, EventPatientArchived, repo.lastEvent().Type)
}

func TestService_ArchivedPatientEpisodesHidden(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeRoutine)
	require.NoError(t, svc.ArchivePatient(ctx, admin, t0.Add(2*time.Hour), p.ID))

	_, err := svc.GetEpisode(ctx, ep.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Permissions(ctx, doctor, t0.Add(3*time.Hour), ep.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CancelDischarge(ctx, doctor, t0.Add(3*time.Hour), ep.ID, CancelDischargeRequest{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// -- Admit --

func TestService_Admit(t *testing.T) {
	svc, repo := newTestService()
	p := registerPatient(t, svc)

	ep := admit(t, svc, nurse, p.ID, t0)

	assert.Equal(t, StateActive, ep.State())
	assert.Equal(t, 1, ep.Version)
	assert.Equal(t, "nurse-1", ep.CreatedBy)
	assert.Equal(t, StatusInpatient, patientStatus(t, svc, p.ID))

	ev := repo.lastEvent()
	require.NotNil(t, ev)
	assert.Equal(t, EventAdmitted, ev.Type)
	assert.Equal(t, ep.ID, ev.AggregateID)
	assert.Equal(t, p.ID, ev.PatientID)
	assert.Len(t, ev.Changes, 5)
	assert.Nil(t, ev.Changes[0].From)
}

func TestService_Admit_DefaultsToNow(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)

	ep, err := svc.Admit(context.Background(), nurse, t0, AdmitRequest{
		PatientID: p.ID, AdmissionType: AdmissionElective, Ward: "B", Bed: "3",
	})
	require.NoError(t, err)
	assert.True(t, ep.AdmittedAt.Equal(t0))
}

// Admitting while an episode is active fails with a state error whoever
// asks.
func TestService_Admit_ActiveEpisodeExists(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	admit(t, svc, nurse, p.ID, t0)

	for _, actor := range []Actor{nurse, doctor, resident, admin, clerk} {
		_, err := svc.Admit(context.Background(), actor, t0.Add(time.Hour), AdmitRequest{
			PatientID: p.ID, AdmissionType: AdmissionEmergency, Ward: "A", Bed: "1",
		})
		requireInvalidState(t, err, ReasonActiveEpisodeExists)
	}
}

func TestService_Admit_Validation(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)

	_, err := svc.Admit(context.Background(), nurse, t0, AdmitRequest{
		PatientID:     p.ID,
		AdmittedAt:    t0.Add(10 * time.Minute),
		AdmissionType: "walk_in",
	})
	requireValidation(t, err, "admission_type")
	requireValidation(t, err, "ward")
	requireValidation(t, err, "bed")
	requireValidation(t, err, "admitted_at")
}

func TestService_Admit_ClockSkewTolerance(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)

	ep, err := svc.Admit(context.Background(), nurse, t0, AdmitRequest{
		PatientID: p.ID, AdmittedAt: t0.Add(4 * time.Minute), AdmissionType: AdmissionEmergency, Ward: "A", Bed: "1",
	})
	require.NoError(t, err)
	assert.True(t, ep.AdmittedAt.After(t0))
}

func TestService_Admit_BeforePreviousDischarge(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(48*time.Hour), DischargeRoutine)

	_, err := svc.Admit(context.Background(), nurse, t0.Add(72*time.Hour), AdmitRequest{
		PatientID: p.ID, AdmittedAt: t0.Add(24 * time.Hour), AdmissionType: AdmissionEmergency, Ward: "A", Bed: "1",
	})
	requireValidation(t, err, "admitted_at")
}

func TestService_Admit_Deceased(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeDeath)
	assert.Equal(t, StatusDeceased, patientStatus(t, svc, p.ID))

	_, err := svc.Admit(context.Background(), doctor, t0.Add(2*time.Hour), AdmitRequest{
		PatientID: p.ID, AdmissionType: AdmissionEmergency, Ward: "A", Bed: "1",
	})
	requireInvalidState(t, err, ReasonPatientDeceased)
}

func TestService_Admit_UnknownPatient(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Admit(context.Background(), nurse, t0, AdmitRequest{
		PatientID: uuid.New(), AdmissionType: AdmissionEmergency, Ward: "A", Bed: "1",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Admit_RollsBackWhenEventFails(t *testing.T) {
	svc, repo := newTestService()
	p := registerPatient(t, svc)
	repo.failAppend = errors.New("outbox unavailable")

	_, err := svc.Admit(context.Background(), nurse, t0, AdmitRequest{
		PatientID: p.ID, AdmissionType: AdmissionEmergency, Ward: "A", Bed: "1",
	})
	require.Error(t, err)

	_, err = svc.CurrentEpisode(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusOutpatient, patientStatus(t, svc, p.ID))
}

// -- Edit admission --

func TestService_EditAdmission_CreatorWindow(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		allowed bool
	}{
		{"just inside", 24*time.Hour - time.Second, true},
		{"exact boundary", 24 * time.Hour, true},
		{"just outside", 24*time.Hour + time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService()
			p := registerPatient(t, svc)
			ep := admit(t, svc, nurse, p.ID, t0)

			_, err := svc.EditAdmission(context.Background(), nurse, t0.Add(tt.elapsed), ep.ID, AdmissionPatch{Bed: ptr("14")})
			if tt.allowed {
				require.NoError(t, err)
			} else {
				requirePermissionDenied(t, err, ReasonEditWindowExpired)
			}
		})
	}
}

func TestService_EditAdmission_NotCreator(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	_, err := svc.EditAdmission(context.Background(), nurse2, t0.Add(time.Hour), ep.ID, AdmissionPatch{Bed: ptr("14")})
	requirePermissionDenied(t, err, ReasonNotRecordCreator)
}

func TestService_EditAdmission_PrivilegedAnyTime(t *testing.T) {
	svc, repo := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	out, err := svc.EditAdmission(context.Background(), resident, t0.Add(30*24*time.Hour), ep.ID, AdmissionPatch{
		Ward:   ptr("ICU"),
		Reason: "transferred",
	})
	require.NoError(t, err)
	assert.Equal(t, "ICU", out.Ward)
	assert.Equal(t, 2, out.Version)

	ev := repo.lastEvent()
	assert.Equal(t, EventAdmissionEdited, ev.Type)
	assert.Equal(t, "transferred", ev.Reason)
	assert.Equal(t, []FieldChange{{Field: "ward", From: "A", To: "ICU"}}, ev.Changes)
}

func TestService_EditAdmission_CompletedEpisode(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeRoutine)

	_, err := svc.EditAdmission(context.Background(), doctor, t0.Add(2*time.Hour), ep.ID, AdmissionPatch{Bed: ptr("1")})
	requireInvalidState(t, err, ReasonEpisodeNotActive)
}

func TestService_EditAdmission_Validation(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	_, err := svc.EditAdmission(context.Background(), doctor, t0, ep.ID, AdmissionPatch{})
	requireValidation(t, err, "admission")

	_, err = svc.EditAdmission(context.Background(), doctor, t0, ep.ID, AdmissionPatch{Ward: ptr(" ")})
	requireValidation(t, err, "ward")

	got, err := svc.GetEpisode(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Ward)
	assert.Equal(t, 1, got.Version)
}

func TestService_EditAdmission_VersionMismatch(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	_, err := svc.EditAdmission(context.Background(), doctor, t0, ep.ID, AdmissionPatch{Bed: ptr("2"), ExpectedVersion: 3})
	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Expected)
	assert.Equal(t, 1, conflict.Actual)

	_, err = svc.EditAdmission(context.Background(), doctor, t0, ep.ID, AdmissionPatch{Bed: ptr("2"), ExpectedVersion: 1})
	require.NoError(t, err)
}

// -- Discharge --

func TestService_Discharge(t *testing.T) {
	svc, repo := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	out := discharge(t, svc, ep.ID, t0.Add(72*time.Hour), DischargeRoutine)
	assert.Equal(t, StateCompleted, out.State())
	assert.Equal(t, "doctor-1", *out.DischargedBy)
	assert.Equal(t, StatusOutpatient, patientStatus(t, svc, p.ID))
	assert.Equal(t, EventDischarged, repo.lastEvent().Type)
}

func TestService_Discharge_NonPrivileged(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	for _, actor := range []Actor{nurse, clerk} {
		_, err := svc.Discharge(context.Background(), actor, t0.Add(time.Minute), ep.ID, DischargeRequest{DischargeType: DischargeRoutine})
		requirePermissionDenied(t, err, ReasonRoleNotPrivileged)
	}

	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeRoutine)
	// role is checked before state
	_, err := svc.Discharge(context.Background(), nurse, t0.Add(2*time.Hour), ep.ID, DischargeRequest{DischargeType: DischargeRoutine})
	requirePermissionDenied(t, err, ReasonRoleNotPrivileged)
}

func TestService_Discharge_Validation(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	_, err := svc.Discharge(context.Background(), doctor, t0.Add(time.Hour), ep.ID, DischargeRequest{
		DischargedAt: t0.Add(-time.Hour),
	})
	requireValidation(t, err, "discharge_type")
	requireValidation(t, err, "discharged_at")

	_, err = svc.Discharge(context.Background(), doctor, t0.Add(time.Hour), ep.ID, DischargeRequest{
		DischargedAt:  t0.Add(2 * time.Hour),
		DischargeType: DischargeRoutine,
	})
	requireValidation(t, err, "discharged_at")

	_, err = svc.Discharge(context.Background(), doctor, t0, ep.ID, DischargeRequest{
		DischargedAt:  t0,
		DischargeType: DischargeRoutine,
	})
	requireValidation(t, err, "discharged_at")
}

func TestService_Discharge_Twice(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeRoutine)

	_, err := svc.Discharge(context.Background(), doctor, t0.Add(2*time.Hour), ep.ID, DischargeRequest{DischargeType: DischargeRoutine})
	requireInvalidState(t, err, ReasonEpisodeNotActive)
}

func TestService_Discharge_Concurrent(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Discharge(context.Background(), doctor, t0.Add(time.Hour), ep.ID, DischargeRequest{
				DischargeType: DischargeRoutine,
				Diagnosis:     "ok",
			})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var invalid *InvalidStateError
		var conflict *ConcurrencyConflictError
		assert.True(t, errors.As(err, &invalid) || errors.As(err, &conflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)

	got, err := svc.GetEpisode(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

// -- Edit / cancel discharge --

func TestService_EditDischarge_Window(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	t1 := t0.Add(72 * time.Hour)
	discharge(t, svc, ep.ID, t1, DischargeRoutine)

	out, err := svc.EditDischarge(context.Background(), doctor, t1.Add(23*time.Hour), ep.ID, DischargePatch{Diagnosis: ptr("bronchitis")})
	require.NoError(t, err)
	assert.Equal(t, "bronchitis", *out.DischargeDiagnosis)

	_, err = svc.EditDischarge(context.Background(), doctor, t1.Add(25*time.Hour), ep.ID, DischargePatch{Diagnosis: ptr("x")})
	requirePermissionDenied(t, err, ReasonEditWindowExpired)

	_, err = svc.EditDischarge(context.Background(), nurse, t1.Add(time.Hour), ep.ID, DischargePatch{Diagnosis: ptr("x")})
	requirePermissionDenied(t, err, ReasonRoleNotPrivileged)
}

func TestService_EditDischarge_RedatingKeepsWindow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	t1 := t0.Add(72 * time.Hour)
	discharge(t, svc, ep.ID, t1, DischargeRoutine)

	// moving the discharge forward is a valid correction...
	now := t1.Add(23 * time.Hour)
	out, err := svc.EditDischarge(ctx, doctor, now, ep.ID, DischargePatch{DischargedAt: ptr(now)})
	require.NoError(t, err)
	assert.True(t, out.DischargedAt.Equal(now))
	require.NotNil(t, out.OriginalDischargedAt)
	assert.True(t, out.OriginalDischargedAt.Equal(t1))

	// ...but the window still closes 24h after the discharge was recorded
	now = t1.Add(46 * time.Hour)
	_, err = svc.EditDischarge(ctx, doctor, now, ep.ID, DischargePatch{DischargedAt: ptr(now)})
	requirePermissionDenied(t, err, ReasonEditWindowExpired)

	decisions, err := svc.Permissions(ctx, doctor, now, ep.ID)
	require.NoError(t, err)
	for _, d := range decisions {
		if d.Operation == OpCancelDischarge {
			require.NotNil(t, d.WindowEndsAt)
			assert.True(t, d.WindowEndsAt.Equal(t1.Add(24*time.Hour)))
		}
	}

	_, err = svc.CancelDischarge(ctx, doctor, t1.Add(138*time.Hour), ep.ID, CancelDischargeRequest{})
	requirePermissionDenied(t, err, ReasonEditWindowExpired)
}

func TestService_EditDischarge_TypeChangesStatus(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeRoutine)

	death := DischargeDeath
	_, err := svc.EditDischarge(context.Background(), doctor, t0.Add(2*time.Hour), ep.ID, DischargePatch{DischargeType: &death})
	require.NoError(t, err)
	assert.Equal(t, StatusDeceased, patientStatus(t, svc, p.ID))

	routine := DischargeRoutine
	_, err = svc.EditDischarge(context.Background(), doctor, t0.Add(3*time.Hour), ep.ID, DischargePatch{DischargeType: &routine})
	require.NoError(t, err)
	assert.Equal(t, StatusOutpatient, patientStatus(t, svc, p.ID))
}

func TestService_EditDischarge_Superseded(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	first := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, first.ID, t0.Add(time.Hour), DischargeRoutine)
	admit(t, svc, nurse, p.ID, t0.Add(2*time.Hour))

	death := DischargeDeath
	_, err := svc.EditDischarge(context.Background(), doctor, t0.Add(3*time.Hour), first.ID, DischargePatch{DischargeType: &death})
	require.NoError(t, err)
	assert.Equal(t, StatusInpatient, patientStatus(t, svc, p.ID))

	_, err = svc.EditDischarge(context.Background(), doctor, t0.Add(3*time.Hour), first.ID, DischargePatch{
		DischargedAt: ptr(t0.Add(90 * time.Minute)),
	})
	requireValidation(t, err, "discharged_at")
}

func TestService_CancelDischarge(t *testing.T) {
	svc, repo := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(72*time.Hour), DischargeRoutine)

	out, err := svc.CancelDischarge(context.Background(), doctor, t0.Add(73*time.Hour), ep.ID, CancelDischargeRequest{Reason: "discharged by mistake"})
	require.NoError(t, err)

	assert.Equal(t, StateActive, out.State())
	assert.Nil(t, out.DischargeType)
	assert.Nil(t, out.DischargeDiagnosis)
	assert.Nil(t, out.DischargedBy)
	assert.Nil(t, out.OriginalDischargedAt)
	assert.True(t, out.AdmittedAt.Equal(ep.AdmittedAt))
	assert.Equal(t, ep.AdmissionType, out.AdmissionType)
	assert.Equal(t, ep.Ward, out.Ward)
	assert.Equal(t, ep.Bed, out.Bed)
	assert.Equal(t, ep.AdmissionDiagnosis, out.AdmissionDiagnosis)
	assert.Equal(t, 3, out.Version)
	assert.Equal(t, StatusInpatient, patientStatus(t, svc, p.ID))

	ev := repo.lastEvent()
	assert.Equal(t, EventDischargeCancelled, ev.Type)
	assert.Equal(t, "discharged by mistake", ev.Reason)
}

func TestService_CancelDischarge_Twice(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, ep.ID, t0.Add(time.Hour), DischargeRoutine)

	_, err := svc.CancelDischarge(context.Background(), doctor, t0.Add(2*time.Hour), ep.ID, CancelDischargeRequest{})
	require.NoError(t, err)
	_, err = svc.CancelDischarge(context.Background(), doctor, t0.Add(2*time.Hour), ep.ID, CancelDischargeRequest{})
	requireInvalidState(t, err, ReasonEpisodeNotCompleted)
}

func TestService_CancelDischarge_WindowExpired(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)
	t1 := t0.Add(72 * time.Hour)
	discharge(t, svc, ep.ID, t1, DischargeRoutine)

	_, err := svc.CancelDischarge(context.Background(), doctor, t1.Add(25*time.Hour), ep.ID, CancelDischargeRequest{})
	requirePermissionDenied(t, err, ReasonEditWindowExpired)
}

func TestService_CancelDischarge_Readmitted(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	first := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, first.ID, t0.Add(time.Hour), DischargeRoutine)
	second := admit(t, svc, nurse, p.ID, t0.Add(2*time.Hour))

	_, err := svc.CancelDischarge(context.Background(), doctor, t0.Add(3*time.Hour), first.ID, CancelDischargeRequest{})
	requireInvalidState(t, err, ReasonActiveEpisodeExists)

	discharge(t, svc, second.ID, t0.Add(4*time.Hour), DischargeRoutine)
	_, err = svc.CancelDischarge(context.Background(), doctor, t0.Add(5*time.Hour), first.ID, CancelDischargeRequest{})
	requireInvalidState(t, err, ReasonEpisodeSuperseded)

	_, err = svc.CancelDischarge(context.Background(), doctor, t0.Add(5*time.Hour), second.ID, CancelDischargeRequest{})
	require.NoError(t, err)
}

// -- Reads --

func TestService_HistoryAndCurrent(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	first := admit(t, svc, nurse, p.ID, t0)
	discharge(t, svc, first.ID, t0.Add(time.Hour), DischargeRoutine)
	second := admit(t, svc, nurse, p.ID, t0.Add(2*time.Hour))

	eps, total, err := svc.History(context.Background(), p.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, first.ID, eps[0].ID)
	assert.Equal(t, second.ID, eps[1].ID)

	cur, err := svc.CurrentEpisode(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)

	_, _, err = svc.History(context.Background(), uuid.New(), 10, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Permissions(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	decisions, err := svc.Permissions(context.Background(), nurse, t0.Add(time.Hour), ep.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 5)

	byOp := map[Operation]Decision{}
	for _, d := range decisions {
		byOp[d.Operation] = d
	}
	assert.Equal(t, ReasonActiveEpisodeExists, byOp[OpAdmit].Reason)
	assert.True(t, byOp[OpEditAdmission].Allowed)
	require.NotNil(t, byOp[OpEditAdmission].WindowEndsAt)
	assert.True(t, byOp[OpEditAdmission].WindowEndsAt.Equal(t0.Add(24*time.Hour)))
	assert.Equal(t, ReasonRoleNotPrivileged, byOp[OpDischarge].Reason)
}

func TestService_LogsTransitions(t *testing.T) {
	svc, _ := newTestService()
	var buf bytes.Buffer
	svc.SetLogger(zerolog.New(&buf))
	p := registerPatient(t, svc)
	admit(t, svc, nurse, p.ID, t0)

	assert.Contains(t, buf.String(), `"message":"episode transition committed"`)
	assert.Contains(t, buf.String(), `"operation":"admit"`)
}

// Scenario: a nurse admits and may correct the admission for one day only.
func TestScenario_NurseCorrectsAdmission(t *testing.T) {
	svc, _ := newTestService()
	p := registerPatient(t, svc)
	ep := admit(t, svc, nurse, p.ID, t0)

	_, err := svc.EditAdmission(context.Background(), nurse, t0.Add(23*time.Hour), ep.ID, AdmissionPatch{Bed: ptr("13")})
	require.NoError(t, err)
	_, err = svc.EditAdmission(context.Background(), nurse, t0.Add(25*time.Hour), ep.ID, AdmissionPatch{Bed: ptr("14")})
	requirePermissionDenied(t, err, ReasonEditWindowExpired)
}
