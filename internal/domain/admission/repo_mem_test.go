package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

// memRepo keeps state in maps. WithinTx serializes transactions and restores
// a snapshot when fn fails, which is enough to model row locks and rollback.
type memRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex

	patients map[uuid.UUID]Patient
	episodes map[uuid.UUID]*Episode
	events   []*ChangeEvent

	// failAppend makes the next AppendEvent fail.
	failAppend error
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients: make(map[uuid.UUID]Patient),
		episodes: make(map[uuid.UUID]*Episode),
	}
}

type txKey struct{}

func (m *memRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	patients := make(map[uuid.UUID]Patient, len(m.patients))
	for k, v := range m.patients {
		patients[k] = v
	}
	episodes := make(map[uuid.UUID]*Episode, len(m.episodes))
	for k, v := range m.episodes {
		episodes[k] = v.Clone()
	}
	events := append([]*ChangeEvent(nil), m.events...)
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.mu.Lock()
		m.patients, m.episodes, m.events = patients, episodes, events
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memRepo) CreatePatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = *p
	return nil
}

func (m *memRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memRepo) LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return m.GetPatient(ctx, id)
}

func (m *memRepo) UpdatePatientStatus(_ context.Context, id uuid.UUID, status PatientStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.DeletedAt != nil {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	m.patients[id] = p
	return nil
}

func (m *memRepo) ArchivePatient(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.DeletedAt != nil {
		return ErrNotFound
	}
	p.DeletedAt = &at
	m.patients[id] = p
	return nil
}

func (m *memRepo) ListPatients(_ context.Context, status PatientStatus, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Patient
	for _, p := range m.patients {
		if p.DeletedAt != nil || (status != "" && p.Status != status) {
			continue
		}
		p := p
		all = append(all, &p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (m *memRepo) CreateEpisode(_ context.Context, ep *Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.episodes {
		if other.PatientID == ep.PatientID && other.Active() {
			return ErrActiveEpisodeExists
		}
	}
	m.episodes[ep.ID] = ep.Clone()
	return nil
}

func (m *memRepo) GetEpisode(_ context.Context, id uuid.UUID) (*Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	if !ok || m.patients[ep.PatientID].DeletedAt != nil {
		return nil, ErrNotFound
	}
	return ep.Clone(), nil
}

func (m *memRepo) LockEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return m.GetEpisode(ctx, id)
}

func (m *memRepo) UpdateEpisode(_ context.Context, ep *Episode, prevVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.episodes[ep.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		return &ConcurrencyConflictError{EpisodeID: ep.ID, Expected: prevVersion, Actual: cur.Version}
	}
	m.episodes[ep.ID] = ep.Clone()
	return nil
}

func (m *memRepo) ActiveEpisode(_ context.Context, patientID uuid.UUID) (*Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.episodes {
		if ep.PatientID == patientID && ep.Active() {
			return ep.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) LatestDischarge(_ context.Context, patientID uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, ep := range m.episodes {
		if ep.PatientID != patientID || ep.DischargedAt == nil {
			continue
		}
		if last == nil || ep.DischargedAt.After(*last) {
			t := *ep.DischargedAt
			last = &t
		}
	}
	return last, nil
}

func (m *memRepo) ListEpisodes(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Episode, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Episode
	for _, ep := range m.episodes {
		if ep.PatientID == patientID {
			all = append(all, ep.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AdmittedAt.Before(all[j].AdmittedAt) })
	return page(all, limit, offset), len(all), nil
}

func (m *memRepo) AppendEvent(_ context.Context, ev *ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAppend; err != nil {
		m.failAppend = nil
		return err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) eventTypes() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func (m *memRepo) lastEvent() *ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}
