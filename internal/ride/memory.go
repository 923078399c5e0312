package ride

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps ride records in process. One mutex serializes all
// mutations; the driver index makes the single-assignment check O(1).
type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]models.RideRecord
	active map[string]string // driverID -> non-terminal ride ID
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[string]models.RideRecord),
		active: make(map[string]string),
		now:    time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *models.RideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[rec.ID]; ok {
		return ErrConflict
	}
	rec.CreatedAt = m.now()
	rec.UpdatedAt = rec.CreatedAt
	rec.State = models.StatePending
	rec.Version = 1
	m.rides[rec.ID] = *rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.RideRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rides[id]
	if !ok {
		return models.RideRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]models.RideRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideRecord, 0, len(m.rides))
	for _, rec := range m.rides {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, fromState models.RideState, fromVersion int64, upd Update) (models.RideRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rides[id]
	if !ok {
		return models.RideRecord{}, ErrNotFound
	}
	if rec.State != fromState || rec.Version != fromVersion {
		return models.RideRecord{}, ErrConflict
	}
	m.apply(&rec, upd)
	m.rides[id] = rec
	return rec, nil
}

func (m *MemoryStore) Assign(ctx context.Context, id string, fromVersion int64, driverID string) (models.RideRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rides[id]
	if !ok {
		return models.RideRecord{}, ErrNotFound
	}
	if rec.State != models.StatePending || rec.Version != fromVersion {
		return models.RideRecord{}, ErrConflict
	}
	if other, busy := m.active[driverID]; busy && other != id {
		return models.RideRecord{}, ErrDriverBusy
	}
	m.apply(&rec, Update{To: models.StateAccepted, DriverID: &driverID})
	m.rides[id] = rec
	return rec, nil
}

// apply mutates rec under the store lock and maintains the driver index.
func (m *MemoryStore) apply(rec *models.RideRecord, upd Update) {
	if upd.DriverID != nil {
		rec.DriverID = *upd.DriverID
	}
	if upd.CancelReason != nil {
		rec.CancelReason = *upd.CancelReason
	}
	rec.State = upd.To
	rec.Version++
	rec.UpdatedAt = m.now()

	if rec.DriverID == "" {
		return
	}
	if rec.State.Terminal() {
		if m.active[rec.DriverID] == rec.ID {
			delete(m.active, rec.DriverID)
		}
	} else {
		m.active[rec.DriverID] = rec.ID
	}
}
