package registry

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is the in-process registry backend. A single RWMutex guards the
// map; position writes never block pool reads for longer than a map copy.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverSnapshot
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]models.DriverSnapshot), now: time.Now}
}

// upsert applies fn to the driver's record, creating it on first sight.
func (m *Memory) upsert(driverID string, fn func(*models.DriverSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = models.DriverSnapshot{
			ID:           driverID,
			Availability: models.AvailabilityOffline,
			Approval:     models.ApprovalIncomplete,
		}
	}
	fn(&d)
	d.Updated = m.now()
	m.drivers[driverID] = d
}

func (m *Memory) SetAvailability(ctx context.Context, driverID string, av models.Availability) error {
	if av != models.AvailabilityOnline && av != models.AvailabilityOffline {
		return ErrBadAvailability
	}
	m.upsert(driverID, func(d *models.DriverSnapshot) {
		if av == models.AvailabilityOnline && d.Availability != models.AvailabilityOnline {
			d.LastActive = m.now()
		}
		d.Availability = av
	})
	return nil
}

func (m *Memory) UpdatePosition(ctx context.Context, driverID string, pos models.Coordinate) error {
	m.upsert(driverID, func(d *models.DriverSnapshot) {
		d.Position = pos
	})
	return nil
}

func (m *Memory) SetApproval(ctx context.Context, driverID string, ap models.Approval) error {
	m.upsert(driverID, func(d *models.DriverSnapshot) {
		d.Approval = ap
	})
	return nil
}

func (m *Memory) SetRating(ctx context.Context, driverID string, rating float64) error {
	m.upsert(driverID, func(d *models.DriverSnapshot) {
		d.Rating = rating
	})
	return nil
}

func (m *Memory) SetBusy(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	if d.Availability != models.AvailabilityOnline {
		return ErrNotAvailable
	}
	d.Availability = models.AvailabilityBusy
	d.Updated = m.now()
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) Release(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	if d.Availability == models.AvailabilityBusy {
		d.Availability = models.AvailabilityOnline
		d.LastActive = m.now()
	}
	d.Updated = m.now()
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) SnapshotPool(ctx context.Context) ([]models.DriverSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverSnapshot, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Approval != models.ApprovalApproved {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *Memory) Get(ctx context.Context, driverID string) (models.DriverSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.DriverSnapshot{}, ErrUnknownDriver
	}
	return d, nil
}
