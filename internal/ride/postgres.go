package ride

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists ride records in Postgres. The compare-and-set
// guard is the (status, version) predicate on every UPDATE; RowsAffected
// zero means the caller lost the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const rideColumns = `id, passenger_id, passenger_name, pickup_lat, pickup_lon, pickup_addr,
	drop_lat, drop_lon, drop_addr, fare, COALESCE(driver_id, ''), status, start_code,
	COALESCE(cancel_reason, ''), created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, rec *models.RideRecord) error {
	rec.State = models.StatePending
	rec.Version = 1
	row := p.db.QueryRowContext(ctx, `INSERT INTO rides
		(id, passenger_id, passenger_name, pickup_lat, pickup_lon, pickup_addr,
		 drop_lat, drop_lon, drop_addr, fare, status, start_code, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		rec.ID, rec.PassengerID, rec.PassengerName,
		rec.Pickup.Lat, rec.Pickup.Lon, rec.PickupAddr,
		rec.Drop.Lat, rec.Drop.Lon, rec.DropAddr,
		rec.Fare, rec.State, rec.StartCode, rec.Version)
	return row.Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.RideRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) List(ctx context.Context) ([]models.RideRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideRecord
	for rows.Next() {
		rec, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, id string, fromState models.RideState, fromVersion int64, upd Update) (models.RideRecord, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			status = $1,
			driver_id = COALESCE($2, driver_id),
			cancel_reason = COALESCE($3, cancel_reason),
			version = version + 1,
			updated_at = now()
		WHERE id = $4 AND status = $5 AND version = $6`,
		upd.To, upd.DriverID, upd.CancelReason, id, fromState, fromVersion)
	if err != nil {
		return models.RideRecord{}, err
	}
	if err := p.checkAffected(ctx, res, id); err != nil {
		return models.RideRecord{}, err
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) Assign(ctx context.Context, id string, fromVersion int64, driverID string) (models.RideRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RideRecord{}, err
	}
	defer tx.Rollback()

	// Fast path: an existing active assignment for the driver fails the
	// attempt and the FOR UPDATE serializes against its release. Two
	// concurrent Assigns of one driver to different rides both see no
	// row here, so this check alone cannot close the window.
	var other string
	err = tx.QueryRowContext(ctx, `SELECT id FROM rides
			WHERE driver_id = $1 AND id <> $2 AND status NOT IN ($3, $4)
			LIMIT 1 FOR UPDATE`,
		driverID, id, models.StateCompleted, models.StateCancelled).Scan(&other)
	switch {
	case err == nil:
		return models.RideRecord{}, ErrDriverBusy
	case err != sql.ErrNoRows:
		return models.RideRecord{}, err
	}

	// The partial unique index on active driver_id rows is the
	// authoritative guard: the loser of a concurrent commit hits a
	// unique violation here rather than write skew.
	res, err := tx.ExecContext(ctx, `UPDATE rides SET
			status = $1, driver_id = $2, version = version + 1, updated_at = now()
		WHERE id = $3 AND status = $4 AND version = $5`,
		models.StateAccepted, driverID, id, models.StatePending, fromVersion)
	if err != nil {
		if uniqueViolation(err) {
			return models.RideRecord{}, ErrDriverBusy
		}
		return models.RideRecord{}, err
	}
	if err := p.checkAffected(ctx, res, id); err != nil {
		return models.RideRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		if uniqueViolation(err) {
			return models.RideRecord{}, ErrDriverBusy
		}
		return models.RideRecord{}, err
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("cas probe: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// uniqueViolation reports whether err is Postgres rejecting a second
// active ride row for one driver (idx_rides_driver_active).
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (models.RideRecord, error) {
	var rec models.RideRecord
	err := row.Scan(&rec.ID, &rec.PassengerID, &rec.PassengerName,
		&rec.Pickup.Lat, &rec.Pickup.Lon, &rec.PickupAddr,
		&rec.Drop.Lat, &rec.Drop.Lon, &rec.DropAddr,
		&rec.Fare, &rec.DriverID, &rec.State, &rec.StartCode,
		&rec.CancelReason, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err == sql.ErrNoRows {
		return models.RideRecord{}, ErrNotFound
	}
	return rec, err
}
