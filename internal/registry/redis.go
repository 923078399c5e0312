package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Redis is a registry backend shared between the API process and the
// location-stream consumer. Positions live in a GEO set, the rest of the
// driver record in a per-driver hash, and a plain set enumerates members
// for pool snapshots.
type Redis struct {
	client *redis.Client
	geoKey string
	setKey string
	now    func() time.Time
}

func NewRedis(addr, password, geoKey string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisWithClient(c, geoKey)
}

func NewRedisWithClient(c *redis.Client, geoKey string) *Redis {
	return &Redis{client: c, geoKey: geoKey, setKey: geoKey + ":members", now: time.Now}
}

func metaKey(driverID string) string { return "driver:meta:" + driverID }

func (r *Redis) touch(ctx context.Context, driverID string, fields map[string]interface{}) error {
	fields["updated"] = r.now().UTC().Format(time.RFC3339Nano)
	if err := r.client.HSet(ctx, metaKey(driverID), fields).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.setKey, driverID).Err()
}

func (r *Redis) SetAvailability(ctx context.Context, driverID string, av models.Availability) error {
	if av != models.AvailabilityOnline && av != models.AvailabilityOffline {
		return ErrBadAvailability
	}
	fields := map[string]interface{}{"availability": string(av)}
	if av == models.AvailabilityOnline {
		cur, err := r.client.HGet(ctx, metaKey(driverID), "availability").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != string(models.AvailabilityOnline) {
			fields["last_active"] = r.now().UTC().Format(time.RFC3339Nano)
		}
	}
	return r.touch(ctx, driverID, fields)
}

func (r *Redis) UpdatePosition(ctx context.Context, driverID string, pos models.Coordinate) error {
	err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Name:      driverID,
		Longitude: pos.Lon,
		Latitude:  pos.Lat,
	}).Err()
	if err != nil {
		return err
	}
	return r.touch(ctx, driverID, map[string]interface{}{})
}

func (r *Redis) SetApproval(ctx context.Context, driverID string, ap models.Approval) error {
	return r.touch(ctx, driverID, map[string]interface{}{"approval": string(ap)})
}

func (r *Redis) SetRating(ctx context.Context, driverID string, rating float64) error {
	return r.touch(ctx, driverID, map[string]interface{}{"rating": strconv.FormatFloat(rating, 'f', -1, 64)})
}

// setBusyScript flips availability online->busy in one atomic round
// trip. A read-then-write pair would let two concurrent commits both
// observe "online" and both reserve the driver.
var setBusyScript = redis.NewScript(`
local av = redis.call("HGET", KEYS[1], "availability")
if av == false then return "unknown" end
if av ~= ARGV[1] then return "unavailable" end
redis.call("HSET", KEYS[1], "availability", ARGV[2], "updated", ARGV[3])
return "ok"`)

func (r *Redis) SetBusy(ctx context.Context, driverID string) error {
	res, err := setBusyScript.Run(ctx, r.client, []string{metaKey(driverID)},
		string(models.AvailabilityOnline),
		string(models.AvailabilityBusy),
		r.now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return err
	}
	return busyResult(res)
}

// busyResult maps the script's verdict onto the registry errors.
func busyResult(res string) error {
	switch res {
	case "ok":
		return nil
	case "unknown":
		return ErrUnknownDriver
	default:
		return ErrNotAvailable
	}
}

func (r *Redis) Release(ctx context.Context, driverID string) error {
	cur, err := r.client.HGet(ctx, metaKey(driverID), "availability").Result()
	if err == redis.Nil {
		return ErrUnknownDriver
	}
	if err != nil {
		return err
	}
	if cur != string(models.AvailabilityBusy) {
		return r.touch(ctx, driverID, map[string]interface{}{})
	}
	return r.touch(ctx, driverID, map[string]interface{}{
		"availability": string(models.AvailabilityOnline),
		"last_active":  r.now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Redis) SnapshotPool(ctx context.Context) ([]models.DriverSnapshot, error) {
	ids, err := r.client.SMembers(ctx, r.setKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverSnapshot, 0, len(ids))
	for _, id := range ids {
		d, err := r.load(ctx, id)
		if err != nil {
			if err == ErrUnknownDriver {
				continue
			}
			return nil, err
		}
		if d.Approval != models.ApprovalApproved {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, driverID string) (models.DriverSnapshot, error) {
	return r.load(ctx, driverID)
}

func (r *Redis) load(ctx context.Context, driverID string) (models.DriverSnapshot, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverSnapshot{}, err
	}
	if len(meta) == 0 {
		return models.DriverSnapshot{}, ErrUnknownDriver
	}
	d := models.DriverSnapshot{
		ID:           driverID,
		Availability: models.AvailabilityOffline,
		Approval:     models.ApprovalIncomplete,
	}
	if v, ok := meta["availability"]; ok && v != "" {
		d.Availability = models.Availability(v)
	}
	if v, ok := meta["approval"]; ok && v != "" {
		d.Approval = models.Approval(v)
	}
	if v, ok := meta["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := meta["last_active"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.LastActive = t
		}
	}
	if v, ok := meta["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.Updated = t
		}
	}
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err == nil && len(pos) == 1 && pos[0] != nil {
		d.Position = models.Coordinate{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}
