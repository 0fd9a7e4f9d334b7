package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultGeoKey = "drivers:geo"

	// Redis GEO cannot index latitudes beyond the web mercator limits.
	redisMaxLat = 85.05112878

	// Redis computes GEORADIUS with a slightly different earth radius, so the
	// server side query is widened and the exact cut happens here.
	radiusPadFactor = 1.01
	radiusPadKm     = 0.01
)

// RedisIndex implements Index on a Redis GEO set plus one hash per driver
// carrying the metadata the GEO set cannot hold.
type RedisIndex struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	opts   options
}

// NewRedisIndex wraps an existing client. The per-driver hash expires after
// four staleness windows so long-gone drivers do not accumulate metadata.
func NewRedisIndex(client *redis.Client, opts ...Option) *RedisIndex {
	o := buildOptions(opts)
	return &RedisIndex{client: client, key: o.key, ttl: 4 * o.staleness, opts: o}
}

const locKeyPrefix = "driver:loc:"

func locKey(id string) string { return locKeyPrefix + id }

// pruneScript drops GEO members whose metadata hash has expired. The EXISTS
// check runs inside the script so a concurrent Upsert is never undone.
var pruneScript = redis.NewScript(`
local removed = 0
for i = 2, #ARGV do
  if redis.call('EXISTS', ARGV[1] .. ARGV[i]) == 0 then
    removed = removed + redis.call('ZREM', KEYS[1], ARGV[i])
  end
end
return removed
`)

const pruneBatch = 500

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (r *RedisIndex) Upsert(ctx context.Context, loc Location) error {
	if err := loc.validate(); err != nil {
		return err
	}
	if math.Abs(loc.Lat) > redisMaxLat {
		return fmt.Errorf("%w: latitude %f outside indexable range", ErrInvalidQuery, loc.Lat)
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = r.opts.now()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: loc.DriverID, Longitude: loc.Lng, Latitude: loc.Lat})
		pipe.HSet(ctx, locKey(loc.DriverID), map[string]interface{}{
			"lat":           strconv.FormatFloat(loc.Lat, 'f', -1, 64),
			"lng":           strconv.FormatFloat(loc.Lng, 'f', -1, 64),
			"online":        strconv.FormatBool(loc.Online),
			"vehicle_type":  string(loc.VehicleType),
			"updated_at_ms": strconv.FormatInt(loc.UpdatedAt.UnixMilli(), 10),
		})
		pipe.Expire(ctx, locKey(loc.DriverID), r.ttl)
		return nil
	})
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (r *RedisIndex) MarkOffline(ctx context.Context, driverID string) error {
	n, err := r.client.Exists(ctx, locKey(driverID)).Result()
	if err != nil {
		return unavailable("mark offline", err)
	}
	if n == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, locKey(driverID), "online", "false").Err(); err != nil {
		return unavailable("mark offline", err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, q Query) ([]Nearby, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if math.Abs(q.Lat) > redisMaxLat {
		return nil, fmt.Errorf("%w: latitude %f outside indexable range", ErrInvalidQuery, q.Lat)
	}
	res, err := r.client.GeoRadius(ctx, r.key, q.Lng, q.Lat, &redis.GeoRadiusQuery{
		Radius: q.RadiusKm*radiusPadFactor + radiusPadKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, unavailable("georadius", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGetAll(ctx, locKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("load metadata", err)
	}

	now := r.opts.now()
	out := make([]Nearby, 0, len(res))
	var gone []string
	for i, g := range res {
		if len(cmds[i].Val()) == 0 {
			gone = append(gone, g.Name)
			continue
		}
		loc, ok := parseLocation(g.Name, cmds[i].Val())
		if !ok || !matchable(loc, q, now, r.opts.staleness) {
			continue
		}
		dist := Haversine(q.Lat, q.Lng, loc.Lat, loc.Lng)
		if !(dist <= q.RadiusKm) {
			continue
		}
		out = append(out, Nearby{DriverID: loc.DriverID, DistanceKm: dist, Lat: loc.Lat, Lng: loc.Lng, VehicleType: loc.VehicleType})
	}
	if len(gone) > 0 {
		// Housekeeping only; a failure leaves the members for the next sweep.
		_, _ = r.prune(ctx, gone)
	}
	return sortAndLimit(out, q.Limit), nil
}

// Prune sweeps the whole GEO set and removes drivers whose metadata hash has
// expired. It returns how many members were removed.
func (r *RedisIndex) Prune(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.ZScan(ctx, r.key, cursor, "", pruneBatch).Result()
		if err != nil {
			return removed, unavailable("prune scan", err)
		}
		// ZSCAN replies alternate member and score.
		members := make([]string, 0, len(keys)/2)
		for i := 0; i < len(keys); i += 2 {
			members = append(members, keys[i])
		}
		n, err := r.prune(ctx, members)
		removed += n
		if err != nil {
			return removed, err
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *RedisIndex) prune(ctx context.Context, members []string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(members)+1)
	args = append(args, locKeyPrefix)
	for _, m := range members {
		args = append(args, m)
	}
	n, err := pruneScript.Run(ctx, r.client, []string{r.key}, args...).Int()
	if err != nil {
		return 0, unavailable("prune", err)
	}
	return n, nil
}

// parseLocation rebuilds a Location from its hash. A missing or partial hash
// (expired, or only ever marked offline) is reported as not ok.
func parseLocation(id string, m map[string]string) (Location, bool) {
	lat, err := strconv.ParseFloat(m["lat"], 64)
	if err != nil {
		return Location{}, false
	}
	lng, err := strconv.ParseFloat(m["lng"], 64)
	if err != nil {
		return Location{}, false
	}
	ms, err := strconv.ParseInt(m["updated_at_ms"], 10, 64)
	if err != nil {
		return Location{}, false
	}
	return Location{
		DriverID:    id,
		Lat:         lat,
		Lng:         lng,
		Online:      m["online"] == "true",
		VehicleType: models.VehicleType(m["vehicle_type"]),
		UpdatedAt:   time.UnixMilli(ms),
	}, true
}

// Ping reports whether the backing store answers, for readiness probes.
func (r *RedisIndex) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
