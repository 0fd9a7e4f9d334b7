package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
)

const (
	// cellPrecision 5 gives cells of roughly 4.9km x 4.9km at the equator.
	cellPrecision = 5
	maxCellScan   = 4096
)

type options struct {
	staleness time.Duration
	now       func() time.Time
	key       string
}

type Option func(*options)

// WithStaleness overrides DefaultStaleness.
func WithStaleness(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleness = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithGeoKey names the Redis GEO set. Only RedisIndex uses it.
func WithGeoKey(key string) Option {
	return func(o *options) {
		if key != "" {
			o.key = key
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{staleness: DefaultStaleness, now: time.Now, key: DefaultGeoKey}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// MemoryIndex keeps driver locations in process, bucketed by geohash cell so
// a query only visits the cells overlapping the search circle.
type MemoryIndex struct {
	opts options

	mu      sync.RWMutex
	drivers map[string]Location
	cellOf  map[string]string
	cells   map[string]map[string]struct{}
}

func NewMemoryIndex(opts ...Option) *MemoryIndex {
	return &MemoryIndex{
		opts:    buildOptions(opts),
		drivers: make(map[string]Location),
		cellOf:  make(map[string]string),
		cells:   make(map[string]map[string]struct{}),
	}
}

func (g *MemoryIndex) Upsert(_ context.Context, loc Location) error {
	if err := loc.validate(); err != nil {
		return err
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = g.opts.now()
	}
	cell := geohash.EncodeWithPrecision(loc.Lat, loc.Lng, cellPrecision)

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.cellOf[loc.DriverID]; ok && prev != cell {
		g.removeFromCell(prev, loc.DriverID)
	}
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[cell] = bucket
	}
	bucket[loc.DriverID] = struct{}{}
	g.cellOf[loc.DriverID] = cell
	g.drivers[loc.DriverID] = loc
	return nil
}

func (g *MemoryIndex) removeFromCell(cell, driverID string) {
	bucket := g.cells[cell]
	delete(bucket, driverID)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

func (g *MemoryIndex) MarkOffline(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if loc, ok := g.drivers[driverID]; ok {
		loc.Online = false
		g.drivers[driverID] = loc
	}
	return nil
}

// Get returns the stored entry regardless of freshness.
func (g *MemoryIndex) Get(driverID string) (Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	loc, ok := g.drivers[driverID]
	return loc, ok
}

func (g *MemoryIndex) Nearby(ctx context.Context, q Query) ([]Nearby, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := g.opts.now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Nearby
	visit := func(id string) {
		loc := g.drivers[id]
		if !matchable(loc, q, now, g.opts.staleness) {
			return
		}
		dist := Haversine(q.Lat, q.Lng, loc.Lat, loc.Lng)
		if !(dist <= q.RadiusKm) {
			return
		}
		out = append(out, Nearby{DriverID: id, DistanceKm: dist, Lat: loc.Lat, Lng: loc.Lng, VehicleType: loc.VehicleType})
	}

	if cells, ok := coveringCells(q.Lat, q.Lng, q.RadiusKm); ok {
		for cell := range cells {
			for id := range g.cells[cell] {
				visit(id)
			}
		}
	} else {
		for id := range g.drivers {
			visit(id)
		}
	}
	return sortAndLimit(out, q.Limit), nil
}

// coveringCells returns every geohash cell intersecting the bounding box of
// the search circle. ok is false when the box wraps a pole or the
// antimeridian, or is too large to enumerate; callers then scan everything.
func coveringCells(lat, lng, radiusKm float64) (map[string]struct{}, bool) {
	const pad = 1e-6 // degrees, absorbs float rounding at the box edge

	r := radiusKm / EarthRadiusKm
	latR := toRadians(lat)
	minLat := toDegrees(latR-r) - pad
	maxLat := toDegrees(latR+r) + pad
	if minLat <= -90 || maxLat >= 90 {
		return nil, false
	}
	s := math.Sin(r) / math.Cos(latR)
	if s >= 1 {
		return nil, false
	}
	dLng := toDegrees(math.Asin(s)) + pad
	minLng, maxLng := lng-dLng, lng+dLng
	if minLng < -180 || maxLng > 180 {
		return nil, false
	}

	box := geohash.BoundingBox(geohash.EncodeWithPrecision(lat, lng, cellPrecision))
	h := box.MaxLat - box.MinLat
	w := box.MaxLng - box.MinLng
	rows := math.Ceil((maxLat-minLat)/h) + 1
	cols := math.Ceil((maxLng-minLng)/w) + 1
	if rows*cols > maxCellScan {
		return nil, false
	}

	cells := make(map[string]struct{}, int(rows*cols))
	for y := minLat; ; y += h {
		if y > maxLat {
			y = maxLat
		}
		for x := minLng; ; x += w {
			if x > maxLng {
				x = maxLng
			}
			cells[geohash.EncodeWithPrecision(y, x, cellPrecision)] = struct{}{}
			if x == maxLng {
				break
			}
		}
		if y == maxLat {
			break
		}
	}
	return cells, true
}
