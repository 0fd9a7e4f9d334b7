// Package geo holds the driver proximity index and the great-circle math
// shared by every caller that needs distances.
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// DefaultStaleness is how long a heartbeat keeps a driver matchable.
const DefaultStaleness = 2 * time.Minute

var (
	// ErrUnavailable means the backing store could not answer. Callers must
	// not treat it as "no drivers nearby".
	ErrUnavailable  = errors.New("geo: index unavailable")
	ErrInvalidQuery = errors.New("geo: invalid query")
)

// Index is the proximity index consumed by dispatch and the ingestion paths.
type Index interface {
	Upsert(ctx context.Context, loc Location) error
	MarkOffline(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, q Query) ([]Nearby, error)
}

// Location is the last known state of one driver. Entries are overwritten on
// every heartbeat and never deleted; they simply stop matching once stale.
type Location struct {
	DriverID    string
	Lat         float64
	Lng         float64
	Online      bool
	VehicleType models.VehicleType
	UpdatedAt   time.Time
}

type Query struct {
	Lat      float64
	Lng      float64
	RadiusKm float64
	// VehicleType filters candidates when non-empty.
	VehicleType models.VehicleType
	// Limit caps the result size; zero means no cap.
	Limit int
}

type Nearby struct {
	DriverID    string
	DistanceKm  float64
	Lat         float64
	Lng         float64
	VehicleType models.VehicleType
}

// Haversine returns the great-circle distance in kilometres between two
// points given in decimal degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push a just past 1 near antipodes.
	a = math.Max(0, math.Min(1, a))
	c := 2 * math.Asin(math.Sqrt(a))
	return EarthRadiusKm * c
}

// ETASeconds is a straight-line arrival estimate at a constant speed.
func ETASeconds(distanceKm, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city average
	}
	return distanceKm * 1000 / speedMps
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

func validCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func (q Query) validate() error {
	if !validCoord(q.Lat, q.Lng) {
		return fmt.Errorf("%w: coordinate (%f, %f) out of range", ErrInvalidQuery, q.Lat, q.Lng)
	}
	if math.IsNaN(q.RadiusKm) || math.IsInf(q.RadiusKm, 0) || q.RadiusKm < 0 {
		return fmt.Errorf("%w: radius %f", ErrInvalidQuery, q.RadiusKm)
	}
	return nil
}

func (l Location) validate() error {
	if l.DriverID == "" {
		return fmt.Errorf("%w: empty driver id", ErrInvalidQuery)
	}
	if !validCoord(l.Lat, l.Lng) {
		return fmt.Errorf("%w: coordinate (%f, %f) out of range", ErrInvalidQuery, l.Lat, l.Lng)
	}
	return nil
}

// matchable applies the online, freshness and vehicle filters.
func matchable(l Location, q Query, now time.Time, staleness time.Duration) bool {
	if !l.Online {
		return false
	}
	if now.Sub(l.UpdatedAt) > staleness {
		return false
	}
	if q.VehicleType != "" && l.VehicleType != q.VehicleType {
		return false
	}
	return true
}

func sortAndLimit(out []Nearby, limit int) []Nearby {
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DriverIDs flattens a result set, preserving order.
func DriverIDs(in []Nearby) []string {
	ids := make([]string, 0, len(in))
	for _, n := range in {
		ids = append(ids, n.DriverID)
	}
	return ids
}
