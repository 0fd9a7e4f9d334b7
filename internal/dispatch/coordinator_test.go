package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/broadcast"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

const kmPerDegree = geo.EarthRadiusKm * math.Pi / 180

var pickup = models.Coord{Lat: 30.0, Lng: 31.2}

func northOf(c models.Coord, km float64) (float64, float64) { return c.Lat + km/kmPerDegree, c.Lng }

type recordingNotifier struct {
	mu       sync.Mutex
	calls    [][]string
	payloads []json.RawMessage
	reach    map[string]bool // nil means everyone is reachable
	gate     chan struct{}
	err      error
}

func (n *recordingNotifier) NotifyDrivers(ctx context.Context, ids []string, payload json.RawMessage) (broadcast.Delivery, error) {
	if n.gate != nil {
		<-n.gate
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, append([]string(nil), ids...))
	n.payloads = append(n.payloads, payload)
	d := broadcast.Delivery{Targets: len(ids)}
	for _, id := range ids {
		if n.reach == nil || n.reach[id] {
			d.Delivered++
		} else {
			d.Unreachable = append(d.Unreachable, id)
		}
	}
	return d, n.err
}

func (n *recordingNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakeApprovals struct {
	approved map[string]bool
	asked    []string
	err      error
	block    bool
}

func (f *fakeApprovals) ApprovedTravelCaptains(ctx context.Context, ids []string) ([]string, error) {
	f.asked = append(f.asked, ids...)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for _, id := range ids {
		if f.approved[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type failingIndex struct {
	calls int
	err   error
	block bool
}

func (f *failingIndex) Upsert(context.Context, geo.Location) error { return nil }
func (f *failingIndex) MarkOffline(context.Context, string) error  { return nil }
func (f *failingIndex) Nearby(ctx context.Context, _ geo.Query) ([]geo.Nearby, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, f.err
}

func seed(t *testing.T, idx geo.Index, id string, km float64, vt models.VehicleType, age time.Duration) {
	t.Helper()
	lat, lng := northOf(pickup, km)
	loc := geo.Location{DriverID: id, Lat: lat, Lng: lng, Online: true, VehicleType: vt, UpdatedAt: time.Now().Add(-age)}
	if err := idx.Upsert(context.Background(), loc); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func comfortRequest(tripID string) Request {
	return Request{TripID: tripID, Pickup: pickup, VehicleType: models.VehicleComfort, CreatedAt: time.Now()}
}

func TestDispatchSelectsFreshMatchingDrivers(t *testing.T) {
	idx := geo.NewMemoryIndex()
	seed(t, idx, "A", 1, models.VehicleComfort, 0)
	seed(t, idx, "B", 3, models.VehicleSaver, 0)
	seed(t, idx, "C", 1, models.VehicleComfort, 10*time.Minute)
	n := &recordingNotifier{}
	c := NewCoordinator(Config{UrbanRadiusKm: 5}, idx, nil, n, nil, nil)

	res, err := c.Dispatch(context.Background(), comfortRequest("trip-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.CandidateCount != 1 || len(res.Targets) != 1 || res.Targets[0] != "A" {
		t.Fatalf("expected {A}, got %+v", res)
	}
	if res.RadiusKm != 5 || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n.callCount() != 1 {
		t.Fatalf("expected one fan-out, got %d", n.callCount())
	}

	var env struct {
		EventType string `json:"eventType"`
		New       struct {
			TripID string `json:"trip_id"`
		} `json:"new"`
	}
	if err := json.Unmarshal(n.payloads[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.EventType != "INSERT" || env.New.TripID != "trip-1" {
		t.Fatalf("unexpected payload %s", n.payloads[0])
	}
}

func TestDispatchTravelRequestOnlyApprovedCaptains(t *testing.T) {
	idx := geo.NewMemoryIndex()
	seed(t, idx, "d1", 10, models.VehicleSaver, 0)
	seed(t, idx, "d2", 20, models.VehicleComfort, 0)
	seed(t, idx, "d3", 40, models.VehicleIntercity, 0)
	seed(t, idx, "far", 60, models.VehicleIntercity, 0)
	ap := &fakeApprovals{approved: map[string]bool{"d2": true, "far": true}}
	n := &recordingNotifier{}
	c := NewCoordinator(Config{}, idx, ap, n, nil, nil)

	res, err := c.Dispatch(context.Background(), Request{TripID: "t-travel", Pickup: pickup, VehicleType: models.VehicleComfort, IsTravelRequest: true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.RadiusKm != 50 {
		t.Fatalf("expected intercity radius, got %f", res.RadiusKm)
	}
	if len(res.Targets) != 1 || res.Targets[0] != "d2" {
		t.Fatalf("expected only d2, got %v", res.Targets)
	}
	if len(ap.asked) != 3 {
		t.Fatalf("approval lookup should see the three stage-one drivers, saw %v", ap.asked)
	}
}

func TestDispatchConcurrentCallsFanOutOnce(t *testing.T) {
	idx := geo.NewMemoryIndex()
	seed(t, idx, "A", 1, models.VehicleComfort, 0)
	n := &recordingNotifier{gate: make(chan struct{})}
	c := NewCoordinator(Config{}, idx, nil, n, nil, nil)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Dispatch(context.Background(), comfortRequest("trip-x"))
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(n.gate)
	wg.Wait()

	if got := n.callCount(); got != 1 {
		t.Fatalf("expected exactly one fan-out, got %d", got)
	}
	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrDispatchActive) {
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
}

func TestDispatchDuplicateRejectedUntilResolved(t *testing.T) {
	idx := geo.NewMemoryIndex()
	seed(t, idx, "A", 1, models.VehicleComfort, 0)
	n := &recordingNotifier{}
	c := NewCoordinator(Config{}, idx, nil, n, nil, nil)
	ctx := context.Background()

	if _, err := c.Dispatch(ctx, comfortRequest("t1")); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := c.Dispatch(ctx, comfortRequest("t1")); !errors.Is(err, ErrDispatchActive) {
		t.Fatalf("expected ErrDispatchActive, got %v", err)
	}
	if _, err := c.Dispatch(ctx, comfortRequest("t2")); err != nil {
		t.Fatalf("other trip blocked: %v", err)
	}
	if err := c.Resolve(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Dispatch(ctx, comfortRequest("t1")); err != nil {
		t.Fatalf("dispatch after resolve: %v", err)
	}
	if n.callCount() != 3 {
		t.Fatalf("expected 3 fan-outs, got %d", n.callCount())
	}
}

func TestDispatchGeoFailureIsNotEmptySuccess(t *testing.T) {
	idx := &failingIndex{err: geo.ErrUnavailable}
	n := &recordingNotifier{}
	c := NewCoordinator(Config{}, idx, nil, n, nil, nil)

	res, err := c.Dispatch(context.Background(), comfortRequest("t1"))
	if !errors.Is(err, geo.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if res.CandidateCount != 0 || len(res.Targets) != 0 {
		t.Fatalf("expected zero candidates, got %+v", res)
	}
	if n.callCount() != 0 {
		t.Fatal("broadcast after failed lookup")
	}
	// claim was released, so a retry reaches the index again
	_, _ = c.Dispatch(context.Background(), comfortRequest("t1"))
	if idx.calls != 2 {
		t.Fatalf("expected retry to query again, got %d calls", idx.calls)
	}
}

func TestDispatchGeoTimeout(t *testing.T) {
	idx := &failingIndex{block: true}
	c := NewCoordinator(Config{QueryTimeout: 20 * time.Millisecond}, idx, nil, &recordingNotifier{}, nil, nil)
	start := time.Now()
	_, err := c.Dispatch(context.Background(), comfortRequest("t1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestDispatchEligibilityFailure(t *testing.T) {
	idx := geo.NewMemoryIndex()
	seed(t, idx, "d1", 10, models.VehicleIntercity, 0)
	boom := errors.New("approvals down")
	n := &recordingNotifier{}
	travel := Request{TripID: "t1", Pickup: pickup, IsTravelRequest: true}

	c := NewCoordinator(Config{}, idx, &fakeApprovals{err: boom}, n, nil, nil)
	res, err := c.Dispatch(context.Background(), travel)
	if !errors.Is(err, boom) || res.CandidateCount != 0 || n.callCount() != 0 {
		t.Fatalf("expected failed cycle without broadcast, got %+v %v", res, err)
	}

	c = NewCoordinator(Config{EligibilityTimeout: 10 * time.Millisecond}, idx, &fakeApprovals{block: true}, n, nil, nil)
	if _, err := c.Dispatch(context.Background(), travel); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected eligibility timeout, got %v", err)
	}

	c = NewCoordinator(Config{}, idx, nil, n, nil, nil)
	if _, err := c.Dispatch(context.Background(), travel); !errors.Is(err, ErrNoApprovals) {
		t.Fatalf("expected ErrNoApprovals, got %v", err)
	}
	if n.callCount() != 0 {
		t.Fatal("broadcast after failed eligibility")
	}
}

func TestDispatchNoCandidatesReleasesClaim(t *testing.T) {
	idx := geo.NewMemoryIndex()
	n := &recordingNotifier{}
	c := NewCoordinator(Config{}, idx, nil, n, nil, nil)

	res, err := c.Dispatch(context.Background(), comfortRequest("t1"))
	if err != nil || res.CandidateCount != 0 {
		t.Fatalf("expected empty success, got %+v %v", res, err)
	}
	seed(t, idx, "A", 1, models.VehicleComfort, 0)
	res, err = c.Dispatch(context.Background(), comfortRequest("t1"))
	if err != nil || res.CandidateCount != 1 {
		t.Fatalf("expected retry to find A, got %+v %v", res, err)
	}
}

func TestDispatchPartialAndFullDeliveryFailure(t *testing.T) {
	idx := geo.NewMemoryIndex()
	seed(t, idx, "A", 1, models.VehicleComfort, 0)
	seed(t, idx, "B", 2, models.VehicleComfort, 0)

	n := &recordingNotifier{reach: map[string]bool{"B": true}}
	c := NewCoordinator(Config{}, idx, nil, n, nil, nil)
	res, err := c.Dispatch(context.Background(), comfortRequest("t1"))
	if err != nil {
		t.Fatalf("partial delivery must be tolerated: %v", err)
	}
	if res.Delivered != 1 || len(res.Unreachable) != 1 || res.Unreachable[0] != "A" {
		t.Fatalf("unexpected result %+v", res)
	}

	n = &recordingNotifier{reach: map[string]bool{}}
	c = NewCoordinator(Config{}, idx, nil, n, nil, nil)
	res, err = c.Dispatch(context.Background(), comfortRequest("t2"))
	if !errors.Is(err, ErrUndelivered) {
		t.Fatalf("expected ErrUndelivered, got %v", err)
	}
	if res.CandidateCount != 2 || res.Delivered != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := c.Dispatch(context.Background(), comfortRequest("t2")); !errors.Is(err, ErrUndelivered) {
		t.Fatalf("claim should be released after an undelivered cycle, got %v", err)
	}
}

func TestDispatchRespectsMaxCandidates(t *testing.T) {
	idx := geo.NewMemoryIndex()
	for i, id := range []string{"a", "b", "c", "d"} {
		seed(t, idx, id, float64(i+1), models.VehicleComfort, 0)
	}
	c := NewCoordinator(Config{MaxCandidates: 2}, idx, nil, &recordingNotifier{}, nil, nil)
	res, err := c.Dispatch(context.Background(), comfortRequest("t1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Targets) != 2 || res.Targets[0] != "a" || res.Targets[1] != "b" {
		t.Fatalf("expected nearest two, got %v", res.Targets)
	}
	if res.Candidates[0].ETASeconds <= 0 {
		t.Fatalf("expected eta estimate, got %+v", res.Candidates[0])
	}
}
