package tripstatus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/wire"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) set(status models.TripStatus) {
	f.mu.Lock()
	f.snap.Status = status
	f.mu.Unlock()
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) FetchTrip(_ context.Context, _ string) (Snapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Snapshot{}, f.err
	}
	return f.snap, nil
}

type fakeStream struct {
	events       chan json.RawMessage
	unsubscribed atomic.Bool
}

func (s *fakeStream) Events() <-chan json.RawMessage { return s.events }
func (s *fakeStream) Unsubscribe()                   { s.unsubscribed.Store(true) }

type fakeSubscriber struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
	params  []wire.SubscribeParams
}

func (s *fakeSubscriber) Subscribe(_ context.Context, p wire.SubscribeParams) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, p)
	if s.err != nil {
		return nil, s.err
	}
	st := &fakeStream{events: make(chan json.RawMessage, 8)}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeSubscriber) stream(i int) *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[i]
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params)
}

type recorder struct {
	mu   sync.Mutex
	seen []Transition
}

func (r *recorder) handle(t Transition) {
	r.mu.Lock()
	r.seen = append(r.seen, t)
	r.mu.Unlock()
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.seen...)
}

func (r *recorder) to(status models.TripStatus) []Transition {
	var out []Transition
	for _, t := range r.all() {
		if t.To == status {
			out = append(out, t)
		}
	}
	return out
}

func push(t *testing.T, st *fakeStream, status models.TripStatus) {
	t.Helper()
	payload, err := wire.Envelope(wire.EventUpdate, map[string]any{"status": status}, nil)
	require.NoError(t, err)
	st.events <- payload
}

const tick = 10 * time.Millisecond

func newTestReconciler(f Fetcher, s Subscriber, rec *recorder) *Reconciler {
	return New(f, s, rec.handle, Config{PollInterval: tick})
}

func TestPushThenPollReportsOnce(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripRequested}}
	sub := &fakeSubscriber{}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return len(rec.to(models.TripRequested)) == 1 }, time.Second, tick)

	push(t, sub.stream(0), models.TripAccepted)
	require.Eventually(t, func() bool { return len(rec.to(models.TripAccepted)) == 1 }, time.Second, tick)

	// the poll now sees the same status and must stay quiet
	f.set(models.TripAccepted)
	calls := f.calls.Load()
	require.Eventually(t, func() bool { return f.calls.Load() >= calls+3 }, time.Second, tick)

	got := rec.to(models.TripAccepted)
	require.Len(t, got, 1)
	assert.Equal(t, SourcePush, got[0].Source)
	assert.Equal(t, models.TripRequested, got[0].From)
	assert.Equal(t, wire.SubscribeParams{Channel: wire.ChannelTripStatus, TripID: "t1"}, sub.params[0])
}

func TestPollThenPushReportsOnce(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripAccepted}}
	sub := &fakeSubscriber{}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, tick)

	push(t, sub.stream(0), models.TripAccepted)
	f.set(models.TripArrived)
	require.Eventually(t, func() bool { return len(rec.to(models.TripArrived)) == 1 }, time.Second, tick)
	assert.Len(t, rec.to(models.TripAccepted), 1)
	assert.Equal(t, SourcePoll, rec.to(models.TripArrived)[0].Source)
}

func TestTerminalStatusStopsMonitoring(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripStarted}}
	sub := &fakeSubscriber{}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, tick)

	push(t, sub.stream(0), models.TripCompleted)
	require.Eventually(t, func() bool { return !r.IsMonitoring() }, time.Second, tick)
	assert.True(t, sub.stream(0).unsubscribed.Load())
	assert.Empty(t, r.CurrentTripID())

	// no further polling once stopped
	calls := f.calls.Load()
	time.Sleep(5 * tick)
	assert.Equal(t, calls, f.calls.Load())
	assert.Len(t, rec.to(models.TripCompleted), 1)
}

func TestCancelledFromPollStopsMonitoring(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripRequested}}
	rec := &recorder{}
	r := newTestReconciler(f, nil, rec)

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, tick)
	f.set(models.TripCancelled)
	require.Eventually(t, func() bool { return !r.IsMonitoring() }, time.Second, tick)
	assert.Equal(t, SourcePoll, rec.to(models.TripCancelled)[0].Source)
}

func TestPollErrorsAreSwallowed(t *testing.T) {
	f := &fakeFetcher{}
	f.fail(errors.New("network down"))
	rec := &recorder{}
	r := newTestReconciler(f, &fakeSubscriber{}, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return f.calls.Load() >= 3 }, time.Second, tick)
	assert.Empty(t, rec.all())
	assert.True(t, r.IsMonitoring())

	f.fail(nil)
	f.set(models.TripAccepted)
	require.Eventually(t, func() bool { return len(rec.to(models.TripAccepted)) == 1 }, time.Second, tick)
}

func TestStaleStatusIsIgnored(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripAccepted}}
	sub := &fakeSubscriber{}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, tick)
	push(t, sub.stream(0), models.TripStarted)
	require.Eventually(t, func() bool { return len(rec.to(models.TripStarted)) == 1 }, time.Second, tick)

	// the poll keeps reporting accepted; it lags behind the push
	calls := f.calls.Load()
	require.Eventually(t, func() bool { return f.calls.Load() >= calls+3 }, time.Second, tick)
	assert.Len(t, rec.to(models.TripAccepted), 1)
	assert.Len(t, rec.all(), 2)
}

func TestPushCarriesTravelFlag(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripRequested, IsTravelRequest: true}}
	sub := &fakeSubscriber{}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, tick)
	push(t, sub.stream(0), models.TripArrived)
	require.Eventually(t, func() bool { return len(rec.to(models.TripArrived)) == 1 }, time.Second, tick)
	assert.True(t, rec.to(models.TripArrived)[0].TravelRequest)
}

func TestStartSameTripIsNoop(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripRequested}}
	sub := &fakeSubscriber{}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	r.StartMonitoring("t1")
	assert.Equal(t, 1, sub.count())
	assert.Equal(t, "t1", r.CurrentTripID())
}

func TestStartOtherTripReplacesCurrent(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripRequested}}
	sub := &fakeSubscriber{}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	r.StartMonitoring("t2")
	assert.True(t, sub.stream(0).unsubscribed.Load())
	assert.False(t, sub.stream(1).unsubscribed.Load())
	assert.Equal(t, "t2", r.CurrentTripID())
	assert.Equal(t, "t2", sub.params[1].TripID)

	require.Eventually(t, func() bool {
		for _, tr := range rec.all() {
			if tr.TripID == "t2" {
				return true
			}
		}
		return false
	}, time.Second, tick)
}

func TestStopMonitoringIsSynchronous(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripRequested}}
	sub := &fakeSubscriber{}
	r := newTestReconciler(f, sub, &recorder{})

	r.StartMonitoring("t1")
	r.StopMonitoring()
	assert.True(t, sub.stream(0).unsubscribed.Load())
	assert.False(t, r.IsMonitoring())

	calls := f.calls.Load()
	time.Sleep(5 * tick)
	assert.Equal(t, calls, f.calls.Load())

	r.StopMonitoring()
}

func TestSubscribeFailureFallsBackToPolling(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{Status: models.TripRequested}}
	sub := &fakeSubscriber{err: errors.New("offline")}
	rec := &recorder{}
	r := newTestReconciler(f, sub, rec)
	defer r.StopMonitoring()

	r.StartMonitoring("t1")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, tick)
	f.set(models.TripAccepted)
	require.Eventually(t, func() bool { return len(rec.to(models.TripAccepted)) == 1 }, time.Second, tick)
}

func TestStatusFromPush(t *testing.T) {
	cases := []struct {
		payload string
		want    models.TripStatus
	}{
		{`{"eventType":"UPDATE","new":{"status":"accepted"},"old":{"status":"requested"}}`, models.TripAccepted},
		{`{"status":"arrived"}`, models.TripArrived},
		{`{"new":{}}`, ""},
		{`not json`, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFromPush(json.RawMessage(tc.payload)), tc.payload)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/trips/t1":
			_, _ = w.Write([]byte(`{"trip":{"id":"t1","status":"accepted","is_travel_request":true}}`))
		case "/trips/t2":
			_, _ = w.Write([]byte(`{"id":"t2","status":"started"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL+"/", func(context.Context) (string, error) { return "secret", nil })

	snap, err := f.FetchTrip(testContext(t), "t1")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{Status: models.TripAccepted, IsTravelRequest: true}, snap)

	snap, err = f.FetchTrip(testContext(t), "t2")
	require.NoError(t, err)
	assert.Equal(t, models.TripStarted, snap.Status)

	_, err = f.FetchTrip(testContext(t), "missing")
	assert.ErrorIs(t, err, ErrTripNotFound)

	f.Token = nil
	_, err = f.FetchTrip(testContext(t), "t1")
	assert.ErrorContains(t, err, "status 401")
}

func TestTransitionEffect(t *testing.T) {
	cases := []struct {
		to     models.TripStatus
		travel bool
		want   Effect
	}{
		{models.TripRequested, false, EffectNone},
		{models.TripAccepted, false, EffectTracking},
		{models.TripStarted, false, EffectTracking},
		{models.TripCompleted, false, EffectRating},
		{models.TripCancelled, false, EffectAlert},
		{models.TripAccepted, true, EffectAlert},
		{models.TripCompleted, true, EffectAlert},
	}
	for _, tc := range cases {
		got := Transition{To: tc.to, TravelRequest: tc.travel}.Effect()
		assert.Equal(t, tc.want, got, "%s travel=%v", tc.to, tc.travel)
	}
}
