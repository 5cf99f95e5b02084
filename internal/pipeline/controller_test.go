package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nearest-departures/internal/position"
	"nearest-departures/internal/resrobot"
	"nearest-departures/internal/transit"
)

var stockholm = transit.Coordinate{Latitude: 59.33, Longitude: 18.06}

type fakeStops struct {
	stop  transit.Stop
	err   error
	calls int32
}

func (f *fakeStops) NearestStop(_ context.Context, _ transit.Coordinate) (transit.Stop, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.stop, f.err
}

type fakeDepartures struct {
	deps  []transit.Departure
	err   error
	calls int32
}

func (f *fakeDepartures) Departures(_ context.Context, _ string, _ transit.Window) ([]transit.Departure, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.deps, f.err
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type countingMetrics struct {
	mu       sync.Mutex
	started  int
	outcomes []string
	stages   []Stage
}

func (m *countingMetrics) RunStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *countingMetrics) StageObserve(stage Stage, _ time.Duration, _ error) {
	m.mu.Lock()
	m.stages = append(m.stages, stage)
	m.mu.Unlock()
}

func (m *countingMetrics) RunFinished(outcome string, _ int) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func staticAt(c transit.Coordinate) PositionProvider { return position.NewStatic(&c) }

func failingPosition(kind transit.Kind) PositionProvider {
	return position.Func(func(context.Context) (transit.Coordinate, error) {
		return transit.Coordinate{}, transit.NewError(kind, errors.New("platform said no"))
	})
}

func twoDepartures() []transit.Departure {
	track := "3"
	return []transit.Departure{
		{ServiceName: "Regional Tåg 42", ScheduledTime: "14:05", Mode: "4", Track: &track},
		{ServiceName: "Buss 1", ScheduledTime: "14:07", Mode: "7"},
	}
}

func newController(p PositionProvider, s StopResolver, d DepartureFetcher) *Controller {
	return NewController(zap.NewNop(), Config{
		Positions:  p,
		Stops:      s,
		Departures: d,
		Window:     transit.DefaultWindow(),
		Timeouts:   DefaultTimeouts(),
	})
}

func TestInitialStateIsIdle(t *testing.T) {
	c := newController(staticAt(stockholm), &fakeStops{}, &fakeDepartures{})
	s := c.Snapshot()
	assert.Equal(t, StageIdle, s.Stage)
	assert.False(t, s.IsLoading)
	assert.Nil(t, s.Error)
	assert.Nil(t, s.Coordinate)
	assert.Empty(t, s.Departures)
}

func TestRunStockholmScenario(t *testing.T) {
	var boardQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/location.nearbystops":
			fmt.Fprint(w, `{"stopLocationOrCoordLocation":[{"StopLocation":{"extId":"740000001","name":"Stockholm Centralstation"}}]}`)
		case "/departureBoard":
			boardQuery = r.URL.RawQuery
			fmt.Fprint(w, `{"Departure":[
				{"name":"Regional Tåg 42","time":"14:05:00","date":"2024-03-01","stop":"Stockholm Centralstation","direction":"Uppsala C","track":"3","ProductAtStop":{"catCode":"4","line":"42"}},
				{"name":"Buss 1","time":"14:07:00","date":"2024-03-01","stop":"Stockholm Centralstation","direction":"Frihamnen","ProductAtStop":{"catCode":"7"}}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rr := resrobot.NewClient(zap.NewNop(), srv.URL, "key")
	window := transit.Window{DurationMinutes: 30, MaxDepartures: 5, ModeFilter: transit.ModeSurfaceAndRail}
	c := NewController(zap.NewNop(), Config{
		Positions:  staticAt(stockholm),
		Stops:      rr,
		Departures: rr,
		Window:     window,
		Timeouts:   DefaultTimeouts(),
	})

	s := c.Run(context.Background())
	assert.Equal(t, StageDone, s.Stage)
	assert.False(t, s.IsLoading)
	assert.Nil(t, s.Error)
	require.NotNil(t, s.Coordinate)
	assert.Equal(t, stockholm, *s.Coordinate)
	require.NotNil(t, s.Stop)
	assert.Equal(t, "740000001", s.Stop.ID)
	require.Len(t, s.Departures, 2)
	assert.Equal(t, "Regional Tåg 42", s.Departures[0].ServiceName)
	assert.Nil(t, s.Departures[1].Track)
	assert.Contains(t, boardQuery, "id=740000001")
	assert.Contains(t, boardQuery, "maxJourneys=5&duration=30")
	assert.NotEmpty(t, s.RunID)
}

func TestRunLocationDenied(t *testing.T) {
	stops := &fakeStops{stop: transit.Stop{ID: "1"}}
	deps := &fakeDepartures{deps: twoDepartures()}
	c := newController(failingPosition(transit.KindLocationDenied), stops, deps)

	s := c.Run(context.Background())
	assert.Equal(t, StageFailed, s.Stage)
	assert.False(t, s.IsLoading)
	require.NotNil(t, s.Error)
	assert.Equal(t, transit.KindLocationDenied, s.Error.Kind)
	assert.Equal(t, "location", s.Error.Category)
	assert.Empty(t, s.Departures)
	assert.Nil(t, s.Coordinate)
	assert.Zero(t, atomic.LoadInt32(&stops.calls))
	assert.Zero(t, atomic.LoadInt32(&deps.calls))
}

func TestRunNoStopFoundNeverFetchesDepartures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"stopLocationOrCoordLocation":[]}`)
	}))
	defer srv.Close()
	deps := &fakeDepartures{deps: twoDepartures()}
	c := newController(staticAt(stockholm), resrobot.NewClient(zap.NewNop(), srv.URL, "key"), deps)

	s := c.Run(context.Background())
	assert.Equal(t, StageFailed, s.Stage)
	require.NotNil(t, s.Error)
	assert.Equal(t, transit.KindNoStopFound, s.Error.Kind)
	assert.Equal(t, "data", s.Error.Category)
	assert.Zero(t, atomic.LoadInt32(&deps.calls))
	require.NotNil(t, s.Coordinate)
}

func TestRunStopTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	deps := &fakeDepartures{}
	c := newController(staticAt(stockholm), resrobot.NewClient(zap.NewNop(), base, "key"), deps)

	s := c.Run(context.Background())
	assert.Equal(t, StageFailed, s.Stage)
	require.NotNil(t, s.Error)
	assert.Equal(t, transit.KindStopLookupFailed, s.Error.Kind)
	assert.Zero(t, atomic.LoadInt32(&deps.calls))
}

func TestRunClassifiesRawErrors(t *testing.T) {
	tests := []struct {
		name string
		pos  PositionProvider
		stop StopResolver
		deps DepartureFetcher
		want transit.Kind
	}{
		{
			"raw position error",
			position.Func(func(context.Context) (transit.Coordinate, error) { return transit.Coordinate{}, errors.New("boom") }),
			&fakeStops{}, &fakeDepartures{},
			transit.KindLocationUnavailable,
		},
		{
			"raw stop error",
			staticAt(stockholm), &fakeStops{err: errors.New("dial tcp: refused")}, &fakeDepartures{},
			transit.KindStopLookupFailed,
		},
		{
			"misclassified stop error",
			staticAt(stockholm), &fakeStops{err: transit.NewError(transit.KindLocationDenied, nil)}, &fakeDepartures{},
			transit.KindStopLookupFailed,
		},
		{
			"raw departures error",
			staticAt(stockholm), &fakeStops{stop: transit.Stop{ID: "1"}}, &fakeDepartures{err: errors.New("bad json")},
			transit.KindDepartureFetchFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newController(tt.pos, tt.stop, tt.deps).Run(context.Background())
			assert.Equal(t, StageFailed, s.Stage)
			require.NotNil(t, s.Error)
			assert.Equal(t, tt.want, s.Error.Kind)
		})
	}
}

func TestRunEmptyBoardIsDone(t *testing.T) {
	c := newController(staticAt(stockholm), &fakeStops{stop: transit.Stop{ID: "1"}}, &fakeDepartures{})
	s := c.Run(context.Background())
	assert.Equal(t, StageDone, s.Stage)
	assert.Nil(t, s.Error)
	assert.NotNil(t, s.Departures)
	assert.Empty(t, s.Departures)
}

func TestLoadingFlagAcrossTransitions(t *testing.T) {
	rec := &recorder{}
	c := newController(staticAt(stockholm), &fakeStops{stop: transit.Stop{ID: "1"}}, &fakeDepartures{deps: twoDepartures()})
	c.Subscribe(rec.observe)

	c.Run(context.Background())

	states := rec.all()
	var stages []Stage
	for _, s := range states {
		stages = append(stages, s.Stage)
		assert.Equal(t, !s.Stage.Terminal(), s.IsLoading, "stage %s", s.Stage)
	}
	assert.Equal(t, []Stage{StageAcquiringLocation, StageResolvingStop, StageFetchingDepartures, StageDone}, stages)
}

func TestLoadingFlagOnFailure(t *testing.T) {
	rec := &recorder{}
	c := newController(staticAt(stockholm), &fakeStops{err: errors.New("down")}, &fakeDepartures{})
	c.Subscribe(rec.observe)

	c.Run(context.Background())

	states := rec.all()
	require.Len(t, states, 3)
	assert.True(t, states[0].IsLoading)
	assert.True(t, states[1].IsLoading)
	assert.False(t, states[2].IsLoading)
	assert.Equal(t, StageFailed, states[2].Stage)
}

func TestFailedRunClearsPreviousDepartures(t *testing.T) {
	stops := &fakeStops{stop: transit.Stop{ID: "1"}}
	deps := &fakeDepartures{deps: twoDepartures()}
	rec := &recorder{}
	c := newController(staticAt(stockholm), stops, deps)

	s := c.Run(context.Background())
	require.Len(t, s.Departures, 2)

	c.Subscribe(rec.observe)
	deps.deps, deps.err = nil, errors.New("upstream 503")
	s = c.Run(context.Background())

	assert.Equal(t, StageFailed, s.Stage)
	assert.Equal(t, transit.KindDepartureFetchFailed, s.Error.Kind)
	assert.Empty(t, s.Departures)

	// the previous board stays visible while the new run is loading
	states := rec.all()
	require.NotEmpty(t, states)
	assert.Len(t, states[0].Departures, 2)
	assert.True(t, states[0].IsLoading)
	assert.Nil(t, states[0].Error)
}

func TestLocationTimeout(t *testing.T) {
	blocking := position.Func(func(ctx context.Context) (transit.Coordinate, error) {
		<-ctx.Done()
		return transit.Coordinate{}, ctx.Err()
	})
	stops := &fakeStops{}
	c := NewController(zap.NewNop(), Config{
		Positions:  blocking,
		Stops:      stops,
		Departures: &fakeDepartures{},
		Window:     transit.DefaultWindow(),
		Timeouts:   Timeouts{Location: 10 * time.Millisecond, Lookup: time.Second},
	})

	s := c.Run(context.Background())
	require.NotNil(t, s.Error)
	assert.Equal(t, transit.KindLocationTimeout, s.Error.Kind)
	assert.Zero(t, atomic.LoadInt32(&stops.calls))
}

// slowFirst blocks the first acquisition, ignoring cancellation, until released.
type slowFirst struct {
	calls   int32
	entered chan struct{}
	release chan struct{}
	first   transit.Coordinate
	later   transit.Coordinate
}

func (p *slowFirst) Acquire(context.Context) (transit.Coordinate, error) {
	if atomic.AddInt32(&p.calls, 1) == 1 {
		close(p.entered)
		<-p.release
		return p.first, nil
	}
	return p.later, nil
}

func TestSupersededRunIsDiscarded(t *testing.T) {
	pos := &slowFirst{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		first:   transit.Coordinate{Latitude: 1, Longitude: 1},
		later:   stockholm,
	}
	stops := &fakeStops{stop: transit.Stop{ID: "740000001"}}
	m := &countingMetrics{}
	c := NewController(zap.NewNop(), Config{
		Positions:  pos,
		Stops:      stops,
		Departures: &fakeDepartures{deps: twoDepartures()},
		Window:     transit.DefaultWindow(),
		Metrics:    m,
	})

	c.Start(context.Background())
	<-pos.entered

	second := c.Run(context.Background())
	assert.Equal(t, StageDone, second.Stage)

	close(pos.release)
	c.Close()

	s := c.Snapshot()
	assert.Equal(t, second.RunID, s.RunID)
	assert.Equal(t, StageDone, s.Stage)
	assert.Equal(t, stockholm, *s.Coordinate)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stops.calls))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 2, m.started)
	assert.ElementsMatch(t, []string{"done", "superseded"}, m.outcomes)
}

func TestCloseDropsLateResults(t *testing.T) {
	pos := &slowFirst{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		first:   stockholm,
	}
	stops := &fakeStops{stop: transit.Stop{ID: "1"}}
	c := newController(pos, stops, &fakeDepartures{})

	c.Start(context.Background())
	<-pos.entered
	before := c.Snapshot()

	close(pos.release)
	c.Close()

	after := c.Snapshot()
	assert.Equal(t, before.Stage, after.Stage)
	assert.Equal(t, StageAcquiringLocation, after.Stage)
	assert.Nil(t, after.Coordinate)
	assert.Zero(t, atomic.LoadInt32(&stops.calls))

	// closed controllers ignore new runs
	c.Start(context.Background())
	s := c.Run(context.Background())
	assert.Equal(t, StageAcquiringLocation, s.Stage)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := newController(staticAt(stockholm), &fakeStops{stop: transit.Stop{ID: "1"}}, &fakeDepartures{deps: twoDepartures()})
	c.Run(context.Background())

	s := c.Snapshot()
	s.Departures[0].ServiceName = "mutated"
	s.Coordinate.Latitude = 0

	fresh := c.Snapshot()
	assert.Equal(t, "Regional Tåg 42", fresh.Departures[0].ServiceName)
	assert.Equal(t, stockholm.Latitude, fresh.Coordinate.Latitude)
}

func TestMetricsObserveStages(t *testing.T) {
	m := &countingMetrics{}
	c := NewController(zap.NewNop(), Config{
		Positions:  staticAt(stockholm),
		Stops:      &fakeStops{stop: transit.Stop{ID: "1"}},
		Departures: &fakeDepartures{deps: twoDepartures()},
		Window:     transit.DefaultWindow(),
		Metrics:    m,
	})
	c.Run(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.started)
	assert.Equal(t, []Stage{StageAcquiringLocation, StageResolvingStop, StageFetchingDepartures}, m.stages)
	assert.Equal(t, []string{"done"}, m.outcomes)
}

// blockingStops parks every lookup until its context ends.
type blockingStops struct {
	entered chan struct{}
}

func (b *blockingStops) NearestStop(ctx context.Context, _ transit.Coordinate) (transit.Stop, error) {
	close(b.entered)
	<-ctx.Done()
	return transit.Stop{}, ctx.Err()
}

func TestCancelledRunIsNotAFailure(t *testing.T) {
	stops := &blockingStops{entered: make(chan struct{})}
	deps := &fakeDepartures{}
	m := &countingMetrics{}
	rec := &recorder{}
	c := NewController(zap.NewNop(), Config{
		Positions:  staticAt(stockholm),
		Stops:      stops,
		Departures: deps,
		Window:     transit.DefaultWindow(),
		Timeouts:   DefaultTimeouts(),
		Metrics:    m,
	})
	c.Subscribe(rec.observe)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan State, 1)
	go func() { done <- c.Run(ctx) }()
	<-stops.entered
	cancel()

	var s State
	select {
	case s = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, s.RunID, c.Snapshot().RunID)
	assert.Equal(t, StageResolvingStop, s.Stage)
	assert.True(t, s.IsLoading)
	assert.Nil(t, s.Error)
	assert.Zero(t, atomic.LoadInt32(&deps.calls))

	for _, st := range rec.all() {
		assert.False(t, st.Stage.Terminal(), "observer saw %s", st.Stage)
	}
	assert.Len(t, rec.all(), 2)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"cancelled"}, m.outcomes)
}

func TestCloseWaitsForDirectRun(t *testing.T) {
	pos := &slowFirst{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		first:   stockholm,
	}
	c := newController(pos, &fakeStops{stop: transit.Stop{ID: "1"}}, &fakeDepartures{})

	go c.Run(context.Background())
	<-pos.entered

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(pos.release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}
	assert.Equal(t, StageAcquiringLocation, c.Snapshot().Stage)
}
