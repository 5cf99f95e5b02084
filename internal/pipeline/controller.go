package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nearest-departures/internal/transit"
)

type PositionProvider interface {
	Acquire(ctx context.Context) (transit.Coordinate, error)
}

type StopResolver interface {
	NearestStop(ctx context.Context, c transit.Coordinate) (transit.Stop, error)
}

type DepartureFetcher interface {
	Departures(ctx context.Context, stopID string, w transit.Window) ([]transit.Departure, error)
}

// Observer receives every state change in order. Observers run synchronously
// and must not start runs themselves; Snapshot is safe to call.
type Observer func(State)

// Metrics is implemented by the Prometheus collector. May be nil.
type Metrics interface {
	RunStarted()
	StageObserve(stage Stage, d time.Duration, err error)
	RunFinished(outcome string, departures int)
}

// Timeouts bound each stage. Zero disables the bound.
type Timeouts struct {
	Location time.Duration
	Lookup   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Location: 10 * time.Second, Lookup: 10 * time.Second}
}

type Config struct {
	Positions  PositionProvider
	Stops      StopResolver
	Departures DepartureFetcher
	Window     transit.Window
	Timeouts   Timeouts
	Metrics    Metrics
}

// Controller runs the position -> stop -> departures pipeline and owns the
// visible state. Each run is tagged with a generation; results from a run that
// was superseded (or from before Close) are dropped.
type Controller struct {
	logger     *zap.Logger
	positions  PositionProvider
	stops      StopResolver
	departures DepartureFetcher
	window     transit.Window
	timeouts   Timeouts
	metrics    Metrics
	now        func() time.Time

	// notifyMu serializes apply+notify so observers see changes in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	closed    bool
	state     State
	observers []Observer
	wg        sync.WaitGroup
}

func NewController(logger *zap.Logger, cfg Config) *Controller {
	return &Controller{
		logger:     logger,
		positions:  cfg.Positions,
		stops:      cfg.Stops,
		departures: cfg.Departures,
		window:     cfg.Window,
		timeouts:   cfg.Timeouts,
		metrics:    cfg.Metrics,
		now:        time.Now,
		state:      State{Stage: StageIdle, Departures: []transit.Departure{}},
	}
}

func (c *Controller) Subscribe(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Start runs the pipeline in the background. ctx bounds the run, so it should
// outlive the caller's request.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Run executes one pipeline run and returns the state it ended in. A run that
// gets superseded, or whose ctx is cancelled, applies nothing further and
// returns the state current at that moment.
func (c *Controller) Run(ctx context.Context) State {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.Snapshot()
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	return c.run(ctx)
}

func (c *Controller) run(ctx context.Context) State {
	runCtx, gen, cancel, ok := c.begin(ctx)
	if !ok {
		return c.Snapshot()
	}
	defer c.finish(gen, cancel)

	if final, ok := c.execute(runCtx, gen); ok {
		return final
	}
	outcome := "superseded"
	if c.current(gen) {
		outcome = "cancelled"
	}
	if c.metrics != nil {
		c.metrics.RunFinished(outcome, 0)
	}
	c.logger.Debug("discarding result of abandoned run",
		zap.Uint64("generation", gen),
		zap.String("outcome", outcome),
	)
	return c.Snapshot()
}

// current reports whether gen is still the latest run.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// Close cancels the in-flight run, ignores anything it still produces and
// waits for runs started through Start or Run to return.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) begin(parent context.Context) (context.Context, uint64, context.CancelFunc, bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, nil, false
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	c.state.RunID = uuid.NewString()
	c.state.Stage = StageAcquiringLocation
	c.state.IsLoading = true
	c.state.Error = nil
	c.state.Coordinate = nil
	c.state.Stop = nil
	c.state.UpdatedAt = c.now()
	snap, obs := c.state.clone(), c.observers
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RunStarted()
	}
	c.logger.Info("pipeline run started", zap.String("run_id", snap.RunID))
	notify(obs, snap)
	return ctx, gen, cancel, true
}

func (c *Controller) finish(gen uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	if c.gen == gen {
		c.cancel = nil
	}
	c.mu.Unlock()
	cancel()
}

// apply mutates state for generation gen. It reports false, leaving state
// untouched, when gen is no longer current.
func (c *Controller) apply(gen uint64, fn func(*State)) (State, bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return State{}, false
	}
	fn(&c.state)
	c.state.UpdatedAt = c.now()
	snap, obs := c.state.clone(), c.observers
	c.mu.Unlock()

	notify(obs, snap)
	return snap, true
}

func notify(obs []Observer, s State) {
	for _, o := range obs {
		o(s)
	}
}

func (c *Controller) execute(ctx context.Context, gen uint64) (State, bool) {
	coord, err := c.acquire(ctx)
	if err != nil {
		return c.fail(ctx, gen, StageAcquiringLocation, classifyLocation(err), err)
	}
	if _, ok := c.advance(ctx, gen, func(s *State) {
		s.Coordinate = &coord
		s.Stage = StageResolvingStop
	}); !ok {
		return State{}, false
	}

	stop, err := c.resolve(ctx, coord)
	if err != nil {
		return c.fail(ctx, gen, StageResolvingStop, classifyStop(err), err)
	}
	if _, ok := c.advance(ctx, gen, func(s *State) {
		s.Stop = &stop
		s.Stage = StageFetchingDepartures
	}); !ok {
		return State{}, false
	}

	deps, err := c.fetch(ctx, stop.ID)
	if err != nil {
		return c.fail(ctx, gen, StageFetchingDepartures, transit.KindDepartureFetchFailed, err)
	}
	final, ok := c.advance(ctx, gen, func(s *State) {
		s.Departures = deps
		s.IsLoading = false
		s.Stage = StageDone
	})
	if ok {
		if c.metrics != nil {
			c.metrics.RunFinished(string(StageDone), len(deps))
		}
		c.logger.Info("pipeline run done",
			zap.String("run_id", final.RunID),
			zap.String("stop_id", stop.ID),
			zap.Int("departures", len(deps)),
		)
	}
	return final, ok
}

// advance applies fn unless the run's context has ended. Stage timeouts live
// on child contexts, so only supersession and caller cancellation stop a run here.
func (c *Controller) advance(ctx context.Context, gen uint64, fn func(*State)) (State, bool) {
	if ctx.Err() != nil {
		return State{}, false
	}
	return c.apply(gen, fn)
}

// fail records a terminal failure. Departures from an earlier run are cleared
// so stale data is never shown next to the error.
func (c *Controller) fail(ctx context.Context, gen uint64, stage Stage, kind transit.Kind, cause error) (State, bool) {
	final, ok := c.advance(ctx, gen, func(s *State) {
		s.Error = errorInfo(kind)
		s.Departures = []transit.Departure{}
		s.IsLoading = false
		s.Stage = StageFailed
	})
	if ok {
		if c.metrics != nil {
			c.metrics.RunFinished(string(kind), 0)
		}
		c.logger.Warn("pipeline run failed",
			zap.String("run_id", final.RunID),
			zap.String("stage", string(stage)),
			zap.String("kind", string(kind)),
			zap.Error(cause),
		)
	}
	return final, ok
}

func (c *Controller) acquire(ctx context.Context) (transit.Coordinate, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Location)
	defer cancel()
	start := time.Now()
	coord, err := c.positions.Acquire(ctx)
	c.observeStage(StageAcquiringLocation, start, err)
	return coord, err
}

func (c *Controller) resolve(ctx context.Context, coord transit.Coordinate) (transit.Stop, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Lookup)
	defer cancel()
	start := time.Now()
	stop, err := c.stops.NearestStop(ctx, coord)
	c.observeStage(StageResolvingStop, start, err)
	return stop, err
}

func (c *Controller) fetch(ctx context.Context, stopID string) ([]transit.Departure, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Lookup)
	defer cancel()
	start := time.Now()
	deps, err := c.departures.Departures(ctx, stopID, c.window)
	c.observeStage(StageFetchingDepartures, start, err)
	if deps == nil && err == nil {
		deps = []transit.Departure{}
	}
	return deps, err
}

func (c *Controller) observeStage(stage Stage, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.StageObserve(stage, time.Since(start), err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func classifyLocation(err error) transit.Kind {
	if k, ok := transit.KindOf(err); ok && k.Category() == "location" {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transit.KindLocationTimeout
	}
	return transit.KindLocationUnavailable
}

func classifyStop(err error) transit.Kind {
	if k, ok := transit.KindOf(err); ok && k == transit.KindNoStopFound {
		return k
	}
	return transit.KindStopLookupFailed
}
