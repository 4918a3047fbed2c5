package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/i474232898/freezer/internal/metrics"
	"github.com/i474232898/freezer/internal/weather"
)

// State is the refresh loop's position in its lifecycle.
type State int

const (
	Idle State = iota
	Scheduled
	Running
	Backoff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultRunTimeout      = 2 * time.Minute
	defaultLocationTimeout = 15 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrStopped        = errors.New("scheduler: stopped")
)

// Source is what the refresher needs from the repository.
type Source interface {
	GetWeather(ctx context.Context, coords weather.Coordinates, allowStale bool) (weather.WeatherSnapshot, error)
	LastCoordinates() (weather.Coordinates, bool)
}

// BackoffDelay returns min(interval * 2^failures, max).
func BackoffDelay(interval, max time.Duration, failures int) time.Duration {
	d := interval
	for i := 0; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Refresher keeps the cache warm for the last known coordinates. After a
// success it waits Interval; after failures it backs off exponentially up
// to MaxBackoff.
type Refresher struct {
	source    Source
	locations weather.LocationProvider
	policy    weather.RefreshPolicy

	after           func(time.Duration) <-chan time.Time
	runTimeout      time.Duration
	locationTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics

	mu       sync.Mutex
	state    State
	failures int
	started  bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type Option func(*Refresher)

// WithTimer replaces time.After, letting tests drive the loop.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(r *Refresher) { r.after = after }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

func WithLocationTimeout(d time.Duration) Option {
	return func(r *Refresher) { r.locationTimeout = d }
}

// NewRefresher creates an idle refresher. locations may be nil, in which case
// only coordinates already seen by the source are refreshed.
func NewRefresher(source Source, locations weather.LocationProvider, policy weather.RefreshPolicy, opts ...Option) *Refresher {
	if policy.Interval <= 0 {
		policy.Interval = 30 * time.Minute
	}
	if policy.MaxBackoff < policy.Interval {
		policy.MaxBackoff = policy.Interval
	}

	r := &Refresher{
		source:          source,
		locations:       locations,
		policy:          policy,
		after:           time.After,
		runTimeout:      defaultRunTimeout,
		locationTimeout: defaultLocationTimeout,
		logger:          slog.Default(),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the refresh loop. Cancelling ctx ends the loop like Stop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Stopped {
		return ErrStopped
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	go r.loop(ctx)
	return nil
}

// Stop moves the refresher to Stopped. It does not wait; an in-flight run
// completes in the background and its result is ignored.
func (r *Refresher) Stop() {
	r.mu.Lock()
	r.state = Stopped
	started := r.started
	r.mu.Unlock()

	r.stopOnce.Do(func() {
		close(r.stop)
		if !started {
			close(r.done)
		}
	})
}

// Wait blocks until the loop has exited.
func (r *Refresher) Wait() {
	<-r.done
}

func (r *Refresher) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Failures returns the current consecutive failure count.
func (r *Refresher) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)

	delay := r.policy.Interval
	for {
		// Backoff keeps its state while waiting.
		if !r.transition(Idle, Scheduled) {
			return
		}
		r.logger.Debug("refresh scheduled", "in", delay, "state", r.State().String())

		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			r.Stop()
			return
		case <-r.after(delay):
		}

		if !r.enterRunning() {
			return
		}

		err := r.runOnce(ctx)

		r.mu.Lock()
		if r.state == Stopped {
			r.mu.Unlock()
			r.logger.Debug("refresh result discarded after stop", "error", err)
			r.observe("discarded")
			return
		}
		delay = r.settleLocked(err)
		r.mu.Unlock()
	}
}

// transition moves from one state to another; it reports false only when
// the refresher has been stopped.
func (r *Refresher) transition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Stopped {
		return false
	}
	if r.state == from {
		r.state = to
	}
	return true
}

func (r *Refresher) enterRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Stopped {
		return false
	}
	r.state = Running
	return true
}

// settleLocked records the outcome of a run and returns the next delay.
func (r *Refresher) settleLocked(err error) time.Duration {
	switch {
	case err == nil:
		r.state = Idle
		r.failures = 0
		r.observe("success")
		return r.policy.Interval

	case errors.Is(err, errNoCoordinates):
		r.state = Idle
		r.observe("skipped")
		return r.policy.Interval
	}

	r.state = Backoff
	if BackoffDelay(r.policy.Interval, r.policy.MaxBackoff, r.failures) < r.policy.MaxBackoff {
		r.failures++
	}

	delay := BackoffDelay(r.policy.Interval, r.policy.MaxBackoff, r.failures)
	result := "failure"
	if weather.IsRateLimited(err) {
		delay = r.policy.MaxBackoff
		result = "rate_limited"
	}
	r.observe(result)
	r.logger.Warn("background refresh failed",
		"failures", r.failures,
		"retryIn", delay,
		"error", err,
	)
	return delay
}

var errNoCoordinates = errors.New("no coordinates to refresh")

func (r *Refresher) runOnce(parent context.Context) error {
	// Stop does not cancel a run in progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.runTimeout)
	defer cancel()

	coords, err := r.coordinates(ctx)
	if err != nil {
		return err
	}

	snap, err := r.source.GetWeather(ctx, coords, false)
	if err != nil {
		return err
	}
	r.logger.Info("background refresh complete",
		"coords", coords.String(),
		"temperatureC", snap.TemperatureC,
		"condition", snap.Condition,
	)
	return nil
}

func (r *Refresher) coordinates(ctx context.Context) (weather.Coordinates, error) {
	if coords, ok := r.source.LastCoordinates(); ok {
		return coords, nil
	}
	if r.locations == nil {
		return weather.Coordinates{}, errNoCoordinates
	}

	coords, err := r.locations.CurrentLocation(ctx, r.locationTimeout)
	if err != nil {
		r.logger.Info("skipping refresh; location unavailable", "error", err)
		return weather.Coordinates{}, errNoCoordinates
	}
	return coords, nil
}

func (r *Refresher) observe(result string) {
	if r.metrics != nil {
		r.metrics.SchedulerRunsTotal.WithLabelValues(result).Inc()
	}
}
