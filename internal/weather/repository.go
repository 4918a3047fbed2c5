package weather

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/i474232898/freezer/internal/metrics"
)

// ErrForecastUnsupported is returned when the configured client cannot
// serve forecasts.
var ErrForecastUnsupported = errors.New("weather client does not support forecasts")

// RetryPolicy controls how the repository retries timed-out fetches.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
}

// DefaultRetryPolicy retries twice, waiting 1s then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, Factor: 2}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt)))
}

// Repository orchestrates the cache and the remote client. It is the only
// place where client failures turn into stale-cache fallbacks.
type Repository struct {
	client  Client
	cache   Cache
	ttl     time.Duration
	retry   RetryPolicy
	group   singleflight.Group
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
	metrics *metrics.Metrics

	last atomic.Pointer[Coordinates]
}

// RepositoryOption customizes a Repository.
type RepositoryOption func(*Repository)

func WithRetryPolicy(p RetryPolicy) RepositoryOption {
	return func(r *Repository) { r.retry = p }
}

func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// WithSleeper replaces the backoff wait. Tests use it to record delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) RepositoryOption {
	return func(r *Repository) { r.sleep = sleep }
}

func WithLogger(l *slog.Logger) RepositoryOption {
	return func(r *Repository) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) RepositoryOption {
	return func(r *Repository) { r.metrics = m }
}

// NewRepository creates a Repository caching snapshots for ttl.
func NewRepository(client Client, cache Cache, ttl time.Duration, opts ...RepositoryOption) *Repository {
	r := &Repository{
		client: client,
		cache:  cache,
		ttl:    ttl,
		retry:  DefaultRetryPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	return r
}

// TTL returns the freshness window applied to new cache entries.
func (r *Repository) TTL() time.Duration {
	return r.ttl
}

// LastCoordinates returns the coordinates of the most recent valid request.
func (r *Repository) LastCoordinates() (Coordinates, bool) {
	p := r.last.Load()
	if p == nil {
		return Coordinates{}, false
	}
	return *p, true
}

// GetWeather returns the weather for coords. A fresh cache entry is served
// without a network call. Otherwise the client is asked, retrying timeouts;
// on final failure a cached entry of any age is served when allowStale is
// set, else a WeatherUnavailableError is returned.
func (r *Repository) GetWeather(ctx context.Context, coords Coordinates, allowStale bool) (WeatherSnapshot, error) {
	if err := coords.Validate(); err != nil {
		return WeatherSnapshot{}, err
	}
	r.last.Store(&coords)
	key := coords.Key()

	if entry, ok := r.cache.Get(key); ok && entry.IsFresh(r.now()) {
		r.metrics.CacheHitsTotal.Inc()
		return entry.Snapshot, nil
	}
	r.metrics.CacheMissesTotal.Inc()

	v, err := r.coalesce(ctx, key, func(fctx context.Context) (any, error) {
		// A flight that completed just before this one started may have
		// refreshed the entry already.
		if entry, ok := r.cache.Get(key); ok && entry.IsFresh(r.now()) {
			return entry.Snapshot, nil
		}

		snap, err := withRetry(fctx, r, func(ctx context.Context) (WeatherSnapshot, error) {
			return r.client.Fetch(ctx, coords)
		})
		if err != nil {
			return nil, err
		}
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = r.now()
		}
		r.cache.Put(key, snap, r.ttl)
		return snap, nil
	})
	if err == nil {
		return v.(WeatherSnapshot), nil
	}

	if allowStale {
		if entry, ok := r.cache.Get(key); ok {
			r.logger.Warn("serving stale weather",
				"key", key,
				"fetchedAt", entry.Snapshot.FetchedAt,
				"error", err,
			)
			r.metrics.StaleServedTotal.Inc()
			return entry.Snapshot, nil
		}
	}

	r.logger.Error("weather unavailable", "key", key, "error", err)
	return WeatherSnapshot{}, &WeatherUnavailableError{Key: key, Cause: err}
}

// GetForecast fetches the forecast for coords with the same validation,
// retry and coalescing as GetWeather. Forecasts are not cached.
func (r *Repository) GetForecast(ctx context.Context, coords Coordinates) (Forecast, error) {
	if err := coords.Validate(); err != nil {
		return Forecast{}, err
	}
	r.last.Store(&coords)
	key := "forecast:" + coords.Key()

	fc, ok := r.client.(ForecastClient)
	if !ok {
		return Forecast{}, &WeatherUnavailableError{Key: key, Cause: ErrForecastUnsupported}
	}

	v, err := r.coalesce(ctx, key, func(fctx context.Context) (any, error) {
		f, err := withRetry(fctx, r, func(ctx context.Context) (Forecast, error) {
			return fc.FetchForecast(ctx, coords)
		})
		if err != nil {
			return nil, err
		}
		if f.FetchedAt.IsZero() {
			f.FetchedAt = r.now()
		}
		return f, nil
	})
	if err != nil {
		r.logger.Error("forecast unavailable", "key", key, "error", err)
		return Forecast{}, &WeatherUnavailableError{Key: key, Cause: err}
	}
	return v.(Forecast), nil
}

// coalesce runs fn at most once per key at a time. fn runs on a context
// detached from the caller, so a caller giving up does not cancel the fetch
// for everyone else sharing it.
func (r *Repository) coalesce(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.CoalescedRequests.Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withRetry calls op, retrying only NetworkError timeouts with exponential
// backoff.
func withRetry[T any](ctx context.Context, r *Repository, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		start := time.Now()
		v, err := op(ctx)
		r.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
		r.metrics.UpstreamFetches.WithLabelValues(fetchResult(err)).Inc()
		if err == nil {
			return v, nil
		}

		if !IsTimeout(err) || attempt >= r.retry.MaxRetries {
			return zero, err
		}

		delay := r.retry.delay(attempt)
		r.logger.Warn("weather fetch timed out, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"client", r.client.Name(),
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			return zero, err
		}
	}
}

func fetchResult(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		ne *NetworkError
		de *DecodeError
	)
	switch {
	case IsRateLimited(err):
		return "rate_limited"
	case errors.As(err, &de):
		return "decode"
	case errors.As(err, &ne):
		switch ne.Kind {
		case NetworkTimeout:
			return "timeout"
		case NetworkHTTPStatus:
			return "http_status"
		default:
			return "connection_failed"
		}
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
