package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/i474232898/freezer/internal/alerts"
	"github.com/i474232898/freezer/internal/metrics"
	"github.com/i474232898/freezer/internal/weather"
)

var now = time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)

type fakeWeather struct {
	snap     weather.WeatherSnapshot
	forecast weather.Forecast
	err      error

	gotCoords  weather.Coordinates
	allowStale bool
}

func (f *fakeWeather) GetWeather(_ context.Context, coords weather.Coordinates, allowStale bool) (weather.WeatherSnapshot, error) {
	f.gotCoords = coords
	f.allowStale = allowStale
	if err := coords.Validate(); err != nil {
		return weather.WeatherSnapshot{}, err
	}
	if f.err != nil {
		return weather.WeatherSnapshot{}, f.err
	}
	return f.snap, nil
}

func (f *fakeWeather) GetForecast(_ context.Context, coords weather.Coordinates) (weather.Forecast, error) {
	f.gotCoords = coords
	if f.err != nil {
		return weather.Forecast{}, f.err
	}
	return f.forecast, nil
}

func (f *fakeWeather) TTL() time.Duration { return 30 * time.Minute }

type fakeAlerts struct {
	settings alerts.Settings
	alert    *alerts.Alert
	err      error
	checked  []alerts.Kind
}

func (f *fakeAlerts) Settings() alerts.Settings     { return f.settings }
func (f *fakeAlerts) SetSettings(s alerts.Settings) { f.settings = s }
func (f *fakeAlerts) Check(_ context.Context, kind alerts.Kind) (*alerts.Alert, error) {
	f.checked = append(f.checked, kind)
	return f.alert, f.err
}

type fixedLocation struct{ coords weather.Coordinates }

func (f fixedLocation) CurrentLocation(context.Context, time.Duration) (weather.Coordinates, error) {
	return f.coords, nil
}

func newTestApp(w *fakeWeather, a *fakeAlerts, loc weather.LocationProvider) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(app, Deps{
		Weather:   w,
		Alerts:    a,
		Locations: loc,
		Now:       func() time.Time { return now },
	})
	return app
}

func do(t *testing.T, app *fiber.App, method, target string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("invalid JSON body %q: %v", raw, err)
		}
	}
	return resp, out
}

func TestCurrentWeather(t *testing.T) {
	w := &fakeWeather{snap: weather.WeatherSnapshot{
		TemperatureC: -3,
		Condition:    weather.ConditionSnow,
		FetchedAt:    now.Add(-45 * time.Minute),
	}}
	app := newTestApp(w, &fakeAlerts{}, nil)

	resp, body := do(t, app, http.MethodGet, "/api/v1/weather/current?lat=59.91&lon=10.75&allowStale=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if w.gotCoords.Latitude != 59.91 || w.gotCoords.Longitude != 10.75 || !w.allowStale {
		t.Fatalf("unexpected repository call %+v stale=%v", w.gotCoords, w.allowStale)
	}
	if body["ageSeconds"].(float64) != 2700 {
		t.Fatalf("unexpected age %v", body["ageSeconds"])
	}
	if body["stale"] != true {
		t.Fatal("expected a 45 minute old snapshot to be reported stale")
	}
	snap := body["snapshot"].(map[string]any)
	if snap["condition"] != "snow" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestCurrentWeatherValidation(t *testing.T) {
	app := newTestApp(&fakeWeather{}, &fakeAlerts{}, nil)

	for _, target := range []string{
		"/api/v1/weather/current",
		"/api/v1/weather/current?lat=10",
		"/api/v1/weather/current?lat=91&lon=0",
		"/api/v1/weather/current?lat=0&lon=-181",
		"/api/v1/weather/current?lat=abc&lon=0",
	} {
		resp, _ := do(t, app, http.MethodGet, target, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, resp.StatusCode)
		}
	}
}

func TestZeroCoordinatesAreValid(t *testing.T) {
	app := newTestApp(&fakeWeather{snap: weather.WeatherSnapshot{FetchedAt: now}}, &fakeAlerts{}, nil)
	resp, _ := do(t, app, http.MethodGet, "/api/v1/weather/current?lat=0&lon=0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for the null island, got %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		retryAfter string
	}{
		{
			name:       "rate limited",
			err:        &weather.WeatherUnavailableError{Key: "k", Cause: &weather.RateLimitError{RetryAfter: 30 * time.Second}},
			wantStatus: http.StatusTooManyRequests,
			retryAfter: "30",
		},
		{
			name:       "upstream down",
			err:        &weather.WeatherUnavailableError{Key: "k", Cause: &weather.NetworkError{Kind: weather.NetworkHTTPStatus, StatusCode: 502}},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&fakeWeather{err: tt.err}, &fakeAlerts{}, nil)
			resp, body := do(t, app, http.MethodGet, "/api/v1/weather/current?lat=1&lon=1", nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if got := resp.Header.Get("Retry-After"); got != tt.retryAfter {
				t.Fatalf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			if body["error"] != true {
				t.Fatalf("expected error body, got %v", body)
			}
		})
	}
}

func TestWeatherHere(t *testing.T) {
	w := &fakeWeather{snap: weather.WeatherSnapshot{FetchedAt: now}}
	oslo := weather.Coordinates{Latitude: 59.91, Longitude: 10.75}

	app := newTestApp(w, &fakeAlerts{}, fixedLocation{coords: oslo})
	resp, _ := do(t, app, http.MethodGet, "/api/v1/weather/here", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if w.gotCoords != oslo {
		t.Fatalf("expected provider coordinates, got %+v", w.gotCoords)
	}

	app = newTestApp(w, &fakeAlerts{}, nil)
	resp, _ = do(t, app, http.MethodGet, "/api/v1/weather/here", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a location, got %d", resp.StatusCode)
	}
}

func TestForecastHoursValidation(t *testing.T) {
	start := now.Truncate(time.Hour)
	var points []weather.ForecastPoint
	for i := 0; i < 72; i++ {
		points = append(points, weather.ForecastPoint{Time: start.Add(time.Duration(i) * time.Hour)})
	}
	app := newTestApp(&fakeWeather{forecast: weather.Forecast{Points: points}}, &fakeAlerts{}, nil)

	for _, target := range []string{
		"/api/v1/weather/forecast?lat=1&lon=1&hours=0",
		"/api/v1/weather/forecast?lat=1&lon=1&hours=121",
		"/api/v1/weather/forecast?lat=1&lon=1&hours=-2",
	} {
		resp, _ := do(t, app, http.MethodGet, target, nil)
		// hours=0 is treated as absent
		if strings.Contains(target, "hours=0") {
			if resp.StatusCode != http.StatusOK {
				t.Errorf("%s: expected 200, got %d", target, resp.StatusCode)
			}
			continue
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, resp.StatusCode)
		}
	}

	resp, body := do(t, app, http.MethodGet, "/api/v1/weather/forecast?lat=1&lon=1&hours=6", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if n := len(body["points"].([]any)); n != 7 {
		t.Fatalf("expected 7 points within 6 hours, got %d", n)
	}

	_, body = do(t, app, http.MethodGet, "/api/v1/weather/forecast?lat=1&lon=1", nil)
	if n := len(body["points"].([]any)); n != 25 {
		t.Fatalf("expected 25 points for the default 24 hours, got %d", n)
	}
}

func TestAlertSettings(t *testing.T) {
	a := &fakeAlerts{settings: alerts.Settings{FreezeEnabled: true}}
	app := newTestApp(&fakeWeather{}, a, nil)

	resp, body := do(t, app, http.MethodGet, "/api/v1/alerts", nil)
	if resp.StatusCode != http.StatusOK || body["freezeEnabled"] != true || body["umbrellaEnabled"] != false {
		t.Fatalf("unexpected settings %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, app, http.MethodPut, "/api/v1/alerts", strings.NewReader(`{"umbrellaEnabled": true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !a.settings.FreezeEnabled || !a.settings.UmbrellaEnabled {
		t.Fatalf("expected a partial update, got %+v", a.settings)
	}
	if body["umbrellaEnabled"] != true {
		t.Fatalf("unexpected response %v", body)
	}

	resp, _ = do(t, app, http.MethodPut, "/api/v1/alerts", strings.NewReader(`{"freezeEnabled": "yes"`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", resp.StatusCode)
	}
}

func TestAlertCheckNow(t *testing.T) {
	a := &fakeAlerts{alert: &alerts.Alert{ID: "a1", Kind: alerts.KindFreeze}}
	app := newTestApp(&fakeWeather{}, a, nil)

	resp, body := do(t, app, http.MethodPost, "/api/v1/alerts/check/freeze", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["alerted"] != true || len(a.checked) != 1 || a.checked[0] != alerts.KindFreeze {
		t.Fatalf("unexpected result %v, checked %v", body, a.checked)
	}

	resp, _ = do(t, app, http.MethodPost, "/api/v1/alerts/check/hail", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown kind, got %d", resp.StatusCode)
	}

	a.err = &weather.LocationUnavailableError{}
	resp, _ = do(t, app, http.MethodPost, "/api/v1/alerts/check/umbrella", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without coordinates, got %d", resp.StatusCode)
	}
}

func TestObserveAndMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(Observe(m, nil))
	RegisterMetrics(app, reg)
	RegisterRoutes(app, Deps{Weather: &fakeWeather{}, Alerts: &fakeAlerts{}})

	if resp, _ := do(t, app, http.MethodGet, "/health", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, app, http.MethodGet, "/api/v1/weather/current", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 through the middleware, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	text := string(raw)

	for _, want := range []string{
		`http_requests_total{method="GET",path="/health",status_code="2xx"} 1`,
		`http_requests_total{method="GET",path="/api/v1/weather/current",status_code="4xx"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func scrape(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return string(raw)
}

func TestObserveRecordsPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(Observe(m, slog.New(slog.NewTextHandler(io.Discard, nil))))
	app.Use(recover.New())
	RegisterMetrics(app, reg)
	app.Get("/boom", func(*fiber.Ctx) error { panic("kaboom") })

	resp, body := do(t, app, http.MethodGet, "/boom", nil)
	if resp.StatusCode != http.StatusInternalServerError || body["error"] != true {
		t.Fatalf("expected a 500 error body, got %d %v", resp.StatusCode, body)
	}

	want := `http_requests_total{method="GET",path="/boom",status_code="5xx"} 1`
	if text := scrape(t, app); !strings.Contains(text, want) {
		t.Fatalf("metrics output missing %q", want)
	}
}

type freezingSource struct{ forecast weather.Forecast }

func (f freezingSource) GetForecast(context.Context, weather.Coordinates) (weather.Forecast, error) {
	return f.forecast, nil
}

func (f freezingSource) LastCoordinates() (weather.Coordinates, bool) {
	return weather.Coordinates{Latitude: 59.91, Longitude: 10.75}, true
}

func TestAlertKindLabelSurvivesLaterRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	source := freezingSource{forecast: weather.Forecast{Points: []weather.ForecastPoint{
		{Time: time.Date(2026, 1, 15, 2, 0, 0, 0, time.UTC), TemperatureC: -4},
	}}}
	checker := alerts.NewChecker(source, nil, alerts.LogNotifier{Logger: quiet}, alerts.Settings{},
		alerts.WithClock(func() time.Time { return now }),
		alerts.WithZone(time.UTC),
		alerts.WithLogger(quiet),
		alerts.WithMetrics(m),
	)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(Observe(m, quiet))
	RegisterMetrics(app, reg)
	RegisterRoutes(app, Deps{Weather: &fakeWeather{}, Alerts: checker, Now: func() time.Time { return now }})

	resp, body := do(t, app, http.MethodPost, "/api/v1/alerts/check/freeze", nil)
	if resp.StatusCode != http.StatusOK || body["alerted"] != true {
		t.Fatalf("expected a freeze alert, got %d %v", resp.StatusCode, body)
	}

	// Push more requests through so fiber reuses its buffers.
	for i := 0; i < 50; i++ {
		do(t, app, http.MethodPost, "/api/v1/alerts/check/ZZZZZZ", nil)
		do(t, app, http.MethodGet, "/api/v1/weather/current?lat=1&lon=1", nil)
	}

	text := scrape(t, app)
	if want := `weather_alerts_sent_total{kind="freeze"} 1`; !strings.Contains(text, want) {
		t.Fatalf("metrics output missing %q", want)
	}
	if strings.Contains(text, `kind="ZZZZZZ"`) {
		t.Fatal("alert kind label picked up bytes from a later request")
	}
}
