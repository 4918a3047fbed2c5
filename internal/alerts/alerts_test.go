package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/i474232898/freezer/internal/weather"
)

// 18:00 UTC on a winter evening.
var evening = time.Date(2026, 1, 14, 18, 0, 0, 0, time.UTC)

func point(t time.Time, tempC, precipMm, prob float64) weather.ForecastPoint {
	return weather.ForecastPoint{Time: t, TemperatureC: tempC, PrecipMm: precipMm, PrecipProbability: prob}
}

func TestOvernightWindow(t *testing.T) {
	from, to := OvernightWindow(evening)
	if want := time.Date(2026, 1, 14, 22, 0, 0, 0, time.UTC); !from.Equal(want) {
		t.Fatalf("from = %v, want %v", from, want)
	}
	if want := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC); !to.Equal(want) {
		t.Fatalf("to = %v, want %v", to, want)
	}
}

func TestMorningWindowRollsOver(t *testing.T) {
	early := time.Date(2026, 1, 14, 6, 30, 0, 0, time.UTC)
	from, _ := MorningWindow(early)
	if from.Day() != 14 {
		t.Fatalf("expected today's window before 10:00, got %v", from)
	}

	late := time.Date(2026, 1, 14, 10, 30, 0, 0, time.UTC)
	from, to := MorningWindow(late)
	if from.Day() != 15 || to.Day() != 15 {
		t.Fatalf("expected tomorrow's window after 10:00, got %v - %v", from, to)
	}
}

func TestFreezeCheck(t *testing.T) {
	day := evening
	tests := []struct {
		name   string
		points []weather.ForecastPoint
		want   bool
		wantC  float64
	}{
		{
			name: "freezing overnight",
			points: []weather.ForecastPoint{
				point(day.Add(3*time.Hour), 2, 0, 0),   // 21:00, outside
				point(day.Add(6*time.Hour), 0.5, 0, 0), // 00:00
				point(day.Add(9*time.Hour), -1.5, 0, 0),
				point(day.Add(12*time.Hour), -0.5, 0, 0),
			},
			want:  true,
			wantC: -1.5,
		},
		{
			name: "exactly zero counts",
			points: []weather.ForecastPoint{
				point(day.Add(9*time.Hour), 0, 0, 0),
			},
			want:  true,
			wantC: 0,
		},
		{
			name: "cold only outside the window",
			points: []weather.ForecastPoint{
				point(day.Add(4*time.Hour), -5, 0, 0),  // 22:00 exactly, excluded
				point(day.Add(14*time.Hour), -5, 0, 0), // 08:00 exactly, excluded
				point(day.Add(9*time.Hour), 3, 0, 0),
			},
			want: false,
		},
		{
			name: "no points",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := FreezeCheck(weather.Forecast{Points: tt.points}, evening)
			if ok != tt.want {
				t.Fatalf("FreezeCheck ok = %v, want %v", ok, tt.want)
			}
			if ok && p.TemperatureC != tt.wantC {
				t.Fatalf("coldest = %v, want %v", p.TemperatureC, tt.wantC)
			}
		})
	}
}

func TestUmbrellaCheck(t *testing.T) {
	now := time.Date(2026, 1, 14, 6, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return time.Date(2026, 1, 14, h, 0, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		points []weather.ForecastPoint
		want   bool
		wantAt time.Time
	}{
		{
			name:   "rain amount",
			points: []weather.ForecastPoint{point(at(8), 5, 0.4, 0)},
			want:   true,
			wantAt: at(8),
		},
		{
			name:   "probability",
			points: []weather.ForecastPoint{point(at(8), 5, 0, 0.2), point(at(9), 5, 0, 0.31)},
			want:   true,
			wantAt: at(9),
		},
		{
			name:   "thresholds are exclusive",
			points: []weather.ForecastPoint{point(at(8), 5, 0.1, 0.3)},
			want:   false,
		},
		{
			name:   "rain outside the morning",
			points: []weather.ForecastPoint{point(at(12), 5, 3, 0.9), point(at(7), 5, 3, 0.9)},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := UmbrellaCheck(weather.Forecast{Points: tt.points}, now)
			if ok != tt.want {
				t.Fatalf("UmbrellaCheck ok = %v, want %v", ok, tt.want)
			}
			if ok && !p.Time.Equal(tt.wantAt) {
				t.Fatalf("first rainy point at %v, want %v", p.Time, tt.wantAt)
			}
		})
	}
}

type fakeSource struct {
	forecast weather.Forecast
	err      error
	coords   *weather.Coordinates
	calls    int
}

func (f *fakeSource) GetForecast(_ context.Context, coords weather.Coordinates) (weather.Forecast, error) {
	f.calls++
	if f.err != nil {
		return weather.Forecast{}, f.err
	}
	out := f.forecast
	out.Location = coords
	return out, nil
}

func (f *fakeSource) LastCoordinates() (weather.Coordinates, bool) {
	if f.coords == nil {
		return weather.Coordinates{}, false
	}
	return *f.coords, true
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

var helsinki = weather.Coordinates{Latitude: 60.17, Longitude: 24.94}

func freezingForecast() weather.Forecast {
	return weather.Forecast{
		Place: "Helsinki",
		Points: []weather.ForecastPoint{
			point(evening.Add(6*time.Hour), -4.2, 0, 0),
		},
	}
}

func TestCheckerSendsFreezeAlert(t *testing.T) {
	src := &fakeSource{forecast: freezingForecast(), coords: &helsinki}
	n := &recordingNotifier{}
	c := NewChecker(src, nil, n, Settings{FreezeEnabled: true},
		WithClock(func() time.Time { return evening }),
		WithZone(time.UTC),
	)

	alert, err := c.Check(context.Background(), KindFreeze)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if alert == nil {
		t.Fatal("expected an alert")
	}
	if alert.ID == "" || alert.Kind != KindFreeze {
		t.Fatalf("unexpected alert %+v", alert)
	}
	if !strings.Contains(alert.Message, "-4.2") || !strings.Contains(alert.Message, "Helsinki") {
		t.Fatalf("unexpected message %q", alert.Message)
	}
	if len(n.alerts) != 1 || n.alerts[0].ID != alert.ID {
		t.Fatalf("expected the alert to be delivered once, got %+v", n.alerts)
	}
}

func TestCheckerNoAlertWhenWarm(t *testing.T) {
	src := &fakeSource{
		forecast: weather.Forecast{Points: []weather.ForecastPoint{point(evening.Add(6*time.Hour), 4, 0, 0)}},
		coords:   &helsinki,
	}
	n := &recordingNotifier{}
	c := NewChecker(src, nil, n, Settings{FreezeEnabled: true},
		WithClock(func() time.Time { return evening }),
		WithZone(time.UTC),
	)

	alert, err := c.Check(context.Background(), KindFreeze)
	if err != nil || alert != nil {
		t.Fatalf("expected no alert and no error, got %+v, %v", alert, err)
	}
	if len(n.alerts) != 0 {
		t.Fatalf("expected nothing delivered, got %d", len(n.alerts))
	}
}

func TestScheduledHonoursToggle(t *testing.T) {
	src := &fakeSource{forecast: freezingForecast(), coords: &helsinki}
	n := &recordingNotifier{}
	c := NewChecker(src, nil, n, Settings{},
		WithClock(func() time.Time { return evening }),
		WithZone(time.UTC),
	)

	if err := c.Scheduled(KindFreeze)(context.Background()); err != nil {
		t.Fatalf("disabled check should not fail: %v", err)
	}
	if src.calls != 0 {
		t.Fatal("disabled check must not fetch a forecast")
	}

	c.SetSettings(Settings{FreezeEnabled: true})
	if got := c.Settings(); !got.FreezeEnabled || got.UmbrellaEnabled {
		t.Fatalf("unexpected settings %+v", got)
	}
	if err := c.Scheduled(KindFreeze)(context.Background()); err != nil {
		t.Fatalf("enabled check failed: %v", err)
	}
	if len(n.alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(n.alerts))
	}
}

func TestScheduledSkipsWithoutCoordinates(t *testing.T) {
	src := &fakeSource{forecast: freezingForecast()}
	c := NewChecker(src, nil, &recordingNotifier{}, Settings{FreezeEnabled: true, UmbrellaEnabled: true})

	if err := c.Scheduled(KindUmbrella)(context.Background()); err != nil {
		t.Fatalf("expected a silent skip, got %v", err)
	}

	_, err := c.Check(context.Background(), KindUmbrella)
	var locErr *weather.LocationUnavailableError
	if !errors.As(err, &locErr) {
		t.Fatalf("expected LocationUnavailableError from Check, got %v", err)
	}
}

func TestCheckPropagatesForecastFailure(t *testing.T) {
	cause := &weather.WeatherUnavailableError{Key: "forecast:" + helsinki.Key(), Cause: errors.New("boom")}
	src := &fakeSource{err: cause, coords: &helsinki}
	c := NewChecker(src, nil, &recordingNotifier{}, Settings{FreezeEnabled: true})

	if err := c.Scheduled(KindFreeze)(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected the forecast failure, got %v", err)
	}
}

func TestCheckUnknownKind(t *testing.T) {
	c := NewChecker(&fakeSource{coords: &helsinki}, nil, nil, Settings{})
	if _, err := c.Check(context.Background(), Kind("hail")); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("broker down")}
	err := Fanout{bad, ok}.Notify(context.Background(), Alert{ID: "1"})
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.alerts) != 1 {
		t.Fatal("a failing notifier must not block the others")
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.qos = qos
	p.payload, _ = payload.([]byte)
	return newFakeToken(p.err)
}

func (p *fakePublisher) Disconnect(uint) {}

func TestMQTTNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := newMQTTNotifier(pub, "home/weather/")

	a := Alert{ID: "abc", Kind: KindUmbrella, Title: "Don't forget your umbrella"}
	if err := n.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if pub.topic != "home/weather/umbrella" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}
	if pub.qos != 1 {
		t.Fatalf("expected qos 1, got %d", pub.qos)
	}

	var got Alert
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.ID != "abc" || got.Kind != KindUmbrella {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestMQTTNotifierReportsPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	n := newMQTTNotifier(pub, "")
	if err := n.Notify(context.Background(), Alert{ID: "x", Kind: KindFreeze}); err == nil {
		t.Fatal("expected publish error")
	}
	if pub.topic != DefaultMQTTTopic+"/freeze" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}
}
