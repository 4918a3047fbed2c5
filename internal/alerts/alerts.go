package alerts

import (
	"time"

	"github.com/i474232898/freezer/internal/weather"
)

type Kind string

const (
	KindFreeze   Kind = "freeze"
	KindUmbrella Kind = "umbrella"
)

// ParseKind returns the Kind named by s. The result is always one of the
// package constants, never s itself, so it stays valid after s is reused.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindFreeze:
		return KindFreeze, true
	case KindUmbrella:
		return KindUmbrella, true
	}
	return "", false
}

const (
	FreezingC          = 0.0
	RainThresholdMm    = 0.1
	PrecipProbLimit    = 0.30
	overnightStartHour = 22
	overnightEndHour   = 8
	morningStartHour   = 7
	morningEndHour     = 10
)

// Alert is a notification produced by a check.
type Alert struct {
	ID        string              `json:"id"`
	Kind      Kind                `json:"kind"`
	Title     string              `json:"title"`
	Message   string              `json:"message"`
	Location  weather.Coordinates `json:"location"`
	Place     string              `json:"place,omitempty"`
	At        time.Time           `json:"at"`
	CreatedAt time.Time           `json:"createdAt"`
}

func atHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}

// OvernightWindow is 22:00 on now's day to 08:00 the next day, in now's zone.
func OvernightWindow(now time.Time) (from, to time.Time) {
	from = atHour(now, overnightStartHour)
	to = atHour(now.AddDate(0, 0, 1), overnightEndHour)
	return from, to
}

// MorningWindow is 07:00 to 10:00 today, or tomorrow once today's window
// has passed.
func MorningWindow(now time.Time) (from, to time.Time) {
	from = atHour(now, morningStartHour)
	to = atHour(now, morningEndHour)
	if now.After(to) {
		from = from.AddDate(0, 0, 1)
		to = to.AddDate(0, 0, 1)
	}
	return from, to
}

// FreezeCheck returns the coldest overnight point when it is at or below
// freezing.
func FreezeCheck(f weather.Forecast, now time.Time) (weather.ForecastPoint, bool) {
	coldest, ok := weather.Coldest(f.Between(OvernightWindow(now)))
	if !ok || coldest.TemperatureC > FreezingC {
		return weather.ForecastPoint{}, false
	}
	return coldest, true
}

// UmbrellaCheck returns the first morning point with meaningful rain or a
// high chance of it.
func UmbrellaCheck(f weather.Forecast, now time.Time) (weather.ForecastPoint, bool) {
	for _, p := range f.Between(MorningWindow(now)) {
		if p.PrecipMm > RainThresholdMm || p.PrecipProbability > PrecipProbLimit {
			return p, true
		}
	}
	return weather.ForecastPoint{}, false
}
