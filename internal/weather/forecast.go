package weather

import "time"

// Between returns the points with from < Time < to, in order.
func (f Forecast) Between(from, to time.Time) []ForecastPoint {
	var out []ForecastPoint
	for _, p := range f.Points {
		if p.Time.After(from) && p.Time.Before(to) {
			out = append(out, p)
		}
	}
	return out
}

// Coldest returns the lowest-temperature point of points. The first point
// wins a tie.
func Coldest(points []ForecastPoint) (ForecastPoint, bool) {
	if len(points) == 0 {
		return ForecastPoint{}, false
	}
	best := points[0]
	for _, p := range points[1:] {
		if p.TemperatureC < best.TemperatureC {
			best = p
		}
	}
	return best, true
}

// Limit returns a copy of the forecast truncated to points within d of the
// first point.
func (f Forecast) Limit(d time.Duration) Forecast {
	if len(f.Points) == 0 || d <= 0 {
		return f
	}
	end := f.Points[0].Time.Add(d)
	out := f
	out.Points = nil
	for _, p := range f.Points {
		if p.Time.After(end) {
			break
		}
		out.Points = append(out.Points, p)
	}
	return out
}
