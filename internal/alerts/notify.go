package alerts

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Warn(a.Title,
		"alertId", a.ID,
		"kind", a.Kind,
		"message", a.Message,
		"at", a.At,
	)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
