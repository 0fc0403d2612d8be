package alerting

import (
	"context"
	"encoding/json"
	"log"
)

// Notifier fans an allowed alert out to its channels. Implementations must
// be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, alert *Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert *Alert) error { return f(ctx, alert) }

// LogNotifier writes alerts as JSON records to the process log. It is the
// development binding and the fallback when no channel sink is configured.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	n.logger.Printf(`{"decision":"alert_notify","alert":%s}`, data)
	return nil
}

// MultiNotifier sends to every sink, returning the first error after all
// sinks have been attempted.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, alert *Alert) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
