// Package alert delivers usage threshold alerts.
package alert

import (
	"context"
	"errors"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
)

// Notifier delivers an alert. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, a types.Alert) error
}

// Log writes alerts to the context logger.
type Log struct{}

// Notify logs the alert at warn level.
func (Log) Notify(ctx context.Context, a types.Alert) error {
	log.Ctx(ctx).WarnContext(
		ctx,
		"device on longer than threshold",
		slog.String("alertID", a.ID),
		slog.String("userID", a.UserID),
		slog.String("providerID", a.ProviderID),
		slog.String("deviceID", a.DeviceID),
		slog.Int64("liveMs", a.LiveMs),
		slog.Int64("thresholdMs", a.ThresholdMs),
	)
	return nil
}

// Multi sends every alert to each notifier and joins their errors.
type Multi []Notifier

// Notify calls every notifier even if an earlier one fails.
func (m Multi) Notify(ctx context.Context, a types.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Configured returns a Notifier that always logs and also publishes to MQTT
// when a broker is configured.
func Configured() Notifier {
	mq := configuredMQTT()

	m := Multi{Log{}}
	var n struct{ Notifier }
	n.Notifier = m

	lflag.Do(func() {
		if mq.broker == "" {
			return
		}
		if err := mq.Connect(); err != nil {
			panic("mqtt connect failed: " + err.Error())
		}
		n.Notifier = append(m, mq)
	})

	return &n
}
