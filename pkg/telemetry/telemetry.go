// Package telemetry records projected device readings to InfluxDB.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
)

const measurement = "device_reading"

// Recorder stores readings. Record must not block on the network.
type Recorder interface {
	Record(ctx context.Context, userID, providerID, deviceID string, r types.Reading, at time.Time)
	Close()
}

// Noop drops every reading.
type Noop struct{}

func (Noop) Record(context.Context, string, string, string, types.Reading, time.Time) {}
func (Noop) Close()                                                                  {}

// Influx writes readings through the non-blocking write API.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInflux creates an Influx recorder writing to org/bucket.
func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClientWithOptions(
		url,
		token,
		influxdb2.DefaultOptions().
			SetBatchSize(100).
			SetFlushInterval(10_000),
	)
	writeAPI := client.WriteAPI(org, bucket)
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("influx write failed", slog.Any("error", err))
		}
	}()
	return &Influx{client: client, writeAPI: writeAPI}
}

// Ping checks the server is reachable and healthy.
func (i *Influx) Ping(ctx context.Context) error {
	healthy, err := i.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influx server not healthy")
	}
	return nil
}

// Record queues a point with whichever fields the reading has. Readings with
// no fields are skipped.
func (i *Influx) Record(ctx context.Context, userID, providerID, deviceID string, r types.Reading, at time.Time) {
	fields := map[string]interface{}{}
	if r.PowerW != nil {
		fields["power_w"] = *r.PowerW
	}
	if r.EnergyKWh != nil {
		fields["energy_kwh"] = *r.EnergyKWh
	}
	if r.SwitchOn != nil {
		fields["on"] = *r.SwitchOn
	}
	if len(fields) == 0 {
		return
	}
	i.writeAPI.WritePoint(write.NewPoint(
		measurement,
		map[string]string{
			"user_id":     userID,
			"provider_id": providerID,
			"device_id":   deviceID,
		},
		fields,
		at,
	))
	log.Ctx(ctx).DebugContext(ctx, "queued reading", slog.String("deviceID", deviceID))
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() {
	i.writeAPI.Flush()
	i.client.Close()
}

// Configured returns an Influx recorder when a URL is set and Noop otherwise.
func Configured() Recorder {
	url := lflag.String("influx-url", "", "InfluxDB URL for device readings (disabled if empty)")
	token := lflag.String("influx-token", "", "InfluxDB API token")
	org := lflag.String("influx-org", "", "InfluxDB organization")
	bucket := lflag.String("influx-bucket", "plugwatch", "InfluxDB bucket")

	var r struct{ Recorder }
	r.Recorder = Noop{}

	lflag.Do(func() {
		if *url == "" {
			return
		}
		i := NewInflux(*url, *token, *org, *bucket)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := i.Ping(ctx); err != nil {
			// keep the recorder, points are retried by the client
			slog.Warn("influx not reachable at startup", slog.Any("error", err))
		}
		r.Recorder = i
	})

	return &r
}
