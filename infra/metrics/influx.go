package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/dispenser/core/metrics"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/infra/logger"
)

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes dispenser events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordDispense writes one point per dispense job.
func (s *InfluxSink) RecordDispense(ev coremetrics.DispenseEvent) error {
	p := write.NewPointWithMeasurement("dispense").
		AddTag("device_id", ev.DeviceID).
		AddTag("result", result(ev.Error)).
		AddField("requested", ev.Requested).
		AddField("dispensed", ev.Dispensed).
		AddField("duration_ms", ev.Duration.Milliseconds()).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordConnection writes channel state changes.
func (s *InfluxSink) RecordConnection(ev coremetrics.ConnectionEvent) error {
	p := write.NewPointWithMeasurement("channel").
		AddTag("device_id", ev.DeviceID).
		AddField("connected", ev.Connected).
		AddField("attempt", ev.Attempt)
	if ev.Err != nil {
		p = p.AddField("error", ev.Err.Error())
	}
	return s.write(p.SetTime(ev.Time))
}

// RecordInventory writes a snapshot of the dispenser record.
func (s *InfluxSink) RecordInventory(ev coremetrics.InventorySnapshot) error {
	p := write.NewPointWithMeasurement("inventory").
		AddTag("device_id", ev.DeviceID).
		AddTag("state", ev.State.String()).
		AddField("ball_count", ev.BallCount).
		AddField("total_dispensed", ev.TotalDispensed).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordInventoryEvent writes empty, low and refill transitions.
func (s *InfluxSink) RecordInventoryEvent(deviceID string, ev model.Event) error {
	p := write.NewPointWithMeasurement("inventory_event").
		AddTag("device_id", deviceID).
		AddTag("event", string(ev.Name)).
		AddField("ball_count", ev.BallCount).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordAck writes one point per acknowledged command.
func (s *InfluxSink) RecordAck(ev coremetrics.AckEvent) error {
	p := write.NewPointWithMeasurement("command_ack").
		AddTag("device_id", ev.DeviceID).
		AddTag("result", result(ev.Error)).
		AddField("cmd_id", ev.CmdID).
		AddField("success", ev.Success).
		SetTime(ev.Time)
	return s.write(p)
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() { s.client.Close() }
