package metrics

import (
	"context"
	"encoding/json"

	coremetrics "github.com/kilianp07/dispenser/core/metrics"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/internal/eventbus"
)

// StartOutboundCollector subscribes to the outbound bus and records command
// acknowledgments that reached the operator. It returns a channel closed once
// the collector has stopped, which happens when ctx is canceled or the bus is
// closed.
func StartOutboundCollector(ctx context.Context, bus *eventbus.TypedBus[model.Outbound], sink coremetrics.MetricsSink) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || sink == nil {
		close(done)
		return done
	}
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-sub:
				if !ok {
					return
				}
				collect(out, sink)
			}
		}
	}()
	return done
}

func collect(out model.Outbound, sink coremetrics.MetricsSink) {
	if out.Type != model.MsgCmdAck || !out.Delivered {
		return
	}
	var ack model.Ack
	if err := json.Unmarshal(out.Payload, &ack); err != nil {
		return
	}
	ev := coremetrics.AckEvent{
		DeviceID: out.DeviceID,
		CmdID:    ack.CmdID,
		Success:  ack.Success,
		Time:     out.Time,
	}
	if ack.Error != nil {
		ev.Error = model.ErrorCode(*ack.Error)
	}
	_ = coremetrics.RecordAck(sink, ev)
}
