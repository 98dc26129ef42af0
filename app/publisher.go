package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kilianp07/dispenser/core/connection"
	"github.com/kilianp07/dispenser/core/logger"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/internal/eventbus"
)

// publisher encodes outbound messages, hands them to the channel and
// mirrors every attempt on the outbound bus.
type publisher struct {
	deviceID string
	conn     *connection.Manager
	bus      *eventbus.TypedBus[model.Outbound]
	log      logger.Logger
}

func (p *publisher) SendAck(ctx context.Context, now time.Time, ack model.Ack) {
	p.send(ctx, now, model.MsgCmdAck, ack)
}

func (p *publisher) PublishStatus(ctx context.Context, now time.Time, msg model.StatusMessage) {
	p.send(ctx, now, model.MsgStatus, msg)
}

func (p *publisher) PublishEvent(ctx context.Context, now time.Time, msg model.EventMessage) {
	p.send(ctx, now, model.MsgEvent, msg)
}

func (p *publisher) send(ctx context.Context, now time.Time, msgType string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Errorf("encode %s: %v", msgType, err)
		return
	}
	err = p.conn.Send(ctx, now, msgType, raw)
	if err != nil && !errors.Is(err, connection.ErrNotConnected) {
		p.log.Warnf("send %s: %v", msgType, err)
	}
	p.bus.Publish(model.Outbound{
		DeviceID:  p.deviceID,
		Type:      msgType,
		Payload:   raw,
		Delivered: err == nil,
		Time:      now,
	})
}
