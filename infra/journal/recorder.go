package journal

import (
	"context"
	"time"

	"github.com/kilianp07/dispenser/core/logger"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/internal/eventbus"
)

func unixNano(ns int64) time.Time { return time.Unix(0, ns) }

// StartRecorder appends every outbound frame published on bus to store until
// ctx is canceled or the bus is closed. The returned channel is closed once
// the recorder has stopped.
func StartRecorder(ctx context.Context, bus *eventbus.TypedBus[model.Outbound], store Store, log logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || store == nil {
		close(done)
		return done
	}
	log = logger.OrNop(log)
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
				if err := store.Append(context.WithoutCancel(ctx), FromOutbound(out)); err != nil {
					log.Errorf("journal append: %v", err)
				}
			}
		}
	}()
	return done
}
