// Package connection keeps the single message channel to the operator side
// alive. Reconnects happen at a fixed interval and nothing sent while the
// channel is down is kept.
package connection

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/kilianp07/dispenser/core/logger"
	coremetrics "github.com/kilianp07/dispenser/core/metrics"
)

// ErrNotConnected is returned by Send when the frame was dropped.
var ErrNotConnected = errors.New("channel not connected")

// Conn is one established bidirectional channel.
type Conn interface {
	Send(ctx context.Context, msgType string, payload []byte) error
	// Inbound delivers received frames. It is never closed by the transport.
	Inbound() <-chan []byte
	// Done is closed once the channel is lost.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a new Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// State of the channel.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Options configure a Manager.
type Options struct {
	DeviceID          string
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	// MaxInbound bounds the frames drained by a single Poll.
	MaxInbound int
	Logger     logger.Logger
	Metrics    coremetrics.MetricsSink
}

// Manager owns the channel lifecycle. It is driven by the scheduling loop
// and must not be used concurrently.
type Manager struct {
	dialer   Dialer
	opts     Options
	limiter  *rate.Limiter
	conn     Conn
	state    State
	attempts int
	dropped  uint64
	log      logger.Logger
	metrics  coremetrics.MetricsSink
}

// New returns a disconnected Manager. The first Poll dials immediately.
func New(d Dialer, opts Options) *Manager {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 3 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxInbound <= 0 {
		opts.MaxInbound = 32
	}
	m := opts.Metrics
	if m == nil {
		m = coremetrics.NopSink{}
	}
	return &Manager{
		dialer:  d,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectInterval), 1),
		log:     logger.OrNop(opts.Logger),
		metrics: m,
	}
}

// State returns the current channel state.
func (m *Manager) State() State { return m.state }

// Connected reports whether frames can currently be sent.
func (m *Manager) Connected() bool { return m.state == Connected }

// Dropped returns the number of frames discarded while disconnected.
func (m *Manager) Dropped() uint64 { return m.dropped }

// Poll advances the lifecycle at now and returns the inbound frames
// received since the previous call. While disconnected it may dial, which
// blocks for up to DialTimeout.
func (m *Manager) Poll(ctx context.Context, now time.Time) [][]byte {
	if m.state == Disconnected {
		if !m.limiter.AllowN(now, 1) {
			return nil
		}
		m.dial(ctx, now)
	}
	return m.Drain(now)
}

// Drain returns the inbound frames received since the previous call without
// ever dialing. A lost channel is detected before draining and whatever it
// still had queued is discarded.
func (m *Manager) Drain(now time.Time) [][]byte {
	if m.state == Disconnected {
		return nil
	}
	select {
	case <-m.conn.Done():
		m.drop(now, errors.New("channel closed by peer"))
		return nil
	default:
	}

	var frames [][]byte
	for len(frames) < m.opts.MaxInbound {
		select {
		case raw := <-m.conn.Inbound():
			frames = append(frames, raw)
		default:
			return frames
		}
	}
	return frames
}

func (m *Manager) dial(ctx context.Context, now time.Time) {
	m.attempts++
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dctx)
	m.recordConn(coremetrics.ConnectionEvent{Attempt: true, Connected: err == nil, Err: err, Time: now})
	if err != nil {
		m.log.Warnf("connect attempt %d failed: %v", m.attempts, err)
		return
	}
	m.conn = conn
	m.state = Connected
	m.log.Infof("channel connected after %d attempt(s)", m.attempts)
	m.attempts = 0
}

// drop forgets the current Conn. The next dial waits for the limiter.
func (m *Manager) drop(now time.Time, cause error) {
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.state = Disconnected
	m.log.Warnf("channel lost: %v", cause)
	m.recordConn(coremetrics.ConnectionEvent{Connected: false, Err: cause, Time: now})
}

// Send transmits one frame. While disconnected the frame is discarded and
// ErrNotConnected is returned; callers are free to ignore it.
func (m *Manager) Send(ctx context.Context, now time.Time, msgType string, payload []byte) error {
	if m.state != Connected {
		m.dropped++
		m.log.Debugf("dropped %s frame while disconnected", msgType)
		m.recordMsg(msgType, true, now)
		return ErrNotConnected
	}
	if err := m.conn.Send(ctx, msgType, payload); err != nil {
		m.dropped++
		m.recordMsg(msgType, true, now)
		m.drop(now, err)
		return err
	}
	m.recordMsg(msgType, false, now)
	return nil
}

// Close shuts the current channel, if any.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	m.state = Disconnected
	return err
}

func (m *Manager) recordConn(ev coremetrics.ConnectionEvent) {
	ev.DeviceID = m.opts.DeviceID
	if err := coremetrics.RecordConnection(m.metrics, ev); err != nil {
		m.log.Errorf("record connection: %v", err)
	}
}

func (m *Manager) recordMsg(msgType string, dropped bool, now time.Time) {
	ev := coremetrics.MessageEvent{DeviceID: m.opts.DeviceID, Type: msgType, Dropped: dropped, Time: now}
	if err := coremetrics.RecordMessage(m.metrics, ev); err != nil {
		m.log.Errorf("record message: %v", err)
	}
}
