// Package websocket implements the default message channel on top of
// gorilla/websocket. One text frame carries one JSON message.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/dispenser/auth"
	"github.com/kilianp07/dispenser/core/connection"
	"github.com/kilianp07/dispenser/core/factory"
	"github.com/kilianp07/dispenser/infra/logger"
)

// DeviceHeader carries the device id during the handshake.
const DeviceHeader = "X-Device-Id"

// Config defines the websocket endpoint.
type Config struct {
	URL              string        `json:"url"`
	DeviceID         string        `json:"device_id"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	InboundBuffer    int           `json:"inbound_buffer"`
	// Token is a static bearer token sent during the handshake.
	Token string `json:"token"`
	// Auth fetches the bearer token with OAuth2 client credentials instead.
	Auth auth.Conf `json:"auth"`
}

// SetDefaults fills the optional fields.
func (c *Config) SetDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 32
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("websocket: url is required")
	}
	return nil
}

func init() {
	_ = connection.RegisterDialer("websocket", func(conf map[string]any) (connection.Dialer, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewDialer(c)
	})
}

// Dialer opens websocket sessions to the configured URL.
type Dialer struct {
	cfg  Config
	ws   *websocket.Dialer
	cred *auth.ClientCred
	log  logger.Logger
}

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dialer{
		cfg: cfg,
		ws:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		log: logger.New("ws_transport"),
	}
	if cfg.Auth.Enabled() {
		d.cred = auth.NewClientCred(cfg.Auth)
	}
	return d, nil
}

// Dial performs the handshake and starts the reader goroutine.
func (d *Dialer) Dial(ctx context.Context) (connection.Conn, error) {
	hdr := http.Header{}
	if d.cfg.DeviceID != "" {
		hdr.Set(DeviceHeader, d.cfg.DeviceID)
	}
	switch {
	case d.cred != nil:
		if err := d.cred.SetAuthHeader(ctx, hdr); err != nil {
			return nil, fmt.Errorf("websocket auth: %w", err)
		}
	case d.cfg.Token != "":
		hdr.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	ws, resp, err := d.ws.DialContext(ctx, d.cfg.URL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if d.cred != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
			// The next attempt starts from a fresh token.
			if _, rerr := d.cred.ForceRefresh(ctx); rerr != nil {
				d.log.Warnf("token refresh: %v", rerr)
			}
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.cfg.URL, err)
	}
	d.log.Infof("connected to %s", d.cfg.URL)
	c := NewConn(ws, d.cfg.InboundBuffer, d.cfg.WriteTimeout, d.log)
	return c, nil
}

// Conn wraps one websocket session. It is shared by the agent transport and
// the console hub.
type Conn struct {
	ws           *websocket.Conn
	log          logger.Logger
	writeTimeout time.Duration
	inbound      chan []byte
	done         chan struct{}

	wmu  sync.Mutex
	once sync.Once
}

// NewConn starts reading from ws. Frames that do not fit in the inbound
// buffer are dropped.
func NewConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration, log logger.Logger) *Conn {
	if buffer <= 0 {
		buffer = 32
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	c := &Conn{
		ws:           ws,
		log:          log,
		writeTimeout: writeTimeout,
		inbound:      make(chan []byte, buffer),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer c.markDone()
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnf("read: %v", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case c.inbound <- data:
		default:
			c.log.Warnf("inbound queue full, dropping frame")
		}
	}
}

func (c *Conn) markDone() { c.once.Do(func() { close(c.done) }) }

// Send writes payload as one text frame. msgType is carried inside the
// payload and not used for routing.
func (c *Conn) Send(ctx context.Context, _ string, payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("websocket: session closed")
	default:
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Inbound delivers received text frames.
func (c *Conn) Inbound() <-chan []byte { return c.inbound }

// Done is closed once the reader stops.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.ws.Close()
	c.markDone()
	return err
}

var _ connection.Conn = (*Conn)(nil)
