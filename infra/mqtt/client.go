package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/dispenser/core/connection"
	"github.com/kilianp07/dispenser/core/factory"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/core/monitoring"
	"github.com/kilianp07/dispenser/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT transport.
type Config struct {
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	DeviceID    string          `json:"device_id"`
	TopicPrefix string          `json:"topic_prefix"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	AuthMethod  string          `json:"auth_method"`
	QoS         map[string]byte `json:"qos"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	// InboundBuffer bounds the commands queued between two scheduler ticks.
	InboundBuffer int         `json:"inbound_buffer"`
	TLSConfig     *tls.Config `json:"-"`
}

// SetDefaults fills the optional fields.
func (c *Config) SetDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "dispenser"
	}
	if c.ClientID == "" {
		c.ClientID = c.DeviceID
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 32
	}
	if c.LWTPayload == "" {
		c.LWTPayload = "offline"
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("mqtt: device_id is required")
	}
	return nil
}

// Topic returns the topic carrying messages of kind for deviceID.
func Topic(prefix, deviceID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, deviceID, kind)
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// quiesceMS is the grace period given to in-flight publishes on disconnect.
const quiesceMS = 250

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

func init() {
	_ = connection.RegisterDialer("mqtt", func(conf map[string]any) (connection.Dialer, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewDialer(c)
	})
}

// Dialer opens one MQTT session per Dial. Paho's own reconnect is disabled:
// the connection manager decides when to redial.
type Dialer struct {
	cfg Config
	log logger.Logger
}

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{cfg: cfg, log: logger.New("mqtt_transport")}, nil
}

// Dial connects to the broker and subscribes to the command topic.
func (d *Dialer) Dial(ctx context.Context) (connection.Conn, error) {
	opts, err := NewClientOptions(d.cfg)
	if err != nil {
		return nil, err
	}
	conn := &Conn{
		cfg:     d.cfg,
		log:     d.log,
		inbound: make(chan []byte, d.cfg.InboundBuffer),
		done:    make(chan struct{}),
	}
	subErr := make(chan error, 1)
	opts.OnConnect = func(c paho.Client) {
		topic := Topic(d.cfg.TopicPrefix, d.cfg.DeviceID, model.MsgCmd)
		token := c.Subscribe(topic, d.cfg.qos(model.MsgCmd), conn.onMessage)
		token.Wait()
		subErr <- token.Error()
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		d.log.Errorf("connection lost: %v", err)
		conn.markDone()
	}

	c := newMQTTClient(opts)
	if err := wait(ctx, c.Connect()); err != nil {
		// A timed out connect may still complete in the background.
		c.Disconnect(quiesceMS)
		return nil, fmt.Errorf("mqtt connect %s: %w", d.cfg.Broker, err)
	}
	conn.cli = c
	select {
	case err := <-subErr:
		if err != nil {
			c.Disconnect(quiesceMS)
			monitoring.Capture(err, "mqtt", "device_id", d.cfg.DeviceID)
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	case <-ctx.Done():
		c.Disconnect(quiesceMS)
		return nil, ctx.Err()
	}
	d.log.Infof("connected to %s as %s", d.cfg.Broker, opts.ClientID)
	return conn, nil
}

func (c Config) qos(kind string) byte {
	if q, ok := c.QoS[kind]; ok {
		return q
	}
	return 0
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = false
	opts.ConnectRetry = false
	opts.SetCleanSession(true)
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.DeviceID != "" {
		opts.SetWill(Topic(cfg.TopicPrefix, cfg.DeviceID, "lwt"), cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Conn is one MQTT session.
type Conn struct {
	cfg     Config
	cli     pahoClient
	log     logger.Logger
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *Conn) onMessage(_ paho.Client, msg paho.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case c.inbound <- payload:
	default:
		c.log.Warnf("inbound queue full, dropping message on %s", msg.Topic())
	}
}

func (c *Conn) markDone() { c.once.Do(func() { close(c.done) }) }

// Send publishes payload on the topic of msgType.
func (c *Conn) Send(ctx context.Context, msgType string, payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("mqtt: session closed")
	default:
	}
	topic := Topic(c.cfg.TopicPrefix, c.cfg.DeviceID, msgType)
	if err := wait(ctx, c.cli.Publish(topic, c.cfg.qos(msgType), false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Inbound delivers payloads received on the command topic.
func (c *Conn) Inbound() <-chan []byte { return c.inbound }

// Done is closed when the broker connection is lost or closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close disconnects from the broker.
func (c *Conn) Close() error {
	c.markDone()
	if c.cli != nil && c.cli.IsConnected() {
		c.cli.Disconnect(quiesceMS)
	}
	return nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ connection.Conn = (*Conn)(nil)
