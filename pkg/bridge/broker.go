package bridge

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshcore-net/meshbridge/pkg/util"
)

// connectWait bounds how long a blocking broker operation may take before
// the caller treats it as failed.
const connectWait = 10 * time.Second

// Client is the broker connection surface the manager drives. The production
// implementation wraps a paho client; tests substitute fakes.
type Client interface {
	Connect() error
	Disconnect()
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Subscribe(topic string, qos byte) error
	IsConnected() bool
	// Ping sends a transport-level keepalive probe. Only meaningful on
	// websocket transports; others return nil.
	Ping() error
}

// ClientConfig carries everything needed to build one broker connection.
type ClientConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Keepalive      time.Duration
	ConnectTimeout time.Duration
	TLS            *tls.Config
	WebSocket      bool

	WillTopic   string
	WillPayload []byte
	WillQoS     byte
	WillRetain  bool

	OnConnect        func()
	OnConnectionLost func(err error)
	OnMessage        func(topic string, payload []byte)
}

// ClientFactory builds a Client from its config.
type ClientFactory func(ClientConfig) Client

// pahoClient adapts a paho MQTT client to the Client interface. Automatic
// reconnection is disabled; the manager owns retry policy.
type pahoClient struct {
	client mqtt.Client

	mu sync.Mutex
	ws *wsConn
}

// newPahoClient is the production ClientFactory.
func newPahoClient(cfg ClientConfig) Client {
	p := &pahoClient{}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(cfg.Keepalive).
		SetConnectTimeout(cfg.ConnectTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, cfg.WillQoS, cfg.WillRetain)
	}
	if cfg.OnConnect != nil {
		opts.SetOnConnectHandler(func(mqtt.Client) { cfg.OnConnect() })
	}
	if cfg.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { cfg.OnConnectionLost(err) })
	}
	if cfg.OnMessage != nil {
		opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			cfg.OnMessage(msg.Topic(), msg.Payload())
		})
	}

	if cfg.WebSocket {
		// Paho never exposes the underlying socket, so dial the websocket
		// ourselves and keep a handle for keepalive pings.
		opts.SetCustomOpenConnectionFn(p.openWebSocket(cfg.TLS))
	}

	p.client = mqtt.NewClient(opts)
	return p
}

func (p *pahoClient) Connect() error {
	tok := p.client.Connect()
	if !tok.WaitTimeout(connectWait) {
		return fmt.Errorf("connect timed out after %s", connectWait)
	}
	return tok.Error()
}

func (p *pahoClient) Disconnect() {
	// Allow in-flight messages a moment to drain.
	p.client.Disconnect(250)
}

func (p *pahoClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	tok := p.client.Publish(topic, qos, retain, payload)
	if !tok.WaitTimeout(connectWait) {
		return fmt.Errorf("publish timed out after %s", connectWait)
	}
	return tok.Error()
}

func (p *pahoClient) Subscribe(topic string, qos byte) error {
	tok := p.client.Subscribe(topic, qos, nil)
	if !tok.WaitTimeout(connectWait) {
		return fmt.Errorf("subscribe timed out after %s", connectWait)
	}
	return tok.Error()
}

func (p *pahoClient) IsConnected() bool {
	return p.client.IsConnected()
}

func (p *pahoClient) Ping() error {
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return nil
	}
	if err := ws.Ping(); err != nil {
		return fmt.Errorf("websocket ping: %w", err)
	}
	util.Debug("WebSocket ping sent")
	return nil
}
