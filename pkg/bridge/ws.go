package bridge

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
)

// wsConn presents a websocket as a stream-oriented net.Conn for the MQTT
// client, while keeping the control-frame surface available for keepalive
// pings. MQTT frames ride in binary messages.
type wsConn struct {
	conn *websocket.Conn

	// reader is the message currently being drained.
	reader io.Reader

	writeMu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Ping sends a websocket ping control frame. Safe to call concurrently with
// writes.
func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// openWebSocket returns a connection opener that dials the broker over
// websocket with the MQTT subprotocol and retains the socket for pings.
func (p *pahoClient) openWebSocket(tlsCfg *tls.Config) mqtt.OpenConnectionFunc {
	return func(uri *url.URL, options mqtt.ClientOptions) (net.Conn, error) {
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: options.ConnectTimeout,
			Subprotocols:     []string{"mqtt"},
			TLSClientConfig:  tlsCfg,
		}
		conn, _, err := dialer.Dial(uri.String(), nil)
		if err != nil {
			return nil, err
		}
		ws := &wsConn{conn: conn}
		p.mu.Lock()
		p.ws = ws
		p.mu.Unlock()
		return ws, nil
	}
}
