package bridge

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/util"
)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 120 * time.Second
	reconnectBackoff      = 1.5
	maxReconnectAttempts  = 12

	// connections younger than this on disconnect count as failures
	connectionStabilityWindow = 120 * time.Second

	// a connect attempt older than this is considered stalled
	connectingGrace = 10 * time.Second

	wsPingInterval = 45 * time.Second
)

// brokerRecord tracks one broker's connection lifecycle. The index is the
// broker's position in the configured list and keys the token cache, ping
// loops, and reconnect history.
type brokerRecord struct {
	index int
	cfg   config.Broker

	mu              sync.Mutex
	client          Client
	connected       bool
	connectingSince time.Time
	connectTime     time.Time
	reconnectAt     time.Time
	failedAttempts  int
}

func (r *brokerRecord) name() string {
	return r.cfg.DisplayName(r.index)
}

// Manager owns every broker connection: initial fan-out connect, the shared
// backoff reconnect machine, publish fan-out, and websocket keepalives.
type Manager struct {
	cfg           *config.Config
	identity      Identity
	clientVersion string
	stats         *Stats
	topics        *TopicResolver

	onCommand    func(tok string, brokerIdx int)
	buildStatus  func(status string, includeStats bool) []byte
	escalate     func(reason string)
	shuttingDown func() bool

	factory ClientFactory
	now     func() time.Time
	jitter  func() float64 // uniform in [-0.5, 0.5)

	mu             sync.Mutex
	records        []*brokerRecord
	reconnectDelay time.Duration

	connectedAny atomic.Bool

	tokenMu    sync.Mutex
	tokenCache map[int]tokenCacheEntry

	pingMu   sync.Mutex
	pingStop map[int]chan struct{}
}

func newManager(b *Bridge) *Manager {
	return &Manager{
		cfg:            b.cfg,
		identity:       b.identity,
		clientVersion:  b.clientVersion,
		stats:          b.stats,
		topics:         b.topics,
		onCommand:      b.handleCommandToken,
		buildStatus:    b.statusMessage,
		escalate:       b.requestShutdown,
		shuttingDown:   b.shuttingDown,
		factory:        newPahoClient,
		now:            time.Now,
		jitter:         func() float64 { return rand.Float64() - 0.5 },
		reconnectDelay: initialReconnectDelay,
		tokenCache:     map[int]tokenCacheEntry{},
		pingStop:       map[int]chan struct{}{},
	}
}

// ConnectAll attempts a connection to every enabled broker. Records are
// created on first call and reused afterwards, so a retry loop picks up the
// brokers that failed the first round. Returns an error when no broker is
// connected afterwards.
func (m *Manager) ConnectAll() error {
	m.mu.Lock()
	if m.records == nil {
		for i, b := range m.cfg.Brokers {
			if !b.Enabled {
				util.WithBroker(b.DisplayName(i)).Debug("Disabled, skipping")
				continue
			}
			if b.Server == "" {
				util.WithBroker(b.DisplayName(i)).Error("No server configured")
				continue
			}
			m.records = append(m.records, &brokerRecord{index: i, cfg: b})
		}
	}
	records := m.records
	m.mu.Unlock()

	if len(records) == 0 {
		util.WithComponent("MQTT").Error("No enabled brokers configured")
		return util.ErrNoBrokersConnected
	}

	// Attempts run in parallel so one unreachable broker costs at most its
	// own connect timeout, not a slot in a serial chain.
	var wg sync.WaitGroup
	for _, rec := range records {
		rec.mu.Lock()
		connected := rec.connected
		rec.mu.Unlock()
		if connected {
			continue
		}
		wg.Add(1)
		go func(rec *brokerRecord) {
			defer wg.Done()
			m.connectRecord(rec)
		}(rec)
	}
	wg.Wait()

	if !m.connectedAny.Load() {
		util.WithComponent("MQTT").Error("No brokers connected after initial connection attempts")
		return util.ErrNoBrokersConnected
	}
	util.WithComponent("MQTT").Infof("Connected to %d/%d broker(s)", m.connectedCount(), len(records))
	return nil
}

// connectRecord builds a fresh client for the record and performs one
// blocking connect attempt, scheduling a retry on failure.
func (m *Manager) connectRecord(rec *brokerRecord) {
	name := rec.name()

	clientCfg, err := m.buildClientConfig(rec)
	if err != nil {
		util.WithBroker(name).Errorf("Cannot build client: %v", err)
		m.recordFailure(rec)
		return
	}

	client := m.factory(clientCfg)

	rec.mu.Lock()
	rec.client = client
	rec.connectingSince = m.now()
	rec.mu.Unlock()

	util.WithBroker(name).Infof("Connecting to %s:%d (transport=%s, tls=%v, keepalive=%ds)",
		rec.cfg.Server, rec.cfg.Port, rec.cfg.Transport, rec.cfg.TLS.Enabled, rec.cfg.Keepalive)

	if err := client.Connect(); err != nil {
		util.WithBroker(name).Errorf("Failed to connect: %v", err)
		rec.mu.Lock()
		rec.connectingSince = time.Time{}
		rec.mu.Unlock()
		m.recordFailure(rec)
	}
}

// recordFailure bumps the record's failure counter and schedules its next
// attempt using the shared jittered backoff delay.
func (m *Manager) recordFailure(rec *brokerRecord) {
	m.mu.Lock()
	delay := m.reconnectDelay + time.Duration(m.jitter()*float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	m.reconnectDelay = time.Duration(float64(m.reconnectDelay) * reconnectBackoff)
	if m.reconnectDelay > maxReconnectDelay {
		m.reconnectDelay = maxReconnectDelay
	}
	m.mu.Unlock()

	rec.mu.Lock()
	rec.failedAttempts++
	attempts := rec.failedAttempts
	rec.reconnectAt = m.now().Add(delay)
	rec.mu.Unlock()

	util.WithBroker(rec.name()).Warnf("Failed to recreate client (attempt #%d/%d)", attempts, maxReconnectAttempts)
}

func (m *Manager) buildClientConfig(rec *brokerRecord) (ClientConfig, error) {
	b := rec.cfg

	clientID := SanitizeClientID(b.ClientIDPrefix, m.identity.PublicKey)
	if rec.index > 0 {
		clientID += fmt.Sprintf("_%d", rec.index)
	}

	username, password, err := m.credentials(rec.index, b, false)
	if err != nil {
		return ClientConfig{}, err
	}

	var scheme string
	ws := b.Transport == config.TransportWebSocket
	switch {
	case ws && b.TLS.Enabled:
		scheme = "wss"
	case ws:
		scheme = "ws"
	case b.TLS.Enabled:
		scheme = "ssl"
	default:
		scheme = "tcp"
	}
	url := fmt.Sprintf("%s://%s:%d", scheme, b.Server, b.Port)
	if ws {
		url += "/"
	}

	var tlsCfg *tls.Config
	if b.TLS.Enabled {
		tlsCfg = &tls.Config{InsecureSkipVerify: !b.TLS.VerifyEnabled()}
		if !b.TLS.VerifyEnabled() {
			util.WithBroker(rec.name()).Warn("TLS verification disabled")
		}
	}

	cfg := ClientConfig{
		BrokerURL:      url,
		ClientID:       clientID,
		Username:       username,
		Password:       password,
		Keepalive:      time.Duration(b.Keepalive) * time.Second,
		ConnectTimeout: connectWait,
		TLS:            tlsCfg,
		WebSocket:      ws,
		OnConnect:      func() { m.handleConnect(rec) },
		OnConnectionLost: func(err error) {
			m.handleDisconnect(rec, err)
		},
		OnMessage: func(topic string, payload []byte) {
			if !strings.Contains(topic, "/serial/commands") {
				return
			}
			util.WithBroker(rec.name()).Debugf("Received message on %s", topic)
			m.onCommand(strings.TrimSpace(string(payload)), rec.index)
		},
	}

	// Last-will announces an unclean exit, retained so late subscribers see
	// the node's standing state.
	if lwt := m.topics.Resolve(KindStatus, b); lwt != "" {
		cfg.WillTopic = lwt
		cfg.WillPayload = m.buildStatus("offline", false)
		cfg.WillQoS = b.QoS
		cfg.WillRetain = b.RetainEnabled()
	}

	return cfg, nil
}

func (m *Manager) handleConnect(rec *brokerRecord) {
	name := rec.name()

	// Any success proves the network is healthy again.
	m.mu.Lock()
	m.reconnectDelay = initialReconnectDelay
	m.mu.Unlock()

	rec.mu.Lock()
	wasConnected := rec.connected
	isFirstConnect := rec.connectTime.IsZero()
	rec.connected = true
	rec.connectingSince = time.Time{}
	rec.connectTime = m.now()
	client := rec.client
	rec.mu.Unlock()

	switch {
	case isFirstConnect:
		util.WithBroker(name).Info("Connected to broker")
	case !wasConnected:
		util.WithBroker(name).Info("Reconnected to broker")
	default:
		util.WithBroker(name).Debug("Connection state updated")
	}

	m.connectedAny.Store(true)

	// Online status is deliberately not retained: a stale retained "online"
	// outlives a dead bridge, while the retained LWT covers the standing
	// state.
	if topic := m.topics.Resolve(KindStatus, rec.cfg); topic != "" && client != nil {
		payload := m.buildStatus("online", true)
		if err := client.Publish(topic, payload, rec.cfg.QoS, false); err != nil {
			util.WithBroker(name).Errorf("Failed to publish online status: %v", err)
		}
	}

	if m.cfg.RemoteSerial.Enabled && client != nil {
		topic := m.topics.CommandsTopic()
		if err := client.Subscribe(topic, 1); err != nil {
			util.WithBroker(name).Errorf("Failed to subscribe to %s: %v", topic, err)
		} else {
			util.WithBroker(name).Infof("Subscribed to remote commands on %s", topic)
		}
	}

	if rec.cfg.Transport == config.TransportWebSocket && client != nil {
		m.startPingLoop(rec, client)
	}
}

func (m *Manager) handleDisconnect(rec *brokerRecord, err error) {
	name := rec.name()
	now := m.now()

	// During a graceful shutdown the teardown owns the connections; only mark
	// the record disconnected so no failure is counted and no retry scheduled.
	if m.shuttingDown() {
		rec.mu.Lock()
		rec.connected = false
		rec.mu.Unlock()
		util.WithBroker(name).Debug("Disconnected (shutdown)")
		if m.connectedCount() == 0 {
			m.connectedAny.Store(false)
		}
		return
	}

	m.stopPingLoop(rec.index)

	m.mu.Lock()
	delay := m.reconnectDelay
	m.mu.Unlock()

	rec.mu.Lock()
	alreadyDisconnected := !rec.connected
	rec.connected = false
	rec.connectingSince = time.Time{}
	rec.reconnectAt = now.Add(delay)

	hadSession := !rec.connectTime.IsZero()
	if hadSession && now.Sub(rec.connectTime) < connectionStabilityWindow {
		rec.failedAttempts++
		util.WithBroker(name).Warnf("Short-lived connection detected (failed_attempts: %d)", rec.failedAttempts)
	} else if hadSession && rec.failedAttempts > 0 {
		util.WithBroker(name).Infof("Stable connection ended after %ds - resetting failure counter",
			int(now.Sub(rec.connectTime).Seconds()))
		rec.failedAttempts = 0
	}
	rec.mu.Unlock()

	if !alreadyDisconnected {
		util.WithBroker(name).Warnf("Disconnected: %v", err)
		if hadSession {
			m.stats.RecordReconnect(rec.index, now)
		}
	}

	if m.connectedCount() == 0 {
		m.connectedAny.Store(false)
	}
}

// ReconnectTick drives the reconnect machine; the main loop calls it on
// every iteration. Connect attempts run in goroutines so a slow broker never
// stalls the serial path.
func (m *Manager) ReconnectTick() {
	now := m.now()

	m.mu.Lock()
	records := m.records
	m.mu.Unlock()

	for _, rec := range records {
		rec.mu.Lock()
		if rec.connected {
			rec.mu.Unlock()
			continue
		}
		if !rec.connectingSince.IsZero() && now.Sub(rec.connectingSince) < connectingGrace {
			rec.mu.Unlock()
			continue
		}
		if now.Before(rec.reconnectAt) {
			rec.mu.Unlock()
			continue
		}
		attempts := rec.failedAttempts
		oldClient := rec.client
		rec.connectingSince = now
		rec.mu.Unlock()

		name := rec.name()

		if attempts >= maxReconnectAttempts {
			util.WithBroker(name).Errorf("%d consecutive failures - exiting for service restart", maxReconnectAttempts)
			m.escalate(fmt.Sprintf("broker %s unreachable after %d attempts", name, maxReconnectAttempts))
			return
		}

		util.WithBroker(name).Infof("Reconnecting (attempt #%d)", attempts+1)

		m.stopPingLoop(rec.index)
		m.invalidateToken(rec.index)

		go func(rec *brokerRecord, old Client) {
			if old != nil {
				old.Disconnect()
			}
			m.connectRecord(rec)
		}(rec, oldClient)
	}
}

// PublishData fans a data-path message out to every broker. QoS 1 is coerced
// to 0 here: redelivery of live telemetry causes retry storms on flaky
// links. Returns nil when at least one broker accepted the message.
func (m *Manager) PublishData(kind TopicKind, payload []byte) error {
	if !m.connectedAny.Load() {
		util.Warnf("Not connected - skipping publish of %s message", kind)
		m.stats.PublishFailures.Add(1)
		return util.ErrNoBrokersConnected
	}

	m.mu.Lock()
	records := m.records
	m.mu.Unlock()

	success := false
	for _, rec := range records {
		rec.mu.Lock()
		client := rec.client
		connected := rec.connected
		rec.mu.Unlock()
		if client == nil || !connected {
			continue
		}

		topic := m.topics.Resolve(kind, rec.cfg)
		if topic == "" {
			continue
		}

		qos := rec.cfg.QoS
		if qos == 1 {
			qos = 0
		}

		if err := client.Publish(topic, payload, qos, false); err != nil {
			util.WithBroker(rec.name()).Errorf("Publish failed to %s: %v", topic, err)
			m.stats.PublishFailures.Add(1)
		} else {
			util.WithBroker(rec.name()).Debugf("Published to %s", topic)
			success = true
		}
	}

	if !success {
		return util.ErrNoBrokersConnected
	}
	return nil
}

// PublishResponse sends a signed command response to every connected broker
// at QoS 1. Responses are one-shot and must survive a flaky link, unlike the
// telemetry stream.
func (m *Manager) PublishResponse(payload []byte) bool {
	topic := m.topics.ResponsesTopic()

	m.mu.Lock()
	records := m.records
	m.mu.Unlock()

	published := false
	for _, rec := range records {
		rec.mu.Lock()
		client := rec.client
		connected := rec.connected
		rec.mu.Unlock()
		if client == nil || !connected {
			continue
		}
		if err := client.Publish(topic, payload, 1, false); err != nil {
			util.WithBroker(rec.name()).Errorf("Failed to publish serial response: %v", err)
			continue
		}
		util.WithBroker(rec.name()).Debugf("Published serial response to %s", topic)
		published = true
	}
	return published
}

// IsConnected reports whether any broker is currently connected.
func (m *Manager) IsConnected() bool {
	return m.connectedAny.Load()
}

// Counts returns (connected, total) broker record counts.
func (m *Manager) Counts() (int, int) {
	m.mu.Lock()
	total := len(m.records)
	m.mu.Unlock()
	return m.connectedCount(), total
}

func (m *Manager) connectedCount() int {
	m.mu.Lock()
	records := m.records
	m.mu.Unlock()

	n := 0
	for _, rec := range records {
		rec.mu.Lock()
		if rec.connected {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// BrokerName resolves a broker index to its display name.
func (m *Manager) BrokerName(idx int) string {
	if idx >= 0 && idx < len(m.cfg.Brokers) {
		return m.cfg.Brokers[idx].DisplayName(idx)
	}
	return fmt.Sprintf("broker-%d", idx)
}

// Shutdown announces the offline status to every connected broker and tears
// the connections down. The explicit offline publish is not retained; the
// retained LWT never fires on a clean disconnect.
func (m *Manager) Shutdown() {
	m.pingMu.Lock()
	for idx, stop := range m.pingStop {
		close(stop)
		delete(m.pingStop, idx)
	}
	m.pingMu.Unlock()

	offline := m.buildStatus("offline", false)

	m.mu.Lock()
	records := m.records
	m.mu.Unlock()

	for _, rec := range records {
		rec.mu.Lock()
		client := rec.client
		connected := rec.connected
		rec.connected = false
		rec.mu.Unlock()
		if client == nil {
			continue
		}
		if connected {
			if topic := m.topics.Resolve(KindStatus, rec.cfg); topic != "" {
				if err := client.Publish(topic, offline, 0, false); err != nil {
					util.WithBroker(rec.name()).Debugf("Offline status publish failed: %v", err)
				}
			}
		}
		client.Disconnect()
	}
	m.connectedAny.Store(false)
}

// startPingLoop begins the websocket keepalive for one broker. MQTT's own
// keepalive rides inside the websocket; intermediaries that only watch
// control frames will drop an idle tunnel without these pings.
func (m *Manager) startPingLoop(rec *brokerRecord, client Client) {
	m.pingMu.Lock()
	if old, ok := m.pingStop[rec.index]; ok {
		close(old)
	}
	stop := make(chan struct{})
	m.pingStop[rec.index] = stop
	m.pingMu.Unlock()

	name := rec.name()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					// The connection might recover; the lost-connection
					// callback owns the teardown.
					util.WithBroker(name).Debugf("WebSocket ping failed: %v", err)
				}
			}
		}
	}()
}

func (m *Manager) stopPingLoop(idx int) {
	m.pingMu.Lock()
	if stop, ok := m.pingStop[idx]; ok {
		close(stop)
		delete(m.pingStop, idx)
	}
	m.pingMu.Unlock()
}
