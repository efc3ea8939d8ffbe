package bridge

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/util"
)

var testPubKey = strings.Repeat("A", 64)

type publishCall struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type fakeClient struct {
	cfg        ClientConfig
	connectErr error

	mu         sync.Mutex
	connected  bool
	published  []publishCall
	subscribed map[string]byte
	pings      int
}

func (c *fakeClient) Connect() error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishCall{topic: topic, payload: payload, qos: qos, retain: retain})
	return nil
}

func (c *fakeClient) Subscribe(topic string, qos byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed == nil {
		c.subscribed = map[string]byte{}
	}
	c.subscribed[topic] = qos
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeClient) publishes() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.published...)
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = nil
}

type fakeFactory struct {
	mu         sync.Mutex
	connectErr error
	clients    []*fakeClient
}

func (f *fakeFactory) build(cfg ClientConfig) Client {
	c := &fakeClient{cfg: cfg, connectErr: f.connectErr}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.General.IATA = "CDG"
	cfg.Brokers = []config.Broker{{
		Name:           "main",
		Enabled:        true,
		Server:         "broker.example.org",
		Port:           1883,
		Transport:      config.TransportTCP,
		Keepalive:      60,
		ClientIDPrefix: "meshcore_",
		Auth:           config.Auth{Method: config.AuthNone},
	}}
	return cfg
}

func newTestManager(cfg *config.Config, identity Identity) (*Manager, *fakeFactory) {
	topics := NewTopicResolver(cfg)
	topics.SetPublicKey(identity.PublicKey)
	f := &fakeFactory{}
	m := &Manager{
		cfg:           cfg,
		identity:      identity,
		clientVersion: "meshbridge/test",
		stats:         NewStats(),
		topics:        topics,
		onCommand:     func(string, int) {},
		buildStatus: func(status string, includeStats bool) []byte {
			return []byte(`{"status":"` + status + `"}`)
		},
		escalate:       func(string) {},
		shuttingDown:   func() bool { return false },
		factory:        f.build,
		now:            time.Now,
		jitter:         func() float64 { return 0 },
		reconnectDelay: initialReconnectDelay,
		tokenCache:     map[int]tokenCacheEntry{},
		pingStop:       map[int]chan struct{}{},
	}
	return m, f
}

func TestConnectAllPublishesOnlineStatusNotRetained(t *testing.T) {
	m, f := newTestManager(testConfig(), Identity{Name: "Repeater", PublicKey: testPubKey})

	require.NoError(t, m.ConnectAll())
	require.Len(t, f.clients, 1)
	assert.True(t, m.IsConnected())

	client := f.clients[0]
	pubs := client.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "meshcore/CDG/"+testPubKey+"/status", pubs[0].topic)
	assert.False(t, pubs[0].retain, "online status must not be retained")
	assert.Contains(t, string(pubs[0].payload), `"online"`)

	// The retained last will covers the standing state instead.
	assert.Equal(t, "meshcore/CDG/"+testPubKey+"/status", client.cfg.WillTopic)
	assert.True(t, client.cfg.WillRetain)
	assert.Contains(t, string(client.cfg.WillPayload), `"offline"`)
}

func TestConnectAllSubscribesCommandsAtQoS1(t *testing.T) {
	cfg := testConfig()
	cfg.RemoteSerial.Enabled = true
	cfg.RemoteSerial.AllowedCompanions = []string{strings.Repeat("C", 64)}
	m, f := newTestManager(cfg, Identity{PublicKey: testPubKey})

	require.NoError(t, m.ConnectAll())

	client := f.clients[0]
	qos, ok := client.subscribed["meshcore/CDG/"+testPubKey+"/serial/commands"]
	require.True(t, ok, "commands topic not subscribed")
	assert.Equal(t, byte(1), qos)
}

func TestConnectAllFailureLeavesRetryScheduled(t *testing.T) {
	m, f := newTestManager(testConfig(), Identity{PublicKey: testPubKey})
	f.connectErr = errors.New("connection refused")

	err := m.ConnectAll()
	require.ErrorIs(t, err, util.ErrNoBrokersConnected)

	rec := m.records[0]
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.failedAttempts)
	assert.False(t, rec.reconnectAt.IsZero(), "retry must be scheduled")
}

func TestClientIDSuffixForSecondaryBrokers(t *testing.T) {
	cfg := testConfig()
	second := cfg.Brokers[0]
	second.Name = "backup"
	cfg.Brokers = append(cfg.Brokers, second)
	m, f := newTestManager(cfg, Identity{PublicKey: testPubKey})

	require.NoError(t, m.ConnectAll())
	require.Len(t, f.clients, 2)

	// Connect attempts run in parallel, so collect the ids unordered.
	ids := map[string]bool{}
	for _, c := range f.clients {
		ids[c.cfg.ClientID] = true
	}
	assert.True(t, ids[SanitizeClientID("meshcore_", testPubKey)])
	assert.True(t, ids[SanitizeClientID("meshcore_", testPubKey)+"_1"])
}

// gateClient blocks inside Connect until released, to observe whether
// multiple connect attempts are in flight at once.
type gateClient struct {
	fakeClient
	started chan<- struct{}
	release <-chan struct{}
}

func (c *gateClient) Connect() error {
	c.started <- struct{}{}
	select {
	case <-c.release:
	case <-time.After(2 * time.Second):
		return errors.New("never released")
	}
	return c.fakeClient.Connect()
}

func TestConnectAllDialsBrokersConcurrently(t *testing.T) {
	cfg := testConfig()
	second := cfg.Brokers[0]
	second.Name = "backup"
	cfg.Brokers = append(cfg.Brokers, second)
	m, _ := newTestManager(cfg, Identity{PublicKey: testPubKey})

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	m.factory = func(c ClientConfig) Client {
		return &gateClient{fakeClient: fakeClient{cfg: c}, started: started, release: release}
	}

	done := make(chan error, 1)
	go func() { done <- m.ConnectAll() }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("second connect attempt did not start while the first was still dialing")
		}
	}
	close(release)
	require.NoError(t, <-done)
}

func TestPublishDataCoercesQoS1To0(t *testing.T) {
	cfg := testConfig()
	cfg.Brokers[0].QoS = 1
	m, f := newTestManager(cfg, Identity{PublicKey: testPubKey})
	require.NoError(t, m.ConnectAll())
	f.clients[0].reset()

	require.NoError(t, m.PublishData(KindPackets, []byte(`{"type":"PACKET"}`)))

	pubs := f.clients[0].publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "meshcore/CDG/"+testPubKey+"/packets", pubs[0].topic)
	assert.Equal(t, byte(0), pubs[0].qos, "data path must coerce QoS 1 to 0")
}

func TestPublishDataWhileDisconnectedCountsFailure(t *testing.T) {
	m, _ := newTestManager(testConfig(), Identity{PublicKey: testPubKey})

	err := m.PublishData(KindPackets, []byte("x"))
	require.ErrorIs(t, err, util.ErrNoBrokersConnected)
	assert.Equal(t, int64(1), m.stats.PublishFailures.Load())
}

func TestPublishDataSkipsSuppressedTopic(t *testing.T) {
	cfg := testConfig()
	cfg.Topics.Debug = ""
	m, f := newTestManager(cfg, Identity{PublicKey: testPubKey})
	require.NoError(t, m.ConnectAll())
	f.clients[0].reset()

	err := m.PublishData(KindDebug, []byte("x"))
	require.Error(t, err)
	assert.Empty(t, f.clients[0].publishes())
}

func TestPublishResponseOnlyToConnectedAtQoS1(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(cfg, Identity{PublicKey: testPubKey})

	up := &fakeClient{}
	down := &fakeClient{}
	m.records = []*brokerRecord{
		{index: 0, cfg: cfg.Brokers[0], client: up, connected: true},
		{index: 1, cfg: cfg.Brokers[0], client: down, connected: false},
	}

	require.True(t, m.PublishResponse([]byte("signed-token")))

	pubs := up.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "meshcore/CDG/"+testPubKey+"/serial/responses", pubs[0].topic)
	assert.Equal(t, byte(1), pubs[0].qos, "responses must survive a flaky link")
	assert.Empty(t, down.publishes())
}

func TestBackoffProgressionAndCap(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(cfg, Identity{PublicKey: testPubKey})
	rec := &brokerRecord{index: 0, cfg: cfg.Brokers[0]}

	base := time.Now()
	m.now = func() time.Time { return base }

	wantDelays := []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}
	for i, want := range wantDelays {
		m.recordFailure(rec)
		rec.mu.Lock()
		got := rec.reconnectAt.Sub(base)
		rec.mu.Unlock()
		assert.Equal(t, want, got, "attempt %d", i+1)
	}

	for i := 0; i < 30; i++ {
		m.recordFailure(rec)
	}
	assert.Equal(t, maxReconnectDelay, m.reconnectDelay)

	rec.mu.Lock()
	assert.Equal(t, len(wantDelays)+30, rec.failedAttempts)
	rec.mu.Unlock()
}

func TestShortLivedConnectionCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(cfg, Identity{PublicKey: testPubKey})
	rec := &brokerRecord{index: 0, cfg: cfg.Brokers[0]}
	m.records = []*brokerRecord{rec}

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	m.handleConnect(rec)
	now = base.Add(30 * time.Second)
	m.handleDisconnect(rec, errors.New("broken pipe"))

	rec.mu.Lock()
	assert.Equal(t, 1, rec.failedAttempts, "sub-120s session counts as a failure")
	rec.mu.Unlock()

	counts := m.stats.PruneReconnects(base.Add(-time.Hour))
	assert.Equal(t, 1, counts[0])

	// A stable session resets the counter.
	m.handleConnect(rec)
	now = now.Add(150 * time.Second)
	m.handleDisconnect(rec, errors.New("broken pipe"))

	rec.mu.Lock()
	assert.Equal(t, 0, rec.failedAttempts)
	rec.mu.Unlock()
}

func TestHandleDisconnectDuringShutdownOnlyMarksRecord(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(cfg, Identity{PublicKey: testPubKey})

	stopping := false
	m.shuttingDown = func() bool { return stopping }

	rec := &brokerRecord{index: 0, cfg: cfg.Brokers[0]}
	m.records = []*brokerRecord{rec}

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	m.handleConnect(rec)
	stopping = true
	now = base.Add(30 * time.Second)
	m.handleDisconnect(rec, errors.New("connection closed"))

	rec.mu.Lock()
	assert.False(t, rec.connected)
	assert.Equal(t, 0, rec.failedAttempts, "shutdown disconnects are not failures")
	assert.True(t, rec.reconnectAt.IsZero(), "no retry during shutdown")
	rec.mu.Unlock()

	counts := m.stats.PruneReconnects(base.Add(-time.Hour))
	assert.Empty(t, counts, "shutdown disconnects stay out of the reconnect history")
	assert.False(t, m.IsConnected())
}

func TestReconnectTickEscalatesAfterMaxFailures(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(cfg, Identity{PublicKey: testPubKey})

	escalated := ""
	m.escalate = func(reason string) { escalated = reason }

	rec := &brokerRecord{index: 0, cfg: cfg.Brokers[0], failedAttempts: maxReconnectAttempts}
	m.records = []*brokerRecord{rec}

	m.ReconnectTick()
	assert.Contains(t, escalated, "main")
	assert.Contains(t, escalated, "12")
}

func TestReconnectTickSkipsInFlightAttempt(t *testing.T) {
	cfg := testConfig()
	m, f := newTestManager(cfg, Identity{PublicKey: testPubKey})

	rec := &brokerRecord{index: 0, cfg: cfg.Brokers[0], connectingSince: time.Now()}
	m.records = []*brokerRecord{rec}

	m.ReconnectTick()
	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.clients, "no new client while a connect attempt is in flight")
}

func TestHandleConnectResetsSharedDelay(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(cfg, Identity{PublicKey: testPubKey})
	m.reconnectDelay = 80 * time.Second

	rec := &brokerRecord{index: 0, cfg: cfg.Brokers[0]}
	m.handleConnect(rec)

	assert.Equal(t, initialReconnectDelay, m.reconnectDelay)
}

func TestShutdownPublishesOfflineAndDisconnects(t *testing.T) {
	cfg := testConfig()
	m, f := newTestManager(cfg, Identity{PublicKey: testPubKey})
	require.NoError(t, m.ConnectAll())
	client := f.clients[0]
	client.reset()

	m.Shutdown()

	pubs := client.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "meshcore/CDG/"+testPubKey+"/status", pubs[0].topic)
	assert.Contains(t, string(pubs[0].payload), `"offline"`)
	assert.False(t, pubs[0].retain)
	assert.False(t, client.IsConnected())
	assert.False(t, m.IsConnected())
}
