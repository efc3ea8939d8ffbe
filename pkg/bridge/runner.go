package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/util"
	"github.com/meshcore-net/meshbridge/pkg/version"
)

const (
	mainLoopInterval  = 10 * time.Millisecond
	linkReopenBackoff = 5 * time.Second
	reporterJoinWait  = 5 * time.Second

	maxInitialMQTTRetries = 10
)

// Bridge is the top-level gateway: it owns the serial link, the broker
// manager, and the background reporter, and runs the main polling loop.
type Bridge struct {
	cfg           *config.Config
	debug         bool
	clientVersion string

	identity Identity
	stats    *Stats
	topics   *TopicResolver
	manager  *Manager
	remote   *Remote

	linkMu sync.Mutex
	link   *Link

	// lastRaw is the most recent raw hex dump, attached to the packet line
	// that follows it. Only the main loop touches it.
	lastRaw string

	shutdown     atomic.Bool
	shutdownErr  atomic.Value // error
	stopReporter chan struct{}
	reporterDone chan struct{}
}

// New builds a bridge from a loaded configuration. Debug mode forwards
// firmware DEBUG lines to the debug topic.
func New(cfg *config.Config, debug bool) *Bridge {
	return &Bridge{
		cfg:           cfg,
		debug:         debug,
		clientVersion: version.ClientString(),
		stats:         NewStats(),
		topics:        NewTopicResolver(cfg),
		stopReporter:  make(chan struct{}),
		reporterDone:  make(chan struct{}),
	}
}

// Stop requests a graceful shutdown; the main loop notices on its next tick.
func (b *Bridge) Stop() {
	b.shutdown.Store(true)
}

// requestShutdown is the escalation path: shut down with a non-nil error so
// the process exits non-zero and the service supervisor restarts it.
func (b *Bridge) requestShutdown(reason string) {
	b.shutdownErr.Store(fmt.Errorf("%w: %s", util.ErrReconnectExhausted, reason))
	b.shutdown.Store(true)
}

func (b *Bridge) shuttingDown() bool {
	return b.shutdown.Load()
}

// Run executes the full bridge lifecycle: device discovery, broker
// connection, the main polling loop, and graceful teardown. It returns a
// non-nil error when startup fails or the reconnect machine escalates.
func (b *Bridge) Run() error {
	link, err := OpenLink(b.cfg.Serial)
	if err != nil {
		util.Errorf("Failed to connect to any serial port")
		return err
	}
	b.setLink(link)
	defer b.closeLink()

	if b.cfg.General.SyncTime {
		waitForSystemTimeSync(b.shuttingDown)
		link.SetTime()
	}

	if err := b.discoverIdentity(link); err != nil {
		return err
	}
	b.topics.SetPublicKey(b.identity.PublicKey)

	if ds := link.DeviceStats(); len(ds) > 0 {
		b.stats.SetDevice(ds)
		b.stats.RotateDevice()
		util.Infof("Device stats: %v", ds)
	} else {
		util.Debug("Device stats not available (firmware may not support stats commands)")
	}

	util.Infof("Client version: %s", b.clientVersion)
	b.logRemoteSerialConfig()

	b.remote = newRemote(b.cfg.RemoteSerial, b.identity)
	b.manager = newManager(b)

	if err := b.connectBrokers(); err != nil {
		return err
	}

	go b.reporterLoop()
	util.WithComponent("STATS").Debug("Started statistics reporter")

	b.mainLoop()

	b.teardown()

	if err, ok := b.shutdownErr.Load().(error); ok {
		return err
	}
	return nil
}

// discoverIdentity runs the startup dialogue. Name, public key, and radio
// info are mandatory; the rest degrade gracefully.
func (b *Bridge) discoverIdentity(link *Link) error {
	name, err := link.Name()
	if err != nil {
		util.Errorf("Failed to get repeater name: %v", err)
		return err
	}
	b.identity.Name = name

	pub, err := link.PublicKey()
	if err != nil {
		util.Errorf("Failed to get the repeater id (public key): %v", err)
		return err
	}
	b.identity.PublicKey = pub

	if priv, err := link.PrivateKey(); err != nil {
		util.Warnf("Failed to get repeater private key - auth token authentication will not be available: %v", err)
	} else {
		b.identity.PrivateKey = priv
	}

	radio, err := link.RadioInfo()
	if err != nil {
		util.Errorf("Failed to get radio info: %v", err)
		return err
	}
	b.identity.Radio = radio

	if fw, err := link.FirmwareVersion(); err != nil {
		util.Warnf("Failed to get firmware version - will continue without it")
	} else {
		b.identity.FirmwareVersion = fw
	}

	if board, err := link.BoardType(); err != nil {
		util.Warnf("Failed to get board type - will continue without it")
	} else {
		b.identity.BoardModel = board
	}

	return nil
}

func (b *Bridge) logRemoteSerialConfig() {
	rs := b.cfg.RemoteSerial
	if !rs.Enabled {
		util.Info("Remote serial: DISABLED")
		return
	}
	if len(rs.AllowedCompanions) > 0 {
		util.Infof("Remote serial: ENABLED (%d companion(s) allowed)", len(rs.AllowedCompanions))
		for _, pubkey := range rs.AllowedCompanions {
			util.Debugf("  Allowed companion: %s...", util.Truncate(pubkey, 16))
		}
	} else {
		util.Warn("Remote serial: ENABLED but no companions configured (will reject all commands)")
	}
	if len(rs.DisallowedCommands) > 0 {
		util.Infof("Remote serial blocked commands: %v", rs.DisallowedCommands)
	}
}

// connectBrokers performs the initial broker fan-out with a bounded linear
// retry.
func (b *Bridge) connectBrokers() error {
	var err error
	for retry := 0; retry < maxInitialMQTTRetries; retry++ {
		if b.shuttingDown() {
			return util.ErrNoBrokersConnected
		}
		if err = b.manager.ConnectAll(); err == nil {
			return nil
		}
		wait := time.Duration(min((retry+1)*2, 30)) * time.Second
		util.WithComponent("MQTT").Warnf("Initial connection failed. Retrying in %s... (attempt %d/%d)",
			wait, retry+1, maxInitialMQTTRetries)
		time.Sleep(wait)
	}
	util.WithComponent("MQTT").Error("Failed to establish initial connection after maximum retries")
	return err
}

// mainLoop polls the reconnect machine and the serial link until shutdown.
// The 10ms cadence keeps serial latency low without busy-waiting.
func (b *Bridge) mainLoop() {
	watchdog := time.Duration(b.cfg.Serial.WatchdogTimeout) * time.Second
	watchdogTripped := false
	var lastReopenAttempt time.Time

	for !b.shutdown.Load() {
		b.manager.ReconnectTick()

		link := b.getLink()
		if link != nil && link.IsOpen() {
			if line, ok := link.ReadLine(); ok {
				util.Debugf("RX: %s", line)
				b.parseAndPublish(line)
			}

			if watchdog > 0 && link.SecondsSinceActivity() > watchdog.Seconds() {
				if !watchdogTripped {
					util.Warnf("No serial activity for %.0fs, reopening port", link.SecondsSinceActivity())
					watchdogTripped = true
				}
				b.reopenLink()
			} else {
				watchdogTripped = false
			}
		} else if time.Since(lastReopenAttempt) > linkReopenBackoff {
			util.Warn("Serial connection unavailable, trying to reconnect")
			lastReopenAttempt = time.Now()
			b.reopenLink()
		}

		time.Sleep(mainLoopInterval)
	}
}

func (b *Bridge) teardown() {
	util.Info("Shutting down...")

	close(b.stopReporter)
	select {
	case <-b.reporterDone:
	case <-time.After(reporterJoinWait):
		util.Warn("Statistics reporter did not stop in time")
	}

	if b.manager != nil {
		b.manager.Shutdown()
	}
}

func (b *Bridge) setLink(link *Link) {
	b.linkMu.Lock()
	b.link = link
	b.linkMu.Unlock()
}

func (b *Bridge) getLink() *Link {
	b.linkMu.Lock()
	defer b.linkMu.Unlock()
	return b.link
}

func (b *Bridge) closeLink() {
	b.linkMu.Lock()
	link := b.link
	b.link = nil
	b.linkMu.Unlock()
	if link != nil {
		link.Close()
	}
}

// reopenLink drops the current handle and retries the configured ports.
func (b *Bridge) reopenLink() {
	b.closeLink()
	link, err := OpenLink(b.cfg.Serial)
	if err != nil {
		util.Debugf("Serial reopen failed: %v", err)
		return
	}
	b.setLink(link)
}

// linkExecutor adapts the current link for the remote-command pipeline,
// returning nil when no usable link exists.
func (b *Bridge) linkExecutor() executor {
	link := b.getLink()
	if link == nil || !link.IsOpen() {
		return nil
	}
	return link
}
