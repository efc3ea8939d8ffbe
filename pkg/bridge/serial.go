package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/util"
)

// serialPort is the subset of go.bug.st/serial.Port the link needs; tests
// substitute a scripted fake.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Link owns the serial handle and serializes the half-duplex dialogue with
// the repeater. Every operation holds the link mutex for its full
// write-wait-read cycle, so a background line read can never interleave with
// a foreground getter or command execution.
type Link struct {
	mu           sync.Mutex
	port         serialPort
	portName     string
	closed       bool
	lastActivity time.Time
	pending      []byte
}

const (
	promptDeep  = "-> >"
	promptShort = "-> "

	shortWait = 500 * time.Millisecond
	keyWait   = time.Second

	readSlice = 20 * time.Millisecond
)

// OpenLink tries each configured port in order and returns a link on the
// first that opens.
func OpenLink(cfg config.Serial) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	for _, name := range cfg.Ports {
		port, err := serial.Open(name, mode)
		if err != nil {
			util.Warnf("Failed to connect to %s: %v", name, err)
			continue
		}
		// Wake the CLI and drop whatever was mid-flight.
		port.Write([]byte("\r\n\r\n"))
		port.ResetInputBuffer()
		port.ResetOutputBuffer()
		util.Infof("Connected to %s", name)
		return newLink(port, name), nil
	}

	return nil, fmt.Errorf("failed to connect to any serial port %v", cfg.Ports)
}

func newLink(port serialPort, name string) *Link {
	return &Link{
		port:         port,
		portName:     name,
		lastActivity: time.Now(),
	}
}

// PortName returns the device path this link was opened on.
func (l *Link) PortName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portName
}

// IsOpen reports whether the link still holds a usable handle.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil && !l.closed
}

// Close releases the serial handle. It is idempotent and swallows close
// errors; a closed link answers nothing afterwards.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil && !l.closed {
		util.Debug("Closing serial connection")
		l.port.Close()
	}
	l.closed = true
	l.port = nil
}

// SetTime pushes the current wall-clock epoch to the device.
func (l *Link) SetTime() {
	resp, err := l.send(fmt.Sprintf("time %d\r\n", time.Now().UTC().Unix()), shortWait)
	if err != nil {
		util.Debugf("Set time failed: %v", err)
		return
	}
	util.Debugf("Set time response: %s", strings.TrimSpace(resp))
}

// Name queries the repeater's configured name.
func (l *Link) Name() (string, error) {
	resp, err := l.send("get name\r\n", shortWait)
	if err != nil {
		return "", err
	}
	name, ok := afterPrompt(resp, promptDeep)
	if !ok || name == "" {
		return "", fmt.Errorf("no name in response")
	}
	util.Infof("Repeater name: %s", name)
	return name, nil
}

// PublicKey queries and validates the repeater's public key, returning it in
// canonical uppercase hex.
func (l *Link) PublicKey() (string, error) {
	resp, err := l.send("get public.key\r\n", keyWait)
	if err != nil {
		return "", err
	}
	raw, ok := afterPrompt(resp, promptDeep)
	if !ok {
		return "", fmt.Errorf("no public key in response")
	}
	key, err := util.NormalizePublicKey(raw)
	if err != nil {
		return "", err
	}
	util.Infof("Repeater pub key: %s", key)
	return key, nil
}

// PrivateKey queries the repeater's private key. Many firmwares refuse this
// command; callers must treat failure as non-fatal.
func (l *Link) PrivateKey() (string, error) {
	resp, err := l.send("get prv.key\r\n", keyWait)
	if err != nil {
		return "", err
	}
	raw, ok := afterPrompt(resp, promptDeep)
	if !ok {
		return "", fmt.Errorf("no private key in response (command may not be supported by firmware)")
	}
	key, err := util.ValidatePrivateKey(raw)
	if err != nil {
		return "", err
	}
	util.Infof("Repeater priv key: %s (truncated for security)", util.Truncate(key, 4))
	return key, nil
}

// RadioInfo queries the radio descriptor.
func (l *Link) RadioInfo() (string, error) {
	resp, err := l.send("get radio\r\n", shortWait)
	if err != nil {
		return "", err
	}
	info, ok := afterPrompt(resp, promptDeep)
	if !ok || info == "" {
		return "", fmt.Errorf("no radio info in response")
	}
	return info, nil
}

// FirmwareVersion queries the firmware version string.
func (l *Link) FirmwareVersion() (string, error) {
	resp, err := l.send("ver\r\n", shortWait)
	if err != nil {
		return "", err
	}
	ver, ok := afterPrompt(resp, promptShort)
	if !ok || ver == "" {
		return "", fmt.Errorf("no version in response")
	}
	util.Infof("Firmware version: %s", ver)
	return ver, nil
}

// BoardType queries the hardware model. Firmwares without the command answer
// "Unknown command", mapped to "unknown".
func (l *Link) BoardType() (string, error) {
	resp, err := l.send("board\r\n", shortWait)
	if err != nil {
		return "", err
	}
	board, ok := afterPrompt(resp, promptShort)
	if !ok || board == "" {
		return "", fmt.Errorf("no board type in response")
	}
	if board == "Unknown command" {
		board = "unknown"
	}
	util.Infof("Board type: %s", board)
	return board, nil
}

// statKeys lists which fields each stat subcommand contributes. Key names
// follow the firmware's JSON verbatim.
var statKeys = map[string][]string{
	"stats-core":    {"battery_mv", "uptime_secs", "errors", "queue_len"},
	"stats-radio":   {"noise_floor", "tx_air_secs", "rx_air_secs"},
	"stats-packets": {"recv_errors"},
}

var statCommands = []string{"stats-core", "stats-radio", "stats-packets"}

// DeviceStats issues the stat subcommands and merges whatever parses.
// Firmwares that support none of them yield an empty map.
func (l *Link) DeviceStats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := map[string]interface{}{}
	for _, cmd := range statCommands {
		resp, err := l.sendLocked(cmd+"\r\n", shortWait)
		if err != nil {
			util.Debugf("%s failed: %v", cmd, err)
			continue
		}
		if strings.Contains(resp, "Unknown command") {
			continue
		}
		jsonStr, ok := afterPrompt(resp, promptShort)
		if !ok {
			continue
		}
		parsed := map[string]interface{}{}
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
			util.Debugf("Failed to parse %s: %v", cmd, err)
			continue
		}
		for _, key := range statKeys[cmd] {
			if v, present := parsed[key]; present {
				stats[key] = v
			}
		}
	}
	return stats
}

// Execute writes an arbitrary command, polls for completion up to timeout,
// and returns the stripped output or a failure reason.
func (l *Link) Execute(command string, timeout time.Duration) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return false, "Serial port not connected"
	}

	l.port.ResetInputBuffer()
	l.port.ResetOutputBuffer()

	cmd := strings.TrimSpace(command)
	if _, err := l.port.Write([]byte(cmd + "\r\n")); err != nil {
		util.WithComponent("SERIAL").Errorf("Serial error executing command: %v", err)
		return false, fmt.Sprintf("Serial error: %v", err)
	}
	util.WithComponent("SERIAL").Debugf("Sent: %s", cmd)

	deadline := time.Now().Add(timeout)
	var full strings.Builder
	buf := make([]byte, 512)
	l.port.SetReadTimeout(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := l.port.Read(buf)
		if n > 0 {
			l.lastActivity = time.Now()
			full.Write(buf[:n])
			s := full.String()
			if strings.Contains(s, promptShort) || strings.HasSuffix(strings.TrimRight(s, " \r\n"), ">") {
				break
			}
		}
		if err != nil {
			util.WithComponent("SERIAL").Errorf("Serial error executing command: %v", err)
			return false, fmt.Sprintf("Serial error: %v", err)
		}
	}

	text := full.String()
	switch {
	case strings.Contains(text, promptDeep):
		text = strings.TrimSpace(strings.SplitN(text, promptDeep, 2)[1])
	case strings.Contains(text, promptShort):
		text = strings.TrimSpace(strings.SplitN(text, promptShort, 2)[1])
	case strings.Contains(text, "> "):
		text = strings.TrimSpace(strings.SplitN(text, "> ", 2)[1])
	default:
		text = strings.TrimSpace(text)
	}

	// Remove the echoed command and trailing prompt fragments.
	text = strings.TrimSpace(strings.TrimPrefix(text, cmd))
	text = strings.TrimSpace(strings.TrimRight(text, "> "))
	if text == "" {
		text = "(no output)"
	}

	util.WithComponent("SERIAL").Debugf("Response: %s", util.Truncate(text, 100))
	return true, text
}

// ReadLine returns the next complete line if one is ready, without blocking
// beyond a single short read slice.
func (l *Link) ReadLine() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return "", false
	}

	if line, ok := l.popLine(); ok {
		return line, true
	}

	l.port.SetReadTimeout(readSlice)
	buf := make([]byte, 512)
	n, err := l.port.Read(buf)
	if n > 0 {
		l.lastActivity = time.Now()
		l.pending = append(l.pending, buf[:n]...)
	}
	if err != nil {
		// Surface the error to the watchdog path by leaving the link open;
		// repeated failures starve activity and trigger a reopen.
		util.Debugf("Serial read error: %v", err)
		return "", false
	}

	return l.popLine()
}

func (l *Link) popLine() (string, bool) {
	idx := -1
	for i, b := range l.pending {
		if b == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	line := strings.TrimSpace(string(l.pending[:idx]))
	l.pending = l.pending[idx+1:]
	if line == "" {
		return "", false
	}
	return line, true
}

// SecondsSinceActivity returns the seconds elapsed since the last successful
// read, for the serial watchdog.
func (l *Link) SecondsSinceActivity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastActivity).Seconds()
}

func (l *Link) send(cmd string, wait time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendLocked(cmd, wait)
}

// sendLocked writes a command and collects the response for the given wait
// window. Caller must hold l.mu.
func (l *Link) sendLocked(cmd string, wait time.Duration) (string, error) {
	if l.port == nil {
		return "", util.ErrNotConnected
	}

	l.port.ResetInputBuffer()
	l.port.ResetOutputBuffer()
	if _, err := l.port.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("serial write: %w", err)
	}

	deadline := time.Now().Add(wait)
	var resp strings.Builder
	buf := make([]byte, 512)
	l.port.SetReadTimeout(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := l.port.Read(buf)
		if n > 0 {
			l.lastActivity = time.Now()
			resp.Write(buf[:n])
		}
		if err != nil {
			if resp.Len() > 0 {
				break
			}
			return "", fmt.Errorf("serial read: %w", err)
		}
	}
	return resp.String(), nil
}

// afterPrompt extracts the first response line following the given prompt
// marker: the remainder is trimmed, cut at the first newline, and stripped
// of CR and surrounding spaces.
func afterPrompt(resp, marker string) (string, bool) {
	if !strings.Contains(resp, marker) {
		return "", false
	}
	s := strings.TrimSpace(strings.SplitN(resp, marker, 2)[1])
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "\r", "")), true
}
