package bridge

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/meshcore-net/meshbridge/pkg/util"
)

// packetPattern matches the firmware's packet trace lines, e.g.
//
//	12:34:56 - 3/7/2025 U: RX, len=42 (type=1, route=F, payload_len=30) SNR=-3 RSSI=-95 score=100 time=1234 hash=A1B2C3D4 [AB,CD]
//
// The trailing link-quality block only appears on RX lines; the time= and
// bracketed path segments are optional within it.
var packetPattern = regexp.MustCompile(
	`^(\d{2}:\d{2}:\d{2}) - (\d{1,2}/\d{1,2}/\d{4}) U: (RX|TX), len=(\d+) \(type=(\d+), route=([A-Z]), payload_len=(\d+)\)` +
		`(?: SNR=(-?\d+) RSSI=(-?\d+) score=(\d+)( time=(\d+))? hash=([0-9A-F]+)(?: \[(.*)\])?)?`)

// parseAndPublish classifies one line from the radio and publishes the
// resulting JSON message, if any. RAW lines are remembered so the hex dump
// can be attached to the packet line that follows.
func (b *Bridge) parseAndPublish(line string) {
	if line == "" {
		return
	}
	util.Debugf("From Radio: %s", line)

	message := map[string]interface{}{
		"origin":    b.identity.Name,
		"origin_id": b.identity.PublicKey,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	}

	if strings.Contains(line, "U RAW:") {
		parts := strings.SplitN(line, "U RAW:", 2)
		if len(parts) > 1 {
			rawHex := strings.TrimSpace(parts[1])
			b.lastRaw = rawHex
			// The hex dump is twice the wire length.
			b.stats.BytesProcessed.Add(int64(len(rawHex) / 2))
		}
	}

	if b.debug && strings.HasPrefix(line, "DEBUG") {
		message["type"] = "DEBUG"
		message["message"] = line
		if data, err := json.Marshal(message); err == nil {
			b.manager.PublishData(KindDebug, data)
		}
		return
	}

	m := packetPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}

	direction := strings.ToLower(m[3])
	if direction == "rx" {
		b.stats.PacketsRX.Add(1)
	} else {
		b.stats.PacketsTX.Add(1)
	}

	message["type"] = "PACKET"
	message["direction"] = direction
	message["time"] = m[1]
	message["date"] = m[2]
	message["len"] = m[4]
	message["packet_type"] = m[5]
	message["route"] = m[6]
	message["payload_len"] = m[7]
	message["raw"] = b.lastRaw

	if direction == "rx" {
		message["SNR"] = groupOrNil(m[8])
		message["RSSI"] = groupOrNil(m[9])
		message["score"] = groupOrNil(m[10])
		message["duration"] = groupOrNil(m[12])
		message["hash"] = groupOrNil(m[13])
		if m[6] == "D" && m[14] != "" {
			message["path"] = m[14]
		}
	}

	data, err := json.Marshal(message)
	if err != nil {
		util.Errorf("Failed to encode packet message: %v", err)
		return
	}
	b.manager.PublishData(KindPackets, data)
}

// groupOrNil maps an unmatched optional capture group to a JSON null.
func groupOrNil(g string) interface{} {
	if g == "" {
		return nil
	}
	return g
}
