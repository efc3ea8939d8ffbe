package bridge

import (
	"encoding/json"
	"time"
)

// statusMessage builds the JSON status payload published on connect, on the
// reporter tick, and as the last will. Device stats ride along only when a
// reading exists and the caller asks for one; the LWT is built before any
// stats exist and must stay small.
func (b *Bridge) statusMessage(status string, includeStats bool) []byte {
	message := map[string]interface{}{
		"status":           status,
		"timestamp":        time.Now().Format(time.RFC3339Nano),
		"origin":           b.identity.Name,
		"origin_id":        b.identity.PublicKey,
		"radio":            b.identity.radioOrUnknown(),
		"model":            b.identity.modelOrUnknown(),
		"firmware_version": b.identity.firmwareOrUnknown(),
		"client_version":   b.clientVersion,
	}

	if includeStats {
		if device := b.stats.Device(); device != nil {
			message["stats"] = device
		}
	}

	data, _ := json.Marshal(message)
	return data
}
