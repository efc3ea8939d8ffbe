// Package bridge implements the long-running gateway between a mesh
// repeater on a serial port and one or more MQTT brokers.
package bridge

// Identity describes the attached repeater. It is established once by the
// startup dialogue and treated as immutable afterwards.
type Identity struct {
	Name            string
	PublicKey       string // 32 bytes, canonical uppercase hex
	PrivateKey      string // 64 bytes hex; empty if the firmware refused to disclose
	Radio           string
	FirmwareVersion string
	BoardModel      string
}

// CanSign reports whether token auth and response signing are available.
func (id Identity) CanSign() bool {
	return id.PrivateKey != "" && id.PublicKey != ""
}

func (id Identity) radioOrUnknown() string {
	if id.Radio == "" {
		return "unknown"
	}
	return id.Radio
}

func (id Identity) modelOrUnknown() string {
	if id.BoardModel == "" {
		return "unknown"
	}
	return id.BoardModel
}

func (id Identity) firmwareOrUnknown() string {
	if id.FirmwareVersion == "" {
		return "unknown"
	}
	return id.FirmwareVersion
}
