package bridge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/util"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut := util.Logger.Out
	prevLevel := util.Logger.Level
	util.SetLogOutput(&buf)
	util.SetLogLevel("info")
	t.Cleanup(func() {
		util.Logger.SetOutput(prevOut)
		util.Logger.SetLevel(prevLevel)
	})
	return &buf
}

func TestLogDeviceStatsReportsErrorRate(t *testing.T) {
	buf := captureLog(t)
	b := New(config.Default(), false)

	b.stats.SetDevice(map[string]interface{}{
		"noise_floor": -100,
		"uptime_secs": 900,
		"recv_errors": 10,
	})
	b.stats.RotateDevice()
	b.stats.SetDevice(map[string]interface{}{
		"noise_floor": -100,
		"uptime_secs": 1200,
		"recv_errors": 40,
	})

	b.logDeviceStats(300)

	line := buf.String()
	assert.Contains(t, line, "Noise: -100dB")
	assert.Contains(t, line, "Uptime: 20m")
	assert.Contains(t, line, "Err/min (5m): 6.0", "30 errors over 5 minutes")
}

func TestLogDeviceStatsErrorRateWithoutPreviousReading(t *testing.T) {
	buf := captureLog(t)
	b := New(config.Default(), false)

	b.stats.SetDevice(map[string]interface{}{
		"recv_errors": 15,
	})

	b.logDeviceStats(300)

	assert.Contains(t, buf.String(), "Err/min (5m): 3.0")
}

func TestLogDeviceStatsOmitsErrorRateWhenUnsupported(t *testing.T) {
	buf := captureLog(t)
	b := New(config.Default(), false)

	b.stats.SetDevice(map[string]interface{}{
		"uptime_secs": 600,
	})

	b.logDeviceStats(300)

	assert.NotContains(t, buf.String(), "Err/min")
}
