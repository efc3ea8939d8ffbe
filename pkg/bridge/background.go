package bridge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/meshcore-net/meshbridge/pkg/util"
)

const statsInterval = 5 * time.Minute

// reporterLoop refreshes device stats, republishes the online status, and
// logs a periodic service summary until the bridge shuts down.
func (b *Bridge) reporterLoop() {
	defer close(b.reporterDone)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	lastLog := time.Now()
	var prevRX, prevTX int64

	for {
		select {
		case <-b.stopReporter:
			return
		case <-ticker.C:
		}
		if b.shutdown.Load() {
			return
		}

		log := util.WithComponent("STATS")

		if link := b.getLink(); link != nil && link.IsOpen() {
			log.Debug("Fetching fresh device stats from serial...")
			if ds := link.DeviceStats(); len(ds) > 0 {
				b.stats.SetDevice(ds)
				log.Debugf("Updated device stats: %v", ds)
				b.manager.PublishData(KindStatus, b.statusMessage("online", true))
			} else {
				log.Debug("No device stats received")
			}
		}

		now := time.Now()
		elapsed := now.Sub(lastLog).Seconds()
		lastLog = now

		rx := b.stats.PacketsRX.Load()
		tx := b.stats.PacketsTX.Load()
		var perMin float64
		if elapsed > 0 {
			perMin = float64((rx-prevRX)+(tx-prevTX)) / elapsed * 60
		}
		prevRX, prevTX = rx, tx

		connected, total := b.manager.Counts()

		reconnectCounts := b.stats.PruneReconnects(now.Add(-24 * time.Hour))
		var indices []int
		for idx := range reconnectCounts {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		var reconnectParts []string
		for _, idx := range indices {
			reconnectParts = append(reconnectParts, fmt.Sprintf("%s:%d", b.manager.BrokerName(idx), reconnectCounts[idx]))
		}
		reconnectStr := "none"
		if len(reconnectParts) > 0 {
			reconnectStr = strings.Join(reconnectParts, ", ")
		}

		util.WithComponent("SERVICE").Infof(
			"Uptime: %s | RX/TX: %d/%d (5m: %.1f/min) | RX bytes: %s | MQTT: %d/%d | Reconnects/24h: %s | Failures: %d",
			formatUptime(int64(now.Sub(b.stats.StartTime).Seconds())),
			rx, tx, perMin,
			formatBytes(b.stats.BytesProcessed.Load()),
			connected, total,
			reconnectStr,
			b.stats.PublishFailures.Load(),
		)

		b.logDeviceStats(elapsed)
		b.stats.RotateDevice()
	}
}

// logDeviceStats emits the per-device summary line when a reading exists.
// Airtime utilization and the RX error rate are computed over the last
// interval, using the previous reading's counters.
func (b *Bridge) logDeviceStats(elapsed float64) {
	ds := b.stats.Device()
	if ds == nil {
		return
	}
	prev := b.stats.DevicePrev()

	var parts []string

	if noise, ok := numeric(ds["noise_floor"]); ok {
		parts = append(parts, fmt.Sprintf("Noise: %gdB", noise))
	}

	txTotal, hasTx := numeric(ds["tx_air_secs"])
	rxTotal, hasRx := numeric(ds["rx_air_secs"])
	uptime, hasUptime := numeric(ds["uptime_secs"])
	if hasTx && hasRx && hasUptime {
		prevTx, okTx := numeric(prev["tx_air_secs"])
		prevRx, okRx := numeric(prev["rx_air_secs"])
		prevUp, okUp := numeric(prev["uptime_secs"])
		if okTx && okRx && okUp {
			txDelta := txTotal - prevTx
			rxDelta := rxTotal - prevRx
			upDelta := uptime - prevUp
			if upDelta > 0 {
				parts = append(parts, fmt.Sprintf("Air (5m): Tx %.1fs (%.2f%%), Rx %.1fs (%.2f%%)",
					txDelta, txDelta/upDelta*100, rxDelta, rxDelta/upDelta*100))
			} else {
				parts = append(parts, fmt.Sprintf("Air (5m): Tx %.1fs, Rx %.1fs", txDelta, rxDelta))
			}
		} else {
			parts = append(parts, fmt.Sprintf("Air (5m): Tx %gs, Rx %gs", txTotal, rxTotal))
		}
	} else if hasTx && hasRx {
		parts = append(parts, fmt.Sprintf("Air (5m): Tx %gs, Rx %gs", txTotal, rxTotal))
	}

	if battery, ok := numeric(ds["battery_mv"]); ok {
		parts = append(parts, fmt.Sprintf("Battery: %gmV", battery))
	}
	if up, ok := numeric(ds["uptime_secs"]); ok {
		parts = append(parts, fmt.Sprintf("Uptime: %s", formatUptime(int64(up))))
	}
	if errs, ok := numeric(ds["errors"]); ok {
		parts = append(parts, fmt.Sprintf("Errors: %g", errs))
	}
	if queue, ok := numeric(ds["queue_len"]); ok {
		parts = append(parts, fmt.Sprintf("Queue: %g", queue))
	}
	if errsTotal, ok := numeric(ds["recv_errors"]); ok {
		// A missing previous reading counts as zero, so the first interval
		// reports the lifetime total spread over the interval.
		prevErrs, _ := numeric(prev["recv_errors"])
		var errsPerMin float64
		if elapsed > 0 {
			errsPerMin = (errsTotal - prevErrs) / elapsed * 60
		}
		parts = append(parts, fmt.Sprintf("Err/min (5m): %.1f", errsPerMin))
	}

	if len(parts) > 0 {
		util.WithComponent("DEVICE").Info(strings.Join(parts, " | "))
	}
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatUptime(secs int64) string {
	hours := secs / 3600
	minutes := (secs % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func formatBytes(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	case n < 1024*1024*1024:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	default:
		return fmt.Sprintf("%.2fGB", float64(n)/(1024*1024*1024))
	}
}
