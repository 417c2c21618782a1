package pipeline

import (
	"fmt"
	"path/filepath"
	"time"
)

// emitInterval throttles byte-level progress to keep the registry
// message cheap to poll.
const emitInterval = 500 * time.Millisecond

// rateTracker converts byte counters into "42.0% (3.10 MB/s)" strings,
// emitting at most every emitInterval plus the final tick.
type rateTracker struct {
	start time.Time
	last  time.Time
	now   func() time.Time
}

func newRateTracker() *rateTracker {
	t := &rateTracker{now: time.Now}
	t.start = t.now()
	return t
}

func (t *rateTracker) tick(sent, total int64) (string, bool) {
	now := t.now()
	final := total > 0 && sent >= total
	if !final && now.Sub(t.last) < emitInterval {
		return "", false
	}
	t.last = now

	elapsed := now.Sub(t.start).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(sent) / elapsed / (1024 * 1024)
	}
	percent := 0.0
	if total > 0 {
		percent = float64(sent) / float64(total) * 100
	}
	return fmt.Sprintf("%.1f%% (%.2f MB/s)", percent, speed), true
}

// buildCaption renders the Telegram caption for one part according to
// the configured caption mode.
func buildCaption(mode string, unit uploadUnit, partIdx, totalParts int, fileName string, sizeBytes int64) string {
	switch mode {
	case "none":
		return ""
	case "minimal":
		if totalParts > 1 {
			return fmt.Sprintf("%s (%d/%d)", unit.Key, partIdx+1, totalParts)
		}
		return unit.Key
	default: // detailed
		encrypted := "no"
		if unit.Encrypted {
			encrypted = "yes"
		}
		caption := fmt.Sprintf("%s\nArchive: %s", filepath.Base(fileName), unit.Key)
		if totalParts > 1 {
			caption += fmt.Sprintf("\nPart %d of %d", partIdx+1, totalParts)
		}
		caption += fmt.Sprintf("\nSize: %.2f MB\nEncrypted: %s\nUploaded: %s",
			float64(sizeBytes)/(1024*1024), encrypted, time.Now().Format("2006-01-02 15:04"))
		return caption
	}
}
