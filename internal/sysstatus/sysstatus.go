// Package sysstatus classifies a snapshot.Snapshotter's rolling
// window as OK or overloaded, generalizing the teacher's
// ResourceMonitor.ShouldScaleDown band thresholds into the two
// ratio predicates the Autoscaled Pool drives off.
package sysstatus

import (
	"time"

	"github.com/kestrelrun/crawlkit/internal/snapshot"
)

// Config thresholds the overloaded-sample ratio.
type Config struct {
	MaxOverloadedRatio float64       // default 0.4
	RecentWindow       time.Duration // "now" window, default 5s
}

// DefaultConfig matches the defaults named in §4.2.
func DefaultConfig() Config {
	return Config{MaxOverloadedRatio: 0.4, RecentWindow: 5 * time.Second}
}

// Status answers isOkNow/isOkHistorically queries over a Snapshotter.
// Stateless beyond its Config; query cost is O(samples in window).
type Status struct {
	cfg  Config
	snap *snapshot.Snapshotter
}

// New builds a Status reading from snap.
func New(cfg Config, snap *snapshot.Snapshotter) *Status {
	return &Status{cfg: cfg, snap: snap}
}

// IsOkNow reports whether the overloaded-sample ratio over the recent
// window is below MaxOverloadedRatio. An empty window is OK.
func (s *Status) IsOkNow() bool {
	cutoff := time.Now().Add(-s.cfg.RecentWindow)
	return s.ratioSince(cutoff) < s.cfg.MaxOverloadedRatio
}

// IsOkHistorically reports the same ratio over the Snapshotter's
// entire retained window.
func (s *Status) IsOkHistorically() bool {
	return s.ratioSince(time.Time{}) < s.cfg.MaxOverloadedRatio
}

func (s *Status) ratioSince(cutoff time.Time) float64 {
	samples := s.snap.Samples()
	if len(samples) == 0 {
		return 0
	}
	var total, overloaded int
	for _, sample := range samples {
		if !cutoff.IsZero() && sample.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if snapshot.SampleOverloaded(sample) {
			overloaded++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(overloaded) / float64(total)
}
