// Package snapshot samples CPU load, memory, event-loop lag, and
// downstream client load into a rolling window, the way the teacher's
// ResourceMonitor samples runtime.MemStats and gopsutil CPU percent,
// generalized into discrete dimensions a System Status consumer can
// query independently.
package snapshot

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is one point in the rolling window.
type Sample struct {
	Timestamp                time.Time
	CPUOverloaded            bool
	MemCurrentBytes          uint64
	MemMaxBytes              uint64
	MemOverloaded            bool
	EventLoopOverloadedRatio float64
	ClientOverloaded         bool
}

// overloaded reports whether any dimension of s tripped its threshold.
func (s Sample) overloaded() bool {
	return s.CPUOverloaded || s.MemOverloaded || s.ClientOverloaded || s.EventLoopOverloadedRatio > 0
}

// Config thresholds the four sampled dimensions.
type Config struct {
	MaxUsedCPURatio    float64       // CPU overloaded when load > ratio * logical cores
	MaxUsedMemoryRatio float64       // memory overloaded when used/max exceeds this
	MaxBlockedMillis   time.Duration // event loop overloaded when a fast tick arrives later than FastInterval by more than this
	FastInterval       time.Duration // CPU + event-loop sampling cadence, default 500ms
	SlowInterval       time.Duration // memory sampling cadence, default 1s
	WindowCPU          time.Duration // ring buffer retention for CPU/loop samples, default 60s
	WindowMemory       time.Duration // memory retention, default 30s; the ring keeps every sample for the larger of WindowCPU and WindowMemory

	// MemMaxOverrideBytes, when non-zero, replaces whatever memMax
	// sampleSlow would otherwise read from gopsutil/runtime. gopsutil's
	// mem.VirtualMemory reports the host's total memory, which
	// overstates the envelope available to a single cgroup-limited
	// process; an operator-supplied envelope (e.g. a container memory
	// limit) is more accurate than the host total in that case.
	MemMaxOverrideBytes uint64
}

// DefaultConfig matches the defaults named in §4.1.
func DefaultConfig() Config {
	return Config{
		MaxUsedCPURatio:    0.95,
		MaxUsedMemoryRatio: 0.9,
		MaxBlockedMillis:   50 * time.Millisecond,
		FastInterval:       500 * time.Millisecond,
		SlowInterval:       time.Second,
		WindowCPU:          60 * time.Second,
		WindowMemory:       30 * time.Second,
	}
}

// Snapshotter samples system pressure on two cadences and exposes the
// recent samples through a non-blocking in-memory ring. Sampling
// itself never blocks a caller of Samples; only the
// background goroutines touch gopsutil/runtime.
type Snapshotter struct {
	cfg Config

	mu      sync.RWMutex
	samples []Sample

	lastTick time.Time

	clientMu         sync.Mutex
	clientErrorCount int
	clientTotalCount int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Snapshotter that has not yet started sampling.
func New(cfg Config) *Snapshotter {
	return &Snapshotter{cfg: cfg, lastTick: time.Now()}
}

// Start launches the fast and slow sampling loops. Safe to call once;
// a second call is a no-op.
func (s *Snapshotter) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.FastInterval, s.sampleFast)
	go s.loop(ctx, s.cfg.SlowInterval, s.sampleSlow)
}

// Stop halts sampling and waits for both loops to exit.
func (s *Snapshotter) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Snapshotter) loop(ctx context.Context, interval time.Duration, sample func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (s *Snapshotter) sampleFast() {
	now := time.Now()

	eventLoopRatio := 0.0
	s.mu.Lock()
	if gap := now.Sub(s.lastTick) - s.cfg.FastInterval; gap > s.cfg.MaxBlockedMillis && s.cfg.MaxBlockedMillis > 0 {
		eventLoopRatio = float64(gap) / float64(s.cfg.MaxBlockedMillis)
	}
	s.lastTick = now
	s.mu.Unlock()

	cpuOverloaded := false
	if avg, err := load.Avg(); err == nil {
		cpuOverloaded = avg.Load1 > s.cfg.MaxUsedCPURatio*float64(runtime.NumCPU())
	}

	s.appendSample(Sample{
		Timestamp:                now,
		CPUOverloaded:            cpuOverloaded,
		EventLoopOverloadedRatio: eventLoopRatio,
		ClientOverloaded:         s.currentClientOverloaded(),
	})
}

func (s *Snapshotter) sampleSlow() {
	var memCurrent, memMax uint64
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memCurrent = vmStat.Used
		memMax = vmStat.Total
	} else {
		var rt runtime.MemStats
		runtime.ReadMemStats(&rt)
		memCurrent = rt.Alloc
		memMax = rt.Sys
	}

	// An operator-supplied envelope always wins: gopsutil reports host
	// memory even inside a cgroup-limited container, which understates
	// how close the process is to its real ceiling.
	if s.cfg.MemMaxOverrideBytes > 0 {
		memMax = s.cfg.MemMaxOverrideBytes
	}

	overloaded := memMax > 0 && float64(memCurrent)/float64(memMax) > s.cfg.MaxUsedMemoryRatio

	s.appendSample(Sample{
		Timestamp:        time.Now(),
		MemCurrentBytes:  memCurrent,
		MemMaxBytes:      memMax,
		MemOverloaded:    overloaded,
		ClientOverloaded: s.currentClientOverloaded(),
	})
}

func (s *Snapshotter) appendSample(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	s.pruneLocked(sample.Timestamp)
}

func (s *Snapshotter) pruneLocked(now time.Time) {
	window := s.cfg.WindowCPU
	if s.cfg.WindowMemory > window {
		window = s.cfg.WindowMemory
	}
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(s.samples); i++ {
		if s.samples[i].Timestamp.After(cutoff) {
			break
		}
	}
	s.samples = s.samples[i:]
}

// Seed injects samples directly into the ring, bypassing the sampling
// loops. Exists for tests and for replaying a persisted window.
func (s *Snapshotter) Seed(samples ...Sample) {
	for _, sample := range samples {
		s.appendSample(sample)
	}
}

// Samples returns a copy of the retained window, oldest first.
func (s *Snapshotter) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// ReportClientResult feeds the downstream-request error rate used to
// compute ClientOverloaded on subsequent samples. Called by whatever
// owns the HTTP/browser transport; the Snapshotter has no transport
// knowledge of its own.
func (s *Snapshotter) ReportClientResult(ok bool) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	s.clientTotalCount++
	if !ok {
		s.clientErrorCount++
	}
	// Decay to a recent-ish window so a long-running crawl's error
	// rate reflects current conditions, not crawl-lifetime history.
	if s.clientTotalCount > 1000 {
		s.clientErrorCount /= 2
		s.clientTotalCount /= 2
	}
}

// clientOverloadThreshold is the error-rate fraction above which
// ReportClientResult-driven samples are marked overloaded.
const clientOverloadThreshold = 0.3

func (s *Snapshotter) currentClientOverloaded() bool {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if s.clientTotalCount == 0 {
		return false
	}
	return float64(s.clientErrorCount)/float64(s.clientTotalCount) > clientOverloadThreshold
}

// SampleOverloaded exposes Sample.overloaded for package sysstatus.
func SampleOverloaded(s Sample) bool { return s.overloaded() }
