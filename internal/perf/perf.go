// Package perf observes device pressure signals and publishes a discrete
// PerformanceLevel the Capture Engine uses to cap render scale or skip
// low-importance frames entirely (§4.6).
package perf

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/logging"
)

var log = logging.L("perf")

// Level is the published severity; Normal is least restrictive, Paused most.
type Level int

const (
	Normal Level = iota
	Reduced
	Minimal
	Paused
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Reduced:
		return "reduced"
	case Minimal:
		return "minimal"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Config holds the sampling interval and thresholds driving level selection.
type Config struct {
	CPUSampleInterval     time.Duration
	CPUCriticalPercent    float64
	CPUHighPercent        float64
	CPUNormalPercent      float64
	CPUEmaAlpha           float64
	CPUHysteresisSamples  int
	MemoryResidentWarnMB  uint64
	BatteryLowPercent     int
}

// Manager samples CPU/memory via gopsutil and thermal/battery via a
// host.PerformanceSignals collaborator, merging them into one PerformanceLevel
// by maximum severity (short-circuiting on thermal-critical or
// memory-pressure-critical), and notifies a registered callback on change.
type Manager struct {
	cfg     Config
	signals host.PerformanceSignals
	proc    *process.Process

	mu            sync.Mutex
	level         Level
	cpuEMA        float64
	hasEMA        bool
	cpuLevel      Level
	consecutiveUp int
	onChange      func(Level)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. signals may be nil only in tests that never call
// Start; ApplySample skips thermal/memory-pressure/battery signals in that case.
func New(cfg Config, signals host.PerformanceSignals) *Manager {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("could not resolve self process for memory sampling", "error", err)
		proc = nil
	}
	return &Manager{cfg: cfg, signals: signals, proc: proc}
}

// OnChange registers fn to run whenever the published level changes. Only one
// callback is supported at a time, matching the engine's single-subscriber
// use (§4.6: "changes fire a delegate callback on the engine's thread").
func (m *Manager) OnChange(fn func(Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Level returns the most recently published level.
func (m *Manager) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Start begins periodic sampling on a background goroutine until ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		interval := m.cfg.CPUSampleInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.sample()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) sample() {
	cpuPercent := 0.0
	if samples, err := cpu.Percent(0, false); err == nil && len(samples) > 0 {
		cpuPercent = samples[0]
	} else if err != nil {
		log.Warn("cpu sample failed", "error", err)
	}

	var residentMB uint64
	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
			residentMB = info.RSS / (1024 * 1024)
		}
	}

	m.ApplySample(cpuPercent, residentMB)
}

// ApplySample folds one (cpuPercent, residentMB) observation plus the current
// host signals into a level, publishes it if changed, and returns it. Exposed
// directly so tests can drive deterministic CPU/memory values without a real
// gopsutil sample.
func (m *Manager) ApplySample(cpuPercent float64, residentMB uint64) Level {
	var thermal host.ThermalState
	var memPressure host.MemoryPressureLevel
	batteryPercent, charging, batteryAvailable := 0, true, false
	if m.signals != nil {
		thermal = m.signals.ThermalState()
		memPressure = m.signals.MemoryPressure()
		batteryPercent, charging, batteryAvailable = m.signals.BatteryLevel()
	}

	m.mu.Lock()
	level := m.computeLevelLocked(cpuPercent, residentMB, thermal, memPressure, batteryPercent, charging, batteryAvailable)
	changed := level != m.level
	m.level = level
	cb := m.onChange
	m.mu.Unlock()

	if changed && cb != nil {
		cb(level)
	}
	return level
}

// computeLevelLocked folds every signal into one Level. Caller must hold m.mu.
func (m *Manager) computeLevelLocked(cpuPercent float64, residentMB uint64, thermal host.ThermalState, memPressure host.MemoryPressureLevel, batteryPercent int, charging, batteryAvailable bool) Level {
	if thermal == host.ThermalCritical {
		return Paused
	}
	if memPressure == host.MemoryPressureCritical {
		return Paused
	}

	cpuLevel := m.updateCPULevelLocked(cpuPercent)

	memLevel := Normal
	if m.cfg.MemoryResidentWarnMB > 0 && residentMB > m.cfg.MemoryResidentWarnMB {
		memLevel = Reduced
	}

	batteryLevel := Normal
	if batteryAvailable && !charging && batteryPercent < m.cfg.BatteryLowPercent {
		batteryLevel = Reduced
	}

	thermalLevel := thermalToLevel(thermal)
	memPressureLevel := memPressureToLevel(memPressure)

	return maxLevel(cpuLevel, memLevel, batteryLevel, thermalLevel, memPressureLevel)
}

// updateCPULevelLocked applies the EMA and hysteresis rules (§4.6): promote
// only after CPUHysteresisSamples consecutive samples classify above the
// current level; demote by exactly one tier per sample once the EMA falls
// below the Normal threshold (so a single low sample never demotes across
// two levels at once — §8 property 6).
func (m *Manager) updateCPULevelLocked(cpuPercent float64) Level {
	alpha := m.cfg.CPUEmaAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	if !m.hasEMA {
		m.cpuEMA = cpuPercent
		m.hasEMA = true
	} else {
		m.cpuEMA = alpha*cpuPercent + (1-alpha)*m.cpuEMA
	}

	instantaneous := m.classifyCPU(m.cpuEMA)

	hysteresis := m.cfg.CPUHysteresisSamples
	if hysteresis <= 0 {
		hysteresis = 3
	}

	if instantaneous > m.cpuLevel {
		m.consecutiveUp++
		if m.consecutiveUp >= hysteresis {
			m.cpuLevel = instantaneous
			m.consecutiveUp = 0
		}
	} else {
		m.consecutiveUp = 0
		// Demotion only begins once the EMA itself has fallen below the
		// Normal threshold, and even then moves at most one tier per
		// sample, so a single low reading never jumps two levels at once
		// (§8 property 6).
		if m.cpuEMA < m.cfg.CPUNormalPercent && m.cpuLevel > Normal {
			m.cpuLevel--
		}
	}

	return m.cpuLevel
}

func (m *Manager) classifyCPU(ema float64) Level {
	switch {
	case ema >= m.cfg.CPUCriticalPercent:
		return Paused
	case ema >= m.cfg.CPUHighPercent:
		return Minimal
	case ema >= m.cfg.CPUNormalPercent:
		return Reduced
	default:
		return Normal
	}
}

func thermalToLevel(t host.ThermalState) Level {
	switch t {
	case host.ThermalFair:
		return Reduced
	case host.ThermalSerious:
		return Minimal
	case host.ThermalCritical:
		return Paused
	default:
		return Normal
	}
}

func memPressureToLevel(l host.MemoryPressureLevel) Level {
	switch l {
	case host.MemoryPressureWarning:
		return Minimal
	case host.MemoryPressureCritical:
		return Paused
	default:
		return Normal
	}
}

func maxLevel(levels ...Level) Level {
	max := Normal
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}
