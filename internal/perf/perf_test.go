package perf

import (
	"testing"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/host/simulated"
)

func testConfig() Config {
	return Config{
		CPUCriticalPercent:   90,
		CPUHighPercent:       60,
		CPUNormalPercent:     40,
		CPUEmaAlpha:          0.3,
		CPUHysteresisSamples: 3,
		MemoryResidentWarnMB: 200,
		BatteryLowPercent:    20,
	}
}

func TestThermalCriticalShortCircuitsToPaused(t *testing.T) {
	signals := simulated.NewPerformanceSignals()
	signals.SetThermalState(host.ThermalCritical)
	m := New(testConfig(), signals)

	if got := m.ApplySample(0, 0); got != Paused {
		t.Fatalf("Level = %v, want Paused", got)
	}
}

func TestCPUPromotionRequiresThreeConsecutiveSamples(t *testing.T) {
	m := New(testConfig(), simulated.NewPerformanceSignals())

	for i := 0; i < 2; i++ {
		if got := m.ApplySample(95, 0); got != Normal {
			t.Fatalf("sample %d: Level = %v, want Normal (promotion not yet due)", i, got)
		}
	}
	if got := m.ApplySample(95, 0); got != Paused {
		t.Fatalf("after 3rd high sample: Level = %v, want Paused", got)
	}
}

func TestCPUDemotesOneTierPerSample(t *testing.T) {
	m := New(testConfig(), simulated.NewPerformanceSignals())
	for i := 0; i < 3; i++ {
		m.ApplySample(95, 0)
	}
	if m.Level() != Paused {
		t.Fatalf("precondition: Level = %v, want Paused", m.Level())
	}

	// EMA must first decay below the Normal threshold (40) before any
	// demotion begins; until then, low samples must not change the level.
	for i := 0; i < 2; i++ {
		if got := m.ApplySample(0, 0); got != Paused {
			t.Fatalf("sample %d: Level = %v, want Paused (EMA still above Normal threshold)", i, got)
		}
	}

	// Once the EMA crosses below 40, each further low sample demotes by
	// exactly one tier, never two at once (§8 property 6).
	prev := Paused
	sawTier := map[Level]bool{}
	for i := 0; i < 5; i++ {
		got := m.ApplySample(0, 0)
		if prev-got > 1 {
			t.Fatalf("sample %d: demoted by more than one tier (%v -> %v)", i, prev, got)
		}
		sawTier[got] = true
		prev = got
	}
	if m.Level() != Normal {
		t.Fatalf("after sustained low CPU: Level = %v, want Normal", m.Level())
	}
	if !sawTier[Minimal] || !sawTier[Reduced] {
		t.Fatalf("expected to observe intermediate tiers Minimal and Reduced on the way down, got %v", sawTier)
	}
}

func TestMemoryResidentAboveThresholdAtLeastReduced(t *testing.T) {
	m := New(testConfig(), simulated.NewPerformanceSignals())
	if got := m.ApplySample(0, 500); got < Reduced {
		t.Fatalf("Level = %v, want at least Reduced", got)
	}
}

func TestBatteryLowAndDischargingAtLeastReduced(t *testing.T) {
	signals := simulated.NewPerformanceSignals()
	signals.SetBattery(10, false, true)
	m := New(testConfig(), signals)

	if got := m.ApplySample(0, 0); got < Reduced {
		t.Fatalf("Level = %v, want at least Reduced", got)
	}
}

func TestBatteryLowButChargingDoesNotDegrade(t *testing.T) {
	signals := simulated.NewPerformanceSignals()
	signals.SetBattery(10, true, true)
	m := New(testConfig(), signals)

	if got := m.ApplySample(0, 0); got != Normal {
		t.Fatalf("Level = %v, want Normal (charging should not trigger battery gate)", got)
	}
}

func TestOnChangeFiresOnlyOnTransition(t *testing.T) {
	m := New(testConfig(), simulated.NewPerformanceSignals())
	calls := 0
	m.OnChange(func(Level) { calls++ })

	m.ApplySample(0, 0) // Normal -> Normal, no change
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 for a no-op sample", calls)
	}

	signals := simulated.NewPerformanceSignals()
	signals.SetThermalState(host.ThermalCritical)
	m2 := New(testConfig(), signals)
	m2.OnChange(func(Level) { calls++ })
	m2.ApplySample(0, 0)
	m2.ApplySample(0, 0)
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1 (level stayed Paused on 2nd sample)", calls)
	}
}
