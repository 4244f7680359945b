package clock

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"gpstimed/internal/shm"
	"gpstimed/internal/store"
)

type fakeDevice struct {
	now     store.Timeval
	setErr  error
	sets    []store.Timeval
	adjusts []int64
}

func (f *fakeDevice) Now() store.Timeval { return f.now }

func (f *fakeDevice) Set(tv store.Timeval) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.sets = append(f.sets, tv)
	f.now = tv
	return nil
}

func (f *fakeDevice) Adjust(driftMs int64) error {
	f.adjusts = append(f.adjusts, driftMs)
	return nil
}

func newTestTables(t *testing.T) *store.Tables {
	t.Helper()
	arena, err := shm.New(make([]byte, shm.DefaultSize))
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	tables, err := store.Create(arena)
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	return tables
}

func newTestDiscipline(t *testing.T, cfg Config, dev *fakeDevice) (*Discipline, *store.Tables) {
	t.Helper()
	if cfg.PrecisionMs == 0 {
		cfg.PrecisionMs = 10
	}
	tables := newTestTables(t)
	return New(cfg, tables, dev, zerolog.Nop()), tables
}

func TestFirstCallForcesClock(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 2000, Usec: 300000}}
	d, tables := newTestDiscipline(t, Config{}, dev)

	source := store.Timeval{Sec: 764426119, Usec: 0} // GPS instant
	local := store.Timeval{Sec: 2000, Usec: 100000}  // capture 200ms ago
	d.Synchronize(source, local, 70)

	if len(dev.sets) != 1 {
		t.Fatalf("expected one settimeofday, got %d", len(dev.sets))
	}
	// corrected = source + (now - local) + latency = source + 200ms + 70ms
	want := store.Timeval{Sec: 764426119, Usec: 270000}
	if dev.sets[0] != want {
		t.Fatalf("set %+v, want %+v", dev.sets[0], want)
	}
	st := tables.Clock.At(0)
	if st.Synchronized != 1 {
		t.Fatalf("not synchronized after hard set")
	}
	if d.Reference() != want {
		t.Fatalf("reference = %+v, want %+v", d.Reference(), want)
	}
	if got := tables.Metrics.At(2000 % store.ClockMetricsDepth).Adjust; got != 1 {
		t.Fatalf("adjust count = %d, want 1", got)
	}
	// Learning restarts from the source instant.
	if st.Count != 0 || st.Accumulator != 0 || st.Cycle != source {
		t.Fatalf("learning not restarted from source: %+v", st)
	}
}

func TestLearningConvergence(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, tables := newTestDiscipline(t, Config{PrecisionMs: 10}, dev)

	// Prime: first call always forces.
	d.Synchronize(store.Timeval{Sec: 1000}, store.Timeval{Sec: 1000}, 70)
	setsAfterPrime := len(dev.sets)

	drifts := []int64{8, -7, 9, -6, 8, -7, 9, -6, 8, -7}
	for i, drift := range drifts {
		now := store.Timeval{Sec: 1001 + int64(i), Usec: 70000}
		dev.now = now
		local := store.Timeval{Sec: 1001 + int64(i)}
		// drift = (source-local)ms + 70, so source = local + (drift-70)ms
		source := local.AddUsec((drift - 70) * 1000)
		d.Synchronize(source, local, 70)
	}

	st := tables.Clock.At(0)
	if st.AvgDrift != 0 {
		t.Fatalf("avg drift = %d, want 0", st.AvgDrift)
	}
	if len(dev.adjusts) != 0 {
		t.Fatalf("unexpected slew: %v", dev.adjusts)
	}
	if len(dev.sets) != setsAfterPrime {
		t.Fatalf("unexpected hard set during learning")
	}
	if st.Synchronized != 1 {
		t.Fatalf("expected synchronized after convergence")
	}
	if st.Count != 0 {
		t.Fatalf("learning window not restarted")
	}
	if st.Sampling != 1 {
		t.Fatalf("sampling = %d, want 1", st.Sampling)
	}
}

func TestHardSetBoundary(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, _ := newTestDiscipline(t, Config{}, dev)
	d.Synchronize(store.Timeval{Sec: 1000}, store.Timeval{Sec: 1000}, 0)
	sets := len(dev.sets)

	// Exactly 10 000 ms hard-sets (>=).
	dev.now = store.Timeval{Sec: 1001}
	local := store.Timeval{Sec: 1001}
	d.Synchronize(local.AddUsec(10000*1000), local, 0)
	if len(dev.sets) != sets+1 {
		t.Fatalf("drift of exactly 10s should force the clock")
	}

	// 9 999 ms goes through the slew path instead (latency 0 acts at once).
	dev.now = store.Timeval{Sec: 1002}
	local = store.Timeval{Sec: 1002}
	d.Synchronize(local.AddUsec(9999*1000), local, 0)
	if len(dev.sets) != sets+1 {
		t.Fatalf("9999ms drift must not force the clock")
	}
	if len(dev.adjusts) != 1 || dev.adjusts[0] != 9999 {
		t.Fatalf("expected a 9999ms slew, got %v", dev.adjusts)
	}
}

func TestNetworkSourceActsEveryCall(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 5000}}
	d, tables := newTestDiscipline(t, Config{PrecisionMs: 10}, dev)
	d.Synchronize(store.Timeval{Sec: 5000}, store.Timeval{Sec: 5000}, 0)

	dev.now = store.Timeval{Sec: 5300}
	local := store.Timeval{Sec: 5300}
	d.Synchronize(local.AddUsec(25*1000), local, 0)
	if len(dev.adjusts) != 1 || dev.adjusts[0] != 25 {
		t.Fatalf("latency-0 source should slew on every call, got %v", dev.adjusts)
	}
	if tables.Clock.At(0).AvgDrift != 25 {
		t.Fatalf("avg drift = %d, want 25", tables.Clock.At(0).AvgDrift)
	}
}

func TestPrecisionBoundaryIsStrict(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, _ := newTestDiscipline(t, Config{PrecisionMs: 10}, dev)
	d.Synchronize(store.Timeval{Sec: 1000}, store.Timeval{Sec: 1000}, 0)

	// avg == precision: still drifted, a slew is issued.
	dev.now = store.Timeval{Sec: 1001}
	local := store.Timeval{Sec: 1001}
	d.Synchronize(local.AddUsec(10*1000), local, 0)
	if len(dev.adjusts) != 1 {
		t.Fatalf("avg equal to precision must slew (strict <)")
	}

	// avg == precision-1: inside the target, no slew.
	dev.now = store.Timeval{Sec: 1002}
	local = store.Timeval{Sec: 1002}
	d.Synchronize(local.AddUsec(9*1000), local, 0)
	if len(dev.adjusts) != 1 {
		t.Fatalf("avg below precision must not slew, got %v", dev.adjusts)
	}
}

func TestSyncLossAtFiftyTimesPrecision(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, tables := newTestDiscipline(t, Config{PrecisionMs: 10}, dev)
	d.Synchronize(store.Timeval{Sec: 1000}, store.Timeval{Sec: 1000}, 0)
	if tables.Clock.At(0).Synchronized != 1 {
		t.Fatalf("prime should synchronize")
	}

	dev.now = store.Timeval{Sec: 1001}
	local := store.Timeval{Sec: 1001}
	d.Synchronize(local.AddUsec(600*1000), local, 0)
	if tables.Clock.At(0).Synchronized != 0 {
		t.Fatalf("600ms avg with 10ms precision should clear synchronized")
	}
	if len(dev.adjusts) != 1 || dev.adjusts[0] != 600 {
		t.Fatalf("slew still expected, got %v", dev.adjusts)
	}
}

func TestMetricsHygiene(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, tables := newTestDiscipline(t, Config{}, dev)
	d.Synchronize(store.Timeval{Sec: 1000}, store.Timeval{Sec: 1000}, 0)

	// Pollute the slots between the two calls.
	for s := int64(1001); s <= 1005; s++ {
		tables.Metrics.At(int(s % store.ClockMetricsDepth)).Drift = 999
		tables.Metrics.At(int(s % store.ClockMetricsDepth)).Adjust = 9
	}

	dev.now = store.Timeval{Sec: 1005}
	local := store.Timeval{Sec: 1005}
	d.Synchronize(local.AddUsec(5*1000), local, 0)

	for s := int64(1001); s < 1005; s++ {
		m := tables.Metrics.At(int(s % store.ClockMetricsDepth))
		if m.Drift != 0 || m.Adjust != 0 {
			t.Fatalf("slot %d not cleaned: %+v", s, *m)
		}
	}
	if got := tables.Metrics.At(1005 % store.ClockMetricsDepth).Drift; got != 5 {
		t.Fatalf("current slot drift = %d, want 5", got)
	}
}

func TestSamplingEstimate(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, tables := newTestDiscipline(t, Config{}, dev)
	d.Synchronize(store.Timeval{Sec: 1000}, store.Timeval{Sec: 1000}, 0)

	for i := int64(1); i <= 5; i++ {
		dev.now = store.Timeval{Sec: 1000 + 10*i}
		local := dev.now
		d.Synchronize(local, local, 0)
	}
	if got := tables.Clock.At(0).Sampling; got != 10 {
		t.Fatalf("sampling = %d, want 10", got)
	}
}

func TestSetFailureDoesNotMarkSynchronized(t *testing.T) {
	dev := &fakeDevice{
		now:    store.Timeval{Sec: 1000},
		setErr: errors.New("EPERM"),
	}
	d, tables := newTestDiscipline(t, Config{}, dev)
	d.Synchronize(store.Timeval{Sec: 2000}, store.Timeval{Sec: 1000}, 0)

	st := tables.Clock.At(0)
	if st.Synchronized != 0 {
		t.Fatalf("failed settimeofday must not mark synchronized")
	}
	if !d.Reference().IsZero() {
		t.Fatalf("reference must stay unset after a failed set")
	}
}

func TestExportedQueries(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, _ := newTestDiscipline(t, Config{PrecisionMs: 10}, dev)

	if d.Synchronized() {
		t.Fatalf("fresh discipline must not report synchronized")
	}
	if d.Dispersion() != 0 {
		t.Fatalf("dispersion = %d before any cycle", d.Dispersion())
	}

	d.Synchronize(store.Timeval{Sec: 1000}, store.Timeval{Sec: 1000}, 0)
	if !d.Synchronized() {
		t.Fatalf("hard set should synchronize")
	}

	// A slewed learning cycle leaves |avg| as the dispersion.
	dev.now = store.Timeval{Sec: 1001}
	local := store.Timeval{Sec: 1001}
	d.Synchronize(local.AddUsec(-25*1000), local, 0)
	if d.Dispersion() != 25 {
		t.Fatalf("dispersion = %d, want 25 (absolute average)", d.Dispersion())
	}
	if d.Reference() != dev.now {
		t.Fatalf("reference = %+v after slew, want %+v", d.Reference(), dev.now)
	}
}

func TestTestModeNeverTouchesClock(t *testing.T) {
	dev := &fakeDevice{now: store.Timeval{Sec: 1000}}
	d, tables := newTestDiscipline(t, Config{PrecisionMs: 10, TestMode: true}, dev)

	local := store.Timeval{Sec: 1000}
	d.Synchronize(local.AddUsec(5*1000), local, 0)
	if len(dev.sets) != 0 || len(dev.adjusts) != 0 {
		t.Fatalf("test mode touched the clock")
	}
	if tables.Clock.At(0).Synchronized != 1 {
		t.Fatalf("test mode should track synchronized from instantaneous drift")
	}

	d.Synchronize(local.AddUsec(50*1000), local, 0)
	if tables.Clock.At(0).Synchronized != 0 {
		t.Fatalf("test mode should clear synchronized on large drift")
	}
}
