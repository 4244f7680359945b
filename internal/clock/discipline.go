// Package clock disciplines the OS wall clock from a reference time source.
//
// Sources hand in (source instant, local capture instant, latency) triples.
// Large offsets force the clock; small ones are averaged over a learning
// window and corrected with a gradual slew, which filters out one-time OS
// scheduling jitter. This package is the only place that mutates wall time.
package clock

import (
	"fmt"

	"github.com/rs/zerolog"

	"gpstimed/internal/store"
)

const (
	// learningPeriod is the number of drift samples averaged before a slew
	// decision when the source is latency-sensitive (local GPS).
	learningPeriod = 10

	// forceThresholdMs is the offset at which slewing gives way to a hard
	// settimeofday.
	forceThresholdMs = 10000

	// lossFactor times precision is the average drift that clears the
	// synchronized flag.
	lossFactor = 50
)

// Device is the OS clock surface. The production implementation wraps the
// clock syscalls; tests substitute a fake.
type Device interface {
	Now() store.Timeval
	// Set forces the wall clock (settimeofday).
	Set(tv store.Timeval) error
	// Adjust slews the wall clock by drift milliseconds (adjtime).
	Adjust(driftMs int64) error
}

type Config struct {
	// PrecisionMs is the synchronization target in milliseconds.
	PrecisionMs int
	// ShowDrift prints each measured drift.
	ShowDrift bool
	// TestMode prints drifts and tracks the synchronized flag without ever
	// touching the OS clock.
	TestMode bool
}

// Discipline owns the ClockStatus and ClockMetrics tables. Not safe for
// concurrent use; all calls come from the supervisor's event loop.
type Discipline struct {
	dev Device
	log zerolog.Logger

	status  *store.ClockStatus
	metrics []slotRef

	showDrift bool
	testMode  bool

	callPeriod  int64
	callCount   int64
	latestCall  int64
	lastCleanup int64
}

// slotRef avoids re-deriving table pointers on the hot path.
type slotRef = *store.ClockMetric

func New(cfg Config, tables *store.Tables, dev Device, log zerolog.Logger) *Discipline {
	d := &Discipline{
		dev:       dev,
		log:       log.With().Str("component", "clock").Logger(),
		status:    tables.Clock.At(0),
		showDrift: cfg.ShowDrift,
		testMode:  cfg.TestMode,
	}
	d.metrics = make([]slotRef, tables.Metrics.Len())
	for i := range d.metrics {
		d.metrics[i] = tables.Metrics.At(i)
		*d.metrics[i] = store.ClockMetric{}
	}

	d.status.Synchronized = 0
	d.status.Precision = int32(cfg.PrecisionMs)
	d.status.Sampling = 0
	d.status.Drift = 0
	d.startLearning(dev.Now())
	return d
}

func (d *Discipline) startLearning(from store.Timeval) {
	d.status.Count = 0
	d.status.Accumulator = 0
	d.status.Cycle = from
}

// cleanupMetrics zeroes the slots for every second skipped since the last
// call, so stale values never linger in the ring.
func (d *Discipline) cleanupMetrics(now int64) {
	if d.lastCleanup == 0 {
		d.lastCleanup = now
		return
	}
	depth := int64(len(d.metrics))
	for d.lastCleanup < now {
		d.lastCleanup++
		*d.metrics[d.lastCleanup%depth] = store.ClockMetric{}
	}
}

// updateSampling maintains a rounded average of the interval between
// discipline calls. Totals are halved once large enough, so the estimate
// re-adjusts after roughly a hundred seconds when the source rate changes.
func (d *Discipline) updateSampling(interval int64) {
	if d.callPeriod >= 200 {
		d.callCount /= 2
		d.callPeriod /= 2
	}
	d.callPeriod += interval
	d.callCount++
	average := (d.callPeriod * 100) / d.callCount
	switch {
	case average < 100:
		average = 1
	case average%100 >= 50:
		average = average/100 + 1
	default:
		average = average / 100
	}
	d.status.Sampling = int32(average)
}

// force sets the wall clock outright. The source instant is corrected for
// the time elapsed since capture, measured on the local clock.
func (d *Discipline) force(source, local store.Timeval, latencyMs int64) {
	now := d.dev.Now()

	corrected := store.Timeval{
		Sec:  source.Sec + (now.Sec - local.Sec),
		Usec: source.Usec,
	}
	corrected = corrected.AddUsec((now.Usec - local.Usec) + latencyMs*1000)

	d.log.Debug().
		Int64("from_sec", now.Sec).
		Int64("to_sec", corrected.Sec).
		Int64("latency_ms", latencyMs).
		Msg("forcing system time")

	if err := d.dev.Set(corrected); err != nil {
		d.log.Error().Err(err).Msg("settimeofday failed")
		return
	}
	d.status.Reference = corrected
	d.status.Synchronized = 1
}

// adjust slews the clock by drift milliseconds.
func (d *Discipline) adjust(driftMs int64) {
	if err := d.dev.Adjust(driftMs); err != nil {
		d.log.Error().Err(err).Msg("adjtime failed")
	}
	d.status.Reference = d.dev.Now()
}

// Synchronize is the discipline operation: translate one (source, capture,
// latency) triple into a hard set, an accumulated learning sample, or a slew.
func (d *Discipline) Synchronize(source, local store.Timeval, latencyMs int64) {
	now := d.dev.Now().Sec
	d.cleanupMetrics(now)

	previous := d.latestCall
	d.latestCall = now
	if previous != 0 {
		d.updateSampling(now - previous)
	}

	depth := int64(len(d.metrics))
	drift := source.SubMs(local) + latencyMs
	absdrift := drift
	if absdrift < 0 {
		absdrift = -absdrift
	}

	d.metrics[now%depth].Drift = int32(drift)
	d.status.Drift = int32(drift)

	if d.showDrift || d.testMode {
		fmt.Printf("[%d] %8.3f\n", local.Sec%depth, float64(drift)/1000.0)
		if d.testMode {
			if absdrift < int64(d.status.Precision) {
				d.status.Synchronized = 1
			} else {
				d.status.Synchronized = 0
			}
			return
		}
	}

	if previous == 0 || absdrift >= forceThresholdMs {
		// Too much of a difference: force system time.
		d.metrics[now%depth].Adjust++
		d.force(source, local, latencyMs)
		d.startLearning(source)
		return
	}

	// Accumulate an average drift, to eliminate one-time issues. A
	// latency-free source (network) acts on every sample; a local GPS
	// source waits out the full learning window.
	d.status.Accumulator += drift
	d.status.Count++
	if latencyMs > 0 && d.status.Count < learningPeriod {
		return
	}

	avg := d.status.Accumulator / int64(d.status.Count)
	absavg := avg
	if absavg < 0 {
		absavg = -absavg
	}
	d.status.AvgDrift = int32(avg)
	if d.showDrift {
		fmt.Printf("Average drift: %d ms\n", avg)
	}

	if absavg < int64(d.status.Precision) {
		d.log.Debug().Msg("clock is synchronized")
		d.status.Synchronized = 1
	} else {
		if absavg > lossFactor*int64(d.status.Precision) {
			d.log.Warn().Int64("avg_drift_ms", avg).Msg("synchronization lost")
			d.status.Synchronized = 0
		}
		d.metrics[now%depth].Adjust++
		d.adjust(avg)
	}
	d.startLearning(local)
}

// Synchronized reports whether the local clock currently tracks the source.
func (d *Discipline) Synchronized() bool {
	return d.status.Synchronized != 0
}

// Reference returns the instant of the most recent adjustment or set. The
// NTP engine publishes it as the reference timestamp.
func (d *Discipline) Reference() store.Timeval {
	return d.status.Reference
}

// Dispersion returns the absolute average drift over the last learning
// cycle, in milliseconds. Reported to NTP clients as root dispersion.
func (d *Discipline) Dispersion() int64 {
	avg := int64(d.status.AvgDrift)
	if avg < 0 {
		return -avg
	}
	return avg
}
