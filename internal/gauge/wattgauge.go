// Package gauge converts a stream of monotonically increasing
// watt-hour counter readings into an instantaneous-power estimate.
package gauge

// WattGauge approximates current Watt (Joule/s) production or
// consumption from a regular stream of absolute, increasing watt-hour
// readings. Meters that only report cumulative totals (not current
// Watt usage) become usable for near-real-time monitoring by feeding
// this gauge every reading and reading back its best guess.
//
// Sampling more often makes the approximation better: for 550W we'd
// only see 9.17 Wh per minute, so a naive 60s-delta would oscillate
// between 540W and 600W. Sampling every second or so and windowing
// over a longer interval smooths that out.
type WattGauge struct {
	t [3]int64 // t0, t(end-1), t(end), in milliseconds
	p [3]int64 // counter value (Wh) at each t

	tlast int64 // latest sample time, even without a changed counter
	watt  int64 // current best-effort estimate

	seeded bool
}

// ActiveEnergyTotal returns the latest counter value recorded, in Wh.
func (g *WattGauge) ActiveEnergyTotal() int64 { return g.p[2] }

// InstantaneousPower returns the current best-guess Watt estimate.
func (g *WattGauge) InstantaneousPower() int64 { return g.watt }

// IntervalSinceLastChange reports the time from the last counter change
// to the latest sample (which may itself have left the counter as is).
func (g *WattGauge) IntervalSinceLastChange() int64 { return g.tlast - g.t[2] }

// SetActiveEnergyTotal feeds one (time, counter) sample. timeMs and
// counterWh must both be monotonically non-decreasing across calls.
func (g *WattGauge) SetActiveEnergyTotal(timeMs, counterWh int64) {
	g.tlast = timeMs

	if !g.seeded {
		g.t[0], g.t[1], g.t[2] = timeMs, timeMs, timeMs
		g.p[0], g.p[1], g.p[2] = counterWh, counterWh, counterWh
		g.watt = 0
		g.seeded = true
		return
	}

	if counterWh == g.p[2] {
		// No change. If the quiet spell has gone on a while, the watt
		// estimate can only have dropped: a single Wh increment this
		// far apart caps the rate below what's currently recorded.
		if g.tlast-g.t[2] > 30000 {
			possible := 1000 * 3600 / (g.tlast - g.t[2])
			if possible < g.watt {
				g.watt = possible
			}
		}
		return
	}

	if g.t[0] == g.t[1] {
		g.t[1], g.t[2] = timeMs, timeMs
		g.p[1], g.p[2] = counterWh, counterWh
	} else {
		g.t[1], g.p[1] = g.t[2], g.p[2]
		g.t[2], g.p[2] = timeMs, counterWh
	}

	// Spike-reset heuristic: a long quiet spell followed by a sudden
	// burst of activity means the quiet spell is no longer
	// representative of the current rate.
	if (g.t[1]-g.t[0]) > 60000 && (g.p[1]-g.p[0]) <= 1 && (g.t[2]-g.t[1]) < 15000 {
		g.Reset()
	}

	g.recalculateIfSensible()
}

// Reset collapses the oldest ring point onto the middle one, in
// preparation for the next measurement interval. It leaves watt
// untouched — callers read InstantaneousPower() before calling Reset.
// It only shifts the window when there were enough samples to have
// produced a trustworthy estimate in the first place; otherwise the
// window is left alone so more data can accumulate.
func (g *WattGauge) Reset() {
	if g.thereAreEnoughValues() {
		g.t[0], g.p[0] = g.t[1], g.p[1]
		g.t[1], g.p[1] = g.t[2], g.p[2]
	}
}

func (g *WattGauge) tdelta() int64 { return g.t[2] - g.t[0] }
func (g *WattGauge) pdelta() int64 { return g.p[2] - g.p[0] }

// thereAreEnoughValues decides whether the ring spans enough time and
// enough counter delta to produce a sane rate estimate.
func (g *WattGauge) thereAreEnoughValues() bool {
	td, pd := g.tdelta(), g.pdelta()
	return (td >= 20000 && pd >= 6) ||
		(td >= 50000 && pd >= 2) ||
		(td >= 300000)
}

func (g *WattGauge) recalculateIfSensible() {
	if g.thereAreEnoughValues() {
		g.watt = g.pdelta() * 1000 * 3600 / g.tdelta()
	} else if g.tlast-g.t[0] > 300000 {
		g.watt = 0
	}
}

// EnergyGauge combines two WattGauges, one for each direction of
// energy flow. A sound estimate for either direction requires knowing
// that the other direction currently has a zero delta.
type EnergyGauge struct {
	positive WattGauge
	negative WattGauge
	wprev    int64
}

// PositiveActiveEnergyTotal returns the latest positive-direction
// counter total, in Wh.
func (g *EnergyGauge) PositiveActiveEnergyTotal() int64 {
	return g.positive.ActiveEnergyTotal()
}

// NegativeActiveEnergyTotal returns the latest negative-direction
// counter total, in Wh.
func (g *EnergyGauge) NegativeActiveEnergyTotal() int64 {
	return g.negative.ActiveEnergyTotal()
}

// InstantaneousPower returns +positive.watt if the positive gauge has
// seen a more recent change than the negative one, else -negative.watt.
func (g *EnergyGauge) InstantaneousPower() int64 {
	if g.positive.IntervalSinceLastChange() < g.negative.IntervalSinceLastChange() {
		return g.positive.InstantaneousPower()
	}
	return -g.negative.InstantaneousPower()
}

// HasSignificantChange reports whether the current power estimate
// differs meaningfully from the value recorded at the last Reset.
func (g *EnergyGauge) HasSignificantChange() bool {
	watt, wprev := g.InstantaneousPower(), g.wprev

	if (wprev < 0 && watt > 0) || (watt < 0 && wprev > 0) {
		return true // sign change is always significant
	}
	if wprev == 0 && watt > -20 && watt < 20 {
		return false // fluctuating around 0 is not significant
	}
	if wprev == 0 {
		return true // any other change from 0 is significant
	}

	factor := float64(watt) / float64(wprev)
	if factor > 0.6 && factor < 1.6 {
		return false
	}
	return true
}

// SetPositiveActiveEnergyTotal feeds a sample into the positive
// direction's gauge.
func (g *EnergyGauge) SetPositiveActiveEnergyTotal(timeMs, counterWh int64) {
	g.positive.SetActiveEnergyTotal(timeMs, counterWh)
}

// SetNegativeActiveEnergyTotal feeds a sample into the negative
// direction's gauge.
func (g *EnergyGauge) SetNegativeActiveEnergyTotal(timeMs, counterWh int64) {
	g.negative.SetActiveEnergyTotal(timeMs, counterWh)
}

// Reset captures the current instantaneous power as the change-detection
// baseline, then resets both direction gauges' windows.
func (g *EnergyGauge) Reset() {
	g.wprev = g.InstantaneousPower()
	g.positive.Reset()
	g.negative.Reset()
}
