// Package publish turns parsed OBIS register updates into publish
// decisions and hands the result to a Publisher (normally the MQTT
// facade in this package). It implements internal/client.Processor.
package publish

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wdoekes/pe32me162irpy-pub/internal/gauge"
	"github.com/wdoekes/pe32me162irpy-pub/internal/obis"
)

// Publisher is the external collaborator contract: three decimals-with-
// unit, published opportunistically. Implementations should be quick —
// Processor calls this synchronously from the client's read loop.
type Publisher interface {
	Publish(positiveWh, negativeWh, instantaneousW Quantity) error
}

const (
	alwaysPublishAfter     = 120 * time.Second
	highPowerPublishAfter  = 60 * time.Second
	changePublishAfter     = 25 * time.Second
	highPowerThresholdWatt = 400
)

// Processor accumulates register updates into an EnergyGauge and decides
// when to call the Publisher, per §6's publish cadence: at least once
// every 120s, at least every 60s while |power| >= 400W, and at least
// every 25s on a significant change — never more often than every 25s.
type Processor struct {
	mu        sync.Mutex
	gauge     gauge.EnergyGauge
	publisher Publisher
	log       *logrus.Entry

	// Clock lets tests control elapsed-time decisions; nil means
	// time.Now.
	Clock func() time.Time

	lastPublish time.Time
	started     bool
}

// NewProcessor builds a Processor that publishes through pub. log may be
// nil, in which case a standard logrus entry is used.
func NewProcessor(pub Publisher, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{publisher: pub, log: log}
}

func (p *Processor) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// SetRegister implements client.Processor: it only cares about the two
// total active-energy counters (1.8.0 import, 2.8.0 export); every other
// OBIS address is accepted and ignored.
func (p *Processor) SetRegister(id obis.Identifier) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id.Variant != obis.VariantActiveEnergy || id.E != 0 {
		return nil
	}
	t := p.now().UnixMilli()
	switch id.C {
	case 1:
		p.gauge.SetPositiveActiveEnergyTotal(t, id.Value().IntPart())
	case 2:
		p.gauge.SetNegativeActiveEnergyTotal(t, id.Value().IntPart())
	}
	return nil
}

// PollComplete implements client.Processor: the processor consults the
// gauges for a publish decision once per completed poll round, after
// both counters for that round have been set (§5's ordering guarantee).
func (p *Processor) PollComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybePublish()
}

func (p *Processor) maybePublish() {
	now := p.now()
	if !p.started {
		// The original seeds tdelta_s at 30 and so can publish on the
		// very first significant change; this stricter floor never
		// publishes before a second poll has something to compare
		// against (see DESIGN.md).
		p.lastPublish = now
		p.started = true
		return
	}
	elapsed := now.Sub(p.lastPublish)
	watt := p.gauge.InstantaneousPower()
	absWatt := watt
	if absWatt < 0 {
		absWatt = -absWatt
	}

	shouldPublish := elapsed >= alwaysPublishAfter ||
		(elapsed >= highPowerPublishAfter && absWatt >= highPowerThresholdWatt) ||
		(elapsed >= changePublishAfter && p.gauge.HasSignificantChange())
	if !shouldPublish {
		return
	}

	pos := wh(p.gauge.PositiveActiveEnergyTotal())
	neg := wh(p.gauge.NegativeActiveEnergyTotal())
	inst := watts(watt)
	if err := p.publisher.Publish(pos, neg, inst); err != nil {
		p.log.WithError(err).Warn("publish: processor's publisher rejected the update")
		return
	}
	p.gauge.Reset()
	p.lastPublish = now
}
