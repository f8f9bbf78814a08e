package publish

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wdoekes/pe32me162irpy-pub/internal/obis"
)

type fakePublisher struct {
	calls []struct {
		pos, neg, inst Quantity
	}
}

func (f *fakePublisher) Publish(pos, neg, inst Quantity) error {
	f.calls = append(f.calls, struct{ pos, neg, inst Quantity }{pos, neg, inst})
	return nil
}

func register(t *testing.T, code string, value int64, unit string) obis.Identifier {
	t.Helper()
	id, err := obis.Parse(code)
	if err != nil {
		t.Fatalf("parse %s: %v", code, err)
	}
	id, err = id.SetValue(decimal.NewFromInt(value), unit)
	if err != nil {
		t.Fatalf("set value for %s: %v", code, err)
	}
	return id
}

func TestProcessorIgnoresNonTotalActiveEnergyAddresses(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProcessor(pub, nil)
	clock := time.Unix(0, 0)
	p.Clock = func() time.Time { return clock }

	if err := p.SetRegister(register(t, "C.1.0", 0, "")); err != nil {
		t.Fatal(err)
	}
	if err := p.SetRegister(register(t, "16.7.0", 500, "")); err != nil {
		t.Fatal(err)
	}
	p.PollComplete() // first round just seeds lastPublish
	if len(pub.calls) != 0 {
		t.Fatalf("unrelated addresses must not trigger a publish, got %d calls", len(pub.calls))
	}
}

func TestProcessorPublishesAfterAlwaysWindow(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProcessor(pub, nil)
	clock := time.Unix(0, 0)
	p.Clock = func() time.Time { return clock }

	p.SetRegister(register(t, "1.8.0", 1000, "Wh"))
	p.SetRegister(register(t, "2.8.0", 500, "Wh"))
	p.PollComplete() // seeds lastPublish, no publish yet

	clock = clock.Add(121 * time.Second)
	p.SetRegister(register(t, "1.8.0", 1010, "Wh"))
	p.SetRegister(register(t, "2.8.0", 500, "Wh"))
	p.PollComplete()

	if len(pub.calls) != 1 {
		t.Fatalf("expected exactly one publish after the 120s floor, got %d", len(pub.calls))
	}
	if pub.calls[0].pos.Value.IntPart() != 1010 {
		t.Fatalf("positive total = %v, want 1010", pub.calls[0].pos.Value)
	}
}

func TestProcessorSkipsPublishBeforeAnyWindowElapses(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProcessor(pub, nil)
	clock := time.Unix(0, 0)
	p.Clock = func() time.Time { return clock }

	p.SetRegister(register(t, "1.8.0", 1000, "Wh"))
	p.PollComplete()

	clock = clock.Add(5 * time.Second)
	p.SetRegister(register(t, "1.8.0", 1001, "Wh"))
	p.PollComplete()

	if len(pub.calls) != 0 {
		t.Fatalf("5s elapsed should never trigger a publish, got %d calls", len(pub.calls))
	}
}
