package server

import "sync"

// DataProvider answers the two questions the programming-mode read loop
// needs: which addresses a data-readout datablock should list, and what
// value (and optional unit) a single read command should return.
type DataProvider interface {
	// AddressesForReadout returns the OBIS addresses included in the
	// one-shot data-readout datablock, in emission order.
	AddressesForReadout() []string
	// Dataset returns the raw value and unit (unit may be empty) for
	// address. ok is false for an address this provider doesn't know,
	// in which case the caller replies with the ERROR dataset.
	Dataset(address string) (value, unit string, ok bool)
}

// InMemoryDataProvider is a fixed, lockable register set. The zero value
// is empty; use NewInMemoryDataProvider for the default fixture the
// sample server ships with.
type InMemoryDataProvider struct {
	mu      sync.RWMutex
	order   []string
	values  map[string]string
	units   map[string]string
}

// NewInMemoryDataProvider builds the default register set: the meter
// serial number, its address, the six active-energy tariff registers
// (total + two rates, import and export), and the fatal-error status
// word — the same nine addresses the original sample server's
// data-readout datablock carries.
func NewInMemoryDataProvider() *InMemoryDataProvider {
	p := &InMemoryDataProvider{
		values: map[string]string{},
		units:  map[string]string{},
	}
	p.Set("C.1.0", "12345678", "")
	p.Set("0.0.0", "00000001", "")
	p.Set("1.8.0", "0033402.264", "kWh")
	p.Set("1.8.1", "0016701.132", "kWh")
	p.Set("1.8.2", "0016701.132", "kWh")
	p.Set("2.8.0", "0000123.456", "kWh")
	p.Set("2.8.1", "0000061.728", "kWh")
	p.Set("2.8.2", "0000061.728", "kWh")
	p.Set("F.F", "0", "")
	return p
}

// Set installs or replaces the value for address, appending it to the
// readout order the first time it's seen.
func (p *InMemoryDataProvider) Set(address, value, unit string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, known := p.values[address]; !known {
		p.order = append(p.order, address)
	}
	p.values[address] = value
	p.units[address] = unit
}

func (p *InMemoryDataProvider) AddressesForReadout() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func (p *InMemoryDataProvider) Dataset(address string) (value, unit string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, known := p.values[address]
	if !known {
		return "", "", false
	}
	return v, p.units[address], true
}
