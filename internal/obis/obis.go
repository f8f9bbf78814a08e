// Package obis parses and classifies IEC 62056-21 / EDIS Object
// Identification System codes (the dotted C.D.E[*F] identifiers used
// to name metered quantities) for electricity meters such as the
// Iskra ME162.
package obis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnsupportedObis is returned for codes that don't fall into any of
// the recognised categories.
var ErrUnsupportedObis = errors.New("unsupported obis code")

// ErrUnitMismatch is returned when the unit passed to SetValue isn't the
// variant's canonical unit or its kilo-prefixed form.
var ErrUnitMismatch = errors.New("unit mismatch")

// Variant classifies an Identifier into one of the three families this
// system understands.
type Variant int

const (
	// VariantActiveEnergy is C∈{1,2,15,16}, D=8 ("1.8.0", unit Wh).
	VariantActiveEnergy Variant = iota
	// VariantInstantaneousPower is C∈{1,2,15,16}, D=7 ("16.7.0", unit W).
	VariantInstantaneousPower
	// VariantMisc covers administrative codes ("C.1.0", "0.0.0", "F.F.0").
	VariantMisc
)

// Unit returns the canonical unit for the variant, or "" for VariantMisc
// (which carries no fixed unit).
func (v Variant) Unit() string {
	switch v {
	case VariantActiveEnergy:
		return "Wh"
	case VariantInstantaneousPower:
		return "W"
	default:
		return ""
	}
}

var activeEnergyDescriptions = map[int]string{
	1:  "Positive active energy (A+)",
	2:  "Negative active energy (A-)",
	15: "Absolute active energy (A+) (=A+ - A-)",
	16: "Sum active energy without reverse blockade (=A+ - A-)",
}

var instantaneousPowerDescriptions = map[int]string{
	1:  "Positive active instantaneous power (A+)",
	2:  "Negative active instantaneous power (A-)",
	15: "Absolute active instantaneous power (|A|)",
	16: "Sum active instantaneous power (A+ - A-)",
}

// Identifier is a parsed OBIS code (C, D, E[, F]).
type Identifier struct {
	C, D, E int
	F       *int

	Variant     Variant
	Description string

	value decimal.Decimal
	unit  string
	code  string // set for letter-group codes ("C.1.0", "F.F.0"), which C/D cannot hold
}

// Code renders the canonical "C.D.E" or "C.D.E*F" string form.
func (id Identifier) Code() string {
	if id.code != "" {
		return id.code
	}
	if id.F != nil {
		return fmt.Sprintf("%d.%d.%d*%d", id.C, id.D, id.E, *id.F)
	}
	return fmt.Sprintf("%d.%d.%d", id.C, id.D, id.E)
}

// Value returns the most recently set reading.
func (id Identifier) Value() decimal.Decimal { return id.value }

// Unit returns the unit the current value was recorded in (always the
// variant's canonical unit after SetValue succeeds).
func (id Identifier) Unit() string { return id.unit }

// String implements fmt.Stringer for log lines, e.g. "<1.8.0(33402000 Wh)>".
func (id Identifier) String() string {
	if id.unit != "" {
		return fmt.Sprintf("<%s(%s %s)>", id.Code(), id.value.String(), id.unit)
	}
	return fmt.Sprintf("<%s(%s)>", id.Code(), id.value.String())
}

// Parse parses a dotted OBIS code ("1.8.0", "16.7.0", "F.F", "C.1.0",
// optionally with a "*F" suffix) and classifies it. "F.F" is normalised
// to "F.F.0" per the ME162 convention.
func Parse(code string) (Identifier, error) {
	orig := code
	if code == "F.F" {
		code = "F.F.0"
	}

	parts := strings.SplitN(code, ".", 3)
	if len(parts) != 3 {
		return Identifier{}, fmt.Errorf("%w: cannot parse code %q", ErrUnsupportedObis, orig)
	}
	cPart, dPart, ePart := parts[0], parts[1], parts[2]

	var fPtr *int
	if idx := strings.IndexByte(ePart, '*'); idx >= 0 {
		fStr := ePart[idx+1:]
		ePart = ePart[:idx]
		f, err := strconv.Atoi(fStr)
		if err != nil {
			return Identifier{}, fmt.Errorf("%w: cannot parse code %q", ErrUnsupportedObis, orig)
		}
		fPtr = &f
	}

	c, cIsDigit := atoiOrKeep(cPart)
	d, dIsDigit := atoiOrKeep(dPart)
	e, err := strconv.Atoi(ePart)
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: cannot parse code %q", ErrUnsupportedObis, orig)
	}

	id := Identifier{C: c, D: d, E: e, F: fPtr}

	switch {
	case cIsDigit && dIsDigit && isEnergyC(c) && d == 8:
		id.Variant = VariantActiveEnergy
		parts := "total"
		if e != 0 {
			parts = fmt.Sprintf("in T%d", e)
		}
		id.Description = fmt.Sprintf("%s %s", activeEnergyDescriptions[c], parts)
	case cIsDigit && dIsDigit && isEnergyC(c) && d == 7:
		if e != 0 {
			return Identifier{}, fmt.Errorf("%w: unknown/unhandled code %q", ErrUnsupportedObis, orig)
		}
		id.Variant = VariantInstantaneousPower
		id.Description = instantaneousPowerDescriptions[c]
	case fPtr == nil && ((cIsDigit && c == 0) || orig == "C.1.0" || code == "F.F.0"):
		id.Variant = VariantMisc
		id.Description = miscDescription(orig)
		if !cIsDigit || !dIsDigit {
			id.code = code
		}
	default:
		return Identifier{}, fmt.Errorf("%w: unknown/unhandled code %q", ErrUnsupportedObis, orig)
	}

	return id, nil
}

func isEnergyC(c int) bool {
	switch c {
	case 1, 2, 15, 16:
		return true
	}
	return false
}

func miscDescription(code string) string {
	switch code {
	case "C.1.0":
		return "Meter serial number"
	case "F.F", "F.F.0":
		return "Fatal error meter status"
	case "0.9.1":
		return "Time (hh:mm:ss)"
	case "0.9.2":
		return "Date (YY.MM.DD)"
	default:
		return ""
	}
}

// atoiOrKeep parses s as an int; if it isn't numeric, it returns 0 and
// false (mirroring the original's "C"/"F" letter groups, which never
// match any recognised category and so fall through to ErrUnsupportedObis
// unless handled by the literal-code branches above).
func atoiOrKeep(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetValue records value, converting from the kilo-prefixed unit (e.g.
// "kWh" for a Wh-denominated variant) to the canonical unit. unit may be
// empty, in which case value is stored as-is (used for misc codes and
// unit-less dataset fields): misc codes then carry no unit, the other
// variants record their canonical unit. Any other unit fails with
// ErrUnitMismatch.
func (id Identifier) SetValue(value decimal.Decimal, unit string) (Identifier, error) {
	canon := id.Variant.Unit()
	switch {
	case unit == "":
		// no-op
	case unit == canon:
		// no-op
	case canon != "" && strings.HasPrefix(unit, "k") && unit[1:] == canon:
		value = value.Mul(decimal.NewFromInt(1000)).Truncate(0)
	default:
		return id, fmt.Errorf("%w: unhandled unit %q for %s", ErrUnitMismatch, unit, id.Code())
	}
	id.value = value
	id.unit = canon
	if canon == "" {
		id.unit = unit
	}
	return id, nil
}
