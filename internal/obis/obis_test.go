package obis

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseUnits(t *testing.T) {
	id, err := Parse("1.8.0")
	if err != nil {
		t.Fatal(err)
	}
	if id.Variant.Unit() != "Wh" {
		t.Fatalf("unit = %q, want Wh", id.Variant.Unit())
	}

	id, err = Parse("16.7.0")
	if err != nil {
		t.Fatal(err)
	}
	if id.Variant.Unit() != "W" {
		t.Fatalf("unit = %q, want W", id.Variant.Unit())
	}
}

func TestParseFFNormalisation(t *testing.T) {
	a, err := Parse("F.F")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse("F.F.0")
	if err != nil {
		t.Fatal(err)
	}
	if a.Code() != b.Code() || a.Variant != b.Variant {
		t.Fatalf("F.F should normalise to F.F.0: %+v vs %+v", a, b)
	}
}

func TestDescriptions(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{"1.8.0", "Positive active energy (A+) total"},
		{"2.8.4", "Negative active energy (A-) in T4"},
		{"16.7.0", "Sum active instantaneous power (A+ - A-)"},
	}
	for _, c := range cases {
		id, err := Parse(c.code)
		if err != nil {
			t.Fatal(err)
		}
		if id.Description != c.want {
			t.Errorf("Parse(%q).Description = %q, want %q", c.code, id.Description, c.want)
		}
	}
}

func TestSetValueKiloConversion(t *testing.T) {
	id, err := Parse("1.8.0")
	if err != nil {
		t.Fatal(err)
	}
	id, err = id.SetValue(decimal.NewFromInt(1234), "kWh")
	if err != nil {
		t.Fatal(err)
	}
	if id.Value().String() != "1234000" || id.Unit() != "Wh" {
		t.Fatalf("got %s %s, want 1234000 Wh", id.Value(), id.Unit())
	}
}

func TestSetValueUnitMismatch(t *testing.T) {
	id, err := Parse("1.7.0")
	if err != nil {
		t.Fatal(err)
	}
	_, err = id.SetValue(decimal.NewFromInt(1234), "kWh")
	if !errors.Is(err, ErrUnitMismatch) {
		t.Fatalf("expected ErrUnitMismatch, got %v", err)
	}

	id, err = Parse("1.7.0")
	if err != nil {
		t.Fatal(err)
	}
	id, err = id.SetValue(decimal.NewFromInt(1234), "kW")
	if err != nil {
		t.Fatal(err)
	}
	if id.Value().String() != "1234000" || id.Unit() != "W" {
		t.Fatalf("got %s %s, want 1234000 W", id.Value(), id.Unit())
	}
}

func TestUnsupportedCode(t *testing.T) {
	if _, err := Parse("99.99.99"); !errors.Is(err, ErrUnsupportedObis) {
		t.Fatalf("expected ErrUnsupportedObis, got %v", err)
	}
}

func TestMiscCodesClassify(t *testing.T) {
	for _, code := range []string{"C.1.0", "0.0.0", "F.F", "F.F.0"} {
		id, err := Parse(code)
		if err != nil {
			t.Fatalf("Parse(%q): %v", code, err)
		}
		if id.Variant != VariantMisc {
			t.Fatalf("Parse(%q).Variant = %v, want VariantMisc", code, id.Variant)
		}
	}
}

// Letter-prefixed codes other than the two literal C.1.0/F.F(.0)
// fallbacks must not be silently swallowed into VariantMisc just
// because atoiOrKeep's "not a digit" zero value happens to equal 0.
func TestLetterPrefixedCodesOtherThanLiteralsAreUnsupported(t *testing.T) {
	for _, code := range []string{"C.2.0", "F.8.0", "F.5.5"} {
		if _, err := Parse(code); !errors.Is(err, ErrUnsupportedObis) {
			t.Fatalf("Parse(%q): expected ErrUnsupportedObis, got %v", code, err)
		}
	}
}
