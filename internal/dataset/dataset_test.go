package dataset

import (
	"testing"

	"github.com/wdoekes/pe32me162irpy-pub/internal/bcc"
)

func TestParseWithUnit(t *testing.T) {
	ds, err := Parse("1.8.0(0034204.753*kWh)")
	if err != nil {
		t.Fatal(err)
	}
	if ds.Address != "1.8.0" || !ds.HasUnit || ds.Unit != "kWh" {
		t.Fatalf("got %+v", ds)
	}
	if ds.Value.String() != "34204.753" {
		t.Fatalf("value = %s, want 34204.753", ds.Value)
	}
}

func TestParseWithoutUnit(t *testing.T) {
	ds, err := Parse("C.1.0(12345678)")
	if err != nil {
		t.Fatal(err)
	}
	if ds.HasUnit {
		t.Fatal("should have no unit")
	}
	if ds.RawValue != "12345678" {
		t.Fatalf("raw value = %q", ds.RawValue)
	}
}

func TestParseMissingCloseParen(t *testing.T) {
	if _, err := Parse("1.8.0(123"); err == nil {
		t.Fatal("expected error for missing )")
	}
}

func TestUnpackDatamessageReadout(t *testing.T) {
	payload := "C.1.0(12345678)\r\n1.8.0(0034204.753*kWh)\r\n!\r\n"
	framed, err := bcc.Append(append([]byte{0x02}, append([]byte(payload), 0x03)...))
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackDatamessage(framed)
	if err != nil {
		t.Fatal(err)
	}
	if got != payload {
		t.Fatalf("got %q, want %q", got, payload)
	}

	lines, err := SplitReadoutBlocks(got)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
}

func TestUnpackDatamessageProgramming(t *testing.T) {
	payload := "(0033402.264*kWh)"
	framed, err := bcc.Append(append([]byte{0x02}, append([]byte(payload), 0x03)...))
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackDatamessage(framed)
	if err != nil {
		t.Fatal(err)
	}
	ds, err := Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Value.String() != "33402.264" || ds.Unit != "kWh" {
		t.Fatalf("got %+v", ds)
	}
}
