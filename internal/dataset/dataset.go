// Package dataset parses IEC 62056-21 datasets and datamessages: the
// "(value*unit)" groups a meter emits in both data-readout and
// programming-mode responses.
package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wdoekes/pe32me162irpy-pub/internal/bcc"
)

// ErrMalformedDataset is returned when a dataset doesn't match
// `address? "(" value? ("*" unit)? ")"`.
var ErrMalformedDataset = errors.New("malformed dataset")

// Dataset is one parsed `(address, value, unit)` triple. Value is only
// populated as a decimal when a unit was present; otherwise callers get
// the raw string back via RawValue and decide how to interpret it
// themselves (the standard leaves unit-less values untyped).
type Dataset struct {
	Address  string
	RawValue string
	Value    decimal.Decimal
	HasUnit  bool
	Unit     string
}

// Parse parses a single dataset of the shape "ADDR(VALUE*UNIT)" or
// "ADDR(VALUE)" or "(VALUE)".
func Parse(s string) (Dataset, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Dataset{}, fmt.Errorf("%w: %q", ErrMalformedDataset, s)
	}
	address := s[:open]
	body := s[open+1 : len(s)-1]

	ds := Dataset{Address: address, RawValue: body}
	if idx := strings.IndexByte(body, '*'); idx >= 0 {
		valueStr, unit := body[:idx], body[idx+1:]
		v, err := decimal.NewFromString(valueStr)
		if err != nil {
			return Dataset{}, fmt.Errorf("%w: bad value %q in %q", ErrMalformedDataset, valueStr, s)
		}
		ds.Value = v
		ds.HasUnit = true
		ds.Unit = unit
	}
	return ds, nil
}

// UnpackDatamessage verifies the BCC on frame, then strips the leading
// opener and trailing closer+BCC, returning the 7-bit ASCII payload in
// between. Used for both the readout form (STX datablock "!" CRLF ETX
// BCC) and the programming form (STX dataset ETX BCC) — the caller
// decides how to further split the payload.
func UnpackDatamessage(frame []byte) (string, error) {
	if err := bcc.Check(frame); err != nil {
		return "", err
	}
	// Check has found an opener (SOH/STX), possibly after prefix noise;
	// the last two bytes are the closer (ETX/EOT) and the BCC.
	start := bytes.IndexAny(frame, "\x01\x02")
	return string(frame[start+1 : len(frame)-2]), nil
}

// SplitReadoutBlocks splits a data-readout payload (the part between
// STX and "!\r\n" ETX) into its individual dataset lines. The payload
// is expected to end with "!\r\n" per the datablock grammar
// `(dataset+ CR LF)* "!" CR LF`.
func SplitReadoutBlocks(payload string) ([]string, error) {
	const terminator = "!\r\n"
	if !strings.HasSuffix(payload, terminator) {
		return nil, fmt.Errorf("%w: readout payload missing %q terminator", ErrMalformedDataset, terminator)
	}
	body := payload[:len(payload)-len(terminator)]
	if body == "" {
		return nil, nil
	}
	lines := strings.Split(body, "\r\n")
	// A trailing CRLF before "!\r\n" produces one empty trailing element.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}
