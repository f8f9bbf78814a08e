// Package bcc implements the DIN 66219 / IEC 62056-21 block check
// character: an XOR checksum over a frame body bracketed by an
// opening SOH/STX and a closing ETX/EOT.
package bcc

import (
	"errors"
	"fmt"

	"github.com/wdoekes/pe32me162irpy-pub/internal/ctrlcode"
)

// ErrMalformedFrame is returned when a frame is missing its opener or
// closer, or when the trailing BCC byte is missing entirely.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrBccMismatch is returned when a structurally valid frame's trailing
// byte does not match the computed checksum.
var ErrBccMismatch = errors.New("bcc mismatch")

var openers = []ctrlcode.Code{ctrlcode.SOH, ctrlcode.STX}
var closers = []ctrlcode.Code{ctrlcode.ETX, ctrlcode.EOT}

// compute XORs every byte after the first opener through the first
// closer found after it (inclusive). It reports the position of that
// closer and whether one was found before the input ran out.
func compute(frame []byte) (sum byte, closerPos int, ok bool) {
	i := 0
	for ; i < len(frame); i++ {
		if ctrlcode.Of(frame[i], openers...) {
			i++
			break
		}
	}
	for ; i < len(frame); i++ {
		sum ^= frame[i]
		if ctrlcode.Of(frame[i], closers...) {
			return sum, i, true
		}
	}
	return sum, -1, false
}

// Append computes the BCC for frame and returns frame with the checksum
// byte appended. frame must contain an opener (SOH/STX), and the first
// closer (ETX/EOT) after it must be frame's final byte; any other shape
// fails with ErrMalformedFrame. Further openers inside the payload (the
// STX of a "SOH R 1 STX ... ETX" command) are part of the checksum.
func Append(frame []byte) ([]byte, error) {
	sum, closerPos, ok := compute(frame)
	if !ok || closerPos != len(frame)-1 {
		return nil, fmt.Errorf("%w: expected one ETX/EOT at end of %q", ErrMalformedFrame, frame)
	}
	out := make([]byte, len(frame)+1)
	copy(out, frame)
	out[len(frame)] = sum
	return out, nil
}

// AppendString is a convenience wrapper around Append for ASCII frames
// built with fmt.Sprintf-style string concatenation.
func AppendString(frame string) ([]byte, error) {
	return Append([]byte(frame))
}

// Check verifies that frame is a well-formed BCC-framed message: an
// opener, a payload ending in a closer, and a trailing checksum byte
// equal to the XOR of everything in between (inclusive of the closer).
// Prefix bytes before the first opener are permitted and excluded from
// the checksum.
func Check(frame []byte) error {
	sum, closerPos, ok := compute(frame)
	if !ok {
		return fmt.Errorf("%w: expected ETX/EOT at end of %q", ErrMalformedFrame, frame)
	}
	if closerPos != len(frame)-2 {
		return fmt.Errorf("%w: expected a single BCC byte at end of %q", ErrMalformedFrame, frame)
	}
	if got := frame[len(frame)-1]; got != sum {
		return fmt.Errorf("%w: %q expected %#02x got %#02x", ErrBccMismatch, frame, sum, got)
	}
	return nil
}
