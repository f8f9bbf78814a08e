// Package server implements the server side of the IEC 62056-21 Mode C
// state machine: the bench/test double the client exercises in place of
// a real meter. It mirrors internal/client's states — request message,
// option-select acknowledgement, data readout, programming — and backs
// reads with a pluggable DataProvider.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wdoekes/pe32me162irpy-pub/internal/bcc"
	"github.com/wdoekes/pe32me162irpy-pub/internal/ctrlcode"
)

// Transport is everything the server needs from a serial connection.
// serialport.Port satisfies it directly; tests use an in-memory double.
type Transport interface {
	Write(p []byte) (int, error)
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	SetBaud(baud int) error
}

// requestBufferLimit is "/?" + up to 32 address chars + "!\r\n": the
// longest a well-formed request message can be, and the size the
// receive buffer is trimmed to while none has arrived yet, so garbage
// on the line can't grow it without bound.
const requestBufferLimit = 2 + 32 + 1 + 2

// zToBaud maps the option-select baud changeover code to the rate both
// sides switch to once it has been accepted, mirroring internal/client's
// table (see §6's baud-code list).
var zToBaud = map[byte]int{
	'0': 300, '1': 600, '2': 1200, '3': 2400, '4': 4800, '5': 9600, '6': 19200,
}

var (
	// ErrProtocolDesync covers any frame the current state doesn't
	// accept (bad option-select, unsupported mode, ...).
	ErrProtocolDesync = errors.New("server: protocol desync")
	// ErrTimeout marks a read that exceeded InactivityTimeout without
	// completing a frame. Transport implementations must return an
	// error satisfying errors.Is(err, ErrTimeout) from ReadTimeout when
	// the window elapses; anything else is treated as a fatal I/O error.
	ErrTimeout = errors.New("server: timeout")
)

// Config tunes the identification line and timing; the zero value fills
// in the sample server's own identity and the standard's defaults.
type Config struct {
	// Manufacturer is the three-character manufacturer ID (XXX).
	Manufacturer string
	// BaudCode is the Z byte offered in the identification line (the
	// fastest rate the server is willing to negotiate to).
	BaudCode byte
	// Model is the free-form identification tail (IDENT).
	Model string
	// InactivityTimeout forces a return to the initial state when no
	// bytes have been exchanged for this long. The reference never
	// enforces one; this implementation requires it (see DESIGN.md).
	InactivityTimeout time.Duration
	// ReactionDelay is the pre-send pause enforcing the standard's
	// reaction-time floor.
	ReactionDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Manufacturer == "" {
		c.Manufacturer = "ISK"
	}
	if c.BaudCode == 0 {
		c.BaudCode = '5'
	}
	if c.Model == "" {
		c.Model = "ME162-0033"
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 90 * time.Second
	}
	if c.ReactionDelay == 0 {
		c.ReactionDelay = 20 * time.Millisecond
	}
}

// Server drives one Mode C session from the meter's side of the wire,
// backed by a DataProvider for every read command it answers.
type Server struct {
	t    Transport
	data DataProvider
	log  *logrus.Entry
	cfg  Config
}

// New builds a Server. log may be nil, in which case a standard logrus
// entry is used.
func New(t Transport, data DataProvider, cfg Config, log *logrus.Entry) *Server {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{t: t, data: data, log: log, cfg: cfg}
}

// identification returns the "/XXXZIDENT\r\n" line this server answers
// a login request with.
func (s *Server) identification() []byte {
	line := fmt.Sprintf("/%s%c%s\r\n", s.cfg.Manufacturer, s.cfg.BaudCode, s.cfg.Model)
	return []byte(line)
}

// Run drives the state machine forever, starting from RECV_REQUEST_MESSAGE,
// until ctx is cancelled or the transport returns an unrecoverable error.
func (s *Server) Run(ctx context.Context) error {
	if err := s.t.SetBaud(300); err != nil {
		return fmt.Errorf("server: set baud 300: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.recvRequestMessage(ctx); err != nil {
			return err
		}
		mode, err := s.recvAckOptSelect(ctx)
		if err != nil {
			if errors.Is(err, ErrProtocolDesync) || errors.Is(err, ErrTimeout) {
				s.log.WithError(err).Warn("server: option-select not accepted, back to initial state")
				continue
			}
			return err
		}
		switch mode {
		case '0':
			if err := s.dataReadout(ctx); err != nil {
				return err
			}
		case '1':
			if err := s.programming(ctx); err != nil {
				return err
			}
		}
	}
}

// recvRequestMessage waits for a well-formed "/?ADDR!\r\n" request,
// ignoring everything before it (including the break frame the client
// sends ahead of every login — it never matches the request pattern
// and simply falls out of the trimmed window).
func (s *Server) recvRequestMessage(ctx context.Context) error {
	var buf []byte
	one := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.t.ReadTimeout(one, s.cfg.InactivityTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				// Already the initial state: just keep waiting.
				buf = buf[:0]
				continue
			}
			return fmt.Errorf("server: read: %w", err)
		}
		if n == 0 {
			continue
		}
		buf = append(buf, one[0])
		if len(buf) > requestBufferLimit {
			buf = buf[len(buf)-requestBufferLimit:]
		}
		if _, ok := findRequest(buf); ok {
			return s.writeDelayed(s.identification())
		}
	}
}

// findRequest looks for a "/?" ... "!\r\n" request anywhere in buf and
// returns the normalised address between them.
func findRequest(buf []byte) (addr string, ok bool) {
	idx := bytes.Index(buf, []byte("/?"))
	if idx < 0 {
		return "", false
	}
	rest := buf[idx+2:]
	end := bytes.Index(rest, []byte("!\r\n"))
	if end < 0 || end > 32 {
		return "", false
	}
	return normalizeAddress(string(rest[:end])), true
}

// normalizeAddress strips leading zeros from addr, except its last
// character, per §4.7's request-address rule.
func normalizeAddress(addr string) string {
	for len(addr) > 1 && addr[0] == '0' {
		addr = addr[1:]
	}
	return addr
}

// recvAckOptSelect waits for the fixed six-byte "ACK V Z Y CR LF"
// option-select and returns the accepted mode byte.
func (s *Server) recvAckOptSelect(ctx context.Context) (byte, error) {
	buf, err := s.readUntil(ctx, s.cfg.InactivityTimeout, crlfComplete)
	if err != nil {
		return 0, err
	}
	if len(buf) != 6 || buf[0] != ctrlcode.ACK.Byte() {
		return 0, fmt.Errorf("%w: malformed option-select %q", ErrProtocolDesync, buf)
	}
	v, z, y := buf[1], buf[2], buf[3]
	if v != '0' {
		return 0, fmt.Errorf("%w: unsupported protocol control %q", ErrProtocolDesync, v)
	}
	if z != s.cfg.BaudCode {
		return 0, fmt.Errorf("%w: baud code %q does not match offered %q", ErrProtocolDesync, z, s.cfg.BaudCode)
	}
	if y != '0' && y != '1' {
		return 0, fmt.Errorf("%w: unsupported mode %q", ErrProtocolDesync, y)
	}
	baud, ok := zToBaud[z]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported baud code %q", ErrProtocolDesync, z)
	}
	if err := s.t.SetBaud(baud); err != nil {
		return 0, fmt.Errorf("server: switch to %d baud: %w", baud, err)
	}
	return y, nil
}

// dataReadout sends the one-shot STX-framed datablock listing every
// address the data provider knows, then returns to the initial state.
func (s *Server) dataReadout(ctx context.Context) error {
	var body bytes.Buffer
	for _, addr := range s.data.AddressesForReadout() {
		value, unit, ok := s.data.Dataset(addr)
		if !ok {
			continue
		}
		body.WriteString(addr)
		body.WriteByte('(')
		body.WriteString(value)
		if unit != "" {
			body.WriteByte('*')
			body.WriteString(unit)
		}
		body.WriteString(")\r\n")
	}
	body.WriteString("!\r\n")

	frame := append([]byte{ctrlcode.STX.Byte()}, body.Bytes()...)
	frame = append(frame, ctrlcode.ETX.Byte())
	framed, err := bcc.Append(frame)
	if err != nil {
		return fmt.Errorf("server: framing readout datablock: %w", err)
	}
	return s.writeDelayed(framed)
}

// programming runs the password prompt followed by the read-command
// loop, applying both redesign fixes: NAK repeats the last frame sent
// instead of failing, and a 90 s (by default) inactivity window forces
// a return to the initial state instead of waiting forever.
func (s *Server) programming(ctx context.Context) error {
	prompt, err := bcc.Append([]byte{ctrlcode.SOH.Byte(), 'P', '0', ctrlcode.STX.Byte(), '(', ')', ctrlcode.ETX.Byte()})
	if err != nil {
		return fmt.Errorf("server: framing password prompt: %w", err)
	}
	if err := s.writeDelayed(prompt); err != nil {
		return err
	}
	lastSent := prompt

	var buf []byte
	one := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.t.ReadTimeout(one, s.cfg.InactivityTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				// InactivityTimeout elapsed with nothing received: back
				// to the initial state, per this implementation's
				// required timeout (the reference never enforces one).
				return nil
			}
			return fmt.Errorf("server: read: %w", err)
		}
		if n == 0 {
			continue
		}
		b := one[0]

		if len(buf) == 0 && ctrlcode.NAK.Is(b) {
			if err := s.writeDelayed(lastSent); err != nil {
				return err
			}
			continue
		}
		if len(buf) == 0 && !ctrlcode.SOH.Is(b) {
			continue // drop leading bytes until SOH, per §4.7
		}
		buf = append(buf, b)
		if !frameComplete(buf) {
			continue
		}

		if err := bcc.Check(buf); err != nil {
			if errors.Is(err, bcc.ErrBccMismatch) {
				if werr := s.writeDelayed([]byte{ctrlcode.NAK.Byte()}); werr != nil {
					return werr
				}
				buf = nil
				continue
			}
			return fmt.Errorf("server: checking frame: %w", err)
		}

		if isBreakFrame(buf) {
			return nil // back to RECV_REQUEST_MESSAGE
		}

		reply, err := s.handleReadCommand(buf)
		if err != nil {
			return err
		}
		if err := s.writeDelayed(reply); err != nil {
			return err
		}
		lastSent = reply
		buf = nil
	}
}

// isBreakFrame reports whether frame is the literal "SOH B 0 ETX BCC"
// reset marker.
func isBreakFrame(frame []byte) bool {
	return len(frame) == 5 && frame[0] == ctrlcode.SOH.Byte() && frame[1] == 'B' && frame[2] == '0' && frame[3] == ctrlcode.ETX.Byte()
}

// handleReadCommand answers a "SOH R 1 STX addr() ETX BCC" frame with
// the provider's value, or the ERROR dataset when the address is
// unknown.
func (s *Server) handleReadCommand(frame []byte) ([]byte, error) {
	if len(frame) < 5 || frame[1] != 'R' || frame[2] != '1' || frame[3] != ctrlcode.STX.Byte() {
		return nil, fmt.Errorf("%w: unsupported command %q", ErrProtocolDesync, frame)
	}
	payload := string(frame[4 : len(frame)-2]) // strip STX prefix, ETX+BCC suffix
	addr := strings.TrimSuffix(payload, "()")

	value, unit, ok := s.data.Dataset(addr)
	var body string
	if ok {
		if unit != "" {
			body = fmt.Sprintf("(%s*%s)", value, unit)
		} else {
			body = fmt.Sprintf("(%s)", value)
		}
	} else {
		body = "(ERROR)"
	}

	out := append([]byte{ctrlcode.STX.Byte()}, []byte(body)...)
	out = append(out, ctrlcode.ETX.Byte())
	return bcc.Append(out)
}

func (s *Server) writeDelayed(p []byte) error {
	time.Sleep(s.cfg.ReactionDelay)
	if _, err := s.t.Write(p); err != nil {
		return fmt.Errorf("server: write: %w", err)
	}
	return nil
}

func (s *Server) readUntil(ctx context.Context, timeout time.Duration, done func([]byte) bool) ([]byte, error) {
	var buf []byte
	one := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return buf, err
		}
		n, err := s.t.ReadTimeout(one, timeout)
		if err != nil {
			return buf, fmt.Errorf("server: read: %w", err)
		}
		if n == 0 {
			continue
		}
		buf = append(buf, one[0])
		if done(buf) {
			return buf, nil
		}
	}
}

func crlfComplete(buf []byte) bool {
	return len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n'
}

func frameComplete(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return ctrlcode.Of(buf[len(buf)-2], ctrlcode.ETX, ctrlcode.EOT)
}
