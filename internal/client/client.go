// Package client implements the IEC 62056-21 Mode C client state
// machine: handshake, baud changeover, and both the data-readout and
// programming-mode read loops, forwarding every parsed OBIS dataset to
// a caller-supplied Processor.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/wdoekes/pe32me162irpy-pub/internal/bcc"
	"github.com/wdoekes/pe32me162irpy-pub/internal/ctrlcode"
	"github.com/wdoekes/pe32me162irpy-pub/internal/dataset"
	"github.com/wdoekes/pe32me162irpy-pub/internal/obis"
)

// Transport is everything the client needs from a serial connection.
// serialport.Port satisfies it directly; tests use an in-memory double.
type Transport interface {
	Write(p []byte) (int, error)
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	SetBaud(baud int) error
	SendBreak(arg int) error
}

// Mode is the Y byte of the option-select frame.
type Mode byte

const (
	ModeDataReadout Mode = '0'
	ModeProgramming Mode = '1'
	ModeHDLC        Mode = '2' // not supported; rejected if offered
)

// Processor receives every dataset the meter reports during a session.
type Processor interface {
	SetRegister(id obis.Identifier) error
	PollComplete()
}

// zToBaud maps the option-select baud changeover code (Z) to the
// decimal rate both sides switch to once the client's ACK is sent.
var zToBaud = map[byte]int{
	'0': 300, '1': 600, '2': 1200, '3': 2400, '4': 4800, '5': 9600, '6': 19200,
}

var (
	// ErrProtocolDesync covers any frame that doesn't match what the
	// current state expects (bad identification, Y=HDLC, ...).
	ErrProtocolDesync = errors.New("client: protocol desync")
	// ErrDeadMansSwitchTripped is returned by the dead-man's-switch
	// goroutine, not by Client.Run itself; it's exported here because
	// both live in the same conceptual error taxonomy.
	ErrDeadMansSwitchTripped = errors.New("client: no register update in time")
)

// Config tunes the parts of the state machine a deployment may want to
// override; the zero value matches the spec's defaults.
type Config struct {
	// Addresses are the OBIS identifiers requested in the programming
	// branch's read loop, in order, each round.
	Addresses []string
	// PollInterval is the pause between read-loop rounds.
	PollInterval time.Duration
	// ReactionDelay is the pre-send pause enforcing the standard's
	// reaction-time floor.
	ReactionDelay time.Duration
	// InactivityTimeout defaults to 90s but is not read by the state
	// machine: every wait is bounded by its state's own read window
	// instead (5s for the identification, 10s for every other read).
	InactivityTimeout time.Duration
	// InitialMode is the mode the first handshake of a session requests.
	// The original always starts with a full data readout to seed
	// registers before folding into the programming-mode read loop, so
	// the zero value resolves to ModeDataReadout.
	InitialMode Mode
}

func (c *Config) setDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReactionDelay == 0 {
		c.ReactionDelay = 20 * time.Millisecond
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 90 * time.Second
	}
	if len(c.Addresses) == 0 {
		c.Addresses = []string{"1.8.0", "2.8.0"}
	}
	if c.InitialMode == 0 {
		c.InitialMode = ModeDataReadout
	}
}

// Client drives one Mode C session end to end: handshake, then
// whichever branch the server offers, forever (or until ctx is
// cancelled / the transport errors out).
type Client struct {
	t    Transport
	proc Processor
	log  *logrus.Entry
	cfg  Config

	// nextMode is the mode the next handshake requests. It starts at
	// cfg.InitialMode (data readout, to seed registers) and advances to
	// ModeProgramming once the data-readout branch completes — Run's
	// goroutine is the only thing that touches it, so it needs no lock.
	nextMode Mode

	lastUpdate atomic.Int64 // unix nanos of the last successful SetRegister
}

// New builds a Client. log may be nil, in which case a standard
// logrus entry is used.
func New(t Transport, proc Processor, cfg Config, log *logrus.Entry) *Client {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{t: t, proc: proc, log: log, cfg: cfg, nextMode: cfg.InitialMode}
	c.lastUpdate.Store(time.Now().UnixNano())
	return c
}

// TimeSinceLastUpdate reports how long it has been since the processor
// last accepted a register update — what the dead-man's switch watches.
func (c *Client) TimeSinceLastUpdate() time.Duration {
	return time.Since(time.Unix(0, c.lastUpdate.Load()))
}

// Run repeatedly executes the handshake and whichever branch the
// server offers until ctx is cancelled or an unrecoverable transport
// error occurs.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode, err := c.handshake(ctx, 300)
		if err != nil {
			return err
		}
		switch mode {
		case ModeDataReadout:
			if err := c.dataReadoutBranch(ctx); err != nil {
				return err
			}
			// The original folds straight from its one-shot data
			// readout into the programming-mode read loop: request
			// programming on every subsequent handshake.
			c.nextMode = ModeProgramming
		case ModeProgramming:
			if err := c.programmingBranch(ctx); err != nil {
				return err
			}
		default:
			c.log.WithField("mode", mode).Warn("client: unsupported mode offered, restarting")
		}
	}
}

// handshake runs break → login → identification → option-select and
// returns the mode the client requested: c.nextMode, which starts at
// cfg.InitialMode (data readout, to seed registers) and becomes
// programming once that first readout completes.
func (c *Client) handshake(ctx context.Context, initialBaud int) (Mode, error) {
	if err := c.t.SetBaud(initialBaud); err != nil {
		return 0, fmt.Errorf("client: set baud %d: %w", initialBaud, err)
	}
	// A hardware break condition doesn't survive the software proxy, so
	// the wire-level marker both sides actually use is the literal
	// "SOH B 0 ETX BCC" frame (§6); the ioctl break is sent too, best
	// effort, for when the transport is real hardware.
	if err := c.t.SendBreak(0); err != nil {
		return 0, fmt.Errorf("client: send break: %w", err)
	}
	breakFrame, err := bcc.AppendString("\x01B0\x03")
	if err != nil {
		return 0, fmt.Errorf("client: building break frame: %w", err)
	}
	if err := c.write(breakFrame); err != nil {
		return 0, err
	}

	if err := c.writeDelayed("/?!\r\n"); err != nil {
		return 0, err
	}

	ident, err := c.readUntil(ctx, 5*time.Second, identComplete)
	if err != nil {
		// R_IDENT timeout falls back to W_LOGIN: retry the login line
		// once before giving up, matching the table's single hop.
		if errors.Is(err, ErrTimeout) {
			if err2 := c.writeDelayed("/?!\r\n"); err2 != nil {
				return 0, err2
			}
			ident, err = c.readUntil(ctx, 5*time.Second, identComplete)
		}
		if err != nil {
			return 0, fmt.Errorf("client: read identification: %w", err)
		}
	}

	z, err := parseIdentification(ident)
	if err != nil {
		return 0, err
	}
	baud, ok := zToBaud[z]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported baud code %q", ErrProtocolDesync, z)
	}

	mode := c.nextMode
	ack := []byte{ctrlcode.ACK.Byte(), '0', z, byte(mode), '\r', '\n'}
	if err := c.write(ack); err != nil {
		return 0, err
	}
	if err := c.t.SetBaud(baud); err != nil {
		return 0, fmt.Errorf("client: switch to %d baud: %w", baud, err)
	}
	return mode, nil
}

// dataReadoutBranch reads the single unsolicited STX-framed datamessage
// the server sends in data-readout mode, forwards every dataset, then
// returns so Run restarts the session (break, back to login) — per
// §4.6's note that this implementation folds straight into the
// programming branch afterwards rather than ending the connection.
func (c *Client) dataReadoutBranch(ctx context.Context) error {
	for {
		frame, err := c.readUntil(ctx, 10*time.Second, frameOrNakComplete)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil // W_REQ_OBIS per table; nothing more to do here
			}
			return err
		}
		if isLoneNak(frame) {
			continue // treat as resend request
		}
		payload, err := dataset.UnpackDatamessage(frame)
		if err != nil {
			if errors.Is(err, bcc.ErrBccMismatch) {
				c.write([]byte{ctrlcode.NAK.Byte()})
				continue
			}
			return err
		}
		lines, err := dataset.SplitReadoutBlocks(payload)
		if err != nil {
			return err
		}
		for _, line := range lines {
			c.ingestLine(line)
		}
		c.proc.PollComplete()
		return nil
	}
}

// programmingBranch runs the password handshake (best-effort — the
// meter we target never challenges it) followed by the repeating
// per-address read loop.
func (c *Client) programmingBranch(ctx context.Context) error {
	if err := c.awaitProgrammingPrompt(ctx); err != nil {
		return err
	}
	for {
		for _, addr := range c.cfg.Addresses {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.readOneAddress(ctx, addr); err != nil {
				return err
			}
		}
		c.proc.PollComplete()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) awaitProgrammingPrompt(ctx context.Context) error {
	frame, err := c.readUntil(ctx, 10*time.Second, frameOrNakComplete)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil // R_ACK_PROG_MODE timeout -> W_REQ_OBIS
		}
		return err
	}
	if isLoneNak(frame) {
		return nil // treated as W_REQ_OBIS too
	}
	if _, err := dataset.UnpackDatamessage(frame); err != nil {
		if errors.Is(err, bcc.ErrBccMismatch) {
			c.write([]byte{ctrlcode.NAK.Byte()})
			return nil
		}
		return err
	}
	return nil
}

const maxReadRetries = 3

func (c *Client) readOneAddress(ctx context.Context, addr string) error {
	frame := []byte{ctrlcode.SOH.Byte(), 'R', '1', ctrlcode.STX.Byte()}
	frame = append(frame, []byte(addr+"()")...)
	frame = append(frame, ctrlcode.ETX.Byte())
	framed, err := bcc.Append(frame)
	if err != nil {
		return fmt.Errorf("client: building read request for %s: %w", addr, err)
	}

	if err := c.write(framed); err != nil {
		return err
	}
	for attempt := 0; attempt < maxReadRetries; attempt++ {
		resp, err := c.readUntil(ctx, 10*time.Second, frameOrNakComplete)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil // W_REQ_OBIS: move on to the next address
			}
			return err
		}
		if isLoneNak(resp) {
			// resend request; retry this address
			if err := c.write(framed); err != nil {
				return err
			}
			continue
		}
		payload, err := dataset.UnpackDatamessage(resp)
		if err != nil {
			if errors.Is(err, bcc.ErrBccMismatch) {
				// NAK asks the server to repeat its reply; keep reading.
				c.write([]byte{ctrlcode.NAK.Byte()})
				continue
			}
			return err
		}
		// The reply is a bare "(value*unit)"; name it after the request.
		if len(payload) > 0 && payload[0] == '(' {
			payload = addr + payload
		}
		c.ingestLine(payload)
		return nil
	}
	return nil
}

func (c *Client) ingestLine(line string) {
	ds, err := dataset.Parse(line)
	if err != nil {
		c.log.WithError(err).WithField("line", line).Warn("client: unparseable dataset")
		return
	}
	id, err := obis.Parse(ds.Address)
	if err != nil {
		c.log.WithError(err).WithField("address", ds.Address).Debug("client: unsupported OBIS address")
		return
	}
	value, unit := ds.Value, ds.Unit
	if !ds.HasUnit {
		value, unit = decimal.Zero, ""
	}
	id, err = id.SetValue(value, unit)
	if err != nil {
		c.log.WithError(err).WithField("address", ds.Address).Warn("client: value/unit mismatch")
		return
	}
	if err := c.proc.SetRegister(id); err != nil {
		c.log.WithError(err).Warn("client: processor rejected register update")
		return
	}
	c.lastUpdate.Store(time.Now().UnixNano())
}

func (c *Client) write(p []byte) error {
	time.Sleep(c.cfg.ReactionDelay)
	if _, err := c.t.Write(p); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) writeDelayed(s string) error {
	return c.write([]byte(s))
}

// ErrTimeout marks a read that exceeded its state's window without
// completing a frame.
var ErrTimeout = errors.New("client: timeout")

func (c *Client) readUntil(ctx context.Context, timeout time.Duration, done func([]byte) bool) ([]byte, error) {
	buf := make([]byte, 0, 64)
	deadline := time.Now().Add(timeout)
	one := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return buf, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf, ErrTimeout
		}
		n, err := c.t.ReadTimeout(one, remaining)
		if err != nil {
			return buf, fmt.Errorf("client: read: %w", err)
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

func identComplete(buf []byte) bool {
	return len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n'
}

func frameComplete(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return ctrlcode.Of(buf[len(buf)-2], ctrlcode.ETX, ctrlcode.EOT)
}

func frameOrNakComplete(buf []byte) bool {
	if len(buf) == 1 && ctrlcode.NAK.Is(buf[0]) {
		return true
	}
	return frameComplete(buf)
}

func isLoneNak(buf []byte) bool {
	return len(buf) == 1 && ctrlcode.NAK.Is(buf[0])
}

// parseIdentification extracts the baud changeover byte Z from a
// "/XXXZIDENT\r\n" identification line.
func parseIdentification(line []byte) (byte, error) {
	if len(line) < 6 || line[0] != '/' {
		return 0, fmt.Errorf("%w: malformed identification %q", ErrProtocolDesync, line)
	}
	return line[4], nil
}
