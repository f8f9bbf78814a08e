// Package serialproxy simulates an optical-head serial link with a
// pair of pseudoterminals, so the client and the sample server can be
// exercised against each other without real hardware. It reproduces
// the two things that matter for Mode C testing: baud-rate-proportional
// transmission delay, and hangup detection so either side can tell
// when its peer has gone away.
package serialproxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wdoekes/pe32me162irpy-pub/internal/serialport"
)

// bitsPerByte assumes 1 start + 7 data + 1 parity + 1 stop, the 7E1
// framing Mode C uses on the wire.
const bitsPerByte = 10

// queuedByte is one byte waiting to be emitted on the destination
// side, tagged with the baud rate its source side was running when it
// was read.
type queuedByte struct {
	b          byte
	sourceBaud int
}

// pty wraps one pseudoterminal controller and the worker path its peer
// is expected to open. Writes are queued and drained by a background
// goroutine that paces them according to the baud rate of the side each
// byte came from (the source), logging when this side's own baud differs.
type pty struct {
	master *serialport.Port
	path   string
	log    *logrus.Entry

	writeCh chan queuedByte
	done    chan struct{}
	once    sync.Once
}

func newPty(log *logrus.Entry) (*pty, error) {
	master, slave, err := serialport.OpenPTY(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("serialproxy: open pty: %w", err)
	}
	path, err := master.PeerName()
	if err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("serialproxy: peer name: %w", err)
	}
	// We only needed the slave to learn its path; the real peer opens
	// it again by name. See serialport.OpenPTY's doc comment.
	slave.Close()

	// Seed a default, Mode-C-legal baud rate. Without this a freshly
	// allocated pty reports the kernel default (38400), which falls
	// outside serialport's baud table and would make every Baud() call
	// on it fail before either peer has had a chance to negotiate one.
	if err := master.MakeRaw(); err != nil {
		master.Close()
		return nil, fmt.Errorf("serialproxy: make raw: %w", err)
	}
	if err := master.SetBaud(300); err != nil {
		master.Close()
		return nil, fmt.Errorf("serialproxy: seed baud: %w", err)
	}

	p := &pty{
		master:  master,
		path:    path,
		log:     log,
		writeCh: make(chan queuedByte, 256),
		done:    make(chan struct{}),
	}
	go p.writeLoop()
	return p, nil
}

func (p *pty) Path() string { return p.path }

func (p *pty) Fd() int { return p.master.Fd() }

func (p *pty) Baud() (int, error) { return p.master.Baud() }

// ReadByte blocks until one byte is available from the peer currently
// attached to this pty, or returns the master side's read error as-is
// (a hangup shows up as that raw I/O error, not as serialport.ErrHangup).
func (p *pty) ReadByte() (byte, error) {
	buf := make([]byte, 1)
	n, err := p.master.Read(buf)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fmt.Errorf("serialproxy: short read (%d bytes)", n)
	}
	return buf[0], nil
}

// WriteByte enqueues byte for transmission on this (destination) pty,
// remembering the baud its source side was running at so the writer
// can log a mismatch once it actually drains the queue.
func (p *pty) WriteByte(b byte, sourceBaud int) {
	select {
	case p.writeCh <- queuedByte{b, sourceBaud}:
	case <-p.done:
	}
}

func (p *pty) writeLoop() {
	var last time.Time
	for {
		select {
		case qb := <-p.writeCh:
			destBaud, err := p.Baud()
			if err != nil {
				p.log.WithError(err).Warn("serialproxy: could not read destination baud")
				destBaud = qb.sourceBaud
			}
			wait := time.Duration(bitsPerByte) * time.Second / time.Duration(qb.sourceBaud)
			if elapsed := time.Since(last); elapsed < wait {
				time.Sleep(wait - elapsed)
			}
			if destBaud != qb.sourceBaud {
				p.log.WithFields(logrus.Fields{
					"source_baud": qb.sourceBaud,
					"dest_baud":   destBaud,
					"byte":        fmt.Sprintf("%#02x", qb.b),
				}).Warn("serialproxy: baud mismatch, forwarding byte unchanged")
			}
			if _, err := p.master.Write([]byte{qb.b}); err != nil {
				p.log.WithError(err).Warn("serialproxy: write failed")
			}
			last = time.Now()
		case <-p.done:
			return
		}
	}
}

func (p *pty) Close() {
	p.once.Do(func() {
		close(p.done)
		p.master.Close()
	})
}
