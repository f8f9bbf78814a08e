package serialproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pollInterval is how often the proxy checks for a hangup transition,
// both while waiting for both peers to attach and while relaying.
const pollInterval = 100 * time.Millisecond

// ErrDisconnected is returned by Run when a peer hung up after both
// sides had connected; this is a normal end of the proxy's lifecycle,
// not a failure.
var ErrDisconnected = errors.New("serialproxy: peer disconnected")

// Proxy relays bytes between two pseudoterminal pairs, named A (the
// server side) and B (the client side), each with its own simulated
// baud rate and transmission delay.
type Proxy struct {
	a, b *pty
	log  *logrus.Entry

	// onForward is invoked with the source pty each time a byte is
	// forwarded. ExposedProxy uses this to hide its symlink as soon as
	// a peer has actually started talking.
	onForward func(src *pty)
}

// New creates both pseudoterminal pairs. Callers read ADev/BDev to
// learn the paths to hand to the server and client respectively, then
// call Run.
func New(log *logrus.Entry) (*Proxy, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a, err := newPty(log.WithField("side", "a"))
	if err != nil {
		return nil, err
	}
	b, err := newPty(log.WithField("side", "b"))
	if err != nil {
		a.Close()
		return nil, err
	}
	return &Proxy{a: a, b: b, log: log, onForward: func(*pty) {}}, nil
}

// ADev is the device path the server side should open.
func (p *Proxy) ADev() string { return p.a.Path() }

// BDev is the device path the client side should open.
func (p *Proxy) BDev() string { return p.b.Path() }

// Close releases both pseudoterminal controllers. Idempotent; safe to
// call even if Run was never started.
func (p *Proxy) Close() {
	p.a.Close()
	p.b.Close()
}

// Run blocks until both peers have attached and then relays bytes
// between them until one side hangs up or ctx is cancelled. A proxy
// instance is single-use: once Run returns, construct a new Proxy for
// another session — the kernel doesn't guarantee a pty's termios state
// survives a full disconnect/reconnect cycle.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.waitForBothConnected(ctx); err != nil {
		return err
	}
	p.log.Info("serialproxy: both sides connected, relaying")

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go p.relay(relayCtx, &wg, p.a, p.b)
	go p.relay(relayCtx, &wg, p.b, p.a)

	err := p.waitForHangup(ctx)
	cancel()
	wg.Wait()
	return err
}

func isHup(fd int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLHUP | unix.POLLERR | unix.POLLNVAL}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false, err
	}
	return fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0, nil
}

func (p *Proxy) waitForBothConnected(ctx context.Context) error {
	for {
		aHup, err := isHup(p.a.Fd())
		if err != nil {
			return fmt.Errorf("serialproxy: poll a: %w", err)
		}
		bHup, err := isHup(p.b.Fd())
		if err != nil {
			return fmt.Errorf("serialproxy: poll b: %w", err)
		}
		if !aHup && !bHup {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (p *Proxy) waitForHangup(ctx context.Context) error {
	for {
		aHup, err := isHup(p.a.Fd())
		if err != nil {
			return fmt.Errorf("serialproxy: poll a: %w", err)
		}
		bHup, err := isHup(p.b.Fd())
		if err != nil {
			return fmt.Errorf("serialproxy: poll b: %w", err)
		}
		if aHup || bHup {
			return ErrDisconnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (p *Proxy) relay(ctx context.Context, wg *sync.WaitGroup, src, dst *pty) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b, err := src.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).Debug("serialproxy: reader stopped")
			return
		}
		srcBaud, err := src.Baud()
		if err != nil {
			p.log.WithError(err).Warn("serialproxy: could not read source baud")
			continue
		}
		p.onForward(src)
		dst.WriteByte(b, srcBaud)
	}
}
