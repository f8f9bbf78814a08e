// Package serialport wraps the Linux termios/ioctl interface needed to
// drive an IEC 62056-21 Mode C optical head: raw-mode line discipline,
// runtime baud switching, break generation, and POSIX pseudoterminal
// pairs for the proxy. It generalizes a plain serial-port driver with
// the handful of domain specifics Mode C needs — 7E1 framing with a
// silent 8N1 fallback, and a lookup table from the decimal baud rates
// Mode C negotiates to the kernel's CBAUD constant.
package serialport

import (
	"fmt"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
)

type Termios struct {
	Iflag IFlag      /* input mode flags */
	Oflag OFlag      /* output mode flags */
	Cflag CFlag      /* control mode flags */
	Lflag LFlag      /* local mode flags */
	Line  Discipline /* line discipline */
	Cc    [19]byte   /* control characters */
}

type Termios2 struct {
	Iflag  IFlag      /* input mode flags */
	Oflag  OFlag      /* output mode flags */
	Cflag  CFlag      /* control mode flags */
	Lflag  LFlag      /* local mode flags */
	Line   Discipline /* line discipline */
	Cc     [19]byte   /* control characters */
	ISpeed uint32     /* input speed */
	OSpeed uint32     /* output speed */
}

// Control characters
const (
	VINTR = iota
	VQUIT
	VERASE
	VKILL
	VEOF
	VTIME
	VMIN
	VSWTCH
	VSTART
	VSTOP
	VSUSP
	VEOL
	VREPRINT
	VDISCARD
	VWERASE
	VLNEXT
	VEOL2
)

type IFlag uint32

const (
	IGNBRK = IFlag(0000001)
	BRKINT = IFlag(0000002)
	IGNPAR = IFlag(0000004)
	PARMRK = IFlag(0000010)
	INPCK  = IFlag(0000020)
	ISTRIP = IFlag(0000040)
	INLCR  = IFlag(0000100)
	IGNCR  = IFlag(0000200)
	ICRNL  = IFlag(0000400)
	IUCLC  = IFlag(0001000)
	IXON   = IFlag(0002000)
	IXANY  = IFlag(0004000)
	IXOFF  = IFlag(0010000)
	IUTF8  = IFlag(0040000)
)

type OFlag uint32

const (
	OPOST = OFlag(0000001)
	ONLCR = OFlag(0000004)
	OCRNL = OFlag(0000010)
)

type CFlag uint32

// Control flags, including the baud rate mask (CBAUD) and its values.
// IEC 62056-21 Mode C only ever negotiates the low end of this table
// (300 through 19200) but the full mask is kept so a Termios round
// trips through GetAttr/SetAttr without clobbering unrelated bits.
const (
	CBAUD  = CFlag(0010017)
	B0     = CFlag(0000000)
	B50    = CFlag(0000001)
	B75    = CFlag(0000002)
	B110   = CFlag(0000003)
	B134   = CFlag(0000004)
	B150   = CFlag(0000005)
	B200   = CFlag(0000006)
	B300   = CFlag(0000007)
	B600   = CFlag(0000010)
	B1200  = CFlag(0000011)
	B1800  = CFlag(0000012)
	B2400  = CFlag(0000013)
	B4800  = CFlag(0000014)
	B9600  = CFlag(0000015)
	B19200 = CFlag(0000016)
	B38400 = CFlag(0000017)

	// CSIZE Character size mask. Values are CS5, CS6, CS7, or CS8.
	CSIZE = CFlag(0000060)
	CS5   = CFlag(0000000)
	CS6   = CFlag(0000020)
	CS7   = CFlag(0000040)
	CS8   = CFlag(0000060)

	CSTOPB = CFlag(0000100)
	CREAD  = CFlag(0000200)
	PARENB = CFlag(0000400)
	PARODD = CFlag(0001000)
	HUPCL  = CFlag(0002000)
	CLOCAL = CFlag(0004000)

	CBAUDEX = CFlag(0010000)
	BOTHER  = CFlag(0010000)

	B57600  = CFlag(0010001)
	B115200 = CFlag(0010002)
	B230400 = CFlag(0010003)

	CRTSCTS = CFlag(020000000000)
)

type LFlag uint32

const (
	ISIG   = LFlag(0000001)
	ICANON = LFlag(0000002)
	ECHO   = LFlag(0000010)
	ECHOE  = LFlag(0000020)
	ECHOK  = LFlag(0000040)
	ECHONL = LFlag(0000100)
	NOFLSH = LFlag(0000200)
	TOSTOP = LFlag(0000400)
	IEXTEN = LFlag(0100000)
)

type Flow uint32

const (
	TCOOFF = Flow(iota)
	TCOON
	TCIOFF
	TCION
)

type Queue uint32

const (
	TCIFLUSH = Queue(iota)
	TCOFLUSH
	TCIOFLUSH
)

type Action int

const (
	TCSANOW   = Action(iota) // change occurs immediately
	TCSADRAIN                // change occurs once pending output has drained
	TCSAFLUSH                // as TCSADRAIN, and discards unread input first
)

type ModemLine int

const (
	TIOCM_LE  = ModemLine(0x001)
	TIOCM_DTR = ModemLine(0x002)
	TIOCM_RTS = ModemLine(0x004)
	TIOCM_CTS = ModemLine(0x020)
	TIOCM_CAR = ModemLine(0x040)
	TIOCM_CD  = TIOCM_CAR
	TIOCM_RNG = ModemLine(0x080)
	TIOCM_RI  = TIOCM_RNG
	TIOCM_DSR = ModemLine(0x100)
)

func (m ModemLine) String() string {
	names := map[ModemLine]string{
		TIOCM_LE: "LE", TIOCM_DTR: "DTR", TIOCM_RTS: "RTS", TIOCM_CTS: "CTS",
		TIOCM_CAR: "CAR", TIOCM_RNG: "RNG", TIOCM_DSR: "DSR",
	}
	var flags []string
	for i := ModemLine(1); i <= TIOCM_DSR; i <<= 1 {
		if m&i != 0 {
			if n, ok := names[i]; ok {
				flags = append(flags, n)
			} else {
				flags = append(flags, fmt.Sprintf("Unknown(%x)", int(i)))
			}
		}
	}
	return fmt.Sprintf("[%s]", strings.Join(flags, "|"))
}

type Discipline byte

const (
	N_TTY = Discipline(iota)
)

// Winsize mirrors struct winsize from <asm-generic/termios.h>. It is
// only meaningful for pseudoterminals; real serial lines ignore it.
type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}

type Options struct {
	ReadTimeout time.Duration
	OpenMode    int
}

func NewOptions() *Options {
	return &Options{ReadTimeout: -1, OpenMode: syscall.O_RDWR | syscall.O_NOCTTY}
}

func (o *Options) SetReadTimeout(timeout time.Duration) *Options {
	o.ReadTimeout = timeout
	return o
}

type Port struct {
	options *Options
	closed  atomic.Bool
	f       int
}

func Open(name string, opts *Options) (*Port, error) {
	if opts == nil {
		opts = NewOptions()
	}
	fd, err := syscall.Open(name, opts.OpenMode, 0)
	if err != nil {
		return nil, wrapErr("open "+name, err)
	}
	return &Port{options: opts, f: fd}, nil
}

func (p *Port) Write(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return syscall.Write(p.f, data)
}

func (p *Port) readTimeout(data []byte, timeout time.Duration) (int, error) {
	if err := poll.WaitInput(p.f, timeout); err != nil {
		if err == syscall.EAGAIN || err == syscall.ETIMEDOUT {
			return 0, ErrTimeout
		}
		return 0, wrapErr("waiting for input", err)
	}
	return syscall.Read(p.f, data)
}

func (p *Port) Read(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if p.options.ReadTimeout > -1 {
		return p.readTimeout(data, p.options.ReadTimeout)
	}
	return syscall.Read(p.f, data)
}

func (p *Port) ReadTimeout(data []byte, timeout time.Duration) (n int, err error) {
	return p.readTimeout(data, timeout)
}

func (p *Port) SetReadTimeout(timeout time.Duration) {
	p.options.ReadTimeout = timeout
}

func (p *Port) Fd() int {
	if p.closed.Load() {
		return -1
	}
	return p.f
}

func (p *Port) Close() error {
	if !p.closed.Swap(true) {
		fd := p.f
		p.f = -1
		return syscall.Close(fd)
	}
	return ErrClosed
}

func (p *Port) GetAttr() (*Termios, error) {
	attrs := &Termios{}
	if err := ioctl.Ioctl(uintptr(p.f), tcgets, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, wrapErr("tcgets", err)
	}
	return attrs, nil
}

func (p *Port) SetAttr(when Action, attrs *Termios) error {
	if err := ioctl.Ioctl(uintptr(p.f), tcsets+uintptr(when), uintptr(unsafe.Pointer(attrs))); err != nil {
		return wrapErr("tcsets", err)
	}
	return nil
}

// SendBreak sends a break condition (0.25-0.5s of zero bits), used by
// the client to wake a sleeping meter before the identification request.
func (p *Port) SendBreak(arg int) error {
	return ioctl.Ioctl(uintptr(p.f), tcsbrk, uintptr(arg))
}

// Drain waits until all output written to the Port has been transmitted.
func (p *Port) Drain() error {
	return ioctl.Ioctl(uintptr(p.f), tcsbrk, 1)
}

// Flush discards data written to the Port but not transmitted, or data
// received but not read, depending on queue.
func (p *Port) Flush(queue Queue) error {
	return ioctl.Ioctl(uintptr(p.f), tcflsh, uintptr(queue))
}

func (p *Port) SetModemLines(line ModemLine) error {
	return ioctl.Ioctl(uintptr(p.f), tiocmset, uintptr(unsafe.Pointer(&line)))
}

func (p *Port) GetModemLines() (ModemLine, error) {
	var line ModemLine
	err := ioctl.Ioctl(uintptr(p.f), tiocmget, uintptr(unsafe.Pointer(&line)))
	return line, err
}

// SetWinSize is only meaningful on a pseudoterminal slave; real serial
// devices silently ignore it.
func (p *Port) SetWinSize(w *Winsize) error {
	return ioctl.Ioctl(uintptr(p.f), tiocswinsz, uintptr(unsafe.Pointer(w)))
}

// SetLockPT sets or clears the pseudoterminal lock; a locked master
// cannot be opened via GetPTPeer.
func (p *Port) SetLockPT(lock bool) error {
	v := int32(0)
	if lock {
		v = 1
	}
	return ioctl.Ioctl(uintptr(p.f), tiocsptlck, uintptr(unsafe.Pointer(&v)))
}

// GetPTPeer opens the slave side of a pseudoterminal master, per
// TIOCGPTPEER. Unlike the other ioctls here the kernel returns the new
// descriptor as the ioctl's return value rather than through the
// argument, so this bypasses the goioctl helper and calls the syscall
// directly.
func (p *Port) GetPTPeer(flags int) (*Port, error) {
	fd, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(p.f), tiocgptpeer, uintptr(flags))
	if errno != 0 {
		return nil, wrapErr("tiocgptpeer", errno)
	}
	return &Port{options: NewOptions(), f: int(fd)}, nil
}

func (attrs *Termios) MakeRaw() {
	attrs.Iflag &= ^(IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON)
	attrs.Oflag &= ^(OPOST)
	attrs.Lflag &= ^(ECHO | ECHONL | ICANON | ISIG | IEXTEN)
	attrs.Cflag &= ^(CSIZE | PARENB)
	attrs.Cflag |= CS8
	attrs.Cc[VMIN] = 1
	attrs.Cc[VTIME] = 0
}

func (p *Port) MakeRaw() error {
	attrs, err := p.GetAttr()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	return p.SetAttr(TCSANOW, attrs)
}

func (attrs *Termios) SetSpeed(speed CFlag) {
	attrs.Cflag &= ^(CBAUD)
	attrs.Cflag |= speed
}

// baudTable maps the decimal baud rates Mode C negotiates (300 through
// 19200; internal/client's zToBaud turns the protocol's '0'..'6' byte
// into one of these) to the kernel CBAUD constant.
var baudTable = map[int]CFlag{
	300:   B300,
	600:   B600,
	1200:  B1200,
	2400:  B2400,
	4800:  B4800,
	9600:  B9600,
	19200: B19200,
}

// ErrUnsupportedBaud is returned by SetBaud for a rate outside the
// table Mode C negotiates.
var ErrUnsupportedBaud = fmt.Errorf("serialport: unsupported baud rate")

// Baud reports the currently configured baud rate, as understood by
// the Mode C baud table.
func (p *Port) Baud() (int, error) {
	attrs, err := p.GetAttr()
	if err != nil {
		return 0, err
	}
	baud, ok := BaudFromCflag(attrs.Cflag)
	if !ok {
		return 0, fmt.Errorf("%w: cflag %o", ErrUnsupportedBaud, attrs.Cflag)
	}
	return baud, nil
}

// BaudFromCflag reverses the baud table: given the CBAUD bits of a
// live Termios, it reports the decimal baud rate, as serialproxy needs
// when it detects which speed a pty side is currently configured for.
func BaudFromCflag(c CFlag) (int, bool) {
	masked := c & CBAUD
	for baud, cflag := range baudTable {
		if cflag == masked {
			return baud, true
		}
	}
	return 0, false
}

// SetBaud reconfigures the line speed in place, preserving every other
// termios field — the protocol switches baud mid-session without
// closing and reopening the device.
func (p *Port) SetBaud(baud int) error {
	cflag, ok := baudTable[baud]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
	}
	attrs, err := p.GetAttr()
	if err != nil {
		return err
	}
	attrs.SetSpeed(cflag)
	return p.SetAttr(TCSADRAIN, attrs)
}

// Open7E1 opens name in raw mode with 7 data bits, even parity, one
// stop bit — the framing IEC 62056-21 uses on the wire — at the given
// initial baud. Pseudoterminals (used by the test proxy) don't always
// accept a parity change on the slave side; when SetAttr with 7E1
// fails, Open7E1 silently degrades to 8N1 raw mode so the simulated
// link still works, and reports the degrade via the second return
// value for the caller to log.
func Open7E1(name string, baud int) (port *Port, degraded bool, err error) {
	cflag, ok := baudTable[baud]
	if !ok {
		return nil, false, fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
	}
	p, err := Open(name, NewOptions().SetReadTimeout(0))
	if err != nil {
		return nil, false, err
	}
	attrs, err := p.GetAttr()
	if err != nil {
		p.Close()
		return nil, false, err
	}
	attrs.MakeRaw()
	attrs.Cflag &= ^(CSIZE | PARENB | PARODD)
	attrs.Cflag |= CS7 | PARENB | CLOCAL | CREAD
	attrs.SetSpeed(cflag)
	if err := p.SetAttr(TCSANOW, attrs); err != nil {
		attrs.Cflag &= ^(CSIZE | PARENB | PARODD)
		attrs.Cflag |= CS8 | CLOCAL | CREAD
		attrs.SetSpeed(cflag)
		if err2 := p.SetAttr(TCSANOW, attrs); err2 != nil {
			p.Close()
			return nil, false, err
		}
		return p, true, nil
	}
	return p, false, nil
}
