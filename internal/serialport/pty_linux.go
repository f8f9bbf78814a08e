package serialport

import (
	"fmt"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// OpenPTY finds an available pseudoterminal and returns a master and
// slave port. If termp is non-nil, the slave port is configured with
// the given termios. If winp is non-nil, the slave port's window size
// is set too. This is what internal/serialproxy uses to simulate a
// meter's optical head without real hardware.
func OpenPTY(termp *Termios, winp *Winsize) (master, slave *Port, err error) {
	master, err = Open("/dev/ptmx", nil)
	if err != nil {
		return nil, nil, err
	}
	if err := master.SetLockPT(false); err != nil {
		master.Close()
		return nil, nil, err
	}
	slave, err = master.GetPTPeer(0)
	if err != nil {
		master.Close()
		return nil, nil, err
	}
	if termp != nil {
		if err := slave.SetAttr(TCSANOW, termp); err != nil {
			master.Close()
			slave.Close()
			return nil, nil, err
		}
	}
	if winp != nil {
		if err := slave.SetWinSize(winp); err != nil {
			master.Close()
			slave.Close()
			return nil, nil, err
		}
	}
	return master, slave, nil
}

// PeerName returns the path of the pseudoterminal slave device, e.g.
// "/dev/pts/4", for exposing to the outside world (internal/serialproxy's
// symlink step).
func (p *Port) PeerName() (string, error) {
	var n uint32
	if err := ioctl.Ioctl(uintptr(p.f), tiocgptn, uintptr(unsafe.Pointer(&n))); err != nil {
		return "", wrapErr("tiocgptn", err)
	}
	return fmt.Sprintf("/dev/pts/%d", n), nil
}
