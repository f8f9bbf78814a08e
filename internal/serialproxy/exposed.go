package serialproxy

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ExposedProxy is a Proxy whose B-side device is additionally exposed
// to the filesystem as a symlink, so that an external process (the
// real client binary, or a developer with a terminal emulator) can
// attach without knowing the pty path in advance. The symlink is
// removed the moment either side starts forwarding bytes, on the
// theory that the peer has opened it by then and the link has served
// its purpose.
type ExposedProxy struct {
	*Proxy
	exposedAs string
	hideOnce  sync.Once
}

// NewExposed creates a Proxy and symlinks its B-device at exposedAs.
// Callers must call Close (even without ever calling Run) to remove a
// lingering symlink.
func NewExposed(exposedAs string, log *logrus.Entry) (*ExposedProxy, error) {
	p, err := New(log)
	if err != nil {
		return nil, err
	}
	if err := os.Symlink(p.BDev(), exposedAs); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialproxy: symlink %s: %w", exposedAs, err)
	}
	ep := &ExposedProxy{Proxy: p, exposedAs: exposedAs}
	p.onForward = func(*pty) { ep.hide() }
	return ep, nil
}

func (ep *ExposedProxy) hide() {
	ep.hideOnce.Do(func() {
		if err := os.Remove(ep.exposedAs); err != nil && !os.IsNotExist(err) {
			ep.log.WithError(err).Warn("serialproxy: could not remove exposed symlink")
		}
	})
}

// Close hides the symlink (if still present) and releases both
// pseudoterminal controllers.
func (ep *ExposedProxy) Close() {
	ep.hide()
	ep.Proxy.Close()
}
