package main

import (
	"errors"
	"time"

	"github.com/wdoekes/pe32me162irpy-pub/internal/serialport"
	"github.com/wdoekes/pe32me162irpy-pub/internal/server"
)

// portTransport adapts *serialport.Port to server.Transport, translating
// serialport's own timeout sentinel to server.ErrTimeout so the state
// machine's errors.Is checks see the package it expects.
type portTransport struct {
	*serialport.Port
}

func (t portTransport) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	n, err := t.Port.ReadTimeout(p, timeout)
	if errors.Is(err, serialport.ErrTimeout) {
		return n, server.ErrTimeout
	}
	return n, err
}
