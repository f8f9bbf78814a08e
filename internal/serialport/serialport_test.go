package serialport

import "testing"

func TestSetSpeedPreservesOtherCflagBits(t *testing.T) {
	attrs := &Termios{Cflag: CS8 | CREAD | CLOCAL}
	attrs.SetSpeed(B9600)
	if attrs.Cflag&CBAUD != B9600 {
		t.Fatalf("speed not set: %o", attrs.Cflag)
	}
	if attrs.Cflag&CREAD == 0 || attrs.Cflag&CLOCAL == 0 {
		t.Fatalf("unrelated bits clobbered: %o", attrs.Cflag)
	}
}

func TestMakeRawClearsCookedModeBits(t *testing.T) {
	attrs := &Termios{
		Iflag: ICRNL,
		Oflag: OPOST,
		Lflag: ICANON | ECHO | ISIG,
		Cflag: CS7 | PARENB,
	}
	attrs.MakeRaw()
	if attrs.Lflag&(ICANON|ECHO|ISIG) != 0 {
		t.Fatalf("cooked-mode bits survived MakeRaw: %o", attrs.Lflag)
	}
	if attrs.Cflag&CSIZE != CS8 {
		t.Fatalf("MakeRaw should force CS8, got %o", attrs.Cflag&CSIZE)
	}
	if attrs.Cc[VMIN] != 1 || attrs.Cc[VTIME] != 0 {
		t.Fatalf("VMIN/VTIME not set for blocking single-byte reads")
	}
}

func TestModemLineString(t *testing.T) {
	s := (TIOCM_RTS | TIOCM_CTS).String()
	if s != "[RTS|CTS]" {
		t.Fatalf("got %q", s)
	}
}

func TestBaudTableCoversModeCRange(t *testing.T) {
	for _, b := range []int{300, 600, 1200, 2400, 4800, 9600, 19200} {
		if _, ok := baudTable[b]; !ok {
			t.Fatalf("baud %d missing from table", b)
		}
	}
	if _, ok := baudTable[57600]; ok {
		t.Fatalf("57600 is outside the Mode C range and shouldn't be in the table")
	}
}
