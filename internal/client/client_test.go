package client

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/wdoekes/pe32me162irpy-pub/internal/bcc"
	"github.com/wdoekes/pe32me162irpy-pub/internal/obis"
)

// fakeTransport is a minimal in-memory Transport: writes from the
// client land in Sent; Scripted responses are served byte-by-byte on
// ReadTimeout in order, one slice per call to queueResponse.
type fakeTransport struct {
	Sent  [][]byte
	baud  int
	inbox [][]byte
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.Sent = append(f.Sent, cp)
	return len(p), nil
}

func (f *fakeTransport) SetBaud(baud int) error { f.baud = baud; return nil }
func (f *fakeTransport) SendBreak(int) error    { return nil }

func (f *fakeTransport) queue(p []byte) { f.inbox = append(f.inbox, p) }

func (f *fakeTransport) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if len(f.inbox) == 0 {
		return 0, ErrTimeout
	}
	next := f.inbox[0]
	if len(next) == 0 {
		f.inbox = f.inbox[1:]
		return f.ReadTimeout(p, timeout)
	}
	p[0] = next[0]
	f.inbox[0] = next[1:]
	if len(f.inbox[0]) == 0 {
		f.inbox = f.inbox[1:]
	}
	return 1, nil
}

type recordingProcessor struct {
	registers []obis.Identifier
	polls     int
}

func (r *recordingProcessor) SetRegister(id obis.Identifier) error {
	r.registers = append(r.registers, id)
	return nil
}
func (r *recordingProcessor) PollComplete() { r.polls++ }

func framed(t *testing.T, s string) []byte {
	t.Helper()
	out, err := bcc.AppendString(s)
	if err != nil {
		t.Fatalf("framing %q: %v", s, err)
	}
	return out
}

func TestHandshakeSwitchesBaudAndEchoesZ(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue([]byte("/ISK5ME162-0033\r\n"))
	proc := &recordingProcessor{}
	c := New(ft, proc, Config{}, nil)

	mode, err := c.handshake(context.Background(), 300)
	if err != nil {
		t.Fatal(err)
	}
	if mode != ModeDataReadout {
		t.Fatalf("mode = %v, want data readout (a session's first handshake seeds registers)", mode)
	}
	if ft.baud != 9600 {
		t.Fatalf("baud = %d, want 9600 (Z=5)", ft.baud)
	}
	if len(ft.Sent) != 3 {
		t.Fatalf("expected break + login + ack writes, got %d", len(ft.Sent))
	}
	wantBreak := []byte{0x01, 'B', '0', 0x03, 0x71}
	if !bytes.Equal(ft.Sent[0], wantBreak) {
		t.Fatalf("break frame = % x, want % x", ft.Sent[0], wantBreak)
	}
	if !bytes.Equal(ft.Sent[1], []byte("/?!\r\n")) {
		t.Fatalf("login = %q", ft.Sent[1])
	}
	want := []byte{0x06, '0', '5', byte(ModeDataReadout), '\r', '\n'}
	if !bytes.Equal(ft.Sent[2], want) {
		t.Fatalf("ack = % x, want % x", ft.Sent[2], want)
	}
}

// TestRunFoldsFromDataReadoutIntoProgramming exercises the session
// shape §4.6/§8 describe: the first handshake requests data readout to
// seed registers, then the very next handshake (after a fresh break)
// requests programming mode instead of repeating data readout forever.
func TestRunFoldsFromDataReadoutIntoProgramming(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue([]byte("/ISK5ME162-0033\r\n")) // first handshake's identification
	ft.queue(framed(t, "\x02C.1.0(12345678)\r\n!\r\n\x03"))
	ft.queue([]byte("/ISK5ME162-0033\r\n")) // second handshake's identification
	proc := &recordingProcessor{}
	c := New(ft, proc, Config{}, nil)

	firstMode, err := c.handshake(context.Background(), 300)
	if err != nil {
		t.Fatal(err)
	}
	if firstMode != ModeDataReadout {
		t.Fatalf("first handshake mode = %v, want data readout", firstMode)
	}
	if err := c.dataReadoutBranch(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.nextMode = ModeProgramming // Run does this after a successful data-readout round

	secondMode, err := c.handshake(context.Background(), 300)
	if err != nil {
		t.Fatal(err)
	}
	if secondMode != ModeProgramming {
		t.Fatalf("second handshake mode = %v, want programming", secondMode)
	}
}

func TestDataReadoutBranchParsesAllDatasets(t *testing.T) {
	ft := &fakeTransport{}
	payload := "C.1.0(12345678)\r\n1.8.0(0034204.753*kWh)\r\n!\r\n"
	ft.queue(framed(t, "\x02"+payload+"\x03"))
	proc := &recordingProcessor{}
	c := New(ft, proc, Config{}, nil)

	if err := c.dataReadoutBranch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if proc.polls != 1 {
		t.Fatalf("polls = %d, want 1", proc.polls)
	}
	// C.1.0 is a misc identifier, 1.8.0 is active energy: only the
	// latter carries a unit, and its kWh reading reaches SetRegister
	// normalised to Wh.
	if len(proc.registers) == 0 {
		t.Fatal("expected at least one register update")
	}
	found := false
	for _, r := range proc.registers {
		if r.Code() == "1.8.0" && r.Value().String() == "34204753" {
			found = true
		}
	}
	if !found {
		t.Fatalf("1.8.0 not ingested correctly: %+v", proc.registers)
	}
}

func TestBccMismatchTriggersNakAndRetry(t *testing.T) {
	ft := &fakeTransport{}
	good := framed(t, "\x02(0033402.264*kWh)\x03")
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF // flip the BCC
	ft.queue(bad)
	ft.queue(good)
	proc := &recordingProcessor{}
	c := New(ft, proc, Config{Addresses: []string{"1.8.0"}}, nil)

	if err := c.readOneAddress(context.Background(), "1.8.0"); err != nil {
		t.Fatal(err)
	}
	if len(ft.Sent) != 2 {
		t.Fatalf("expected request then NAK (the server repeats its reply), got %d writes", len(ft.Sent))
	}
	if ft.Sent[1][0] != 0x15 {
		t.Fatalf("second write should be a NAK, got % x", ft.Sent[1])
	}
	if len(proc.registers) != 1 {
		t.Fatalf("expected exactly one accepted register after retry, got %d", len(proc.registers))
	}
}

func TestTimeoutMovesOnWithoutError(t *testing.T) {
	ft := &fakeTransport{} // no queued response at all
	proc := &recordingProcessor{}
	c := New(ft, proc, Config{}, nil)
	if err := c.readOneAddress(context.Background(), "1.8.0"); err != nil {
		t.Fatalf("timeout should not surface as an error: %v", err)
	}
}
