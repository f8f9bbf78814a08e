package serialproxy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// ChildEnvVar is set in the environment of a re-exec'd proxy child so
// RunChild can tell it apart from a normal invocation of the same
// binary. Go has no fork(); REDESIGN FLAGS calls for a spawned
// subprocess instead, with the device path handed back over a pipe —
// this is that pipe's protocol.
const ChildEnvVar = "PE32ME162_PROXY_CHILD"

// IsChild reports whether the current process was launched by Spawn.
func IsChild() bool {
	return os.Getenv(ChildEnvVar) == "1"
}

// Spawn re-execs the current binary with ChildEnvVar set, passing an
// anonymous pipe as fd 3 for the child to report back the server-side
// (A) device path once its proxy is up and both pseudoterminals exist.
// The caller is responsible for signalling and waiting on the returned
// *exec.Cmd (SIGINT on shutdown, Wait to reap it, matching the
// reference implementation's SIGCHLD handler).
func Spawn(ctx context.Context, exposedAs string) (cmd *exec.Cmd, adev string, err error) {
	rfd, wfd, err := os.Pipe()
	if err != nil {
		return nil, "", fmt.Errorf("serialproxy: pipe: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		rfd.Close()
		wfd.Close()
		return nil, "", fmt.Errorf("serialproxy: find executable: %w", err)
	}

	cmd = exec.CommandContext(ctx, exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), ChildEnvVar+"=1", "PE32ME162_PROXY_EXPOSE="+exposedAs)
	cmd.ExtraFiles = []*os.File{wfd}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		rfd.Close()
		wfd.Close()
		return nil, "", fmt.Errorf("serialproxy: start child: %w", err)
	}
	wfd.Close() // parent's copy; the child keeps its inherited fd 3 open

	line, err := bufio.NewReader(rfd).ReadString('\n')
	rfd.Close()
	if err != nil {
		cmd.Process.Kill()
		return nil, "", fmt.Errorf("serialproxy: read device path from child: %w", err)
	}
	return cmd, line[:len(line)-1], nil
}

// RunChild is the entry point a re-exec'd process calls once IsChild
// reports true. It builds the exposed proxy, writes the A-device path
// back on the inherited pipe (fd 3), and relays until ctx is cancelled
// or a peer disconnects.
func RunChild(ctx context.Context, log *logrus.Entry) error {
	exposedAs := os.Getenv("PE32ME162_PROXY_EXPOSE")
	pipe := os.NewFile(3, "proxy-report-pipe")
	if pipe == nil {
		return fmt.Errorf("serialproxy: fd 3 (report pipe) not inherited")
	}

	proxy, err := NewExposed(exposedAs, log)
	if err != nil {
		return err
	}
	defer proxy.Close()

	if _, err := fmt.Fprintf(pipe, "%s\n", proxy.ADev()); err != nil {
		pipe.Close()
		return fmt.Errorf("serialproxy: report device path: %w", err)
	}
	pipe.Close()

	log.WithFields(logrus.Fields{"a": proxy.ADev(), "b": proxy.BDev()}).Info("serialproxy: child running")
	return proxy.Run(ctx)
}
