// Package config parses the command line and environment for both
// binaries, following the struct-tag conventions vitaminmoo-sfpw-tool
// uses for its kong CLI (cmd:"", arg:"", help:"", short:"") even though
// this module's two commands are flat — no subcommands needed.
package config

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// PublisherCLI is the root command for cmd/pe32me162irpy-pub. Device is
// the one optional positional argument the original script took;
// Broker/Topic/Guid mirror its os.environ.get(...) calls as Kong env:
// bindings.
type PublisherCLI struct {
	Device string `arg:"" optional:"" default:"/dev/ttyUSB0" help:"Serial device the meter's optical head is attached to."`

	Broker string `name:"broker" env:"PE32ME162_BROKER" required:"" help:"MQTT broker URL, e.g. tcp://localhost:1883."`
	Topic  string `name:"topic" env:"PE32ME162_TOPIC" required:"" help:"MQTT topic to publish readings to."`
	Guid   string `name:"guid" env:"PE32ME162_GUID" required:"" help:"Identifier tagged onto every published reading."`

	Verbose bool `short:"v" help:"Enable debug-level logging."`
}

// ParsePublisher parses args (normally os.Args[1:]) into a PublisherCLI.
func ParsePublisher(name string, args []string) (*PublisherCLI, error) {
	cli := &PublisherCLI{}
	parser, err := kong.New(cli, kong.Name(name), kong.Description("Polls an IEC 62056-21 meter and publishes totals over MQTT."))
	if err != nil {
		return nil, fmt.Errorf("config: building parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cli, nil
}

// ServerCLI is the root command for cmd/iec62056-sample-server. Device
// is optional: when empty the server spawns its own pseudo-terminal
// pair via internal/serialproxy and prints the client-facing path.
type ServerCLI struct {
	Device string `arg:"" optional:"" help:"Serial device to listen on; omit to spawn a pty pair."`

	Expose string `name:"expose" default:"/tmp/iec62056-sample-server" help:"Symlink path a client attaches to when Device is omitted."`

	Verbose bool `short:"v" help:"Enable debug-level logging."`

	// ChildMode is a hidden flag that stays out of --help. The proxy
	// re-exec (the Go substitute for os.fork()) does not set it: the
	// child is recognised by an environment variable instead
	// (serialproxy.IsChild).
	ChildMode bool `hidden:"" name:"serialproxy-child"`
}

// ParseServer parses args (normally os.Args[1:]) into a ServerCLI.
func ParseServer(name string, args []string) (*ServerCLI, error) {
	cli := &ServerCLI{}
	parser, err := kong.New(cli, kong.Name(name), kong.Description("Serves IEC 62056-21 Mode C data readout and programming-mode reads over a serial line."))
	if err != nil {
		return nil, fmt.Errorf("config: building parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cli, nil
}
