package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePublisherRequiresEnvBoundFlags(t *testing.T) {
	_, err := ParsePublisher("pe32me162irpy-pub", []string{"/dev/ttyUSB3"})
	require.Error(t, err)
}

func TestParsePublisherAppliesDeviceDefault(t *testing.T) {
	t.Setenv("PE32ME162_BROKER", "tcp://localhost:1883")
	t.Setenv("PE32ME162_TOPIC", "meter/readings")
	t.Setenv("PE32ME162_GUID", "meter-1")

	cli, err := ParsePublisher("pe32me162irpy-pub", nil)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", cli.Device)
	require.Equal(t, "tcp://localhost:1883", cli.Broker)
	require.Equal(t, "meter/readings", cli.Topic)
	require.Equal(t, "meter-1", cli.Guid)
	require.False(t, cli.Verbose)
}

func TestParsePublisherAcceptsExplicitDeviceAndVerbose(t *testing.T) {
	t.Setenv("PE32ME162_BROKER", "tcp://localhost:1883")
	t.Setenv("PE32ME162_TOPIC", "meter/readings")
	t.Setenv("PE32ME162_GUID", "meter-1")

	cli, err := ParsePublisher("pe32me162irpy-pub", []string{"-v", "/dev/ttyUSB7"})
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB7", cli.Device)
	require.True(t, cli.Verbose)
}

func TestParseServerDeviceIsOptional(t *testing.T) {
	cli, err := ParseServer("iec62056-sample-server", nil)
	require.NoError(t, err)
	require.Empty(t, cli.Device)
	require.False(t, cli.ChildMode)
	require.Equal(t, "/tmp/iec62056-sample-server", cli.Expose)
}

func TestParseServerAcceptsExplicitDevice(t *testing.T) {
	cli, err := ParseServer("iec62056-sample-server", []string{"/dev/ttyUSB0"})
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", cli.Device)
}
