package client

import (
	"context"
	"time"
)

// DeadMansSwitchTrip is how long a Client may go without a successful
// register update before the supervising task declares the session
// dead, per §7's *DeadMansSwitchTripped*.
const DeadMansSwitchTrip = 50 * time.Second

// tickInterval is how often the switch samples the client's idle time.
const tickInterval = time.Second

// WatchDeadMansSwitch blocks until ctx is cancelled or c has gone
// DeadMansSwitchTrip without a successful SetRegister call, in which
// case it returns ErrDeadMansSwitchTripped. Run this concurrently with
// Client.Run and apply "first failure wins": whichever returns first
// tears the session down.
func WatchDeadMansSwitch(ctx context.Context, c *Client) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.TimeSinceLastUpdate() >= DeadMansSwitchTrip {
				return ErrDeadMansSwitchTripped
			}
		}
	}
}
