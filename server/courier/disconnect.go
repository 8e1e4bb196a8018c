package courier

import "fmt"

// Disconnect carries the reason a local connection is being closed.
type Disconnect struct {
	Code   uint32
	Reason string
}

func (d Disconnect) String() string {
	return fmt.Sprintf("code: %d, reason: %s", d.Code, d.Reason)
}

var (
	// DisconnectShutdown is sent to all local connections on node shutdown.
	DisconnectShutdown = Disconnect{
		Code:   3001,
		Reason: "shutdown",
	}
	// DisconnectConnectionReplaced is sent to the prior connection when a
	// newer connection claims the same address on this process.
	DisconnectConnectionReplaced = Disconnect{
		Code:   3002,
		Reason: "connection replaced",
	}
	// DisconnectDisplaced is sent when another process claimed the address
	// and published a displacement frame for it.
	DisconnectDisplaced = Disconnect{
		Code:   3003,
		Reason: "displaced by newer connection",
	}
)
