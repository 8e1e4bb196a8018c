package courier

import (
	"errors"
	"fmt"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrNotConnected     = errors.New("not connected")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// FrameError reports a malformed or unknown channel frame. Unknown frame
// types fail loudly instead of disappearing.
type FrameError struct {
	Channel string
	Err     error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("channel %s: bad frame: %v", e.Channel, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }
