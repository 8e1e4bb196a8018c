package courier

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Frame types carried on address channels. The set is closed: decoding an
// unknown type is an error, so a new frame type fails loudly instead of
// disappearing.
const (
	frameDeliver   = "deliver"
	frameDisplaced = "displaced"
)

type channelFrame struct {
	Type     string    `json:"type"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

func encodeDeliverFrame(env *Envelope) ([]byte, error) {
	return json.Marshal(&channelFrame{Type: frameDeliver, Envelope: env})
}

func encodeDisplacedFrame() ([]byte, error) {
	return json.Marshal(&channelFrame{Type: frameDisplaced})
}

func decodeFrame(channel string, payload []byte) (*channelFrame, error) {
	var frame channelFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, &FrameError{Channel: channel, Err: err}
	}
	switch frame.Type {
	case frameDeliver:
		if frame.Envelope == nil {
			return nil, &FrameError{Channel: channel, Err: fmt.Errorf("deliver frame without envelope")}
		}
	case frameDisplaced:
	default:
		return nil, &FrameError{Channel: channel, Err: fmt.Errorf("unknown frame type %q", frame.Type)}
	}
	return &frame, nil
}

type pushPayload struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

func encodePushPayload(addr Address, reason string) []byte {
	data, _ := json.Marshal(&pushPayload{Address: addr.String(), Reason: reason})
	return data
}
