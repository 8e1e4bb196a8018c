package courier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	env := &Envelope{Sender: "7.1", Type: 2, Timestamp: 1700000000000, Content: []byte("ciphertext")}
	data, err := encodeDeliverFrame(env)
	require.NoError(t, err)

	frame, err := decodeFrame("42.1", data)
	require.NoError(t, err)
	require.Equal(t, frameDeliver, frame.Type)
	require.Equal(t, env.Content, frame.Envelope.Content)
	require.Equal(t, env.Timestamp, frame.Envelope.Timestamp)
}

func TestDecodeFrameUnknownTypeFailsLoudly(t *testing.T) {
	_, err := decodeFrame("42.1", []byte(`{"type":"mystery"}`))
	var frameErr *FrameError
	require.Error(t, err)
	require.True(t, errors.As(err, &frameErr))

	_, err = decodeFrame("42.1", []byte(`{"type":"deliver"}`))
	require.Error(t, err, "deliver frame without envelope must be rejected")

	_, err = decodeFrame("42.1", []byte(`not json`))
	require.Error(t, err)
}

func TestDisplacedFrame(t *testing.T) {
	data, err := encodeDisplacedFrame()
	require.NoError(t, err)
	frame, err := decodeFrame("42.1", data)
	require.NoError(t, err)
	require.Equal(t, frameDisplaced, frame.Type)
	require.Nil(t, frame.Envelope)
}
