package wireproto

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeSubscribeAck(t *testing.T) {
	d := NewDecoder(strings.NewReader("*3\r\n$9\r\nsubscribe\r\n$4\r\n42.1\r\n:1\r\n"))
	reply, err := d.Decode()
	require.NoError(t, err)
	require.Equal(t, KindSubscribed, reply.Kind)
	require.Equal(t, "42.1", reply.Channel)
	require.Equal(t, int64(1), reply.Count)
}

func TestDecodeUnsubscribeAck(t *testing.T) {
	d := NewDecoder(strings.NewReader("*3\r\n$11\r\nunsubscribe\r\n$4\r\n42.1\r\n:0\r\n"))
	reply, err := d.Decode()
	require.NoError(t, err)
	require.Equal(t, KindUnsubscribed, reply.Kind)
	require.Equal(t, "42.1", reply.Channel)
	require.Equal(t, int64(0), reply.Count)
}

func TestDecodeMessage(t *testing.T) {
	d := NewDecoder(strings.NewReader("*3\r\n$7\r\nmessage\r\n$4\r\n42.1\r\n$2\r\nhi\r\n"))
	reply, err := d.Decode()
	require.NoError(t, err)
	require.Equal(t, KindMessage, reply.Kind)
	require.Equal(t, "42.1", reply.Channel)
	require.True(t, reply.PayloadPresent)
	require.Equal(t, []byte("hi"), reply.Payload)
}

func TestDecodeNilVersusEmptyPayload(t *testing.T) {
	d := NewDecoder(strings.NewReader(
		"*3\r\n$7\r\nmessage\r\n$4\r\n42.1\r\n$-1\r\n" +
			"*3\r\n$7\r\nmessage\r\n$4\r\n42.1\r\n$0\r\n\r\n"))

	nilReply, err := d.Decode()
	require.NoError(t, err)
	require.False(t, nilReply.PayloadPresent)
	require.Nil(t, nilReply.Payload)

	emptyReply, err := d.Decode()
	require.NoError(t, err)
	require.True(t, emptyReply.PayloadPresent)
	require.Empty(t, emptyReply.Payload)
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("*3\r\n$9\r\nsubscribe\r\n$3\r\na.1\r\n:1\r\n")
	buf.WriteString("*3\r\n$7\r\nmessage\r\n$3\r\na.1\r\n$5\r\nfirst\r\n")
	buf.WriteString("*3\r\n$7\r\nmessage\r\n$3\r\na.1\r\n$6\r\nsecond\r\n")

	d := NewDecoder(&buf)
	kinds := []ReplyKind{KindSubscribed, KindMessage, KindMessage}
	for _, want := range kinds {
		reply, err := d.Decode()
		require.NoError(t, err)
		require.Equal(t, want, reply.Kind)
	}
	_, err := d.Decode()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeFramingErrors(t *testing.T) {
	cases := map[string]string{
		"unknown type byte":    "+OK\r\n",
		"unknown reply kind":   "*3\r\n$5\r\npong!\r\n$1\r\na\r\n:1\r\n",
		"malformed length":     "*x\r\n",
		"negative bulk length": "*3\r\n$-2\r\nmessage\r\n",
		"wrong arity":          "*2\r\n$7\r\nmessage\r\n$1\r\na\r\n",
		"missing crlf":         "*3\n$7\r\nmessage\r\n",
		"nil channel":          "*3\r\n$7\r\nmessage\r\n$-1\r\n$2\r\nhi\r\n",
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(frame))
			_, err := d.Decode()
			var protoErr *ProtocolError
			require.Error(t, err)
			require.True(t, errors.As(err, &protoErr), "want *ProtocolError, got %v", err)
		})
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	// A frame cut mid-payload is an I/O error, not a protocol error.
	d := NewDecoder(strings.NewReader("*3\r\n$7\r\nmessage\r\n$4\r\n42.1\r\n$10\r\nhi"))
	_, err := d.Decode()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEncodeCommands(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	require.NoError(t, e.Subscribe("42.1"))
	require.Equal(t, "*2\r\n$9\r\nSUBSCRIBE\r\n$4\r\n42.1\r\n", buf.String())

	buf.Reset()
	require.NoError(t, e.Unsubscribe("42.1"))
	require.Equal(t, "*2\r\n$11\r\nUNSUBSCRIBE\r\n$4\r\n42.1\r\n", buf.String())

	buf.Reset()
	require.NoError(t, e.Publish("42.1", []byte("hi")))
	require.Equal(t, "*3\r\n$7\r\nPUBLISH\r\n$4\r\n42.1\r\n$2\r\nhi\r\n", buf.String())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// Outbound PUBLISH framing mirrors the inbound message framing closely
	// enough that a decoded message must carry the published payload intact.
	var buf bytes.Buffer
	buf.WriteString("*3\r\n$7\r\nmessage\r\n$4\r\n42.1\r\n")
	payload := []byte{0x00, 0x01, '\r', '\n', 0xff}
	buf.WriteString("$5\r\n")
	buf.Write(payload)
	buf.WriteString("\r\n")

	reply, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)
	require.Equal(t, payload, reply.Payload)
}
