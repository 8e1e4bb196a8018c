// Package wireproto implements the textual length-prefixed framing used by the
// cache cluster's pub/sub channel: outbound SUBSCRIBE/UNSUBSCRIBE/PUBLISH
// commands and the three inbound reply kinds. It carries no delivery
// semantics; callers interpret replies.
package wireproto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// ReplyKind is a closed set of reply types the cluster can push on a pub/sub
// connection. Anything else on the wire is a *ProtocolError, never silently
// skipped: dropping an unrecognized frame desynchronizes the stream.
type ReplyKind int

const (
	KindSubscribed ReplyKind = iota
	KindUnsubscribed
	KindMessage
)

func (k ReplyKind) String() string {
	switch k {
	case KindSubscribed:
		return "subscribed"
	case KindUnsubscribed:
		return "unsubscribed"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Reply is one decoded frame.
type Reply struct {
	Kind    ReplyKind
	Channel string
	// Payload is set for KindMessage. PayloadPresent distinguishes a nil
	// payload ($-1 on the wire) from an empty one ($0): both are legal and
	// they are not the same value.
	Payload        []byte
	PayloadPresent bool
	// Count is the subscription count reported with subscribe/unsubscribe
	// acks.
	Count int64
}

// ProtocolError reports a framing violation. It is fatal for the connection
// it occurred on: the reader position is undefined afterwards.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wireproto: %s", e.Reason)
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

const maxLineLength = 1 << 16

// Decoder reads reply frames from a pub/sub connection. Decode blocks until a
// complete frame is available and never returns a partial one.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

func (d *Decoder) Decode() (*Reply, error) {
	prefix, line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, protocolErrorf("unexpected type byte %q at frame start", prefix)
	}
	n, err := parseLength(line)
	if err != nil {
		return nil, err
	}
	if n != 3 {
		return nil, protocolErrorf("reply array of %d elements, want 3", n)
	}

	kindName, present, err := d.readBulk()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, protocolErrorf("nil reply kind")
	}

	switch string(kindName) {
	case "subscribe", "unsubscribe":
		channel, present, err := d.readBulk()
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, protocolErrorf("nil channel in %s ack", kindName)
		}
		count, err := d.readInteger()
		if err != nil {
			return nil, err
		}
		kind := KindSubscribed
		if string(kindName) == "unsubscribe" {
			kind = KindUnsubscribed
		}
		return &Reply{Kind: kind, Channel: string(channel), Count: count}, nil
	case "message":
		channel, present, err := d.readBulk()
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, protocolErrorf("nil channel in message")
		}
		payload, present, err := d.readBulk()
		if err != nil {
			return nil, err
		}
		return &Reply{
			Kind:           KindMessage,
			Channel:        string(channel),
			Payload:        payload,
			PayloadPresent: present,
		}, nil
	default:
		return nil, protocolErrorf("unknown reply kind %q", kindName)
	}
}

// readLine reads one CRLF-terminated line and returns its type byte and the
// remaining bytes.
func (d *Decoder) readLine() (byte, []byte, error) {
	line, err := d.r.ReadBytes('\n')
	if err != nil {
		return 0, nil, err
	}
	if len(line) > maxLineLength {
		return 0, nil, protocolErrorf("line exceeds %d bytes", maxLineLength)
	}
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return 0, nil, protocolErrorf("line without CRLF terminator")
	}
	return line[0], line[1 : len(line)-2], nil
}

// readBulk reads a length-prefixed value. The second return value is false
// for the nil marker ($-1), which is distinct from a zero-length value.
func (d *Decoder) readBulk() ([]byte, bool, error) {
	prefix, line, err := d.readLine()
	if err != nil {
		return nil, false, err
	}
	if prefix != '$' {
		return nil, false, protocolErrorf("unexpected type byte %q, want bulk", prefix)
	}
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return nil, false, protocolErrorf("malformed bulk length %q", line)
	}
	if n == -1 {
		return nil, false, nil
	}
	if n < 0 || n > maxBulkLength {
		return nil, false, protocolErrorf("bulk length %d out of range", n)
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, false, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return nil, false, protocolErrorf("bulk value without CRLF terminator")
	}
	return buf[:n:n], true, nil
}

func (d *Decoder) readInteger() (int64, error) {
	prefix, line, err := d.readLine()
	if err != nil {
		return 0, err
	}
	if prefix != ':' {
		return 0, protocolErrorf("unexpected type byte %q, want integer", prefix)
	}
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return 0, protocolErrorf("malformed integer %q", line)
	}
	return n, nil
}

const maxBulkLength = 512 << 20

func parseLength(line []byte) (int, error) {
	n, err := strconv.Atoi(string(line))
	if err != nil {
		return 0, protocolErrorf("malformed array length %q", line)
	}
	if n < 0 {
		return 0, protocolErrorf("negative array length %d", n)
	}
	return n, nil
}

// Encoder writes pub/sub commands. Each command is flushed as a whole, so the
// peer never observes a partial frame.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Subscribe(channel string) error {
	return e.writeCommand("SUBSCRIBE", []byte(channel))
}

func (e *Encoder) Unsubscribe(channel string) error {
	return e.writeCommand("UNSUBSCRIBE", []byte(channel))
}

func (e *Encoder) Publish(channel string, payload []byte) error {
	return e.writeCommand("PUBLISH", []byte(channel), payload)
}

func (e *Encoder) writeCommand(name string, args ...[]byte) error {
	if err := e.writeHeader('*', int64(len(args)+1)); err != nil {
		return err
	}
	if err := e.writeBulk([]byte(name)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := e.writeBulk(arg); err != nil {
			return err
		}
	}
	return e.w.Flush()
}

func (e *Encoder) writeHeader(prefix byte, n int64) error {
	if err := e.w.WriteByte(prefix); err != nil {
		return err
	}
	if _, err := e.w.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	_, err := e.w.WriteString("\r\n")
	return err
}

func (e *Encoder) writeBulk(value []byte) error {
	if err := e.writeHeader('$', int64(len(value))); err != nil {
		return err
	}
	if _, err := e.w.Write(value); err != nil {
		return err
	}
	_, err := e.w.WriteString("\r\n")
	return err
}
