package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies a protocol frame.
type MessageType uint8

const (
	MessageNone          MessageType = 0
	MessageRegular       MessageType = 1
	MessageControl       MessageType = 2
	MessageAck           MessageType = 3
	MessageDisconnect    MessageType = 5
	MessageReplayRequest MessageType = 6
	MessageKeepAlive     MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case MessageRegular:
		return "regular"
	case MessageControl:
		return "control"
	case MessageAck:
		return "ack"
	case MessageDisconnect:
		return "disconnect"
	case MessageReplayRequest:
		return "replayRequest"
	case MessageKeepAlive:
		return "keepAlive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

const (
	// HeaderLength is type(1) + id(4) + ack(4) + length(4).
	HeaderLength = 13
	// MaxMessageSize bounds a single frame body.
	MaxMessageSize = 64 << 20
)

// Message is one protocol frame. Regular messages carry a monotonically
// increasing ID; every frame carries the highest regular ID its sender has received.
type Message struct {
	Type MessageType
	ID   uint32
	Ack  uint32
	Data []byte
}

// Encode returns the wire form of m.
func (m Message) Encode() []byte {
	out := make([]byte, HeaderLength+len(m.Data))
	out[0] = byte(m.Type)
	binary.BigEndian.PutUint32(out[1:5], m.ID)
	binary.BigEndian.PutUint32(out[5:9], m.Ack)
	binary.BigEndian.PutUint32(out[9:13], uint32(len(m.Data)))
	copy(out[HeaderLength:], m.Data)
	return out
}

// Decoder reassembles frames from arbitrarily split chunks.
type Decoder struct {
	buf []byte
}

// Feed appends received bytes.
func (r *Decoder) Feed(chunk []byte) {
	r.buf = append(r.buf, chunk...)
}

// Next pops the next complete frame. ok is false until one is available.
func (r *Decoder) Next() (Message, bool, error) {
	if len(r.buf) < HeaderLength {
		return Message{}, false, nil
	}
	size := binary.BigEndian.Uint32(r.buf[9:13])
	if size > MaxMessageSize {
		return Message{}, false, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	total := HeaderLength + int(size)
	if len(r.buf) < total {
		return Message{}, false, nil
	}
	msg := Message{
		Type: MessageType(r.buf[0]),
		ID:   binary.BigEndian.Uint32(r.buf[1:5]),
		Ack:  binary.BigEndian.Uint32(r.buf[5:9]),
		Data: append([]byte(nil), r.buf[HeaderLength:total]...),
	}
	r.buf = r.buf[total:]
	return msg, true, nil
}

// drain returns the unparsed bytes and empties the decoder.
func (r *Decoder) drain() []byte {
	out := r.buf
	r.buf = nil
	return out
}
