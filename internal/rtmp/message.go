package rtmp

import (
	"encoding/binary"
	"fmt"
)

// Message is one complete protocol message: the unit the command encoder and
// media packetizer produce, and the unit the chunk layer fragments.
type Message struct {
	TypeID    uint8  // message type id
	Timestamp uint32 // milliseconds relative to the connection epoch
	StreamID  uint32 // target message stream id
	Payload   []byte // full message payload
}

// NewSetChunkSize builds the Set Chunk Size protocol control message.
func NewSetChunkSize(size uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, size&0x7FFFFFFF)
	return &Message{TypeID: MessageTypeSetChunkSize, Payload: payload}
}

// NewWindowAckSize builds the Window Acknowledgement Size control message.
func NewWindowAckSize(size uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, size)
	return &Message{TypeID: MessageTypeWindowAckSize, Payload: payload}
}

// NewAck builds an Acknowledgement message carrying the received byte count.
func NewAck(sequence uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, sequence)
	return &Message{TypeID: MessageTypeAck, Payload: payload}
}

// NewUserControl builds a user control event with one 4-byte argument,
// enough for the ping response the publisher has to return.
func NewUserControl(event uint16, arg uint32) *Message {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], event)
	binary.BigEndian.PutUint32(payload[2:6], arg)
	return &Message{TypeID: MessageTypeUserControl, Payload: payload}
}

// DecodeUint32Payload reads the single 4-byte field shared by Set Chunk Size,
// Abort, Acknowledgement and Window Acknowledgement Size messages.
func DecodeUint32Payload(msg *Message) (uint32, error) {
	if len(msg.Payload) < 4 {
		return 0, fmt.Errorf("control message type %d: short payload (%d bytes)", msg.TypeID, len(msg.Payload))
	}
	return binary.BigEndian.Uint32(msg.Payload[0:4]), nil
}

// DecodeUserControl reads the event type and first argument of a user control
// message.
func DecodeUserControl(msg *Message) (event uint16, arg uint32, err error) {
	if len(msg.Payload) < 6 {
		return 0, 0, fmt.Errorf("user control: short payload (%d bytes)", len(msg.Payload))
	}
	return binary.BigEndian.Uint16(msg.Payload[0:2]), binary.BigEndian.Uint32(msg.Payload[2:6]), nil
}
