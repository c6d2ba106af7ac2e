package rtmp

import (
	"bytes"
	"fmt"
	"io"
)

// chunkStreamState is the per-chunk-stream header compression state: the
// fields of the last message written, used to pick the shortest header form
// the receiver can still expand.
type chunkStreamState struct {
	started   bool
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
}

// ChunkWriter fragments protocol messages into wire chunks of at most the
// negotiated chunk size. Callers must serialize access; one WriteMessage call
// emits all chunks of its message back to back.
type ChunkWriter struct {
	w         io.Writer
	chunkSize uint32
	streams   map[uint32]*chunkStreamState
	buf       bytes.Buffer
}

// NewChunkWriter returns a writer using the protocol default chunk size.
// Larger sizes take effect only after SetChunkSize announces them.
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{
		w:         w,
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*chunkStreamState),
	}
}

// ChunkSize returns the current outgoing chunk size.
func (cw *ChunkWriter) ChunkSize() uint32 {
	return cw.chunkSize
}

// SetChunkSize announces a new outgoing chunk size on the control chunk
// stream and applies it to subsequently produced chunks. The announcement
// itself is chunked with the old size.
func (cw *ChunkWriter) SetChunkSize(size uint32) error {
	if size < 1 || size > MaxChunkSize {
		return fmt.Errorf("chunk size %d out of range", size)
	}
	if err := cw.WriteMessage(ChunkStreamControl, NewSetChunkSize(size)); err != nil {
		return err
	}
	cw.chunkSize = size
	return nil
}

// WriteMessage fragments msg into chunks on the given chunk stream and writes
// them with a single transport write, so messages on one chunk stream are
// never interleaved mid-chunk.
func (cw *ChunkWriter) WriteMessage(csid uint32, msg *Message) error {
	state, ok := cw.streams[csid]
	if !ok {
		state = &chunkStreamState{}
		cw.streams[csid] = state
	}

	format, delta := cw.pickFormat(state, msg)

	cw.buf.Reset()
	remaining := msg.Payload
	first := true
	for first || len(remaining) > 0 {
		if first {
			cw.writeHeader(&cw.buf, format, csid, msg, delta)
		} else {
			// continuation chunks carry only the basic header
			cw.writeBasicHeader(&cw.buf, chunkFmt3, csid)
			cw.writeExtendedTimestamp(&cw.buf, format, msg, delta)
		}
		n := int(cw.chunkSize)
		if n > len(remaining) {
			n = len(remaining)
		}
		cw.buf.Write(remaining[:n])
		remaining = remaining[n:]
		first = false
	}

	if _, err := cw.w.Write(cw.buf.Bytes()); err != nil {
		return fmt.Errorf("write chunks: %w", err)
	}

	state.started = true
	state.delta = delta
	state.timestamp = msg.Timestamp
	state.length = uint32(len(msg.Payload))
	state.typeID = msg.TypeID
	state.streamID = msg.StreamID
	return nil
}

// pickFormat selects the most compressed header form consistent with the
// previous message on the chunk stream.
func (cw *ChunkWriter) pickFormat(state *chunkStreamState, msg *Message) (uint8, uint32) {
	if !state.started || msg.StreamID != state.streamID || msg.Timestamp < state.timestamp {
		return chunkFmt0, 0
	}
	delta := msg.Timestamp - state.timestamp
	if uint32(len(msg.Payload)) != state.length || msg.TypeID != state.typeID {
		return chunkFmt1, delta
	}
	if delta != state.delta {
		return chunkFmt2, delta
	}
	return chunkFmt3, delta
}

func (cw *ChunkWriter) writeHeader(buf *bytes.Buffer, format uint8, csid uint32, msg *Message, delta uint32) {
	cw.writeBasicHeader(buf, format, csid)

	stamp := msg.Timestamp
	if format != chunkFmt0 {
		stamp = delta
	}
	field := stamp
	if field >= extendedTimestampThreshold {
		field = extendedTimestampThreshold
	}

	switch format {
	case chunkFmt0:
		writeUint24(buf, field)
		writeUint24(buf, uint32(len(msg.Payload)))
		buf.WriteByte(msg.TypeID)
		// message stream id is the one little-endian field in the protocol
		buf.Write([]byte{byte(msg.StreamID), byte(msg.StreamID >> 8), byte(msg.StreamID >> 16), byte(msg.StreamID >> 24)})
	case chunkFmt1:
		writeUint24(buf, field)
		writeUint24(buf, uint32(len(msg.Payload)))
		buf.WriteByte(msg.TypeID)
	case chunkFmt2:
		writeUint24(buf, field)
	}

	cw.writeExtendedTimestamp(buf, format, msg, delta)
}

// writeExtendedTimestamp emits the 32-bit timestamp field when the header's
// 24-bit field saturated. Continuation and fully compressed chunks repeat it
// whenever the governing header carried one.
func (cw *ChunkWriter) writeExtendedTimestamp(buf *bytes.Buffer, format uint8, msg *Message, delta uint32) {
	stamp := msg.Timestamp
	if format != chunkFmt0 {
		stamp = delta
	}
	if stamp >= extendedTimestampThreshold {
		buf.Write([]byte{byte(stamp >> 24), byte(stamp >> 16), byte(stamp >> 8), byte(stamp)})
	}
}

func (cw *ChunkWriter) writeBasicHeader(buf *bytes.Buffer, format uint8, csid uint32) {
	switch {
	case csid >= 64+256:
		buf.WriteByte(format<<6 | 1)
		buf.WriteByte(byte(csid - 64))
		buf.WriteByte(byte((csid - 64) >> 8))
	case csid >= 64:
		buf.WriteByte(format << 6)
		buf.WriteByte(byte(csid - 64))
	default:
		buf.WriteByte(format<<6 | byte(csid))
	}
}

func writeUint24(buf *bytes.Buffer, v uint32) {
	buf.Write([]byte{byte(v >> 16), byte(v >> 8), byte(v)})
}
