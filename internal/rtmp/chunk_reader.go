package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// inChunkStream is the receive-side state of one chunk stream: the last
// message header fields (used to expand compressed headers) and the payload
// being reassembled.
type inChunkStream struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
	payload   []byte
}

// ChunkReader reassembles interleaved wire chunks back into complete
// protocol messages, keyed by chunk stream id. It is driven by a single
// goroutine; only the received-byte counter may be read concurrently.
type ChunkReader struct {
	r         io.Reader
	chunkSize uint32
	streams   map[uint32]*inChunkStream
	bytesIn   atomic.Uint64
}

// NewChunkReader returns a reader expecting the protocol default chunk size
// until the peer announces another one.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{
		r:         r,
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*inChunkStream),
	}
}

// SetChunkSize applies the peer's announced incoming chunk size.
func (cr *ChunkReader) SetChunkSize(size uint32) error {
	if size < 1 || size > MaxChunkSize {
		return fmt.Errorf("peer chunk size %d out of range", size)
	}
	cr.chunkSize = size
	return nil
}

// BytesReceived reports the total wire bytes consumed, the figure
// acknowledgement messages carry back to the peer.
func (cr *ChunkReader) BytesReceived() uint64 {
	return cr.bytesIn.Load()
}

// ReadMessage reads chunks until one message is completely reassembled and
// returns it. Chunks of other chunk streams arriving in between are folded
// into their own reassembly state.
func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (cr *ChunkReader) readChunk() (*Message, error) {
	format, csid, err := cr.readBasicHeader()
	if err != nil {
		return nil, err
	}

	st, ok := cr.streams[csid]
	if !ok {
		if format != chunkFmt0 {
			return nil, fmt.Errorf("chunk stream %d opened with compressed header format %d", csid, format)
		}
		st = &inChunkStream{}
		cr.streams[csid] = st
	}

	continuation := st.payload != nil
	if err := cr.readMessageHeader(format, st, continuation); err != nil {
		return nil, err
	}

	if st.payload == nil {
		st.payload = make([]byte, 0, st.length)
	}
	n := int(cr.chunkSize)
	if rem := int(st.length) - len(st.payload); n > rem {
		n = rem
	}
	if n > 0 {
		frag := make([]byte, n)
		if _, err := io.ReadFull(cr.r, frag); err != nil {
			return nil, fmt.Errorf("read chunk payload: %w", err)
		}
		cr.bytesIn.Add(uint64(n))
		st.payload = append(st.payload, frag...)
	}

	if len(st.payload) < int(st.length) {
		return nil, nil
	}
	msg := &Message{
		TypeID:    st.typeID,
		Timestamp: st.timestamp,
		StreamID:  st.streamID,
		Payload:   st.payload,
	}
	st.payload = nil
	return msg, nil
}

func (cr *ChunkReader) readBasicHeader() (uint8, uint32, error) {
	b, err := cr.readBytes(1)
	if err != nil {
		return 0, 0, err
	}
	format := b[0] >> 6
	csid := uint32(b[0] & 0x3F)
	switch csid {
	case 0:
		ext, err := cr.readBytes(1)
		if err != nil {
			return 0, 0, err
		}
		csid = uint32(ext[0]) + 64
	case 1:
		ext, err := cr.readBytes(2)
		if err != nil {
			return 0, 0, err
		}
		csid = uint32(ext[0]) + uint32(ext[1])<<8 + 64
	}
	return format, csid, nil
}

func (cr *ChunkReader) readMessageHeader(format uint8, st *inChunkStream, continuation bool) error {
	sizes := map[uint8]int{chunkFmt0: 11, chunkFmt1: 7, chunkFmt2: 3, chunkFmt3: 0}
	hdr, err := cr.readBytes(sizes[format])
	if err != nil {
		return fmt.Errorf("read message header: %w", err)
	}

	switch format {
	case chunkFmt0:
		st.timestamp = readUint24(hdr[0:3])
		st.delta = 0
		st.length = readUint24(hdr[3:6])
		st.typeID = hdr[6]
		st.streamID = binary.LittleEndian.Uint32(hdr[7:11])
		st.extended = st.timestamp == extendedTimestampThreshold
		if st.extended {
			ext, err := cr.readBytes(4)
			if err != nil {
				return err
			}
			st.timestamp = binary.BigEndian.Uint32(ext)
		}
	case chunkFmt1, chunkFmt2:
		st.delta = readUint24(hdr[0:3])
		if format == chunkFmt1 {
			st.length = readUint24(hdr[3:6])
			st.typeID = hdr[6]
		}
		st.extended = st.delta == extendedTimestampThreshold
		if st.extended {
			ext, err := cr.readBytes(4)
			if err != nil {
				return err
			}
			st.delta = binary.BigEndian.Uint32(ext)
		}
		st.timestamp += st.delta
	case chunkFmt3:
		// the extended timestamp is repeated on fully compressed chunks
		// whenever the governing header carried one
		if st.extended {
			if _, err := cr.readBytes(4); err != nil {
				return err
			}
		}
		if !continuation {
			st.timestamp += st.delta
		}
	}
	return nil
}

func (cr *ChunkReader) readBytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(cr.r, buf); err != nil {
		return nil, err
	}
	cr.bytesIn.Add(uint64(n))
	return buf, nil
}

func readUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
