package rtmp

// Protocol version carried in C0/S0
const Version = 3

// Handshake sizes
const (
	handshakeRandomSize = 1528                    // random payload after time+zero fields
	HandshakePacketSize = 8 + handshakeRandomSize // C1/C2/S1/S2
)

// Chunk sizes
const (
	DefaultChunkSize = 128      // protocol default until Set Chunk Size is sent
	MaxChunkSize     = 0xFFFFFF // largest size Set Chunk Size can carry
)

// Message type ids
const (
	MessageTypeSetChunkSize     = 1
	MessageTypeAbort            = 2
	MessageTypeAck              = 3
	MessageTypeUserControl      = 4
	MessageTypeWindowAckSize    = 5
	MessageTypeSetPeerBandwidth = 6
	MessageTypeAudio            = 8
	MessageTypeVideo            = 9
	MessageTypeDataAMF0         = 18
	MessageTypeCommandAMF0      = 20
)

// Chunk stream ids. Command, audio and video travel on distinct chunk streams
// so fragments of one never interleave ambiguously with another's.
const (
	ChunkStreamControl = 2
	ChunkStreamCommand = 3
	ChunkStreamAudio   = 4
	ChunkStreamVideo   = 6
)

// Chunk basic header formats
const (
	chunkFmt0 = 0 // full message header (11 bytes)
	chunkFmt1 = 1 // no stream id (7 bytes)
	chunkFmt2 = 2 // timestamp delta only (3 bytes)
	chunkFmt3 = 3 // no message header
)

// User control event types
const (
	UserControlStreamBegin  = 0
	UserControlStreamEOF    = 1
	UserControlPingRequest  = 6
	UserControlPingResponse = 7
)

// Timestamps at or above this value go to the extended timestamp field
const extendedTimestampThreshold = 0xFFFFFF
