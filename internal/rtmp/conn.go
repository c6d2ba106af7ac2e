package rtmp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Conn drives one RTMP connection on top of an abstract byte-stream
// transport: handshake, command round-trips and the chunked message layers.
// All writes funnel through a single mutex so a message's chunks are never
// interleaved with another writer's.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *ChunkReader

	writeMu sync.Mutex
	writer  *ChunkWriter

	epoch      *Epoch
	txn        float64
	windowSize atomic.Uint32
	lastAcked  atomic.Uint64
	closed     atomic.Bool
}

// NewConn wraps an open transport. The handshake must complete before any
// message is written.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: NewChunkReader(rwc),
		writer: NewChunkWriter(rwc),
	}
}

// Handshake runs the client greeting exchange and records the epoch.
func (c *Conn) Handshake(ctx context.Context) error {
	epoch, err := Handshake(ctx, c.rwc)
	if err != nil {
		return err
	}
	c.epoch = epoch
	return nil
}

// Epoch returns the time-zero reference established by the handshake, nil
// before the handshake completed.
func (c *Conn) Epoch() *Epoch {
	return c.epoch
}

// SetChunkSize announces and applies the outgoing chunk size.
func (c *Conn) SetChunkSize(size uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.SetChunkSize(size)
}

// WriteMessage writes one complete protocol message on the given chunk
// stream.
func (c *Conn) WriteMessage(csid uint32, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteMessage(csid, msg)
}

// nextTransaction returns the next command transaction id. Transaction 1 is
// reserved for connect by convention.
func (c *Conn) nextTransaction() float64 {
	c.txn++
	return c.txn
}

// Call assigns the command the connection's next transaction id, sends it and
// waits for the matching reply, handling any protocol control traffic that
// arrives in between. The context is checked between messages; a concurrent
// Close unblocks the pending read.
func (c *Conn) Call(ctx context.Context, streamID uint32, cmd *Command) (*Command, error) {
	cmd.TransactionID = c.nextTransaction()
	payload, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	msg := &Message{TypeID: MessageTypeCommandAMF0, StreamID: streamID, Payload: payload}
	if err := c.WriteMessage(ChunkStreamCommand, msg); err != nil {
		return nil, err
	}
	return c.awaitReply(ctx, cmd.TransactionID)
}

func (c *Conn) awaitReply(ctx context.Context, txn float64) (*Command, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := c.reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read reply: %w", err)
		}
		if in.TypeID != MessageTypeCommandAMF0 {
			if err := c.handleControl(in); err != nil {
				return nil, err
			}
			continue
		}
		reply, err := DecodeCommand(in.Payload)
		if err != nil {
			return nil, fmt.Errorf("malformed reply: %w", err)
		}
		switch reply.Name {
		case "_result", "_error":
			if reply.TransactionID != txn {
				log.Debugf("rtmp: ignoring %s for transaction %v", reply.Name, reply.TransactionID)
				continue
			}
			if reply.Name == "_error" {
				return reply, fmt.Errorf("server rejected command: %s", reply.StatusCode())
			}
			return reply, nil
		case "onStatus":
			return reply, nil
		default:
			// onBWDone and friends; not part of the negotiation
			log.Debugf("rtmp: ignoring command %q", reply.Name)
		}
	}
}

// handleControl applies a server-initiated protocol control message. Only
// reader-side state and counters are touched, never the send-side chunk
// state.
func (c *Conn) handleControl(msg *Message) error {
	switch msg.TypeID {
	case MessageTypeSetChunkSize:
		size, err := DecodeUint32Payload(msg)
		if err != nil {
			return err
		}
		return c.reader.SetChunkSize(size)
	case MessageTypeWindowAckSize:
		size, err := DecodeUint32Payload(msg)
		if err != nil {
			return err
		}
		c.windowSize.Store(size)
	case MessageTypeSetPeerBandwidth:
		// acknowledge by echoing our window size, per the FMLE convention
		if size := c.windowSize.Load(); size > 0 {
			return c.WriteMessage(ChunkStreamControl, NewWindowAckSize(size))
		}
	case MessageTypeUserControl:
		event, arg, err := DecodeUserControl(msg)
		if err != nil {
			return err
		}
		if event == UserControlPingRequest {
			return c.WriteMessage(ChunkStreamControl, NewUserControl(UserControlPingResponse, arg))
		}
	case MessageTypeAck:
		// peer acknowledging our bytes; bookkeeping only
	}
	return nil
}

// ReceiveLoop consumes server traffic after the negotiation: control
// messages, acknowledgements and pings. It sends an Acknowledgement whenever
// the received byte count crosses the announced window. Returns when the
// transport fails or the context is cancelled.
func (c *Conn) ReceiveLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := c.reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.TypeID == MessageTypeCommandAMF0 {
			// late onStatus traffic; nothing to do for a publisher
			continue
		}
		if err := c.handleControl(msg); err != nil {
			return err
		}
		c.maybeAck()
	}
}

func (c *Conn) maybeAck() {
	window := uint64(c.windowSize.Load())
	if window == 0 {
		return
	}
	received := c.reader.BytesReceived()
	if received-c.lastAcked.Load() >= window {
		c.lastAcked.Store(received)
		if err := c.WriteMessage(ChunkStreamControl, NewAck(uint32(received))); err != nil {
			log.Debugf("rtmp: ack write failed: %v", err)
		}
	}
}

// BytesReceived reports the wire bytes consumed from the peer.
func (c *Conn) BytesReceived() uint64 {
	return c.reader.BytesReceived()
}

// Close tears down the transport. Safe to call concurrently with pending
// reads and writes, which it unblocks; repeated calls are no-ops.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.rwc.Close()
}
