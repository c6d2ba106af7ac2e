package rtmp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Epoch is the shared time-zero reference established by the handshake. All
// message timestamps on the connection are measured against it.
type Epoch struct {
	Local     time.Time // local wall clock when the handshake completed
	PeerStamp uint32    // peer's epoch timestamp from S1
}

// Handshake performs the client side of the RTMP handshake: send C0+C1, read
// S0+S1, send C2 (echo of S1), read S2 and verify it echoes C1's random
// payload. The context is checked between each fixed exchange so a concurrent
// close (which also tears down the transport) interrupts at a known point.
func Handshake(ctx context.Context, conn io.ReadWriter) (*Epoch, error) {
	c1 := make([]byte, HandshakePacketSize)
	binary.BigEndian.PutUint32(c1[0:4], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint32(c1[4:8], 0)
	if _, err := rand.Read(c1[8:]); err != nil {
		return nil, fmt.Errorf("handshake random: %w", err)
	}

	// C0 + C1
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := conn.Write(append([]byte{Version}, c1...)); err != nil {
		return nil, fmt.Errorf("write C0C1: %w", err)
	}

	// S0 + S1
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s0s1 := make([]byte, 1+HandshakePacketSize)
	if _, err := io.ReadFull(conn, s0s1); err != nil {
		return nil, fmt.Errorf("read S0S1: %w", err)
	}
	if s0s1[0] != Version {
		return nil, fmt.Errorf("unsupported RTMP version %d", s0s1[0])
	}
	s1 := s0s1[1:]

	// C2: echo of S1 with our read time in the second field
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c2 := make([]byte, HandshakePacketSize)
	copy(c2, s1)
	binary.BigEndian.PutUint32(c2[4:8], uint32(time.Now().Unix()))
	if _, err := conn.Write(c2); err != nil {
		return nil, fmt.Errorf("write C2: %w", err)
	}

	// S2 must echo C1's random payload
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s2 := make([]byte, HandshakePacketSize)
	if _, err := io.ReadFull(conn, s2); err != nil {
		return nil, fmt.Errorf("read S2: %w", err)
	}
	if !bytes.Equal(s2[8:], c1[8:]) {
		return nil, fmt.Errorf("S2 does not echo C1 random payload")
	}

	return &Epoch{
		Local:     time.Now(),
		PeerStamp: binary.BigEndian.Uint32(s1[0:4]),
	}, nil
}

// ServeHandshake performs the server side of the handshake. It exists for the
// in-process test peer: read C0+C1, send S0+S1+S2 (S2 echoes C1), read C2.
func ServeHandshake(conn io.ReadWriter) error {
	c0c1 := make([]byte, 1+HandshakePacketSize)
	if _, err := io.ReadFull(conn, c0c1); err != nil {
		return fmt.Errorf("read C0C1: %w", err)
	}
	if c0c1[0] != Version {
		return fmt.Errorf("unsupported RTMP version %d", c0c1[0])
	}

	s1 := make([]byte, HandshakePacketSize)
	binary.BigEndian.PutUint32(s1[0:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(s1[8:]); err != nil {
		return err
	}
	if _, err := conn.Write(append([]byte{Version}, s1...)); err != nil {
		return fmt.Errorf("write S0S1: %w", err)
	}

	c2 := make([]byte, HandshakePacketSize)
	if _, err := io.ReadFull(conn, c2); err != nil {
		return fmt.Errorf("read C2: %w", err)
	}

	s2 := make([]byte, HandshakePacketSize)
	copy(s2, c0c1[1:])
	if _, err := conn.Write(s2); err != nil {
		return fmt.Errorf("write S2: %w", err)
	}
	return nil
}
