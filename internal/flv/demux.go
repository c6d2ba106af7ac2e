package flv

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Tag types in an FLV file
const (
	TagTypeAudio  = 8
	TagTypeVideo  = 9
	TagTypeScript = 18
)

// Tag is one FLV file tag.
type Tag struct {
	Type      uint8
	Timestamp uint32
	Data      []byte
}

// Demuxer reads tags from an FLV file, the input format of the push CLI.
type Demuxer struct {
	r *bufio.Reader
}

// NewDemuxer validates the FLV file header and positions the reader on the
// first tag.
func NewDemuxer(r io.Reader) (*Demuxer, error) {
	br := bufio.NewReader(r)
	header := make([]byte, 9)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("read FLV header: %w", err)
	}
	if !bytes.Equal(header[0:3], []byte("FLV")) {
		return nil, fmt.Errorf("not an FLV file")
	}
	offset := uint32(header[5])<<24 | uint32(header[6])<<16 | uint32(header[7])<<8 | uint32(header[8])
	if offset > 9 {
		if _, err := br.Discard(int(offset) - 9); err != nil {
			return nil, fmt.Errorf("skip FLV header extension: %w", err)
		}
	}
	// previous tag size 0
	if _, err := br.Discard(4); err != nil {
		return nil, fmt.Errorf("skip first tag size: %w", err)
	}
	return &Demuxer{r: br}, nil
}

// ReadTag returns the next tag, io.EOF at end of file.
func (d *Demuxer) ReadTag() (*Tag, error) {
	header := make([]byte, 11)
	if _, err := io.ReadFull(d.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	size := uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	// 24-bit timestamp with the extension byte as bits 24-31
	timestamp := uint32(header[4])<<16 | uint32(header[5])<<8 | uint32(header[6]) | uint32(header[7])<<24

	data := make([]byte, size)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, fmt.Errorf("read tag data: %w", err)
	}
	if _, err := d.r.Discard(4); err != nil {
		return nil, fmt.Errorf("skip tag size: %w", err)
	}
	return &Tag{Type: header[0], Timestamp: timestamp, Data: data}, nil
}
