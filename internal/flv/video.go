package flv

import (
	"fmt"

	"rtmppush/internal/rtmp"
	"rtmppush/pkg/models"
)

// FLV video codec ids
const (
	videoCodecJPEG = 1
	videoCodecAVC  = 7
)

// FLV video frame types
const (
	frameTypeKey   = 1
	frameTypeInter = 2
)

// AVC packet types
const (
	avcPacketSequenceHeader = 0
	avcPacketNALU           = 1
)

// VideoPacketizer converts raw video frames into RTMP video messages. For
// H.264 the one-time sequence header (AVCDecoderConfigurationRecord built
// from the configured SPS/PPS) is emitted before the first coded frame.
type VideoPacketizer struct {
	info       models.VideoInfo
	record     []byte
	headerSent bool
	started    bool
	lastPTS    uint32
}

// NewVideoPacketizer validates the codec configuration up front so Connect
// fails before any media flows when the SPS/PPS blob is unusable.
func NewVideoPacketizer(info models.VideoInfo) (*VideoPacketizer, error) {
	p := &VideoPacketizer{info: info}
	switch info.Codec {
	case models.VideoCodecH264:
		sps, pps, err := ExtractParameterSets(info.CodecSpecInfo)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidArg, err)
		}
		record, err := BuildDecoderConfigurationRecord(sps, pps)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidArg, err)
		}
		p.record = record
	case models.VideoCodecMJPEG:
		// no codec configuration to announce
	default:
		return nil, fmt.Errorf("%w: unsupported video codec %d", models.ErrInvalidArg, info.Codec)
	}
	return p, nil
}

// Packetize wraps one frame into protocol messages: the sequence header first
// when still pending, then the coded frame. Frames with a timestamp earlier
// than the previous one are rejected rather than reordered.
func (p *VideoPacketizer) Packetize(frame models.VideoFrame) ([]*rtmp.Message, error) {
	if len(frame.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty video payload", models.ErrInvalidArg)
	}
	if p.started && frame.PTS < p.lastPTS {
		return nil, fmt.Errorf("%w: video timestamp %d before %d", models.ErrInvalidArg, frame.PTS, p.lastPTS)
	}

	var msgs []*rtmp.Message
	if p.info.Codec == models.VideoCodecH264 && !p.headerSent {
		msgs = append(msgs, &rtmp.Message{
			TypeID:    rtmp.MessageTypeVideo,
			Timestamp: frame.PTS,
			Payload:   p.tagAVC(frameTypeKey, avcPacketSequenceHeader, p.record),
		})
		p.headerSent = true
	}

	body, err := p.frameBody(frame)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, &rtmp.Message{
		TypeID:    rtmp.MessageTypeVideo,
		Timestamp: frame.PTS,
		Payload:   body,
	})

	p.started = true
	p.lastPTS = frame.PTS
	return msgs, nil
}

func (p *VideoPacketizer) frameBody(frame models.VideoFrame) ([]byte, error) {
	frameType := byte(frameTypeInter)
	if frame.KeyFrame {
		frameType = frameTypeKey
	}
	switch p.info.Codec {
	case models.VideoCodecH264:
		avcc, err := ConvertAnnexBToAVCC(frame.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidArg, err)
		}
		return p.tagAVC(frameType, avcPacketNALU, avcc), nil
	case models.VideoCodecMJPEG:
		body := make([]byte, 0, 1+len(frame.Payload))
		body = append(body, frameType<<4|videoCodecJPEG)
		return append(body, frame.Payload...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported video codec %d", models.ErrInvalidArg, p.info.Codec)
	}
}

// tagAVC prepends the 5-byte AVC video tag header: frame type + codec id,
// AVC packet type, 24-bit composition time offset (zero, PTS equals DTS for
// the push path).
func (p *VideoPacketizer) tagAVC(frameType, packetType byte, data []byte) []byte {
	body := make([]byte, 0, 5+len(data))
	body = append(body, frameType<<4|videoCodecAVC, packetType, 0, 0, 0)
	return append(body, data...)
}
