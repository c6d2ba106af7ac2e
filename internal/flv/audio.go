package flv

import (
	"fmt"

	"rtmppush/internal/rtmp"
	"rtmppush/pkg/models"
)

// FLV sound formats
const (
	soundFormatPCMLE = 3 // linear PCM, little endian
	soundFormatMP3   = 2
	soundFormatAAC   = 10
)

// AAC packet types
const (
	aacPacketSequenceHeader = 0
	aacPacketRaw            = 1
)

// aacSamplingFrequencies is the AudioSpecificConfig sampling frequency index
// table from ISO 14496-3.
var aacSamplingFrequencies = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// AudioPacketizer converts raw audio frames into RTMP audio messages. For AAC
// the one-time AudioSpecificConfig sequence header is emitted before the
// first coded frame.
type AudioPacketizer struct {
	info       models.AudioInfo
	flags      byte
	config     []byte
	headerSent bool
	started    bool
	lastPTS    uint32
}

// NewAudioPacketizer derives the FLV sound flags from the audio info and, for
// AAC, resolves the configuration blob (caller-provided, or synthesized from
// the sample rate and channel count when absent).
func NewAudioPacketizer(info models.AudioInfo) (*AudioPacketizer, error) {
	p := &AudioPacketizer{info: info}
	switch info.Codec {
	case models.AudioCodecAAC:
		// AAC tags always carry the 44kHz/16-bit/stereo flag pattern; the
		// real parameters live in the AudioSpecificConfig
		p.flags = soundFormatAAC<<4 | 3<<2 | 1<<1 | 1
		config := info.CodecSpecInfo
		if len(config) == 0 {
			var err error
			config, err = buildAudioSpecificConfig(info.SampleRate, info.Channels)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrInvalidArg, err)
			}
		}
		p.config = config
	case models.AudioCodecMP3:
		p.flags = soundFormatMP3<<4 | soundFlags(info)
	case models.AudioCodecPCM:
		p.flags = soundFormatPCMLE<<4 | soundFlags(info)
	default:
		return nil, fmt.Errorf("%w: unsupported audio codec %d", models.ErrInvalidArg, info.Codec)
	}
	return p, nil
}

// Packetize wraps one frame into protocol messages, emitting the pending
// sequence header first for AAC. Timestamps must be non-decreasing.
func (p *AudioPacketizer) Packetize(frame models.AudioFrame) ([]*rtmp.Message, error) {
	if len(frame.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty audio payload", models.ErrInvalidArg)
	}
	if p.started && frame.PTS < p.lastPTS {
		return nil, fmt.Errorf("%w: audio timestamp %d before %d", models.ErrInvalidArg, frame.PTS, p.lastPTS)
	}

	var msgs []*rtmp.Message
	if p.info.Codec == models.AudioCodecAAC && !p.headerSent {
		msgs = append(msgs, &rtmp.Message{
			TypeID:    rtmp.MessageTypeAudio,
			Timestamp: frame.PTS,
			Payload:   append([]byte{p.flags, aacPacketSequenceHeader}, p.config...),
		})
		p.headerSent = true
	}

	var body []byte
	if p.info.Codec == models.AudioCodecAAC {
		body = append([]byte{p.flags, aacPacketRaw}, frame.Payload...)
	} else {
		body = append([]byte{p.flags}, frame.Payload...)
	}
	msgs = append(msgs, &rtmp.Message{
		TypeID:    rtmp.MessageTypeAudio,
		Timestamp: frame.PTS,
		Payload:   body,
	})

	p.started = true
	p.lastPTS = frame.PTS
	return msgs, nil
}

// soundFlags packs the FLV rate/size/channel bits for non-AAC formats.
func soundFlags(info models.AudioInfo) byte {
	var rate byte
	switch {
	case info.SampleRate >= 44100:
		rate = 3
	case info.SampleRate >= 22050:
		rate = 2
	case info.SampleRate >= 11025:
		rate = 1
	}
	var size byte
	if info.BitsPerSample == 16 {
		size = 1
	}
	var stereo byte
	if info.Channels == 2 {
		stereo = 1
	}
	return rate<<2 | size<<1 | stereo
}

// buildAudioSpecificConfig synthesizes a two-byte AAC-LC AudioSpecificConfig.
func buildAudioSpecificConfig(sampleRate, channels int) ([]byte, error) {
	freqIndex := -1
	for i, f := range aacSamplingFrequencies {
		if f == sampleRate {
			freqIndex = i
			break
		}
	}
	if freqIndex < 0 {
		return nil, fmt.Errorf("unsupported AAC sample rate %d", sampleRate)
	}
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported AAC channel count %d", channels)
	}
	const objectTypeAACLC = 2
	v := uint16(objectTypeAACLC)<<11 | uint16(freqIndex)<<7 | uint16(channels)<<3
	return []byte{byte(v >> 8), byte(v)}, nil
}
