package models

// VideoCodec identifies the video codec carried by a session
type VideoCodec int

const (
	VideoCodecNone VideoCodec = iota
	VideoCodecH264
	VideoCodecMJPEG
)

// AudioCodec identifies the audio codec carried by a session
type AudioCodec int

const (
	AudioCodecNone AudioCodec = iota
	AudioCodecAAC
	AudioCodecMP3
	AudioCodecPCM
)

// String returns the codec name used in logs and metadata
func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "h264"
	case VideoCodecMJPEG:
		return "mjpeg"
	default:
		return "none"
	}
}

// String returns the codec name used in logs and metadata
func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "aac"
	case AudioCodecMP3:
		return "mp3"
	case AudioCodecPCM:
		return "pcm"
	default:
		return "none"
	}
}

// AudioInfo describes the audio track of a session. It must be set before
// Connect and is immutable afterwards.
type AudioInfo struct {
	Codec         AudioCodec // Audio codec type
	Channels      int        // Channel count (1 or 2)
	BitsPerSample int        // Sample width in bits (8 or 16)
	SampleRate    int        // Sample rate in Hz
	CodecSpecInfo []byte     // Codec configuration blob (AudioSpecificConfig for AAC)
}

// VideoInfo describes the video track of a session. It must be set before
// Connect and is immutable afterwards.
type VideoInfo struct {
	Codec         VideoCodec // Video codec type
	Width         int        // Frame width in pixels
	Height        int        // Frame height in pixels
	FPS           int        // Frames per second
	CodecSpecInfo []byte     // Codec configuration blob (Annex-B SPS/PPS for H.264)
}

// AudioFrame is one encoded audio frame handed to PushAudio. The payload is
// consumed synchronously and not retained after the call returns.
type AudioFrame struct {
	PTS     uint32 // Presentation timestamp in milliseconds
	Payload []byte // Raw encoded audio data
}

// VideoFrame is one encoded video frame handed to PushVideo. The payload is
// consumed synchronously and not retained after the call returns.
type VideoFrame struct {
	PTS      uint32 // Presentation timestamp in milliseconds
	KeyFrame bool   // True for IDR/intra frames
	Payload  []byte // Raw encoded video data (Annex-B NAL units for H.264)
}
