// Package push implements the publisher side of RTMP: it connects to a media
// server, negotiates a publish stream and pushes encoded audio/video frames.
//
// One Pusher drives one session. SetAudioInfo/SetVideoInfo must be called
// before Connect; PushAudio/PushVideo only after Connect succeeded. Close may
// be called from any goroutine at any time, including while Connect is
// blocked on the network.
package push

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"rtmppush/internal/flv"
	"rtmppush/internal/metrics"
	"rtmppush/internal/rtmp"
	"rtmppush/pkg/models"
)

// DefaultMaxFrameSize bounds a single frame payload; larger frames are
// refused instead of buffered.
const DefaultMaxFrameSize = 4 << 20

// Config configures one push session.
type Config struct {
	// URL is the publish target, rtmp://host:port/app/stream.
	URL string

	// ChunkSize is the outgoing chunk size announced after the handshake.
	// Zero keeps the protocol default of 128.
	ChunkSize uint32

	// ConnectTimeout bounds the whole handshake and command negotiation.
	// Zero means no timeout beyond the caller's context.
	ConnectTimeout time.Duration

	// MaxFrameSize bounds a single frame payload; zero applies
	// DefaultMaxFrameSize.
	MaxFrameSize int

	// Metrics receives session counters when set.
	Metrics *metrics.Metrics

	// Dial opens the byte-stream transport. Defaults to a TCP dial; tests
	// substitute in-memory pipes.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// target is the parsed publish URL.
type target struct {
	addr   string // host:port
	app    string
	stream string
	tcURL  string
}

// Stats is a point-in-time snapshot of a session, served by the stats API.
type Stats struct {
	URL           string `json:"url"`
	State         string `json:"state"`
	AudioCodec    string `json:"audio_codec,omitempty"`
	VideoCodec    string `json:"video_codec,omitempty"`
	FramesPushed  uint64 `json:"frames_pushed"`
	BytesReceived uint64 `json:"bytes_received"`
}

// Pusher is one publish session. All methods are safe for concurrent use;
// push calls are mutually exclusive with each other and with Connect/Close.
type Pusher struct {
	cfg    Config
	target target

	mu        sync.Mutex
	state     State
	audioInfo *models.AudioInfo
	videoInfo *models.VideoInfo
	audioPk   *flv.AudioPacketizer
	videoPk   *flv.VideoPacketizer
	conn      *rtmp.Conn
	streamID  uint32
	frames    uint64
	cancel    context.CancelFunc
	recvErr   error // transport death seen by the receive path, surfaced by the next push
}

// Open validates the configuration and creates a session in the Idle state.
// No network traffic happens until Connect.
func Open(cfg Config) (*Pusher, error) {
	tgt, err := parseTarget(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidArg, err)
	}
	if cfg.ChunkSize > rtmp.MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d out of range", models.ErrInvalidArg, cfg.ChunkSize)
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if cfg.Metrics != nil {
		cfg.Metrics.SessionsOpened.Inc()
	}
	return &Pusher{cfg: cfg, target: *tgt, state: StateIdle}, nil
}

func parseTarget(rawURL string) (*target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "rtmp" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in %q", rawURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return nil, fmt.Errorf("url %q must carry /app/stream", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "1935"
	}
	addr := net.JoinHostPort(u.Hostname(), port)
	app := strings.Join(parts[:len(parts)-1], "/")
	return &target{
		addr:   addr,
		app:    app,
		stream: parts[len(parts)-1],
		tcURL:  fmt.Sprintf("rtmp://%s/%s", addr, app),
	}, nil
}

// State returns the current session state.
func (p *Pusher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the session.
func (p *Pusher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		URL:          p.cfg.URL,
		State:        string(p.state),
		FramesPushed: p.frames,
	}
	if p.audioInfo != nil {
		s.AudioCodec = p.audioInfo.Codec.String()
	}
	if p.videoInfo != nil {
		s.VideoCodec = p.videoInfo.Codec.String()
	}
	if p.conn != nil {
		s.BytesReceived = p.conn.BytesReceived()
	}
	return s
}

// SetAudioInfo stores the audio track parameters. Only permitted before
// Connect; the info is copied and immutable afterwards.
func (p *Pusher) SetAudioInfo(info models.AudioInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConfigurable(); err != nil {
		return err
	}
	if info.Codec == models.AudioCodecNone {
		return fmt.Errorf("%w: audio codec not set", models.ErrInvalidArg)
	}
	if len(info.CodecSpecInfo) > p.cfg.MaxFrameSize {
		return fmt.Errorf("%w: codec info of %d bytes", models.ErrNoMem, len(info.CodecSpecInfo))
	}
	info.CodecSpecInfo = append([]byte(nil), info.CodecSpecInfo...)
	p.audioInfo = &info
	p.state = StateReady
	return nil
}

// SetVideoInfo stores the video track parameters. Only permitted before
// Connect; the info is copied and immutable afterwards.
func (p *Pusher) SetVideoInfo(info models.VideoInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConfigurable(); err != nil {
		return err
	}
	if info.Codec == models.VideoCodecNone {
		return fmt.Errorf("%w: video codec not set", models.ErrInvalidArg)
	}
	if len(info.CodecSpecInfo) > p.cfg.MaxFrameSize {
		return fmt.Errorf("%w: codec info of %d bytes", models.ErrNoMem, len(info.CodecSpecInfo))
	}
	info.CodecSpecInfo = append([]byte(nil), info.CodecSpecInfo...)
	p.videoInfo = &info
	p.state = StateReady
	return nil
}

func (p *Pusher) checkConfigurable() error {
	switch p.state {
	case StateIdle, StateReady:
		return nil
	case StateClosed, StateClosing:
		return fmt.Errorf("%w: session closed", models.ErrInvalidArg)
	default:
		return fmt.Errorf("%w: cannot change track info in state %s", models.ErrWrongState, p.state)
	}
}

// Connect dials the server, performs the handshake and runs the
// connect/createStream/publish negotiation. Synchronous; a concurrent Close
// cancels it, in which case Connect reports ErrConnectFail wrapping
// context.Canceled.
func (p *Pusher) Connect(ctx context.Context) error {
	start := time.Now()
	err := p.connect(ctx)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordConnect(time.Since(start).Seconds(), err)
	}
	return err
}

func (p *Pusher) connect(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateReady:
	case StateClosed, StateClosing:
		p.mu.Unlock()
		return fmt.Errorf("%w: session closed", models.ErrInvalidArg)
	default:
		p.mu.Unlock()
		return fmt.Errorf("%w: connect requires track info in state %s", models.ErrWrongState, p.state)
	}

	// build packetizers now so broken codec configuration fails before any
	// traffic flows
	if p.audioInfo != nil {
		pk, err := flv.NewAudioPacketizer(*p.audioInfo)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.audioPk = pk
	}
	if p.videoInfo != nil {
		pk, err := flv.NewVideoPacketizer(*p.videoInfo)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.videoPk = pk
	}

	var connectCtx context.Context
	var connectCancel context.CancelFunc
	if p.cfg.ConnectTimeout > 0 {
		connectCtx, connectCancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	} else {
		connectCtx, connectCancel = context.WithCancel(ctx)
	}
	defer connectCancel()
	p.cancel = connectCancel
	p.state = StateConnecting
	p.mu.Unlock()

	conn, err := p.negotiate(connectCtx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateConnecting {
		// closed while negotiating
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: %v", models.ErrConnectFail, context.Canceled)
	}
	if err != nil {
		p.state = StateError
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
		log.Warnf("push: connect to %s failed: %v", p.target.addr, err)
		return fmt.Errorf("%w: %v", models.ErrConnectFail, err)
	}
	p.state = StateConnected
	// the receive path outlives the connect context; Close cancels it
	recvCtx, recvCancel := context.WithCancel(context.Background())
	p.cancel = recvCancel
	go p.receive(recvCtx, conn)
	log.Infof("push: publishing %s to %s (stream id %d)", p.target.stream, p.target.tcURL, p.streamID)
	return nil
}

// negotiate runs the connection phase: dial, handshake, chunk size
// announcement, connect, createStream, publish, metadata.
func (p *Pusher) negotiate(ctx context.Context) (*rtmp.Conn, error) {
	netConn, err := p.cfg.Dial(ctx, p.target.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.target.addr, err)
	}
	conn := rtmp.NewConn(netConn)

	// expose the transport to Close before any blocking I/O
	p.mu.Lock()
	if p.state != StateConnecting {
		p.mu.Unlock()
		conn.Close()
		return nil, context.Canceled
	}
	p.conn = conn
	p.mu.Unlock()

	// a cancelled or expired context must unblock transport I/O
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	if err := conn.Handshake(ctx); err != nil {
		return conn, fmt.Errorf("handshake: %w", err)
	}
	log.Debugf("push: handshake with %s complete (peer epoch %d)", p.target.addr, conn.Epoch().PeerStamp)
	if p.cfg.ChunkSize > 0 && p.cfg.ChunkSize != rtmp.DefaultChunkSize {
		if err := conn.SetChunkSize(p.cfg.ChunkSize); err != nil {
			return conn, fmt.Errorf("set chunk size: %w", err)
		}
	}

	reply, err := conn.Call(ctx, 0, rtmp.NewConnectCommand(p.target.app, p.target.tcURL))
	if err != nil {
		return conn, fmt.Errorf("connect command: %w", err)
	}
	if code := reply.StatusCode(); code != "" && code != "NetConnection.Connect.Success" {
		return conn, fmt.Errorf("server refused connect: %s", code)
	}

	reply, err = conn.Call(ctx, 0, rtmp.NewCreateStreamCommand())
	if err != nil {
		return conn, fmt.Errorf("createStream: %w", err)
	}
	streamID, ok := reply.ResultStreamID()
	if !ok {
		return conn, fmt.Errorf("createStream result carries no stream id")
	}

	reply, err = conn.Call(ctx, streamID, rtmp.NewPublishCommand(p.target.stream))
	if err != nil {
		return conn, fmt.Errorf("publish: %w", err)
	}
	if code := reply.StatusCode(); code != "" && code != "NetStream.Publish.Start" {
		return conn, fmt.Errorf("server refused publish: %s", code)
	}

	if err := p.sendMetadata(conn, streamID); err != nil {
		return conn, fmt.Errorf("metadata: %w", err)
	}

	p.mu.Lock()
	p.streamID = streamID
	p.mu.Unlock()
	return conn, nil
}

// sendMetadata publishes the onMetaData data message describing the
// configured tracks.
func (p *Pusher) sendMetadata(conn *rtmp.Conn, streamID uint32) error {
	meta := map[string]interface{}{}
	p.mu.Lock()
	if p.videoInfo != nil {
		meta["width"] = float64(p.videoInfo.Width)
		meta["height"] = float64(p.videoInfo.Height)
		meta["framerate"] = float64(p.videoInfo.FPS)
		meta["videocodecid"] = videoCodecID(p.videoInfo.Codec)
	}
	if p.audioInfo != nil {
		meta["audiosamplerate"] = float64(p.audioInfo.SampleRate)
		meta["audiosamplesize"] = float64(p.audioInfo.BitsPerSample)
		meta["stereo"] = p.audioInfo.Channels == 2
		meta["audiocodecid"] = audioCodecID(p.audioInfo.Codec)
	}
	p.mu.Unlock()

	payload, err := rtmp.EncodeData("@setDataFrame", "onMetaData", meta)
	if err != nil {
		return err
	}
	return conn.WriteMessage(rtmp.ChunkStreamCommand, &rtmp.Message{
		TypeID:   rtmp.MessageTypeDataAMF0,
		StreamID: streamID,
		Payload:  payload,
	})
}

func videoCodecID(c models.VideoCodec) float64 {
	if c == models.VideoCodecH264 {
		return 7
	}
	return 1
}

func audioCodecID(c models.AudioCodec) float64 {
	switch c {
	case models.AudioCodecAAC:
		return 10
	case models.AudioCodecMP3:
		return 2
	default:
		return 3
	}
}

// receive consumes server control traffic until the session ends. It touches
// only the reader-side state and counters, never the send path state; a
// transport failure is recorded for the next push to report as a write
// failure.
func (p *Pusher) receive(ctx context.Context, conn *rtmp.Conn) {
	err := conn.ReceiveLoop(ctx)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.BytesReceived.Add(float64(conn.BytesReceived()))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateConnected {
		p.recvErr = err
		log.Warnf("push: receive path ended: %v", err)
	}
}

// PushAudio sends one audio frame. Blocks for the duration of the transport
// write; on failure the session enters the Error state and further pushes
// fail fast.
func (p *Pusher) PushAudio(frame models.AudioFrame) error {
	return p.pushFrame(false, func() ([]*rtmp.Message, error) {
		if p.audioPk == nil {
			return nil, fmt.Errorf("%w: no audio track configured", models.ErrInvalidArg)
		}
		return p.audioPk.Packetize(frame)
	}, rtmp.ChunkStreamAudio, len(frame.Payload), false)
}

// PushVideo sends one video frame, preceded by the one-time sequence header
// on the first call.
func (p *Pusher) PushVideo(frame models.VideoFrame) error {
	return p.pushFrame(true, func() ([]*rtmp.Message, error) {
		if p.videoPk == nil {
			return nil, fmt.Errorf("%w: no video track configured", models.ErrInvalidArg)
		}
		return p.videoPk.Packetize(frame)
	}, rtmp.ChunkStreamVideo, len(frame.Payload), frame.KeyFrame)
}

func (p *Pusher) pushFrame(isVideo bool, packetize func() ([]*rtmp.Message, error), csid uint32, size int, keyFrame bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateConnected {
		p.recordPushError(isVideo, "wrong_state")
		return fmt.Errorf("%w: push in state %s", models.ErrWrongState, p.state)
	}
	if p.recvErr != nil {
		p.state = StateError
		p.recordPushError(isVideo, "write")
		return fmt.Errorf("%w: %v", models.ErrWriteData, p.recvErr)
	}
	if size > p.cfg.MaxFrameSize {
		p.recordPushError(isVideo, "frame_too_large")
		return fmt.Errorf("%w: frame of %d bytes exceeds limit %d", models.ErrNoMem, size, p.cfg.MaxFrameSize)
	}

	msgs, err := packetize()
	if err != nil {
		p.recordPushError(isVideo, "invalid_frame")
		return err
	}
	for _, msg := range msgs {
		msg.StreamID = p.streamID
		if err := p.conn.WriteMessage(csid, msg); err != nil {
			p.state = StateError
			p.recordPushError(isVideo, "write")
			return fmt.Errorf("%w: %v", models.ErrWriteData, err)
		}
	}
	p.frames++
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordFrame(isVideo, size, keyFrame)
	}
	return nil
}

func (p *Pusher) recordPushError(isVideo bool, reason string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordPushError(isVideo, reason)
	}
}

// Close releases the session. Valid in any state, idempotent, and cancels a
// Connect blocked on the network.
func (p *Pusher) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosing
	cancel := p.cancel
	conn := p.conn
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	p.mu.Lock()
	p.state = StateClosed
	p.conn = nil
	p.mu.Unlock()
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SessionsClosed.Inc()
	}
	log.Infof("push: session for %s closed", p.cfg.URL)
	return nil
}
