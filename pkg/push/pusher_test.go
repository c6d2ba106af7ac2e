package push

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtmppush/internal/flv"
	"rtmppush/internal/rtmp"
	"rtmppush/pkg/models"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xD9, 0x00, 0x40, 0x04}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func testVideoInfo() models.VideoInfo {
	blob := append([]byte{0, 0, 0, 1}, testSPS...)
	blob = append(append(blob, 0, 0, 0, 1), testPPS...)
	return models.VideoInfo{
		Codec:         models.VideoCodecH264,
		Width:         640,
		Height:        480,
		FPS:           30,
		CodecSpecInfo: blob,
	}
}

func testAudioInfo() models.AudioInfo {
	return models.AudioInfo{
		Codec:         models.AudioCodecAAC,
		Channels:      2,
		BitsPerSample: 16,
		SampleRate:    44100,
	}
}

// keyFrame builds an Annex-B IDR frame of exactly n bytes.
func keyFrame(n int) []byte {
	nalu := make([]byte, n-4)
	nalu[0] = 0x65
	return append([]byte{0, 0, 0, 1}, nalu...)
}

// mockServer speaks just enough server-side RTMP over an in-memory pipe to
// accept a publish session.
type mockServer struct {
	conn  net.Conn
	cmds  chan *rtmp.Command
	video chan *rtmp.Message
	audio chan *rtmp.Message
	data  chan *rtmp.Message
	done  chan struct{}
}

func startMockServer(t *testing.T, conn net.Conn) *mockServer {
	t.Helper()
	ms := &mockServer{
		conn:  conn,
		cmds:  make(chan *rtmp.Command, 64),
		video: make(chan *rtmp.Message, 64),
		audio: make(chan *rtmp.Message, 64),
		data:  make(chan *rtmp.Message, 64),
		done:  make(chan struct{}),
	}
	go ms.run(t)
	return ms
}

func (ms *mockServer) run(t *testing.T) {
	defer close(ms.done)
	if err := rtmp.ServeHandshake(ms.conn); err != nil {
		return
	}
	reader := rtmp.NewChunkReader(ms.conn)
	writer := rtmp.NewChunkWriter(ms.conn)

	reply := func(msg *rtmp.Message) {
		if err := writer.WriteMessage(rtmp.ChunkStreamCommand, msg); err != nil {
			t.Logf("mock server write: %v", err)
		}
	}

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return
		}
		switch msg.TypeID {
		case rtmp.MessageTypeSetChunkSize:
			size, err := rtmp.DecodeUint32Payload(msg)
			if err != nil {
				return
			}
			reader.SetChunkSize(size)
		case rtmp.MessageTypeCommandAMF0:
			cmd, err := rtmp.DecodeCommand(msg.Payload)
			if err != nil {
				return
			}
			ms.cmds <- cmd
			switch cmd.Name {
			case "connect":
				writer.WriteMessage(rtmp.ChunkStreamControl, rtmp.NewWindowAckSize(2500000))
				payload, _ := rtmp.EncodeCommand(&rtmp.Command{
					Name:          "_result",
					TransactionID: cmd.TransactionID,
					Args: []interface{}{
						map[string]interface{}{"fmsVer": "FMS/3,0,1,123"},
						map[string]interface{}{"code": "NetConnection.Connect.Success"},
					},
				})
				reply(&rtmp.Message{TypeID: rtmp.MessageTypeCommandAMF0, Payload: payload})
			case "createStream":
				payload, _ := rtmp.EncodeCommand(&rtmp.Command{
					Name:          "_result",
					TransactionID: cmd.TransactionID,
					Args:          []interface{}{nil, float64(1)},
				})
				reply(&rtmp.Message{TypeID: rtmp.MessageTypeCommandAMF0, Payload: payload})
			case "publish":
				payload, _ := rtmp.EncodeCommand(&rtmp.Command{
					Name:          "onStatus",
					TransactionID: 0,
					Args: []interface{}{
						nil,
						map[string]interface{}{"level": "status", "code": "NetStream.Publish.Start"},
					},
				})
				reply(&rtmp.Message{TypeID: rtmp.MessageTypeCommandAMF0, StreamID: 1, Payload: payload})
			}
		case rtmp.MessageTypeAudio:
			ms.audio <- msg
		case rtmp.MessageTypeVideo:
			ms.video <- msg
		case rtmp.MessageTypeDataAMF0:
			ms.data <- msg
		}
	}
}

func recvCmd(t *testing.T, ch chan *rtmp.Command) *rtmp.Command {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return nil
	}
}

func recvMsg(t *testing.T, ch chan *rtmp.Message) *rtmp.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func newTestSession(t *testing.T) (*Pusher, *mockServer) {
	t.Helper()
	client, server := net.Pipe()
	ms := startMockServer(t, server)
	p, err := Open(Config{
		URL:       "rtmp://127.0.0.1:1935/live/cam",
		ChunkSize: 128,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return client, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		server.Close()
	})
	return p, ms
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(Config{URL: "http://host/live/x"})
	require.ErrorIs(t, err, models.ErrInvalidArg)

	_, err = Open(Config{URL: "rtmp://host/onlyapp"})
	require.ErrorIs(t, err, models.ErrInvalidArg)

	_, err = Open(Config{URL: "rtmp://host:1935/live/x", ChunkSize: 1 << 30})
	require.ErrorIs(t, err, models.ErrInvalidArg)

	p, err := Open(Config{URL: "rtmp://host/live/nested/x"})
	require.NoError(t, err)
	assert.Equal(t, "live/nested", p.target.app)
	assert.Equal(t, "x", p.target.stream)
	assert.Equal(t, "host:1935", p.target.addr)
}

func TestStateOrdering(t *testing.T) {
	p, _ := newTestSession(t)

	// push before connect
	err := p.PushVideo(models.VideoFrame{PTS: 0, Payload: keyFrame(10)})
	require.ErrorIs(t, err, models.ErrWrongState)

	// connect without any track info
	err = p.Connect(context.Background())
	require.ErrorIs(t, err, models.ErrWrongState)

	require.NoError(t, p.SetVideoInfo(testVideoInfo()))
	require.NoError(t, p.SetAudioInfo(testAudioInfo()))
	assert.Equal(t, StateReady, p.State())

	require.NoError(t, p.Connect(context.Background()))
	assert.Equal(t, StateConnected, p.State())

	// track info is frozen once connect has started
	err = p.SetVideoInfo(testVideoInfo())
	require.ErrorIs(t, err, models.ErrWrongState)
}

func TestPublishScenario(t *testing.T) {
	p, ms := newTestSession(t)
	require.NoError(t, p.SetVideoInfo(testVideoInfo()))
	require.NoError(t, p.SetAudioInfo(testAudioInfo()))
	require.NoError(t, p.Connect(context.Background()))

	// negotiation commands carry connection-assigned transaction ids
	for i, name := range []string{"connect", "createStream", "publish"} {
		cmd := recvCmd(t, ms.cmds)
		assert.Equal(t, name, cmd.Name)
		assert.Equal(t, float64(i+1), cmd.TransactionID)
	}

	// metadata goes out before any media
	meta := recvMsg(t, ms.data)
	assert.Equal(t, uint8(rtmp.MessageTypeDataAMF0), meta.TypeID)

	require.NoError(t, p.PushVideo(models.VideoFrame{PTS: 0, KeyFrame: true, Payload: keyFrame(300)}))

	// exactly one sequence header precedes the first coded frame
	header := recvMsg(t, ms.video)
	assert.Equal(t, byte(0x17), header.Payload[0])
	assert.Equal(t, byte(0x00), header.Payload[1])
	sps, pps, err := flv.ParseDecoderConfigurationRecord(header.Payload[5:])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{testSPS}, sps)
	assert.Equal(t, [][]byte{testPPS}, pps)

	frame := recvMsg(t, ms.video)
	assert.Equal(t, byte(0x17), frame.Payload[0])
	assert.Equal(t, byte(0x01), frame.Payload[1])
	assert.Equal(t, uint32(0), frame.Timestamp)
	assert.Equal(t, uint32(1), frame.StreamID)
	// 5-byte tag header + 300 bytes of AVCC payload
	assert.Len(t, frame.Payload, 305)

	require.NoError(t, p.PushVideo(models.VideoFrame{PTS: 40, Payload: keyFrame(60)}))
	next := recvMsg(t, ms.video)
	assert.Equal(t, byte(0x27), next.Payload[0])
	assert.Equal(t, uint32(40), next.Timestamp)

	require.NoError(t, p.PushAudio(models.AudioFrame{PTS: 0, Payload: []byte{1, 2, 3}}))
	aacHeader := recvMsg(t, ms.audio)
	assert.Equal(t, byte(0x00), aacHeader.Payload[1])
	aacRaw := recvMsg(t, ms.audio)
	assert.Equal(t, []byte{0xAF, 0x01, 1, 2, 3}, aacRaw.Payload)

	require.NoError(t, p.Close())
	assert.Equal(t, StateClosed, p.State())

	err = p.PushVideo(models.VideoFrame{PTS: 80, Payload: keyFrame(10)})
	require.ErrorIs(t, err, models.ErrWrongState)

	// second close is a no-op
	require.NoError(t, p.Close())
}

func TestPushRejectsNonMonotonicTimestamp(t *testing.T) {
	p, ms := newTestSession(t)
	require.NoError(t, p.SetVideoInfo(testVideoInfo()))
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.PushVideo(models.VideoFrame{PTS: 100, KeyFrame: true, Payload: keyFrame(20)}))
	recvMsg(t, ms.video)
	recvMsg(t, ms.video)

	err := p.PushVideo(models.VideoFrame{PTS: 50, Payload: keyFrame(20)})
	require.ErrorIs(t, err, models.ErrInvalidArg)
	// an invalid frame does not poison the session
	assert.Equal(t, StateConnected, p.State())
}

func TestPushOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	startMockServer(t, server)
	p, err := Open(Config{
		URL:          "rtmp://127.0.0.1/live/cam",
		MaxFrameSize: 1024,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return client, nil
		},
	})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.SetVideoInfo(testVideoInfo()))
	require.NoError(t, p.Connect(context.Background()))

	err = p.PushVideo(models.VideoFrame{PTS: 0, KeyFrame: true, Payload: keyFrame(2048)})
	require.ErrorIs(t, err, models.ErrNoMem)
}

func TestPushAfterTransportFailure(t *testing.T) {
	p, ms := newTestSession(t)
	require.NoError(t, p.SetVideoInfo(testVideoInfo()))
	require.NoError(t, p.Connect(context.Background()))

	// kill the server side; the next push hits a dead transport
	ms.conn.Close()
	<-ms.done

	// the receive path records the failure but never drives the session
	// state; only a push observing it does
	assert.Equal(t, StateConnected, p.State())

	err := p.PushVideo(models.VideoFrame{PTS: 0, KeyFrame: true, Payload: keyFrame(50)})
	require.ErrorIs(t, err, models.ErrWriteData)
	assert.Equal(t, StateError, p.State())

	// after the failure pushes fail fast
	err = p.PushVideo(models.VideoFrame{PTS: 40, Payload: keyFrame(50)})
	require.ErrorIs(t, err, models.ErrWrongState)

	// close still releases the session
	require.NoError(t, p.Close())
	assert.Equal(t, StateClosed, p.State())
}

func TestConnectCancelledByClose(t *testing.T) {
	// a transport that never answers keeps the handshake blocked
	client, server := net.Pipe()
	defer server.Close()

	p, err := Open(Config{
		URL: "rtmp://127.0.0.1/live/cam",
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return client, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.SetVideoInfo(testVideoInfo()))

	done := make(chan error, 1)
	go func() {
		done <- p.Connect(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, models.ErrConnectFail)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not unblock after close")
	}
	assert.Equal(t, StateClosed, p.State())
}

func TestConnectTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	p, err := Open(Config{
		URL:            "rtmp://127.0.0.1/live/cam",
		ConnectTimeout: 100 * time.Millisecond,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return client, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.SetVideoInfo(testVideoInfo()))

	done := make(chan error, 1)
	go func() {
		done <- p.Connect(context.Background())
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, models.ErrConnectFail)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not time out")
	}
}

func TestConnectRejectedByServer(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		if err := rtmp.ServeHandshake(server); err != nil {
			return
		}
		reader := rtmp.NewChunkReader(server)
		writer := rtmp.NewChunkWriter(server)
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				return
			}
			if msg.TypeID != rtmp.MessageTypeCommandAMF0 {
				continue
			}
			cmd, err := rtmp.DecodeCommand(msg.Payload)
			if err != nil {
				return
			}
			payload, _ := rtmp.EncodeCommand(&rtmp.Command{
				Name:          "_error",
				TransactionID: cmd.TransactionID,
				Args: []interface{}{
					nil,
					map[string]interface{}{"code": "NetConnection.Connect.Rejected"},
				},
			})
			writer.WriteMessage(rtmp.ChunkStreamCommand, &rtmp.Message{
				TypeID: rtmp.MessageTypeCommandAMF0, Payload: payload,
			})
		}
	}()

	p, err := Open(Config{
		URL: "rtmp://127.0.0.1/live/cam",
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return client, nil
		},
	})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.SetVideoInfo(testVideoInfo()))

	err = p.Connect(context.Background())
	require.ErrorIs(t, err, models.ErrConnectFail)
	assert.Equal(t, StateError, p.State())
}

func TestStatsSnapshot(t *testing.T) {
	p, ms := newTestSession(t)
	require.NoError(t, p.SetVideoInfo(testVideoInfo()))
	require.NoError(t, p.SetAudioInfo(testAudioInfo()))

	stats := p.Stats()
	assert.Equal(t, string(StateReady), stats.State)
	assert.Equal(t, "h264", stats.VideoCodec)
	assert.Equal(t, "aac", stats.AudioCodec)

	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.PushVideo(models.VideoFrame{PTS: 0, KeyFrame: true, Payload: keyFrame(50)}))
	recvMsg(t, ms.video)
	recvMsg(t, ms.video)

	stats = p.Stats()
	assert.Equal(t, string(StateConnected), stats.State)
	assert.Equal(t, uint64(1), stats.FramesPushed)
}
