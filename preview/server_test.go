package preview

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
)

type chanSource chan message.Message

func (c chanSource) Receive(timeout time.Duration) (message.Message, bool) {
	select {
	case m := <-c:
		return m, true
	case <-time.After(timeout):
		return message.Message{}, false
	}
}

func grayEnvelope(t *testing.T, id uint64, w, h int) *message.Envelope {
	t.Helper()
	env := &message.Envelope{
		FrameID: id,
		Flags:   message.FlagAnalyzed,
		Payload: message.Payload{
			Shape: []uint32{uint32(h), uint32(w)},
			DType: message.DTypeUint8,
			Data:  bytes.Repeat([]byte{128}, w*h),
		},
	}
	require.NoError(t, env.SetDetections([]message.Detection{
		{BBox: [4]int{1, 2, 3, 4}, Confidence: 0.5, Type: "motion", Area: 12},
	}))
	return env
}

func startServer(t *testing.T, registry *metric.MetricsRegistry) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, nil, registry)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func connect(t *testing.T, s *Server, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/preview", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return s.Clients() == want }, 5*time.Second, 10*time.Millisecond)
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var u Update
	require.NoError(t, sonic.Unmarshal(data, &u))
	return u
}

func readImage(t *testing.T, conn *websocket.Conn) image.Image {
	t.Helper()
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestServer_BroadcastsFrames(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s := startServer(t, registry)
	a := connect(t, s, 1)
	b := connect(t, s, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.clientsConnected))

	s.Broadcast(grayEnvelope(t, 7, 32, 16))

	for _, conn := range []*websocket.Conn{a, b} {
		u := readUpdate(t, conn)
		assert.Equal(t, TypeFrame, u.Type)
		assert.Equal(t, uint64(7), u.FrameID)
		assert.Equal(t, 32, u.Width)
		assert.Equal(t, 16, u.Height)
		assert.Equal(t, "jpeg", u.Format)
		assert.Equal(t, uint32(message.FlagAnalyzed), u.Flags)
		require.Len(t, u.Detections, 1)
		assert.Equal(t, [4]int{1, 2, 3, 4}, u.Detections[0].BBox)

		img := readImage(t, conn)
		assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
	}

	require.Eventually(t, func() bool {
		_, sent, _, _ := s.Stats()
		return sent == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.framesSent))
}

func TestServer_RunForwardsEndOfStream(t *testing.T) {
	s := startServer(t, nil)
	conn := connect(t, s, 1)

	src := make(chanSource, 4)
	src <- message.Data(grayEnvelope(t, 0, 8, 8))
	src <- message.Data(grayEnvelope(t, 1, 8, 8))
	src <- message.EndOfStream(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, src) }()

	for id := uint64(0); id < 2; id++ {
		u := readUpdate(t, conn)
		assert.Equal(t, id, u.FrameID)
		readImage(t, conn)
	}
	end := readUpdate(t, conn)
	assert.Equal(t, TypeEnd, end.Type)
	assert.Equal(t, uint64(1), end.FrameID)
	assert.Equal(t, "end-of-stream", end.Reason)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestServer_ColorFrame(t *testing.T) {
	s := startServer(t, nil)
	conn := connect(t, s, 1)

	env := &message.Envelope{FrameID: 3, Payload: message.Payload{
		Shape: []uint32{4, 6, 3},
		DType: message.DTypeUint8,
		Data:  bytes.Repeat([]byte{200, 10, 10}, 24),
	}}
	s.Broadcast(env)

	u := readUpdate(t, conn)
	assert.Equal(t, 6, u.Width)
	assert.Equal(t, 4, u.Height)
	assert.Equal(t, image.Rect(0, 0, 6, 4), readImage(t, conn).Bounds())
}

func TestServer_SkipsUnsupportedFrames(t *testing.T) {
	s := startServer(t, nil)
	connect(t, s, 1)

	s.Broadcast(&message.Envelope{Payload: message.Payload{
		Shape: []uint32{2, 2}, DType: message.DTypeFloat32, Data: make([]byte, 16),
	}})
	s.Broadcast(&message.Envelope{Payload: message.Payload{Data: []byte("opaque")}})

	frames, sent, _, invalid := s.Stats()
	assert.Equal(t, uint64(2), frames)
	assert.Zero(t, sent)
	assert.Equal(t, uint64(2), invalid)
}

func TestServer_ClientDisconnect(t *testing.T) {
	s := startServer(t, nil)
	conn := connect(t, s, 1)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, nil, nil)
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	err := s.Start()
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	err = s.Start()
	assert.True(t, errors.IsInvalid(err))
}

func TestServer_StopDisconnectsClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, nil, nil)
	require.NoError(t, s.Start())
	conn := connect(t, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, s.Clients())
}

func TestToImage_Rejects(t *testing.T) {
	tests := []message.Payload{
		{Shape: []uint32{2, 2, 2}, DType: message.DTypeUint8, Data: make([]byte, 8)},
		{Shape: []uint32{0, 2}, DType: message.DTypeUint8},
		{Shape: []uint32{2, 2}, DType: message.DTypeUint8, Data: make([]byte, 3)},
	}
	for _, p := range tests {
		_, err := toImage(p)
		assert.True(t, errors.IsInvalid(err), "shape %v", p.Shape)
	}
}
