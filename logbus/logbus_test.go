package logbus_test

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epeer1/axon-vision-ha/channel"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/logbus"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/natsclient"
	"github.com/epeer1/axon-vision-ha/pkg/retry"
	"github.com/epeer1/axon-vision-ha/transport"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message.Message
	fail error
}

func (p *fakePublisher) Publish(m message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) entries(t *testing.T) []logbus.Entry {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]logbus.Entry, 0, len(p.msgs))
	for _, m := range p.msgs {
		e, err := logbus.Decode(m)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

type fakeMirror struct {
	mu      sync.Mutex
	entries []logbus.Entry
}

func (m *fakeMirror) Mirror(e logbus.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestHandler_PublishesAndWritesBase(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{}
	mirror := &fakeMirror{}
	bus := logbus.NewBus("analyzer", "run-1", pub, mirror)
	logger := slog.New(logbus.NewHandler(slog.NewJSONHandler(&buf, nil), bus))

	logger.Info("Frame processed", "frame_id", 7, "took", 1500*time.Millisecond)
	logger.Warn("Slow frame", "error", stderrors.New("late"))

	assert.Contains(t, buf.String(), `"msg":"Frame processed"`)
	assert.Contains(t, buf.String(), `"msg":"Slow frame"`)

	entries := pub.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(0), entries[0].Seq)
	assert.Equal(t, uint64(1), entries[1].Seq)
	assert.Equal(t, "analyzer", entries[0].Stage)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "Frame processed", entries[0].Message)
	assert.EqualValues(t, 7, entries[0].Attrs["frame_id"])
	assert.Equal(t, "1.5s", entries[0].Attrs["took"])
	assert.Equal(t, "WARN", entries[1].Level)
	assert.Equal(t, "late", entries[1].Attrs["error"])

	_, err := entries[0].Time()
	assert.NoError(t, err)

	assert.Len(t, mirror.entries, 2)
	assert.Equal(t, uint64(2), bus.Published())
	assert.Zero(t, bus.Dropped())
}

func TestHandler_FlattensAttrsAndGroups(t *testing.T) {
	pub := &fakePublisher{}
	bus := logbus.NewBus("renderer", "run-2", pub, nil)
	logger := slog.New(logbus.NewHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), bus))

	logger.With("component", "blur").
		WithGroup("frame").
		Info("Rendered", "id", 3, slog.Group("box", "w", 10, "h", 20))

	entries := pub.entries(t)
	require.Len(t, entries, 1)
	attrs := entries[0].Attrs
	assert.Equal(t, "blur", attrs["component"])
	assert.EqualValues(t, 3, attrs["frame.id"])
	assert.EqualValues(t, 10, attrs["frame.box.w"])
	assert.EqualValues(t, 20, attrs["frame.box.h"])
}

func TestHandler_RespectsBaseLevel(t *testing.T) {
	pub := &fakePublisher{}
	bus := logbus.NewBus("source", "run", pub, nil)
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(logbus.NewHandler(base, bus))

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Error("shown")

	entries := pub.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0].Message)
}

func TestHandler_CountsDrops(t *testing.T) {
	pub := &fakePublisher{fail: channel.ErrSendTimeout}
	bus := logbus.NewBus("source", "run", pub, nil)
	logger := slog.New(logbus.NewHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), bus))

	logger.Info("one")
	logger.Info("two")
	assert.Equal(t, uint64(2), bus.Published())
	assert.Equal(t, uint64(2), bus.Dropped())
}

func TestHandler_NilBusPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logbus.NewHandler(slog.NewTextHandler(&buf, nil), nil))
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestEncodeDecode(t *testing.T) {
	e := logbus.Entry{
		Timestamp: "2026-01-02T03:04:05.5Z",
		Level:     "ERROR",
		Stage:     "analyzer",
		RunID:     "abc",
		Message:   "Stage crashed",
		Seq:       41,
		Attrs:     map[string]any{"frame_id": float64(9)},
	}
	m, err := logbus.Encode(e)
	require.NoError(t, err)
	assert.Equal(t, message.KindData, m.Kind)
	assert.Equal(t, uint64(41), m.Envelope.FrameID)
	assert.InDelta(t, 1767323045.5, m.Envelope.Timestamp, 1e-3)

	got, err := logbus.Decode(m)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDecode_Rejects(t *testing.T) {
	frame := message.Data(&message.Envelope{
		FrameID: 1,
		Payload: message.Payload{Shape: []uint32{1, 1}, DType: message.DTypeUint8, Data: []byte{0}},
	})
	tests := []struct {
		name string
		msg  message.Message
	}{
		{"control message", message.EndOfStream(3)},
		{"video frame", frame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := logbus.Decode(tt.msg)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidData)
		})
	}

	bad := &message.Envelope{Payload: message.Payload{Data: []byte("{not json")}}
	require.NoError(t, bad.Metadata.Set("content_type", "application/vnd.vidpipe.log+json"))
	_, err := logbus.Decode(message.Data(bad))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "vidpipe.logs.run-1.analyzer", logbus.Subject("run-1", "analyzer"))
	assert.Equal(t, "vidpipe.logs.a_b.c_d_e", logbus.Subject("a.b", "c*d>e"))
	assert.Equal(t, "vidpipe.logs._._", logbus.Subject("", ""))
}

func testEndpoint(t *testing.T, name string) transport.Endpoint {
	t.Helper()
	dir, err := os.MkdirTemp("", "vplog")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return transport.NewSelector(transport.Capabilities{UnixSockets: true}, false,
		transport.SelectorConfig{SocketDir: dir}).Resolve([]string{name}).MustEndpoint(name)
}

func testOptions() channel.Options {
	opts := channel.DefaultOptions()
	opts.Retry = retry.Config{
		MaxAttempts:  50,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   1.5,
	}
	return opts
}

func TestCollector_ReemitsStageLogs(t *testing.T) {
	name := logbus.ChannelName("analyzer")
	ep := testEndpoint(t, name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := channel.Publish(ctx, name, ep, testOptions())
	require.NoError(t, err)
	defer pub.Close()

	var out bytes.Buffer
	var outMu sync.Mutex
	collectorLog := slog.New(slog.NewJSONHandler(&lockedWriter{w: &out, mu: &outMu}, nil))

	var mu sync.Mutex
	var seen []logbus.Entry
	c := logbus.NewCollector(collectorLog, testOptions(), func(e logbus.Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	c.Watch("analyzer", ep)

	require.Eventually(t, func() bool { return pub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus := logbus.NewBus("analyzer", "run-9", pub, nil)
	stageLog := slog.New(logbus.NewHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), bus))
	stageLog.Info("Stage ready", "fps", 30)
	stageLog.Warn("Frame discarded", "frame_id", 4)
	require.NoError(t, pub.Publish(message.EndOfStream(1)))

	require.Eventually(t, func() bool { return c.Received() == 2 && c.Malformed() == 1 },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, "Stage ready", seen[0].Message)
	assert.Equal(t, "Frame discarded", seen[1].Message)
	assert.Equal(t, "run-9", seen[1].RunID)
	mu.Unlock()

	outMu.Lock()
	defer outMu.Unlock()
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	var records []map[string]any
	for _, l := range lines {
		var rec map[string]any
		require.NoError(t, sonic.Unmarshal(l, &rec))
		if rec["stage"] == "analyzer" {
			records = append(records, rec)
		}
	}
	require.Len(t, records, 2)
	assert.Equal(t, "WARN", records[1]["level"])
	assert.Equal(t, "Frame discarded", records[1]["msg"])
	assert.EqualValues(t, 4, records[1]["frame_id"])
	assert.EqualValues(t, 1, records[1]["seq"])
}

func TestCollector_CloseWithoutPublisher(t *testing.T) {
	c := logbus.NewCollector(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), testOptions(), nil)
	c.Watch("source", testEndpoint(t, logbus.ChannelName("source")))

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
	assert.Zero(t, c.Received())
}

func TestNATSMirror_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run against a NATS container")
	}
	tc := natsclient.NewTestClient(t)

	got := make(chan []byte, 4)
	require.NoError(t, tc.Client.Subscribe(logbus.SubjectPrefix+".>", func(_ string, data []byte) {
		got <- data
	}))
	require.NoError(t, tc.Client.Flush(context.Background()))

	bus := logbus.NewBus("renderer", "run-n", nil, logbus.NewNATSMirror(tc.Client))
	logger := slog.New(logbus.NewHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), bus))
	logger.Info("Mirrored", "frames", 12)
	require.NoError(t, tc.Client.Flush(context.Background()))

	select {
	case data := <-got:
		var e logbus.Entry
		require.NoError(t, sonic.Unmarshal(data, &e))
		assert.Equal(t, "Mirrored", e.Message)
		assert.Equal(t, "renderer", e.Stage)
		assert.EqualValues(t, 12, e.Attrs["frames"])
	case <-time.After(5 * time.Second):
		t.Fatal("no mirrored entry")
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
