package supervisor_test

import (
	"context"
	stderrors "errors"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epeer1/axon-vision-ha/channel"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/health"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/pkg/retry"
	"github.com/epeer1/axon-vision-ha/supervisor"
	"github.com/epeer1/axon-vision-ha/transport"
)

// script is what a fake stage process does once its channels are up.
type script func(ctx context.Context, name string, ctl *channel.Sender, cmd *channel.Receiver)

func source(last int64) script {
	return func(ctx context.Context, name string, ctl *channel.Sender, _ *channel.Receiver) {
		_ = ctl.Send(ctx, message.Ready(name))
		_ = ctl.Send(ctx, message.EndOfStream(last))
		_ = ctl.Send(ctx, message.Ack(name, "STOPPED", uint64(last+1), last))
	}
}

func follower(ctx context.Context, name string, ctl *channel.Sender, cmd *channel.Receiver) {
	_ = ctl.Send(ctx, message.Ready(name))
	for ctx.Err() == nil {
		m, ok := cmd.Receive(20 * time.Millisecond)
		if !ok {
			continue
		}
		if m.Kind == message.KindEndOfStream || m.Kind == message.KindShutdown {
			_ = ctl.Send(ctx, message.Ack(name, "STOPPED", 0, m.LastFrameID))
			return
		}
	}
}

func hang(ctx context.Context, name string, ctl *channel.Sender, _ *channel.Receiver) {
	_ = ctl.Send(ctx, message.Ready(name))
	<-ctx.Done()
}

func crash(ctx context.Context, name string, ctl *channel.Sender, _ *channel.Receiver) {
	_ = ctl.Send(ctx, message.Ready(name))
	time.Sleep(100 * time.Millisecond)
}

type fakeProcess struct {
	pid  int
	done chan struct{}
	kill chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = stderrors.New("signal: killed")
		p.mu.Unlock()
		close(p.kill)
	})
	return nil
}

// fakeLauncher runs every stage as a goroutine speaking the real control
// and command channel protocol.
type fakeLauncher struct {
	t         *testing.T
	endpoints transport.Table
	scripts   map[string]script
	fail      map[string]bool

	mu     sync.Mutex
	procs  []*fakeProcess
	nextID int
}

func (l *fakeLauncher) Launch(_ context.Context, spec supervisor.StageSpec) (supervisor.Process, error) {
	if l.fail[spec.Name] {
		return nil, stderrors.New("exec format error")
	}

	l.mu.Lock()
	l.nextID++
	p := &fakeProcess{pid: 1000 + l.nextID, done: make(chan struct{}), kill: make(chan struct{})}
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	opts := testOptions()
	go func() {
		defer close(p.done)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-p.kill:
				cancel()
			case <-ctx.Done():
			}
		}()

		cmd, err := channel.Listen(ctx, supervisor.CommandName(spec.Name), l.endpoints.MustEndpoint(supervisor.CommandName(spec.Name)), opts)
		if err != nil {
			l.t.Errorf("listen %s: %v", spec.Name, err)
			return
		}
		defer cmd.Close()
		ctl, err := channel.Dial(ctx, supervisor.ControlName(spec.Name), l.endpoints.MustEndpoint(supervisor.ControlName(spec.Name)), opts)
		if err != nil {
			l.t.Errorf("dial %s: %v", spec.Name, err)
			return
		}
		defer ctl.Close()

		l.scripts[spec.Name](ctx, spec.Name, ctl, cmd)
	}()
	return p, nil
}

func testOptions() channel.Options {
	opts := channel.DefaultOptions()
	opts.Retry = retry.Config{MaxAttempts: 20, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2}
	return opts
}

var names = []string{"source", "analyzer", "renderer"}

func newSupervisor(t *testing.T, scripts map[string]script, mutate func(*supervisor.Config)) (*supervisor.Supervisor, *fakeLauncher, *health.Monitor) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	dir, err := os.MkdirTemp("", "vp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	var channels []string
	specs := make([]supervisor.StageSpec, len(names))
	for i, n := range names {
		channels = append(channels, supervisor.ControlName(n), supervisor.CommandName(n))
		specs[i] = supervisor.StageSpec{Name: n}
	}
	sel := transport.NewSelector(transport.Capabilities{UnixSockets: true}, false, transport.SelectorConfig{SocketDir: dir})
	table := sel.Resolve(channels)

	cfg := supervisor.Config{
		Stages:           specs,
		Endpoints:        table,
		Channel:          testOptions(),
		GracePeriod:      2 * time.Second,
		HeartbeatTimeout: -1,
		PollInterval:     10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	l := &fakeLauncher{t: t, endpoints: table, scripts: scripts, fail: map[string]bool{}}
	monitor := health.NewMonitor()
	s, err := supervisor.New(cfg, l, nil, metric.NewMetrics(), monitor)
	require.NoError(t, err)
	return s, l, monitor
}

func run(t *testing.T, s *supervisor.Supervisor, ctx context.Context) (supervisor.Report, error) {
	t.Helper()
	type result struct {
		report supervisor.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.Run(ctx)
		done <- result{r, err}
	}()
	select {
	case r := <-done:
		return r.report, r.err
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not return")
		return supervisor.Report{}, nil
	}
}

func assertAllExited(t *testing.T, l *fakeLauncher) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.procs {
		select {
		case <-p.Done():
		default:
			t.Errorf("process %d still running", p.pid)
		}
	}
}

func TestSupervisor_GracefulEnd(t *testing.T) {
	s, l, monitor := newSupervisor(t, map[string]script{
		"source":   source(4),
		"analyzer": follower,
		"renderer": follower,
	}, nil)

	report, err := run(t, s, context.Background())
	require.NoError(t, err)

	assert.Equal(t, "TERMINATED", report.State)
	assert.Equal(t, "end-of-stream", report.Reason)
	assert.True(t, report.Graceful())
	assert.Equal(t, int64(4), report.LastFrameID)
	assert.Zero(t, report.LiveProcesses)
	assert.Empty(t, report.Forced)
	require.Len(t, report.Stages, 3)
	for _, st := range report.Stages {
		assert.True(t, st.Acked, st.Name)
		assert.Equal(t, "STOPPED", st.State)
	}
	assertAllExited(t, l)

	status, ok := monitor.Get("analyzer")
	require.True(t, ok)
	assert.True(t, status.Healthy())
}

func TestSupervisor_StageExitCascades(t *testing.T) {
	s, l, monitor := newSupervisor(t, map[string]script{
		"source":   follower,
		"analyzer": crash,
		"renderer": follower,
	}, nil)

	report, err := run(t, s, context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStageCrash)

	assert.Equal(t, message.ReasonStageExited, report.Reason)
	assert.Zero(t, report.LiveProcesses)
	assert.Empty(t, report.Forced)
	assertAllExited(t, l)

	byName := map[string]bool{}
	for _, st := range report.Stages {
		byName[st.Name] = st.Acked
	}
	assert.True(t, byName["source"])
	assert.False(t, byName["analyzer"])
	assert.True(t, byName["renderer"])

	status, _ := monitor.Get("analyzer")
	assert.True(t, status.Unhealthy())
}

func TestSupervisor_GracePeriodKill(t *testing.T) {
	s, l, _ := newSupervisor(t, map[string]script{
		"source":   source(2),
		"analyzer": hang,
		"renderer": follower,
	}, func(c *supervisor.Config) { c.GracePeriod = 300 * time.Millisecond })

	report, err := run(t, s, context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShutdownTimeout)
	assert.True(t, errors.IsFatal(err))

	assert.Equal(t, []string{"analyzer"}, report.Forced)
	assert.False(t, report.Graceful())
	assert.Zero(t, report.LiveProcesses)
	assertAllExited(t, l)
}

func TestSupervisor_Signal(t *testing.T) {
	s, l, _ := newSupervisor(t, map[string]script{
		"source":   follower,
		"analyzer": follower,
		"renderer": follower,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	report, err := run(t, s, ctx)
	require.NoError(t, err)
	assert.Equal(t, message.ReasonSignal, report.Reason)
	assert.Zero(t, report.LiveProcesses)
	assertAllExited(t, l)
}

func TestSupervisor_UnresponsiveStage(t *testing.T) {
	s, _, _ := newSupervisor(t, map[string]script{
		"source":   follower,
		"analyzer": follower,
		"renderer": follower,
	}, func(c *supervisor.Config) { c.HeartbeatTimeout = 300 * time.Millisecond })

	report, err := run(t, s, context.Background())
	require.Error(t, err)
	assert.Equal(t, message.ReasonUnresponsive, report.Reason)
	assert.Zero(t, report.LiveProcesses)
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	s, l, _ := newSupervisor(t, map[string]script{
		"source":   follower,
		"analyzer": follower,
		"renderer": follower,
	}, nil)
	l.fail["renderer"] = true

	report, err := run(t, s, context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStageCrash)
	assert.Equal(t, message.ReasonStartupFailed, report.Reason)
	assert.Zero(t, report.LiveProcesses)
	assertAllExited(t, l)

	l.mu.Lock()
	assert.Len(t, l.procs, 2)
	l.mu.Unlock()
}

func TestConfig_Validate(t *testing.T) {
	sel := transport.NewSelector(transport.Capabilities{}, true, transport.SelectorConfig{})

	tests := []struct {
		name string
		cfg  supervisor.Config
	}{
		{name: "no stages", cfg: supervisor.Config{}},
		{
			name: "missing command endpoint",
			cfg: supervisor.Config{
				Stages:    []supervisor.StageSpec{{Name: "source"}},
				Endpoints: sel.Resolve([]string{"ctl.source"}),
			},
		},
		{
			name: "duplicate stage",
			cfg: supervisor.Config{
				Stages:    []supervisor.StageSpec{{Name: "a"}, {Name: "a"}},
				Endpoints: sel.Resolve([]string{"ctl.a", "cmd.a"}),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestExecLauncher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}

	l := &supervisor.ExecLauncher{
		Path: "/bin/sh",
		Args: []string{"-c", `test "$` + supervisor.WiringEnv + `" = '{"stage":"x"}'`},
	}
	p, err := l.Launch(context.Background(), supervisor.StageSpec{Name: "x", Wiring: []byte(`{"stage":"x"}`)})
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, p.Err())
}

func TestExecLauncher_Kill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}

	l := &supervisor.ExecLauncher{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}
	p, err := l.Launch(context.Background(), supervisor.StageSpec{Name: "sleeper"})
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
	assert.Error(t, p.Err())
	assert.NoError(t, p.Kill(), "killing an exited process is not an error")
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	l := &supervisor.ExecLauncher{Path: "/nonexistent/vidpipe"}
	_, err := l.Launch(context.Background(), supervisor.StageSpec{Name: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
