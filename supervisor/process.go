package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/epeer1/axon-vision-ha/errors"
)

// WiringEnv is the environment variable a stage process reads its wiring from.
const WiringEnv = "VIDPIPE_WIRING"

// StageSpec describes one stage process to start.
type StageSpec struct {
	Name string
	// Wiring is handed to the process verbatim in WiringEnv.
	Wiring []byte
}

// Process is a running stage process.
type Process interface {
	Pid() int
	// Done is closed once the process has exited and been waited for.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts stage processes.
type Launcher interface {
	Launch(ctx context.Context, spec StageSpec) (Process, error)
}

// ExecLauncher starts every stage by executing Path with Args. The stage
// wiring is passed in the environment, never on the command line.
type ExecLauncher struct {
	Path string
	Args []string
	// Env is appended to the supervisor's own environment.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// NewSelfLauncher returns a launcher that re-executes the running binary.
func NewSelfLauncher(args ...string) (*ExecLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "ExecLauncher", "NewSelfLauncher", "resolve executable")
	}
	return &ExecLauncher{Path: path, Args: args, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

// Launch starts the process. The process is not bound to ctx: stages are
// stopped through the shutdown cascade, and killed only by the supervisor.
func (l *ExecLauncher) Launch(_ context.Context, spec StageSpec) (Process, error) {
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(cmd.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", WiringEnv, spec.Wiring))
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapFatal(err, "ExecLauncher", "Launch", "start "+spec.Name)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if stderrors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
