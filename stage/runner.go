package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
)

// Runner is the loop of every stage after the source. It applies one
// Processor to each envelope from its input and forwards the result.
type Runner struct {
	loop
	proc Processor

	lastSeen  int64 // highest frame id accepted from upstream
	eosTarget int64 // K of the END_OF_STREAM being drained to
}

// NewRunner creates a runner. The Input, Control and Commands ports are required.
func NewRunner(cfg Config, proc Processor, ports Ports, logger *slog.Logger, metrics *metric.Metrics) *Runner {
	return &Runner{
		loop:      newLoop(cfg, ports, logger, metrics),
		proc:      proc,
		lastSeen:  message.NoFrames,
		eosTarget: message.NoFrames,
	}
}

// Run drives the stage until it stops. A failure returns an error wrapping
// errors.ErrStageCrash, or errors.ErrTransport when the output channel gave up. Cancelling ctx
// shuts the stage down as if SHUTDOWN had been received.
func (r *Runner) Run(ctx context.Context) error {
	r.start()

	for r.state != StateStopped {
		if ctx.Err() != nil {
			r.shutdown(message.ReasonSignal)
			break
		}

		r.pollCommand(r.handleCommand)
		if r.state == StateStopped {
			break
		}
		if r.state == StateDraining && r.drained() {
			r.finishDrain()
			break
		}

		m, ok := r.ports.Input.Receive(r.cfg.PollInterval)
		if ok {
			r.handleInput(ctx, m)
		}
		r.tick(time.Now())
	}

	return r.finish()
}

func (r *Runner) handleCommand(m message.Message) {
	switch m.Kind {
	case message.KindShutdown:
		r.shutdown(m.Reason)
	case message.KindEndOfStream:
		if r.state == StateRunning {
			r.beginDrain(m.LastFrameID, "command")
		}
	default:
		r.logger.Debug("Ignoring command", "message", m.String())
	}
}

func (r *Runner) handleInput(ctx context.Context, m message.Message) {
	switch m.Kind {
	case message.KindData:
		r.handleData(ctx, m.Envelope)
	case message.KindEndOfStream:
		// FIFO: every frame upstream sent before its EOS is already handled
		if r.state == StateRunning {
			r.beginDrain(m.LastFrameID, "in-band")
		}
		r.finishDrain()
	case message.KindShutdown:
		r.shutdown(m.Reason)
	default:
		r.logger.Debug("Ignoring unexpected message", "message", m.String())
	}
}

func (r *Runner) handleData(ctx context.Context, env *message.Envelope) {
	id := int64(env.FrameID)
	switch {
	case id == r.lastSeen:
		r.discard(env.FrameID, "duplicate")
		return
	case id < r.lastSeen:
		r.discard(env.FrameID, "out_of_order")
		return
	case r.state == StateDraining && id > r.eosTarget:
		r.discard(env.FrameID, "after_eos")
		return
	}
	r.lastSeen = id

	start := time.Now()
	var out *message.Envelope
	err := safeCall(func() error {
		var err error
		out, err = r.proc.Process(ctx, env)
		return err
	})
	if err != nil {
		r.fail(message.ReasonStageCrash, err)
		return
	}
	if out == nil {
		r.discard(env.FrameID, "filtered")
		return
	}
	elapsed := time.Since(start)

	if err := out.Metadata.Set(message.ProcessingKey(r.cfg.Name), float64(elapsed)/float64(time.Millisecond)); err != nil {
		r.logger.Debug("Could not record processing time", "error", err)
	}

	msg := message.Data(out)
	if !r.forward(msg, r.handleCommand) {
		return
	}
	r.publish(msg)
	r.observe(elapsed, out)
	r.frames++
	r.lastFrameID = int64(out.FrameID)
}

func (r *Runner) beginDrain(k int64, via string) {
	r.eosTarget = k
	r.setState(StateDraining)
	r.logger.Info("End of stream, draining", "last_frame_id", k, "via", via)
}

// drained reports whether every frame up to the drain target was handled.
func (r *Runner) drained() bool {
	return r.eosTarget == message.NoFrames || r.lastSeen >= r.eosTarget
}

// finishDrain forwards END_OF_STREAM once and stops.
func (r *Runner) finishDrain() {
	if r.state == StateStopped {
		return
	}
	eos := message.EndOfStream(r.eosTarget)
	if !r.forward(eos, r.handleCommand) {
		return
	}
	r.publish(eos)
	r.stopReason = "end-of-stream"
	r.setState(StateStopped)
}
