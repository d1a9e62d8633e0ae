package stage

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/metric"
)

// Source is the loop of the first stage. It pulls frames from a Decoder,
// numbers and timestamps them, and owns stream-end detection.
type Source struct {
	loop
	decoder Decoder

	limiter     *rate.Limiter
	reservation *rate.Reservation

	nextID  uint64
	started time.Time
}

// NewSource creates a source that emits at most fps frames per second;
// fps <= 0 emits as fast as the decoder and downstream allow.
func NewSource(cfg Config, fps float64, decoder Decoder, ports Ports, logger *slog.Logger, metrics *metric.Metrics) *Source {
	s := &Source{
		loop:    newLoop(cfg, ports, logger, metrics),
		decoder: decoder,
	}
	if fps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(fps), 1)
	}
	return s
}

// Run emits frames until the decoder reports ErrEndOfInput, a SHUTDOWN
// arrives, or ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	s.start()
	s.started = time.Now()

	for s.state != StateStopped {
		if ctx.Err() != nil {
			s.shutdown(message.ReasonSignal)
			break
		}

		s.pollCommand(s.handleCommand)
		if s.state == StateStopped {
			break
		}
		s.tick(time.Now())

		if !s.pace(ctx) {
			continue
		}
		s.emit(ctx)
	}

	return s.finish()
}

func (s *Source) handleCommand(m message.Message) {
	if m.Kind == message.KindShutdown {
		s.shutdown(m.Reason)
		return
	}
	s.logger.Debug("Ignoring command", "message", m.String())
}

// pace waits for the next frame slot, at most one poll interval at a time.
// It reports whether the slot has arrived.
func (s *Source) pace(ctx context.Context) bool {
	if s.limiter == nil {
		return true
	}
	if s.reservation == nil {
		s.reservation = s.limiter.Reserve()
	}
	delay := s.reservation.Delay()
	if delay > 0 {
		wait := min(delay, s.cfg.PollInterval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if delay > wait {
			return false
		}
	}
	s.reservation = nil
	return true
}

func (s *Source) emit(ctx context.Context) {
	start := time.Now()
	var payload message.Payload
	err := safeCall(func() error {
		var err error
		payload, err = s.decoder.Next(ctx)
		return err
	})
	switch {
	case stderrors.Is(err, ErrEndOfInput):
		s.endOfStream()
		return
	case err != nil && ctx.Err() != nil:
		return
	case err != nil:
		s.fail(message.ReasonStageCrash, fmt.Errorf("decode frame %d: %w", s.nextID, err))
		return
	}

	env := &message.Envelope{
		FrameID:   s.nextID,
		Timestamp: time.Since(s.started).Seconds(),
		Payload:   payload,
	}
	elapsed := time.Since(start)
	if err := env.Metadata.Set(message.ProcessingKey(s.cfg.Name), float64(elapsed)/float64(time.Millisecond)); err != nil {
		s.logger.Debug("Could not record processing time", "error", err)
	}

	msg := message.Data(env)
	sent := s.forward(msg, s.handleCommand)
	if s.state == StateStopped {
		return
	}
	// a discarded frame still uses up its id
	s.nextID++
	if !sent {
		return
	}
	s.publish(msg)
	s.observe(elapsed, env)
	s.frames++
	s.lastFrameID = int64(env.FrameID)
}

// endOfStream announces the last frame downstream first, then to the
// lifecycle controller, and stops.
func (s *Source) endOfStream() {
	last := int64(s.nextID) - 1
	s.logger.Info("End of input", "last_frame_id", last, "frames", s.frames)

	eos := message.EndOfStream(last)
	if !s.forward(eos, s.handleCommand) {
		return
	}
	s.publish(eos)
	if err := s.sendControl(eos); err != nil {
		s.logger.Warn("Could not report end of stream", "error", err)
	}
	s.stopReason = "end-of-stream"
	s.setState(StateStopped)
}
