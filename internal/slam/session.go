package slam

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bimefy/slam-worker/internal/client"
	"github.com/bimefy/slam-worker/internal/process"
)

const terminateTimeout = 5 * time.Second

// canceller is the part of the supervisor a session needs
type canceller interface {
	Cancel() error
}

// session applies Transition to the output of one run and executes the
// resulting effects. Events from both output readers and the timer are
// serialised through mu.
type session struct {
	timeout    time.Duration
	child      canceller
	terminator client.Terminator
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	state     State
	timer     *time.Timer
	cancelled bool
	closed    bool
	wg        sync.WaitGroup
}

func newSession(timeout time.Duration, child canceller, terminator client.Terminator, logger *slog.Logger) *session {
	return &session{
		timeout:    timeout,
		child:      child,
		terminator: terminator,
		logger:     logger,
		now:        time.Now,
	}
}

// handleOutput is the supervisor output callback
func (s *session) handleOutput(o process.Output) {
	s.apply(LineEvent{Stream: o.Stream, Text: o.Text, At: s.now()})
}

func (s *session) apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	prev := s.state.Phase
	next, effects := Transition(s.state, ev)
	s.state = next
	if next.Phase != prev {
		s.logger.Info("slam run state changed", "from", prev.String(), "to", next.Phase.String())
	}

	for _, eff := range effects {
		s.execute(eff)
	}
}

// execute runs one effect; mu is held
func (s *session) execute(eff Effect) {
	switch eff.Kind {
	case EffectLogInfo:
		s.logger.Info(eff.Message)
	case EffectLogError:
		s.logger.Error(eff.Message)
	case EffectStartTimer:
		s.stopTimer()
		since := eff.Since
		s.timer = time.AfterFunc(s.timeout, func() {
			s.apply(TimeoutEvent{Since: since})
		})
		s.logger.Warn("tracking lost, waiting for relocalization", "timeout", s.timeout.String())
	case EffectCancelTimer:
		s.stopTimer()
		s.logger.Info("tracking recovered")
	case EffectCancel:
		s.cancelled = true
		if err := s.child.Cancel(); err != nil {
			s.logger.Error("failed to cancel slam process", "error", err)
		}
	case EffectTerminate:
		s.cancelled = true
		s.wg.Add(1)
		go s.terminate()
	}
}

func (s *session) terminate() {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	if err := s.terminator.Terminate(ctx); err != nil {
		s.logger.Error("termination request failed, killing slam process", "error", err)
		if err := s.child.Cancel(); err != nil {
			s.logger.Error("failed to cancel slam process", "error", err)
		}
		return
	}
	s.logger.Info("termination requested")
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// close stops the timer, waits for an in-flight termination and reports
// whether the run was cancelled
func (s *session) close() bool {
	s.mu.Lock()
	s.closed = true
	s.stopTimer()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
