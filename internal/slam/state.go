package slam

import (
	"strings"
	"time"

	"github.com/bimefy/slam-worker/internal/process"
)

// Phase is the liveness phase of a SLAM run
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseTrackingLost
	PhaseCancelling
	PhaseTerminating
)

func (p Phase) String() string {
	switch p {
	case PhaseTrackingLost:
		return "tracking_lost"
	case PhaseCancelling:
		return "cancelling"
	case PhaseTerminating:
		return "terminating"
	default:
		return "running"
	}
}

// State is the run state. Since is set only in PhaseTrackingLost.
type State struct {
	Phase Phase
	Since time.Time
}

// Event drives Transition
type Event interface {
	event()
}

// LineEvent is one line of child output observed at At
type LineEvent struct {
	Stream process.Stream
	Text   string
	At     time.Time
}

// TimeoutEvent fires when the countdown started at Since expires
type TimeoutEvent struct {
	Since time.Time
}

func (LineEvent) event()    {}
func (TimeoutEvent) event() {}

// EffectKind names a side effect the caller must perform
type EffectKind int

const (
	EffectStartTimer EffectKind = iota
	EffectCancelTimer
	EffectTerminate
	EffectCancel
	EffectLogInfo
	EffectLogError
)

func (k EffectKind) String() string {
	switch k {
	case EffectStartTimer:
		return "start_timer"
	case EffectCancelTimer:
		return "cancel_timer"
	case EffectTerminate:
		return "terminate"
	case EffectCancel:
		return "cancel"
	case EffectLogInfo:
		return "log_info"
	default:
		return "log_error"
	}
}

// Effect is a side effect. Since is set for EffectStartTimer, Message for logs.
type Effect struct {
	Kind    EffectKind
	Since   time.Time
	Message string
}

var (
	criticalSignatures = []string{"cannot open input", "illegal instruction", "sigill", "core dumped"}
	lostSignatures     = []string{"tracking lost"}
	recoverySignatures = []string{"relocalization succeeded", "resetting system"}
)

func matches(text string, signatures []string) bool {
	lower := strings.ToLower(text)
	for _, sig := range signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func logLine(ev LineEvent) Effect {
	if ev.Stream == process.Stderr {
		return Effect{Kind: EffectLogError, Message: ev.Text}
	}
	return Effect{Kind: EffectLogInfo, Message: ev.Text}
}

// Transition is the pure liveness state machine of a SLAM run
func Transition(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case TimeoutEvent:
		if s.Phase != PhaseTrackingLost || !s.Since.Equal(ev.Since) {
			return s, nil
		}
		return State{Phase: PhaseTerminating}, []Effect{
			{Kind: EffectLogError, Message: "tracking lost for too long, terminating run"},
			{Kind: EffectTerminate},
		}

	case LineEvent:
		if s.Phase == PhaseCancelling || s.Phase == PhaseTerminating {
			return s, []Effect{logLine(ev)}
		}

		if matches(ev.Text, criticalSignatures) {
			effects := []Effect{{Kind: EffectLogError, Message: "critical error detected, cancelling run: " + ev.Text}}
			if s.Phase == PhaseTrackingLost {
				effects = append(effects, Effect{Kind: EffectCancelTimer})
			}
			return State{Phase: PhaseCancelling}, append(effects, Effect{Kind: EffectCancel})
		}

		switch s.Phase {
		case PhaseRunning:
			if matches(ev.Text, lostSignatures) {
				return State{Phase: PhaseTrackingLost, Since: ev.At}, []Effect{
					logLine(ev),
					{Kind: EffectStartTimer, Since: ev.At},
				}
			}
		case PhaseTrackingLost:
			if matches(ev.Text, recoverySignatures) {
				return State{Phase: PhaseRunning}, []Effect{
					logLine(ev),
					{Kind: EffectCancelTimer},
				}
			}
		}
		return s, []Effect{logLine(ev)}
	}
	return s, nil
}
