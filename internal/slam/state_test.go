package slam

import (
	"testing"
	"time"

	"github.com/bimefy/slam-worker/internal/process"
)

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

func hasKind(effects []Effect, k EffectKind) bool {
	for _, e := range effects {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func TestTransitionTrackingLostStartsTimer(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	next, effects := Transition(State{}, LineEvent{Text: "[warn] tracking lost: frame 120", At: at})
	if next.Phase != PhaseTrackingLost || !next.Since.Equal(at) {
		t.Fatalf("expected tracking lost since %s, got %+v", at, next)
	}
	if !hasKind(effects, EffectStartTimer) {
		t.Errorf("expected start timer, got %v", kinds(effects))
	}

	// a second lost line must not restart the countdown
	again, effects := Transition(next, LineEvent{Text: "tracking lost", At: at.Add(time.Minute)})
	if !again.Since.Equal(at) || hasKind(effects, EffectStartTimer) {
		t.Errorf("expected countdown unchanged, got %+v %v", again, kinds(effects))
	}
}

func TestTransitionRecovery(t *testing.T) {
	lost := State{Phase: PhaseTrackingLost, Since: time.Unix(100, 0)}

	for _, line := range []string{"relocalization succeeded", "Resetting system"} {
		next, effects := Transition(lost, LineEvent{Text: line})
		if next.Phase != PhaseRunning {
			t.Errorf("%q: expected running, got %s", line, next.Phase)
		}
		if !hasKind(effects, EffectCancelTimer) {
			t.Errorf("%q: expected cancel timer, got %v", line, kinds(effects))
		}
	}

	// recovery lines while running are only logged
	next, effects := Transition(State{}, LineEvent{Text: "relocalization succeeded"})
	if next.Phase != PhaseRunning || hasKind(effects, EffectCancelTimer) {
		t.Errorf("unexpected %+v %v", next, kinds(effects))
	}
}

func TestTransitionCriticalError(t *testing.T) {
	cases := []struct {
		name  string
		state State
		line  string
		timer bool
	}{
		{name: "input", state: State{}, line: "Cannot open input video", timer: false},
		{name: "sigill", state: State{}, line: "caught SIGILL", timer: false},
		{name: "core dump while lost", state: State{Phase: PhaseTrackingLost, Since: time.Unix(1, 0)}, line: "Segmentation fault (core dumped)", timer: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, effects := Transition(tc.state, LineEvent{Stream: process.Stderr, Text: tc.line})
			if next.Phase != PhaseCancelling {
				t.Fatalf("expected cancelling, got %s", next.Phase)
			}
			if !hasKind(effects, EffectCancel) {
				t.Errorf("expected cancel effect, got %v", kinds(effects))
			}
			if hasKind(effects, EffectCancelTimer) != tc.timer {
				t.Errorf("cancel timer = %v, want %v", hasKind(effects, EffectCancelTimer), tc.timer)
			}
		})
	}
}

func TestTransitionTimeout(t *testing.T) {
	since := time.Unix(500, 0)
	lost := State{Phase: PhaseTrackingLost, Since: since}

	next, effects := Transition(lost, TimeoutEvent{Since: since})
	if next.Phase != PhaseTerminating {
		t.Fatalf("expected terminating, got %s", next.Phase)
	}
	if !hasKind(effects, EffectTerminate) {
		t.Errorf("expected terminate, got %v", kinds(effects))
	}

	// a timer from an earlier lost episode is stale
	stale, effects := Transition(lost, TimeoutEvent{Since: since.Add(-time.Minute)})
	if stale.Phase != PhaseTrackingLost || len(effects) != 0 {
		t.Errorf("expected stale timeout ignored, got %+v %v", stale, kinds(effects))
	}

	running, effects := Transition(State{}, TimeoutEvent{Since: since})
	if running.Phase != PhaseRunning || len(effects) != 0 {
		t.Errorf("expected timeout ignored while running, got %+v %v", running, kinds(effects))
	}
}

func TestTransitionAfterCancelOnlyLogs(t *testing.T) {
	for _, phase := range []Phase{PhaseCancelling, PhaseTerminating} {
		next, effects := Transition(State{Phase: phase}, LineEvent{Text: "tracking lost"})
		if next.Phase != phase {
			t.Errorf("%s: phase changed to %s", phase, next.Phase)
		}
		if len(effects) != 1 || effects[0].Kind != EffectLogInfo {
			t.Errorf("%s: expected single log, got %v", phase, kinds(effects))
		}
	}
}

func TestTransitionPlainLinesLogByStream(t *testing.T) {
	_, effects := Transition(State{}, LineEvent{Stream: process.Stdout, Text: "frame 10"})
	if len(effects) != 1 || effects[0].Kind != EffectLogInfo || effects[0].Message != "frame 10" {
		t.Errorf("unexpected stdout effects %v", effects)
	}
	_, effects = Transition(State{}, LineEvent{Stream: process.Stderr, Text: "warn"})
	if len(effects) != 1 || effects[0].Kind != EffectLogError {
		t.Errorf("unexpected stderr effects %v", effects)
	}
}
