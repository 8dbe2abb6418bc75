package domain

import "testing"

func TestCanTransitionRun(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunPending, RunRunning, true},
		{RunPending, RunFailure, true},
		{RunPending, RunSuccess, false},
		{RunRunning, RunSuccess, true},
		{RunRunning, RunFailure, true},
		{RunRunning, RunCancelled, true},
		{RunSuccess, RunRunning, false},
		{RunFailure, RunRunning, false},
		{RunCancelled, RunRunning, false},
	}
	for _, c := range cases {
		got := CanTransitionRun(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransitionRun(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionSubmission(t *testing.T) {
	cases := []struct {
		from, to SubmissionStatus
		want     bool
	}{
		{SubmissionPending, SubmissionProcessing, true},
		{SubmissionPending, SubmissionFailure, true},
		{SubmissionPending, SubmissionGraded, false},
		{SubmissionProcessing, SubmissionTranscribing, true},
		{SubmissionTranscribing, SubmissionTranscribed, true},
		{SubmissionTranscribed, SubmissionGrading, true},
		{SubmissionGrading, SubmissionGraded, true},
		{SubmissionGraded, SubmissionReturned, true},
		{SubmissionGraded, SubmissionFailure, true},
		// terminal states never transition further
		{SubmissionFailure, SubmissionProcessing, false},
		{SubmissionReturned, SubmissionFailure, false},
	}
	for _, c := range cases {
		got := CanTransitionSubmission(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransitionSubmission(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	terminal := []RunStatus{RunSuccess, RunFailure, RunCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []RunStatus{RunPending, RunRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
