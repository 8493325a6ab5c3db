package types

import (
	"testing"
	"time"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name string
		plan []PlanEntry
		want float64
	}{
		{
			name: "empty plan is complete",
			plan: nil,
			want: 100,
		},
		{
			name: "zero targets are complete",
			plan: []PlanEntry{{Subreddit: "golang", TargetCount: 0}},
			want: 100,
		},
		{
			name: "half done",
			plan: []PlanEntry{
				{Subreddit: "golang", TargetCount: 10, Observed: 10},
				{Subreddit: "rust", TargetCount: 10, Observed: 0},
			},
			want: 50,
		},
		{
			name: "observed over target is clamped per entry",
			plan: []PlanEntry{
				{Subreddit: "golang", TargetCount: 10, Observed: 25},
				{Subreddit: "rust", TargetCount: 10, Observed: 0},
			},
			want: 50,
		},
		{
			name: "all done",
			plan: []PlanEntry{
				{Subreddit: "golang", TargetCount: 5, Observed: 5},
			},
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Plan: tt.plan}
			if got := s.ComputeProgress(); got != tt.want {
				t.Errorf("ComputeProgress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	terminal := []SessionStatus{StatusCompleted, StatusFailed, StatusCancelled}
	live := []SessionStatus{StatusQueued, StatusRunning, StatusStopping}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	end := time.Now()
	msg := "boom"
	s := &Session{
		SessionID:    "s1",
		Subreddits:   []string{"golang"},
		Plan:         []PlanEntry{{Subreddit: "golang", TargetCount: 5}},
		EndTime:      &end,
		ErrorMessage: &msg,
	}

	c := s.Clone()
	c.Subreddits[0] = "rust"
	c.Plan[0].Observed = 3
	*c.ErrorMessage = "changed"

	if s.Subreddits[0] != "golang" {
		t.Error("clone shares subreddit slice")
	}
	if s.Plan[0].Observed != 0 {
		t.Error("clone shares plan slice")
	}
	if *s.ErrorMessage != "boom" {
		t.Error("clone shares error message pointer")
	}
}

func TestSessionViewCopiesPlan(t *testing.T) {
	s := &Session{
		SessionID: "s1",
		Plan:      []PlanEntry{{Subreddit: "golang", TargetCount: 5}},
	}
	v := s.View()
	v.Plan[0].Observed = 99
	if s.Plan[0].Observed != 0 {
		t.Error("view shares plan slice with session")
	}
}

func TestTargetTotal(t *testing.T) {
	s := &Session{Plan: []PlanEntry{
		{TargetCount: 5},
		{TargetCount: 7},
	}}
	if got := s.TargetTotal(); got != 12 {
		t.Errorf("TargetTotal() = %d, want 12", got)
	}
}
