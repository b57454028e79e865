package sla

import (
	"testing"
	"time"

	"github.com/hubd/hubd/internal/model"
)

func hasAction(actions []ResponseAction, typ ActionType) bool {
	for _, a := range actions {
		if a.Type == typ {
			return true
		}
	}
	return false
}

func TestNoActionForNonInProgressTask(t *testing.T) {
	c := New(DefaultThresholds())
	tasks := []TaskSnapshot{
		{TaskID: "t1", Status: model.StatusPending, ElapsedSinceStart: 2 * time.Hour},
	}
	actions := c.Evaluate(tasks, time.Now())
	if len(actions) != 0 {
		t.Fatalf("expected no actions for pending task, got %+v", actions)
	}
}

func TestQuarantineAppliesRegardlessOfStatus(t *testing.T) {
	c := New(DefaultThresholds())
	tasks := []TaskSnapshot{
		{TaskID: "t1", Status: model.StatusPending, ConsecutiveRejectionsByAgent: 2},
	}
	actions := c.Evaluate(tasks, time.Now())
	if !hasAction(actions, ActionQuarantineAgent) {
		t.Fatalf("expected quarantine action even for non-in-progress task, got %+v", actions)
	}
}

func TestPingAfterThirtyMinutes(t *testing.T) {
	c := New(DefaultThresholds())
	tasks := []TaskSnapshot{
		{TaskID: "t1", Status: model.StatusInProgress, ElapsedSinceStart: 35 * time.Minute},
	}
	actions := c.Evaluate(tasks, time.Now())
	if !hasAction(actions, ActionPing) {
		t.Fatalf("expected ping action, got %+v", actions)
	}
}

func TestAutoReassignNotEmittedTwiceWithinCooldown(t *testing.T) {
	c := New(DefaultThresholds())
	now := time.Now()
	task := TaskSnapshot{
		TaskID:            "t1",
		Status:            model.StatusInProgress,
		Criticality:       "critical",
		ElapsedSinceStart: 90 * time.Minute,
	}

	first := c.Evaluate([]TaskSnapshot{task}, now)
	if !hasAction(first, ActionAutoReassign) {
		t.Fatalf("expected auto_reassign on first evaluation, got %+v", first)
	}

	second := c.Evaluate([]TaskSnapshot{task}, now.Add(time.Minute))
	if hasAction(second, ActionAutoReassign) {
		t.Fatalf("expected no second auto_reassign within cooldown, got %+v", second)
	}

	third := c.Evaluate([]TaskSnapshot{task}, now.Add(DefaultThresholds().Cooldown+time.Minute))
	if !hasAction(third, ActionAutoReassign) {
		t.Fatalf("expected auto_reassign again after cooldown elapses, got %+v", third)
	}
}

func TestEscalateHumanAfterMaxReassignments(t *testing.T) {
	c := New(DefaultThresholds())
	tasks := []TaskSnapshot{
		{
			TaskID:            "t1",
			Status:            model.StatusInProgress,
			ReassignmentCount: 3,
			ElapsedSinceStart: 90 * time.Minute,
		},
	}
	actions := c.Evaluate(tasks, time.Now())
	if !hasAction(actions, ActionEscalateHuman) {
		t.Fatalf("expected escalate_human, got %+v", actions)
	}
}

func TestProactiveWarningWhenBehindExpectedProgress(t *testing.T) {
	c := New(DefaultThresholds())
	tasks := []TaskSnapshot{
		{
			TaskID:              "t1",
			Status:              model.StatusInProgress,
			ElapsedSinceStart:   30 * time.Minute,
			EstimatedDuration:   60 * time.Minute,
			HasProgressReport:   true,
			LastProgressPercent: 10, // expected ~50%, well below 50-20=30
		},
	}
	actions := c.Evaluate(tasks, time.Now())
	if !hasAction(actions, ActionProactiveWarning) {
		t.Fatalf("expected proactive_warning, got %+v", actions)
	}
}
