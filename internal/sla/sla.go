// Package sla evaluates the escalation ladder for in-progress tasks:
// quarantine/proactive-warning checks that run independent of status,
// plus a priority-ordered ladder of ping/suggest_reassign/auto_reassign/
// escalate_human actions gated by elapsed time and a per-task cooldown.
//
// The ladder-as-an-ordered-if-chain shape, and keeping the coordinator
// itself stateless except for cooldown timestamps, mirrors the teacher's
// internal/gate/policy.go (a Policy walking an ordered set of Gate rules
// to decide block/warn/allow for a hook). That package is conceptual
// grounding only — it never mentions tasks or SLAs, so nothing is reused
// verbatim, only the "ordered rule evaluation over small stateless
// config" idiom.
package sla

import (
	"sync"
	"time"

	"github.com/hubd/hubd/internal/model"
)

// ActionType is one of the responses the coordinator can emit for a task.
type ActionType string

const (
	ActionPing             ActionType = "ping"
	ActionSuggestReassign  ActionType = "suggest_reassign"
	ActionAutoReassign     ActionType = "auto_reassign"
	ActionQuarantineAgent  ActionType = "quarantine_agent"
	ActionEscalateHuman    ActionType = "escalate_human"
	ActionProactiveWarning ActionType = "proactive_warning"
)

// ResponseAction is one emitted action for a task.
type ResponseAction struct {
	TaskID string
	Agent  string
	Type   ActionType
	Reason string
}

// TaskSnapshot is the subset of task+agent state the ladder needs to
// evaluate a single in-progress task.
type TaskSnapshot struct {
	TaskID                       string
	Agent                        string
	Status                       model.TaskStatus
	Criticality                  string
	ElapsedSinceStart            time.Duration
	EstimatedDuration            time.Duration
	ReassignmentCount            int
	ConsecutiveRejectionsByAgent int
	ElapsedSinceLastProgress     time.Duration
	LastProgressPercent          int
	HasProgressReport            bool
}

// Thresholds holds the ladder's configuration parameters, all with the
// spec's defaults.
type Thresholds struct {
	QuarantineRejectionCount int
	UnresponsiveAfter        time.Duration
	ProactiveWarningSlack    float64 // percentage points below the expected-progress line
	MaxReassignments         int
	EscalateAfter            time.Duration
	AutoReassignAfter        time.Duration
	SuggestReassignAfter     time.Duration
	PingAfter                time.Duration
	Cooldown                 time.Duration
}

// DefaultThresholds matches spec §4.8's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QuarantineRejectionCount: 2,
		UnresponsiveAfter:        10 * time.Minute,
		ProactiveWarningSlack:    20,
		MaxReassignments:         3,
		EscalateAfter:            60 * time.Minute,
		AutoReassignAfter:        60 * time.Minute,
		SuggestReassignAfter:     60 * time.Minute,
		PingAfter:                30 * time.Minute,
		Cooldown:                 10 * time.Minute,
	}
}

// Coordinator evaluates the ladder. It is stateless except for the last
// auto-reassignment time per task, tracked to enforce the cooldown.
type Coordinator struct {
	thresholds Thresholds

	mu               sync.Mutex
	lastReassignedAt map[string]time.Time
}

// New creates a Coordinator with the given thresholds (zero value uses
// DefaultThresholds).
func New(thresholds Thresholds) *Coordinator {
	if (thresholds == Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Coordinator{thresholds: thresholds, lastReassignedAt: make(map[string]time.Time)}
}

// Evaluate runs the ladder against a snapshot of tasks and returns every
// action produced. The independent checks (consecutive-rejection
// quarantine, unresponsive quarantine, proactive warning) run for every
// task whatever its status; the ping/reassign/escalate ladder runs only
// for tasks in in_progress status.
func (c *Coordinator) Evaluate(tasks []TaskSnapshot, now time.Time) []ResponseAction {
	var actions []ResponseAction
	for _, t := range tasks {
		actions = append(actions, c.evaluateOne(t, now)...)
	}
	return actions
}

func (c *Coordinator) evaluateOne(t TaskSnapshot, now time.Time) []ResponseAction {
	var actions []ResponseAction

	// Independent checks (★) run regardless of status.
	if t.ConsecutiveRejectionsByAgent >= c.thresholds.QuarantineRejectionCount {
		actions = append(actions, ResponseAction{TaskID: t.TaskID, Agent: t.Agent, Type: ActionQuarantineAgent, Reason: "consecutive rejections"})
	}
	if t.HasProgressReport && t.ElapsedSinceLastProgress > c.thresholds.UnresponsiveAfter {
		actions = append(actions, ResponseAction{TaskID: t.TaskID, Agent: t.Agent, Type: ActionQuarantineAgent, Reason: "unresponsive"})
	}
	if t.HasProgressReport && t.EstimatedDuration > 0 {
		expected := float64(t.ElapsedSinceStart) / float64(t.EstimatedDuration) * 100
		if float64(t.LastProgressPercent) < expected-c.thresholds.ProactiveWarningSlack {
			actions = append(actions, ResponseAction{TaskID: t.TaskID, Agent: t.Agent, Type: ActionProactiveWarning, Reason: "behind expected progress"})
		}
	}

	if t.Status != model.StatusInProgress {
		return actions
	}

	switch {
	case t.ReassignmentCount >= c.thresholds.MaxReassignments && t.ElapsedSinceStart > c.thresholds.EscalateAfter:
		actions = append(actions, ResponseAction{TaskID: t.TaskID, Agent: t.Agent, Type: ActionEscalateHuman, Reason: "max reassignments exceeded"})
	case t.ElapsedSinceStart > c.thresholds.AutoReassignAfter && t.Criticality == "critical" && c.cooldownElapsed(t.TaskID, now):
		actions = append(actions, ResponseAction{TaskID: t.TaskID, Agent: t.Agent, Type: ActionAutoReassign, Reason: "critical task overdue"})
		c.markReassigned(t.TaskID, now)
	case t.ElapsedSinceStart > c.thresholds.SuggestReassignAfter:
		actions = append(actions, ResponseAction{TaskID: t.TaskID, Agent: t.Agent, Type: ActionSuggestReassign, Reason: "task overdue"})
	case t.ElapsedSinceStart > c.thresholds.PingAfter:
		actions = append(actions, ResponseAction{TaskID: t.TaskID, Agent: t.Agent, Type: ActionPing, Reason: "task approaching SLA"})
	}

	return actions
}

func (c *Coordinator) cooldownElapsed(taskID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastReassignedAt[taskID]
	if !ok {
		return true
	}
	return now.Sub(last) > c.thresholds.Cooldown
}

func (c *Coordinator) markReassigned(taskID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReassignedAt[taskID] = now
}
