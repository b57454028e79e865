// Package validation checks inbound handoff payloads before they reach
// the task store. It has no teacher equivalent for handoff payloads
// specifically, but follows the vocabulary of the teacher's
// internal/gate package: a check's Mode is either strict (block:
// reject the payload) or soft (warn: accept but attach a warning) —
// mirroring gate.GateModeStrict/GateModeSoft. No gate types are reused,
// since gate checks hook events, not wire payloads.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hubd/hubd/internal/model"
)

// Mode is whether a failed check blocks the payload or only warns.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeSoft   Mode = "soft"
)

// Issue is one validation finding against a field.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Mode    Mode   `json:"mode"`
}

// Result is the outcome of validating a handoff payload.
type Result struct {
	Blocked  bool
	Issues   []Issue // block-severity issues, present only when Blocked
	Warnings []Issue // soft-severity issues, present regardless of outcome
}

// shellInjectionPattern matches common shell metacharacter sequences
// used to chain or substitute commands: `; rm`, `&& curl`, `| sh`,
// backticks, and `$(...)` substitution.
var shellInjectionPattern = regexp.MustCompile(`[;&|` + "`" + `]|\$\(`)

// pathTraversalPattern matches parent-directory traversal sequences.
var pathTraversalPattern = regexp.MustCompile(`\.\./|\.\.\\`)

// controlCharPattern matches non-printable control characters other than
// tab/newline/carriage-return, which legitimately appear in free text.
var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)

// promptOverridePattern flags common prompt-injection phrasing; matches
// here are warnings only, never blocks, per spec.
var promptOverridePattern = regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions|disregard (all )?(previous|prior) instructions|you are now`)

// ValidateHandoff runs the structural, sanitization, and prompt-override
// checks against payload and returns every finding. Any block-severity
// match sets Result.Blocked. payload.BlockedBy defaults to ["none"] when
// absent, per spec — every list field must end up non-empty.
func ValidateHandoff(payload *model.HandoffPayload) Result {
	var issues, warnings []Issue

	if strings.TrimSpace(payload.Goal) == "" {
		issues = append(issues, Issue{Field: "goal", Message: "goal is required", Mode: ModeStrict})
	}
	if len(payload.AcceptanceCriteria) == 0 {
		issues = append(issues, Issue{Field: "acceptance_criteria", Message: "acceptance_criteria must be non-empty", Mode: ModeStrict})
	}
	if len(payload.RunCommands) == 0 {
		issues = append(issues, Issue{Field: "run_commands", Message: "run_commands must be non-empty", Mode: ModeStrict})
	}

	if len(payload.BlockedBy) == 0 {
		payload.BlockedBy = []string{"none"}
	}

	for _, cmd := range payload.RunCommands {
		if shellInjectionPattern.MatchString(cmd) {
			issues = append(issues, Issue{Field: "run_commands", Message: fmt.Sprintf("command %q contains a shell metacharacter pattern", cmd), Mode: ModeStrict})
		}
		if controlCharPattern.MatchString(cmd) {
			issues = append(issues, Issue{Field: "run_commands", Message: "command contains control characters", Mode: ModeStrict})
		}
	}

	for _, field := range []string{payload.Goal, strings.Join(payload.AcceptanceCriteria, "\n")} {
		if promptOverridePattern.MatchString(field) {
			warnings = append(warnings, Issue{Field: "goal", Message: "possible prompt-override phrasing detected", Mode: ModeSoft})
		}
	}

	if IsTestIssueTitle(payload.Goal) {
		warnings = append(warnings, Issue{Field: "goal", Message: "goal looks like test/demo data", Mode: ModeSoft})
	}

	result := Result{Issues: issues, Warnings: warnings}
	result.Blocked = len(issues) > 0
	return result
}

// ValidateHandoffContext checks the optional free-form context map
// attached to a handoff (projectDir, branch) for path traversal and
// control characters; called separately since context is carried
// outside HandoffPayload on the wire (model.Message.Context).
func ValidateHandoffContext(context map[string]string) Result {
	var issues []Issue

	if projectDir, ok := context["projectDir"]; ok {
		if pathTraversalPattern.MatchString(projectDir) {
			issues = append(issues, Issue{Field: "context.projectDir", Message: "path traversal pattern detected", Mode: ModeStrict})
		}
		if controlCharPattern.MatchString(projectDir) {
			issues = append(issues, Issue{Field: "context.projectDir", Message: "control characters detected", Mode: ModeStrict})
		}
	}
	if branch, ok := context["branch"]; ok {
		if pathTraversalPattern.MatchString(branch) {
			issues = append(issues, Issue{Field: "context.branch", Message: "path traversal pattern detected", Mode: ModeStrict})
		}
		if controlCharPattern.MatchString(branch) {
			issues = append(issues, Issue{Field: "context.branch", Message: "control characters detected", Mode: ModeStrict})
		}
	}

	return Result{Issues: issues, Blocked: len(issues) > 0}
}
