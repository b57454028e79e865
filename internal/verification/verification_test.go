package verification

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hubd/hubd/internal/model"
)

type recordingBus struct {
	mu     sync.Mutex
	events []model.EventRecord
}

func (r *recordingBus) Emit(eventType string, fields map[string]interface{}) model.EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := model.EventRecord{Type: eventType, Fields: fields}
	r.events = append(r.events, rec)
	return rec
}

func (r *recordingBus) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	respond func(operation, system, user string) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, operation, systemPrompt, userPrompt string, maxTokens int64) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, userPrompt)
	f.mu.Unlock()
	return f.respond(operation, systemPrompt, userPrompt)
}

func spec() SpecSummary {
	return SpecSummary{Goal: "ship the feature", AcceptanceCriteria: []string{"tests pass", "docs updated"}}
}

func bundle() ReviewBundle {
	return ReviewBundle{Diff: "+1 -1", TestResults: "ok", FilesChanged: []string{"main.go"}}
}

func TestSpecHashIsDeterministicForIdenticalGoalAndCriteria(t *testing.T) {
	a := SpecSummary{Goal: "x", AcceptanceCriteria: []string{"a", "b"}}
	b := SpecSummary{Goal: "x", AcceptanceCriteria: []string{"a", "b"}}

	ha, err := HashSpec(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := HashSpec(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected identical specHash for identical (goal, acceptance_criteria), got %s vs %s", ha, hb)
	}
}

func TestEvidenceHashIsDeterministicForIdenticalBundle(t *testing.T) {
	a := ReviewBundle{Diff: "d", TestResults: "ok", FilesChanged: []string{"a.go", "b.go"}}
	b := ReviewBundle{Diff: "d", TestResults: "ok", FilesChanged: []string{"a.go", "b.go"}}

	ha, err := HashSpec(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := HashSpec(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected identical evidenceHash for identical review bundles, got %s vs %s", ha, hb)
	}
}

func TestAllReviewsFailReturnsRejectWithZeroConfidence(t *testing.T) {
	completer := &fakeCompleter{respond: func(operation, system, user string) (string, error) {
		return "", context.DeadlineExceeded
	}}
	bus := &recordingBus{}
	engine := NewEngine(completer, bus)

	result := engine.Verify(context.Background(), "task-1", []string{"alice", "bob"}, "carol", spec(), bundle())

	if result.Verdict != VerdictReject {
		t.Fatalf("expected REJECT, got %s", result.Verdict)
	}
	if result.Confidence != 0 {
		t.Fatalf("expected confidence 0, got %v", result.Confidence)
	}
	found := false
	for _, n := range result.Notes {
		if strings.Contains(n, "all accounts failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a note mentioning 'all accounts failed', got %v", result.Notes)
	}
	if result.Receipt.TaskID != "task-1" || result.Receipt.Verdict != VerdictReject {
		t.Fatalf("unexpected receipt: %+v", result.Receipt)
	}
	if !bus.has("done") {
		t.Fatal("expected a done event even on the all-reviews-fail path")
	}
}

func TestStage2PromptsNeverContainAccountNames(t *testing.T) {
	completer := &fakeCompleter{}
	var stage2Mu sync.Mutex
	var stage2Prompts []string
	completer.respond = func(operation, system, user string) (string, error) {
		switch operation {
		case "verification.stage1":
			return `{"assessment":"looks good","verdict":"ACCEPT"}`, nil
		case "verification.stage2":
			stage2Mu.Lock()
			stage2Prompts = append(stage2Prompts, user)
			stage2Mu.Unlock()
			return `{"ranking":[0],"reasoning":"fine"}`, nil
		case "verification.stage3":
			return `{"verdict":"ACCEPT","confidence":0.9,"notes":[],"reasoning":"consensus"}`, nil
		}
		return "{}", nil
	}
	bus := &recordingBus{}
	engine := NewEngine(completer, bus)

	engine.Verify(context.Background(), "task-2", []string{"secret-1", "secret-2"}, "secret-chair", spec(), bundle())

	if len(stage2Prompts) == 0 {
		t.Fatal("expected at least one stage-2 prompt")
	}
	for _, p := range stage2Prompts {
		for _, name := range []string{"secret-1", "secret-2", "secret-chair"} {
			if strings.Contains(p, name) {
				t.Fatalf("stage-2 prompt leaked account name %q: %q", name, p)
			}
		}
	}
}

func TestReceiptBindsToCorrectTaskID(t *testing.T) {
	completer := &fakeCompleter{respond: func(operation, system, user string) (string, error) {
		switch operation {
		case "verification.stage1":
			return `{"assessment":"ok","verdict":"ACCEPT"}`, nil
		case "verification.stage2":
			return `{"ranking":[0],"reasoning":"fine"}`, nil
		case "verification.stage3":
			return `{"verdict":"ACCEPT_WITH_NOTES","confidence":0.7,"notes":["minor nit"],"reasoning":"mostly good"}`, nil
		}
		return "{}", nil
	}}
	engine := NewEngine(completer, &recordingBus{})

	result := engine.Verify(context.Background(), "task-second", []string{"alice"}, "carol", spec(), bundle())

	if result.Receipt.TaskID != "task-second" {
		t.Fatalf("expected receipt bound to task-second, got %s", result.Receipt.TaskID)
	}
	if result.Verdict != VerdictAcceptWithNotes {
		t.Fatalf("expected ACCEPT_WITH_NOTES, got %s", result.Verdict)
	}
}

func TestStage1InvalidJSONIsSkippedNotFatal(t *testing.T) {
	completer := &fakeCompleter{respond: func(operation, system, user string) (string, error) {
		if operation == "verification.stage1" {
			return "not json", nil
		}
		return "{}", nil
	}}
	engine := NewEngine(completer, &recordingBus{})

	result := engine.Verify(context.Background(), "task-3", []string{"alice"}, "carol", spec(), bundle())

	if result.Verdict != VerdictReject || result.Confidence != 0 {
		t.Fatalf("expected a REJECT/0-confidence result when every stage-1 review is invalid, got %+v", result)
	}
}

func TestShouldForceHumanReviewOnCriticalTask(t *testing.T) {
	if !ShouldForceHumanReview("critical", "reversible") {
		t.Fatal("expected critical tasks to force human review regardless of reversibility")
	}
	if !ShouldForceHumanReview("high", "irreversible") {
		t.Fatal("expected high+irreversible tasks to force human review")
	}
	if ShouldForceHumanReview("high", "reversible") {
		t.Fatal("expected high+reversible tasks not to force human review")
	}
	if ShouldForceHumanReview("low", "irreversible") {
		t.Fatal("expected low-criticality tasks not to force human review even if irreversible")
	}
}

func TestRequiresJustificationRejectsEmptyString(t *testing.T) {
	if RequiresJustification("") {
		t.Fatal("expected empty justification to fail the require-justification check")
	}
	if !RequiresJustification("reviewed by a human and approved") {
		t.Fatal("expected non-empty justification to pass")
	}
}

func TestNeedsCouncilVerificationGating(t *testing.T) {
	if NeedsCouncilVerification(VerifiabilityAutoTestable) {
		t.Fatal("auto-testable handoffs must bypass council verification")
	}
	if !NeedsCouncilVerification(VerifiabilityNeedsReview) {
		t.Fatal("needs-review handoffs must trigger council verification")
	}
	if !NeedsCouncilVerification(VerifiabilitySubjective) {
		t.Fatal("subjective handoffs must trigger council verification")
	}
}
