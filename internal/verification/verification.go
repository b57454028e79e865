// Package verification produces ACCEPT/REJECT/ACCEPT_WITH_NOTES verdicts
// for completed tasks by mirroring internal/council's analysis mode:
// collect independent reviews, anonymize them for a peer-ranking pass,
// then have a chairman produce a final verdict with a deterministic
// receipt.
//
// Grounded structurally on internal/council (same Completer/EventEmitter
// shapes, same errgroup fan-out, same council.HashCanonicalJSON helper
// for the receipt's specHash/evidenceHash) rather than on any teacher
// file directly — the teacher has no task-verification concept. The
// cognitive-friction gating (criticality/reversibility forcing human
// review, independent of whether council verification runs at all) is
// conceptually grounded on the teacher's internal/gate package: an
// ordered set of rules evaluated against a context to decide whether an
// action may proceed automatically or needs a human. Nothing from
// gate's hook-specific types is reused, only the "evaluate small
// stateless rules in priority order" idiom.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubd/hubd/internal/council"
	"github.com/hubd/hubd/internal/model"
)

// Verdict is the engine's final disposition for a task.
type Verdict string

const (
	VerdictAccept          Verdict = "ACCEPT"
	VerdictReject          Verdict = "REJECT"
	VerdictAcceptWithNotes Verdict = "ACCEPT_WITH_NOTES"
)

// Verifiability classifies whether a handoff needs council verification
// at all.
type Verifiability string

const (
	VerifiabilityAutoTestable Verifiability = "auto-testable"
	VerifiabilityNeedsReview  Verifiability = "needs-review"
	VerifiabilitySubjective   Verifiability = "subjective"
)

// NeedsCouncilVerification reports whether v requires a council pass;
// auto-testable handoffs bypass verification entirely.
func NeedsCouncilVerification(v Verifiability) bool {
	return v == VerifiabilityNeedsReview || v == VerifiabilitySubjective
}

const (
	reviewTimeout  = 180 * time.Second
	rankingTimeout = 90 * time.Second
	verdictTimeout = 180 * time.Second
)

// ReviewBundle is the evidence submitted for verification.
type ReviewBundle struct {
	Diff         string   `json:"diff,omitempty"`
	TestResults  string   `json:"testResults,omitempty"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	RiskNotes    string   `json:"riskNotes,omitempty"`
}

// SpecSummary is the subset of a handoff that specHash is computed over.
type SpecSummary struct {
	Goal               string   `json:"goal"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// Receipt is the deterministic, bindable proof of a verification run.
type Receipt struct {
	TaskID       string    `json:"taskId"`
	Verifier     string    `json:"verifier"`
	Verdict      Verdict   `json:"verdict"`
	Timestamp    time.Time `json:"timestamp"`
	SpecHash     string    `json:"specHash"`
	EvidenceHash string    `json:"evidenceHash"`
}

// review is one account's stage-1 assessment of the bundle.
type review struct {
	Account    string  `json:"-"`
	Assessment string  `json:"assessment"`
	Verdict    Verdict `json:"verdict"`
}

// peerEvaluation is one account's stage-2 anonymized ranking of reviews.
type peerEvaluation struct {
	Account   string `json:"-"`
	Ranking   []int  `json:"ranking"`
	Reasoning string `json:"reasoning"`
}

// Result is the full output of a verification run.
type Result struct {
	TaskID            string    `json:"taskId"`
	Verdict           Verdict   `json:"verdict"`
	Confidence        float64   `json:"confidence"`
	Notes             []string  `json:"notes"`
	Receipt           Receipt   `json:"receipt"`
	IndividualReviews []ReviewView `json:"individualReviews"`
	PeerEvaluations   []PeerView   `json:"peerEvaluations"`
	ChairmanReasoning string    `json:"chairmanReasoning"`
}

// ReviewView and PeerView are the account-attributed public shapes
// exposed in Result (the internal review/peerEvaluation types stay
// unexported since stage-2 must never see an Account field populated
// from a member-visible source).
type ReviewView struct {
	Account    string  `json:"account"`
	Assessment string  `json:"assessment"`
	Verdict    Verdict `json:"verdict"`
}

type PeerView struct {
	Account   string `json:"account"`
	Ranking   []int  `json:"ranking"`
	Reasoning string `json:"reasoning"`
}

// Completer is the LLM dependency, identical in shape to council.Completer.
type Completer interface {
	Complete(ctx context.Context, operation, systemPrompt, userPrompt string, maxTokens int64) (string, error)
}

// EventEmitter is the subset of eventbus.Bus verification needs.
type EventEmitter interface {
	Emit(eventType string, fields map[string]interface{}) model.EventRecord
}

// Engine drives verification runs.
type Engine struct {
	llm Completer
	bus EventEmitter
}

// NewEngine creates an Engine.
func NewEngine(llm Completer, bus EventEmitter) *Engine {
	return &Engine{llm: llm, bus: bus}
}

func (e *Engine) emit(eventType string, fields map[string]interface{}) {
	if e.bus != nil {
		e.bus.Emit(eventType, fields)
	}
}

// Verify runs the three-stage pipeline for taskID against bundle and
// spec, using members as the independent reviewers and chairman for the
// final verdict.
func (e *Engine) Verify(ctx context.Context, taskID string, members []string, chairman string, spec SpecSummary, bundle ReviewBundle) Result {
	specHash, err := council.HashCanonicalJSON(spec)
	if err != nil {
		specHash = ""
	}
	evidenceHash, err := council.HashCanonicalJSON(bundle)
	if err != nil {
		evidenceHash = ""
	}

	e.emit("phase_start", map[string]interface{}{"phase": "verification_stage1", "taskId": taskID})
	reviews := e.stage1Reviews(ctx, taskID, members, spec, bundle)
	e.emit("phase_complete", map[string]interface{}{"phase": "verification_stage1", "taskId": taskID, "count": len(reviews)})

	if len(reviews) == 0 {
		result := Result{
			TaskID:     taskID,
			Verdict:    VerdictReject,
			Confidence: 0,
			Notes:      []string{"all accounts failed"},
			Receipt: Receipt{
				TaskID: taskID, Verifier: "council", Verdict: VerdictReject,
				Timestamp: time.Now(), SpecHash: specHash, EvidenceHash: evidenceHash,
			},
		}
		e.emit("done", map[string]interface{}{"result": result})
		return result
	}

	e.emit("phase_start", map[string]interface{}{"phase": "verification_stage2", "taskId": taskID})
	peerEvals := e.stage2Rank(ctx, taskID, members, reviews)
	e.emit("phase_complete", map[string]interface{}{"phase": "verification_stage2", "taskId": taskID, "count": len(peerEvals)})

	e.emit("phase_start", map[string]interface{}{"phase": "verification_stage3", "taskId": taskID})
	verdict, confidence, notes, reasoning, err := e.stage3Verdict(ctx, chairman, reviews, peerEvals)
	if err != nil {
		e.emit("error", map[string]interface{}{"taskId": taskID, "message": err.Error()})
		verdict, confidence, notes = VerdictReject, 0, []string{"chairman synthesis failed: " + err.Error()}
	}
	e.emit("phase_complete", map[string]interface{}{"phase": "verification_stage3", "taskId": taskID})

	result := Result{
		TaskID:     taskID,
		Verdict:    verdict,
		Confidence: confidence,
		Notes:      notes,
		Receipt: Receipt{
			TaskID: taskID, Verifier: "council", Verdict: verdict,
			Timestamp: time.Now(), SpecHash: specHash, EvidenceHash: evidenceHash,
		},
		IndividualReviews: reviewViews(reviews),
		PeerEvaluations:   peerViews(peerEvals),
		ChairmanReasoning: reasoning,
	}
	e.emit("done", map[string]interface{}{"result": result})
	return result
}

func (e *Engine) stage1Reviews(ctx context.Context, taskID string, members []string, spec SpecSummary, bundle ReviewBundle) []review {
	specJSON, _ := json.Marshal(spec)
	bundleJSON, _ := json.Marshal(bundle)
	prompt := fmt.Sprintf("Spec: %s\n\nEvidence: %s", specJSON, bundleJSON)

	results := make([]*review, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, account := range members {
		i, account := i, account
		g.Go(func() error {
			reviewCtx, cancel := context.WithTimeout(gctx, reviewTimeout)
			defer cancel()

			content, err := e.llm.Complete(reviewCtx, "verification.stage1",
				fmt.Sprintf("You are %s, reviewing a completed task. Respond with strict JSON: {assessment, verdict (ACCEPT|REJECT|ACCEPT_WITH_NOTES)}", account),
				prompt, 1024)
			if err != nil {
				e.emit("error", map[string]interface{}{"taskId": taskID, "account": account, "message": err.Error()})
				return nil
			}
			var r review
			if err := json.Unmarshal([]byte(content), &r); err != nil {
				e.emit("error", map[string]interface{}{"taskId": taskID, "account": account, "message": "invalid review JSON"})
				return nil
			}
			r.Account = account
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	var out []review
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// stage2Rank anonymizes reviews as "Review A", "Review B", ... before
// asking each member to rank them, so no prompt sent to a member ever
// contains an account name.
func (e *Engine) stage2Rank(ctx context.Context, taskID string, members []string, reviews []review) []peerEvaluation {
	labels := reviewLabels(len(reviews))
	prompt := formatAnonymizedReviews(reviews, labels)

	results := make([]*peerEvaluation, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, account := range members {
		i, account := i, account
		g.Go(func() error {
			rankCtx, cancel := context.WithTimeout(gctx, rankingTimeout)
			defer cancel()

			content, err := e.llm.Complete(rankCtx, "verification.stage2",
				"Respond with strict JSON: {ranking:[int], reasoning}. Rank the anonymized reviews best-first by zero-based index.",
				prompt, 512)
			if err != nil {
				e.emit("error", map[string]interface{}{"taskId": taskID, "account": account, "message": err.Error()})
				return nil
			}
			var p peerEvaluation
			if err := json.Unmarshal([]byte(content), &p); err != nil {
				e.emit("error", map[string]interface{}{"taskId": taskID, "account": account, "message": "invalid ranking JSON"})
				return nil
			}
			p.Account = account
			results[i] = &p
			return nil
		})
	}
	_ = g.Wait()

	var out []peerEvaluation
	for _, p := range results {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

func (e *Engine) stage3Verdict(ctx context.Context, chairman string, reviews []review, peerEvals []peerEvaluation) (Verdict, float64, []string, string, error) {
	verdictCtx, cancel := context.WithTimeout(ctx, verdictTimeout)
	defer cancel()

	var summary strings.Builder
	for _, r := range reviews {
		fmt.Fprintf(&summary, "Review from %s: verdict=%s assessment=%s\n", r.Account, r.Verdict, r.Assessment)
	}
	for _, p := range peerEvals {
		fmt.Fprintf(&summary, "Peer ranking from %s: %v (%s)\n", p.Account, p.Ranking, p.Reasoning)
	}

	content, err := e.llm.Complete(verdictCtx, "verification.stage3",
		fmt.Sprintf("You are %s, the chairman. Respond with strict JSON: {verdict, confidence, notes, reasoning}", chairman),
		summary.String(), 1024)
	if err != nil {
		return "", 0, nil, "", err
	}

	var parsed struct {
		Verdict    Verdict  `json:"verdict"`
		Confidence float64  `json:"confidence"`
		Notes      []string `json:"notes"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return "", 0, nil, "", fmt.Errorf("invalid stage-3 verdict JSON: %w", err)
	}
	return parsed.Verdict, parsed.Confidence, parsed.Notes, parsed.Reasoning, nil
}

// reviewLabels returns n sequential labels "Review A", "Review B", ...,
// following council.letterLabel's A..Z,AA,AB.. spreadsheet scheme.
func reviewLabels(n int) []string {
	labels := make([]string, n)
	for i := 0; i < n; i++ {
		labels[i] = fmt.Sprintf("Review %s", letterLabel(i))
	}
	return labels
}

func letterLabel(i int) string {
	var b []byte
	for {
		b = append([]byte{byte('A' + i%26)}, b...)
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	return string(b)
}

func formatAnonymizedReviews(reviews []review, labels []string) string {
	var b strings.Builder
	for i, r := range reviews {
		fmt.Fprintf(&b, "%s: verdict=%s assessment=%s\n\n", labels[i], r.Verdict, r.Assessment)
	}
	return b.String()
}

func reviewViews(reviews []review) []ReviewView {
	out := make([]ReviewView, len(reviews))
	for i, r := range reviews {
		out[i] = ReviewView{Account: r.Account, Assessment: r.Assessment, Verdict: r.Verdict}
	}
	return out
}

func peerViews(peerEvals []peerEvaluation) []PeerView {
	out := make([]PeerView, len(peerEvals))
	for i, p := range peerEvals {
		out[i] = PeerView{Account: p.Account, Ranking: p.Ranking, Reasoning: p.Reasoning}
	}
	return out
}

// HashSpec is the specHash helper internal/hub uses to bind a
// TASK_VERIFIED receipt to a handoff without running a full verification
// round. It is identical to council.HashCanonicalJSON.
func HashSpec(v interface{}) (string, error) {
	return council.HashCanonicalJSON(v)
}

// ShouldForceHumanReview reports whether cognitive-friction rules block
// auto-acceptance regardless of verifiability: criticality=critical, or
// criticality=high with reversibility=irreversible.
func ShouldForceHumanReview(criticality, reversibility string) bool {
	if criticality == "critical" {
		return true
	}
	if criticality == "high" && reversibility == "irreversible" {
		return true
	}
	return false
}

// RequiresJustification reports whether a "require-justification" action
// may proceed: justification must be non-empty.
func RequiresJustification(justification string) bool {
	return justification != ""
}
