// Package council implements the multi-account deliberation engine: a
// research/discussion/decision state machine for open-ended questions,
// and a three-stage analysis mode for structured task scoping.
//
// The concurrent-member-fan-out-with-timeout shape is grounded on the
// teacher's internal/compact/haiku.go calling pattern (one LLM call per
// unit of work, retried and traced), generalized from "one call" to "N
// concurrent member calls joined via golang.org/x/sync/errgroup" — the
// teacher depends on errgroup already (internal/storage/dolt uses it for
// parallel migration checks). Event emission naming (phase_start,
// member_start, member_done, phase_complete, error, done) follows the
// vocabulary in spec §4.10/§6; there is
// no teacher equivalent of a streaming multi-party deliberation engine,
// so the phase/timeout/truncation mechanics here are new but built in
// the teacher's idiom: small structs, explicit error returns, context
// cancellation threaded through every blocking call.
package council

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubd/hubd/internal/model"
)

// Mode selects which state machine Run drives.
type Mode string

const (
	ModeDiscussion Mode = "discussion"
	ModeAnalysis   Mode = "analysis"
)

const (
	researchTimeout   = 180 * time.Second
	discussionTimeout = 90 * time.Second
	decisionTimeout   = 180 * time.Second

	transcriptCompactionThreshold = 20 * 1024
	memberOutputMaxChars          = 4000
	memberOutputHeadChars         = 3500
	memberOutputTailChars         = 500
	researchMessageMaxChars       = 2000
	discussionMessageMaxChars     = 800
)

// compactionPrompt is the fixed prompt used verbatim for transcript
// summarization (spec §6).
const compactionPrompt = "Summarize the council discussion below for the chairman's final decision. Preserve: key findings with specific file paths and line numbers; areas of agreement and disagreement; concrete recommendations; caveats or risks. Use sections: Key Findings, Consensus, Disagreements, Recommendations."

// Completer is the LLM dependency council needs; satisfied by
// *llmclient.Client and by test fakes.
type Completer interface {
	Complete(ctx context.Context, operation, systemPrompt, userPrompt string, maxTokens int64) (string, error)
}

// EventEmitter is the subset of eventbus.Bus council needs.
type EventEmitter interface {
	Emit(eventType string, fields map[string]interface{}) model.EventRecord
}

// Request configures one council run.
type Request struct {
	Mode     Mode
	Goal     string
	Members  []string
	Chairman string
	MaxRounds int // discussion mode only; 0 defaults to 2
}

// Message is one entry in a discussion transcript.
type Message struct {
	Account string
	Phase   string // "research" or "discussion"
	Round   int
	Content string
}

// Result is council's final output, persisted to the cache file on done.
type Result struct {
	Goal      string    `json:"goal"`
	Research  []Message `json:"research"`
	Discussion []Message `json:"discussion"`
	Decision  string    `json:"decision"`
	Analysis  *AnalysisResult `json:"analysis,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// AnalysisResult is the structured output of analysis mode.
type AnalysisResult struct {
	ConsensusComplexity      string   `json:"consensusComplexity"`
	ConsensusDurationMinutes int      `json:"consensusDurationMinutes"`
	ConsensusSkills          []string `json:"consensusSkills"`
	RecommendedApproach      string   `json:"recommendedApproach"`
	Confidence               float64  `json:"confidence"`
	DissentingViews          []string `json:"dissentingViews,omitempty"`
}

// memberAnalysis is one member's stage-1 structured output in analysis mode.
type memberAnalysis struct {
	Account                string   `json:"-"`
	Complexity              string   `json:"complexity"`
	EstimatedDurationMinutes int     `json:"estimatedDurationMinutes"`
	RequiredSkills          []string `json:"requiredSkills"`
	RecommendedApproach     string   `json:"recommendedApproach"`
	Risks                   []string `json:"risks"`
	SuggestedProvider       string   `json:"suggestedProvider,omitempty"`
}

// ranking is one member's stage-2 peer ranking.
type ranking struct {
	Account   string `json:"-"`
	Ranking   []int  `json:"ranking"`
	Reasoning string `json:"reasoning"`
}

// Engine drives council runs.
type Engine struct {
	llm       Completer
	bus       EventEmitter
	cachePath string
}

// NewEngine creates an Engine. cachePath is where completed runs are
// appended (normally <HUB_DIR>/council-cache.json).
func NewEngine(llm Completer, bus EventEmitter, cachePath string) *Engine {
	return &Engine{llm: llm, bus: bus, cachePath: cachePath}
}

func (e *Engine) emit(eventType string, fields map[string]interface{}) {
	if e.bus != nil {
		e.bus.Emit(eventType, fields)
	}
}

// Run drives req's state machine to completion, emitting progress events
// throughout, and returns the final result. ctx cancellation aborts every
// in-flight member call and the compaction call.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	if req.Mode == ModeAnalysis {
		return e.runAnalysis(ctx, req)
	}
	return e.runDiscussion(ctx, req)
}

// runDiscussion drives idle -> research -> discussion(rounds) -> decision -> done.
func (e *Engine) runDiscussion(ctx context.Context, req Request) Result {
	if len(req.Members) == 0 {
		e.emit("error", map[string]interface{}{"message": "No members provided for council run"})
		result := Result{Goal: req.Goal, Timestamp: time.Now(), Error: "No members provided for council run"}
		e.emit("done", map[string]interface{}{"result": result})
		return result
	}

	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 2
	}

	e.emit("phase_start", map[string]interface{}{"phase": "research"})
	research := e.runResearch(ctx, req)
	e.emit("phase_complete", map[string]interface{}{"phase": "research", "count": len(research)})

	if len(research) == 0 {
		e.emit("error", map[string]interface{}{"message": "No members produced a research result"})
		result := Result{Goal: req.Goal, Research: research, Timestamp: time.Now(), Error: "No members produced a research result"}
		e.emit("done", map[string]interface{}{"result": result})
		return result
	}

	var transcript []Message
	transcript = append(transcript, research...)

	for round := 1; round <= maxRounds; round++ {
		e.emit("phase_start", map[string]interface{}{"phase": "discussion", "round": round})
		msgs := e.runDiscussionRound(ctx, req, transcript, round)
		transcript = append(transcript, msgs...)
		e.emit("phase_complete", map[string]interface{}{"phase": "discussion", "round": round, "count": len(msgs)})

		select {
		case <-ctx.Done():
			result := Result{Goal: req.Goal, Research: research, Discussion: transcript[len(research):], Timestamp: time.Now(), Error: "phase timeout"}
			e.emit("done", map[string]interface{}{"result": result})
			return result
		default:
		}
	}

	e.emit("phase_start", map[string]interface{}{"phase": "decision"})
	decision, err := e.runDecision(ctx, req, transcript)
	if err != nil {
		e.emit("error", map[string]interface{}{"message": err.Error()})
	}
	e.emit("phase_complete", map[string]interface{}{"phase": "decision"})

	result := Result{
		Goal:       req.Goal,
		Research:   research,
		Discussion: transcript[len(research):],
		Decision:   decision,
		Timestamp:  time.Now(),
	}
	e.emit("done", map[string]interface{}{"result": result})
	e.persist(result)
	return result
}

func (e *Engine) runResearch(ctx context.Context, req Request) []Message {
	type out struct {
		msg Message
		ok  bool
	}
	results := make([]out, len(req.Members))

	g, gctx := errgroup.WithContext(ctx)
	for i, account := range req.Members {
		i, account := i, account
		g.Go(func() error {
			e.emit("member_start", map[string]interface{}{"account": account, "phase": "research"})
			memberCtx, cancel := context.WithTimeout(gctx, researchTimeout)
			defer cancel()

			content, err := e.llm.Complete(memberCtx, "council.research",
				fmt.Sprintf("You are %s, a participant in a multi-agent council.", account),
				req.Goal, 2048)
			if err != nil {
				e.emit("error", map[string]interface{}{"account": account, "message": err.Error()})
				return nil // a failed member contributes no message; the round continues
			}
			truncated := headTailTruncate(content, memberOutputMaxChars, memberOutputHeadChars, memberOutputTailChars)
			e.emit("member_done", map[string]interface{}{"account": account, "phase": "research"})
			results[i] = out{msg: Message{Account: account, Phase: "research", Content: truncated}, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	var msgs []Message
	for _, r := range results {
		if r.ok {
			msgs = append(msgs, r.msg)
		}
	}
	return msgs
}

func (e *Engine) runDiscussionRound(ctx context.Context, req Request, priorTranscript []Message, round int) []Message {
	var msgs []Message
	// Members respond sequentially in input order, each seeing every
	// prior message (including ones produced earlier in this round).
	seen := append([]Message(nil), priorTranscript...)

	for _, account := range req.Members {
		select {
		case <-ctx.Done():
			return msgs
		default:
		}

		e.emit("member_start", map[string]interface{}{"account": account, "phase": "discussion", "round": round})
		memberCtx, cancel := context.WithTimeout(ctx, discussionTimeout)
		prompt := formatTranscript(seen, discussionMessageMaxChars)
		content, err := e.llm.Complete(memberCtx, "council.discussion",
			fmt.Sprintf("You are %s, a participant in a multi-agent council discussion.", account),
			prompt, 1024)
		cancel()
		if err != nil {
			e.emit("error", map[string]interface{}{"account": account, "message": err.Error()})
			continue
		}
		truncated := headTailTruncate(content, memberOutputMaxChars, memberOutputHeadChars, memberOutputTailChars)
		m := Message{Account: account, Phase: "discussion", Round: round, Content: truncated}
		msgs = append(msgs, m)
		seen = append(seen, m)
		e.emit("member_done", map[string]interface{}{"account": account, "phase": "discussion", "round": round})
	}
	return msgs
}

func (e *Engine) runDecision(ctx context.Context, req Request, transcript []Message) (string, error) {
	decisionCtx, cancel := context.WithTimeout(ctx, decisionTimeout)
	defer cancel()

	transcriptText := formatTranscript(transcript, researchMessageMaxChars)
	if len(transcriptText) > transcriptCompactionThreshold {
		summary, err := e.llm.Complete(decisionCtx, "council.compaction", compactionPrompt, transcriptText, 1024)
		if err == nil {
			transcriptText = summary
		}
		// On summarization failure, fall back to the raw (uncompacted) transcript.
	}

	return e.llm.Complete(decisionCtx, "council.decision",
		fmt.Sprintf("You are %s, the chairman of this council. Produce a final structured decision.", req.Chairman),
		fmt.Sprintf("Goal: %s\n\nTranscript:\n%s", req.Goal, transcriptText), 2048)
}

func (e *Engine) persist(result Result) {
	if e.cachePath == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	f, err := os.OpenFile(e.cachePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(data, '\n'))
}

// headTailTruncate keeps the first headChars and last tailChars of s with
// an elision marker in between, when s exceeds maxChars.
func headTailTruncate(s string, maxChars, headChars, tailChars int) string {
	if len(s) <= maxChars {
		return s
	}
	omitted := len(s) - headChars - tailChars
	return fmt.Sprintf("%s\n…%d chars omitted…\n%s", s[:headChars], omitted, s[len(s)-tailChars:])
}

// formatTranscript renders messages for inclusion in a later prompt,
// truncating each individual message to maxChars (head-only truncation).
func formatTranscript(msgs []Message, maxChars int) string {
	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if len(content) > maxChars {
			content = content[:maxChars] + "…"
		}
		fmt.Fprintf(&b, "[%s/%s] %s: %s\n\n", m.Phase, roundLabel(m.Round), m.Account, content)
	}
	return b.String()
}

func roundLabel(round int) string {
	if round == 0 {
		return "initial"
	}
	return fmt.Sprintf("round%d", round)
}

// runAnalysis drives the three-stage analysis mode.
func (e *Engine) runAnalysis(ctx context.Context, req Request) Result {
	if len(req.Members) == 0 {
		e.emit("error", map[string]interface{}{"message": "No members provided for council run"})
		result := Result{Goal: req.Goal, Timestamp: time.Now(), Error: "No members provided for council run"}
		e.emit("done", map[string]interface{}{"result": result})
		return result
	}

	e.emit("phase_start", map[string]interface{}{"phase": "analysis_stage1"})
	analyses := e.stage1Analyze(ctx, req)
	e.emit("phase_complete", map[string]interface{}{"phase": "analysis_stage1", "count": len(analyses)})

	if len(analyses) == 0 {
		e.emit("error", map[string]interface{}{"message": "No members produced an analysis"})
		result := Result{Goal: req.Goal, Timestamp: time.Now(), Error: "No members produced an analysis"}
		e.emit("done", map[string]interface{}{"result": result})
		return result
	}

	e.emit("phase_start", map[string]interface{}{"phase": "analysis_stage2"})
	rankings := e.stage2Rank(ctx, req, analyses)
	e.emit("phase_complete", map[string]interface{}{"phase": "analysis_stage2", "count": len(rankings)})

	e.emit("phase_start", map[string]interface{}{"phase": "analysis_stage3"})
	analysisResult, err := e.stage3Synthesize(ctx, req, analyses, rankings)
	if err != nil {
		e.emit("error", map[string]interface{}{"message": err.Error()})
	}
	e.emit("phase_complete", map[string]interface{}{"phase": "analysis_stage3"})

	result := Result{Goal: req.Goal, Analysis: analysisResult, Timestamp: time.Now()}
	e.emit("done", map[string]interface{}{"result": result})
	e.persist(result)
	return result
}

func (e *Engine) stage1Analyze(ctx context.Context, req Request) []memberAnalysis {
	results := make([]*memberAnalysis, len(req.Members))

	g, gctx := errgroup.WithContext(ctx)
	for i, account := range req.Members {
		i, account := i, account
		g.Go(func() error {
			memberCtx, cancel := context.WithTimeout(gctx, researchTimeout)
			defer cancel()

			content, err := e.llm.Complete(memberCtx, "council.analysis.stage1",
				"Respond with strict JSON: {complexity, estimatedDurationMinutes, requiredSkills, recommendedApproach, risks, suggestedProvider?}",
				req.Goal, 1024)
			if err != nil {
				e.emit("error", map[string]interface{}{"account": account, "message": err.Error()})
				return nil
			}
			var a memberAnalysis
			if err := json.Unmarshal([]byte(content), &a); err != nil {
				e.emit("error", map[string]interface{}{"account": account, "message": "invalid analysis JSON"})
				return nil
			}
			a.Account = account
			results[i] = &a
			return nil
		})
	}
	_ = g.Wait()

	var out []memberAnalysis
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// stage2Rank has every member rank the anonymized stage-1 analyses. The
// account-to-label mapping (and back) never leaves this function, so no
// prompt sent to a member ever contains an account name.
func (e *Engine) stage2Rank(ctx context.Context, req Request, analyses []memberAnalysis) []ranking {
	labels := anonymize(len(analyses))
	prompt := formatAnonymizedAnalyses(analyses, labels)

	results := make([]*ranking, len(req.Members))
	g, gctx := errgroup.WithContext(ctx)
	for i, account := range req.Members {
		i, account := i, account
		g.Go(func() error {
			memberCtx, cancel := context.WithTimeout(gctx, discussionTimeout)
			defer cancel()

			content, err := e.llm.Complete(memberCtx, "council.analysis.stage2",
				"Respond with strict JSON: {ranking:[int], reasoning}. Rank the anonymized analyses best-first by zero-based index.",
				prompt, 512)
			if err != nil {
				e.emit("error", map[string]interface{}{"account": account, "message": err.Error()})
				return nil
			}
			var r ranking
			if err := json.Unmarshal([]byte(content), &r); err != nil {
				e.emit("error", map[string]interface{}{"account": account, "message": "invalid ranking JSON"})
				return nil
			}
			r.Account = account
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	var out []ranking
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (e *Engine) stage3Synthesize(ctx context.Context, req Request, analyses []memberAnalysis, rankings []ranking) (*AnalysisResult, error) {
	decisionCtx, cancel := context.WithTimeout(ctx, decisionTimeout)
	defer cancel()

	best := AggregateRank(analyses, rankings)
	var summary strings.Builder
	for _, a := range analyses {
		fmt.Fprintf(&summary, "Analysis from %s: complexity=%s duration=%dm approach=%s\n", a.Account, a.Complexity, a.EstimatedDurationMinutes, a.RecommendedApproach)
	}
	fmt.Fprintf(&summary, "\nAggregate rank order (best first): %s\n", strings.Join(best, ", "))

	content, err := e.llm.Complete(decisionCtx, "council.analysis.stage3",
		fmt.Sprintf("You are %s, the chairman. Respond with strict JSON: {consensusComplexity, consensusDurationMinutes, consensusSkills, recommendedApproach, confidence, dissenting_views?}", req.Chairman),
		summary.String(), 1024)
	if err != nil {
		return nil, err
	}

	var result AnalysisResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("invalid stage-3 synthesis JSON: %w", err)
	}
	return &result, nil
}

// anonymize returns n sequential labels "Analysis A", "Analysis B", ...
func anonymize(n int) []string {
	labels := make([]string, n)
	for i := 0; i < n; i++ {
		labels[i] = fmt.Sprintf("Analysis %s", letterLabel(i))
	}
	return labels
}

// letterLabel converts a zero-based index into A, B, ..., Z, AA, AB, ...
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

func formatAnonymizedAnalyses(analyses []memberAnalysis, labels []string) string {
	var b strings.Builder
	for i, a := range analyses {
		fmt.Fprintf(&b, "%s: complexity=%s duration=%dm skills=%v approach=%s risks=%v\n\n",
			labels[i], a.Complexity, a.EstimatedDurationMinutes, a.RequiredSkills, a.RecommendedApproach, a.Risks)
	}
	return b.String()
}

// AggregateRank computes each account's average peer-ranked position
// (1-based) and returns accounts sorted ascending (best first). Rankings
// are over analysis indices; out-of-range indices are ignored. The
// result is independent of the order reviewers are listed in.
func AggregateRank(analyses []memberAnalysis, rankings []ranking) []string {
	sums := make([]float64, len(analyses))
	counts := make([]int, len(analyses))

	for _, r := range rankings {
		for pos, idx := range r.Ranking {
			if idx < 0 || idx >= len(analyses) {
				continue
			}
			sums[idx] += float64(pos + 1)
			counts[idx]++
		}
	}

	type scored struct {
		account string
		avg     float64
	}
	var scoredList []scored
	for i, a := range analyses {
		avg := 0.0
		if counts[i] > 0 {
			avg = sums[i] / float64(counts[i])
		} else {
			avg = float64(len(analyses) + 1) // never ranked: sort last
		}
		scoredList = append(scoredList, scored{account: a.Account, avg: avg})
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].avg < scoredList[j].avg })

	out := make([]string, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.account
	}
	return out
}

// HashCanonicalJSON returns a stable hex-encoded sha256 hash over v's
// canonical (alphabetized-key) JSON encoding, used for council's
// specHash/evidenceHash and shared with internal/verification.
func HashCanonicalJSON(v interface{}) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v, then re-marshals through a generic
// map/slice walk so object keys are sorted, giving a stable byte
// sequence for hashing regardless of Go struct field order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalCanonical(generic)
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []interface{}:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			b.Write(ib)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(val)
	}
}
