// dispatch.go implements the request dispatch table of spec §4.12/§6:
// one record type maps to one handler, every handler returns a reply
// record that echoes requestId. Grounded on the teacher's
// internal/rpc/server.go handleRequest switch (one case per Operation,
// uniform Response{Success,Data,Error} shape) generalized to this
// daemon's richer per-type reply payloads and its event-streaming
// council/verification calls.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hubd/hubd/internal/council"
	"github.com/hubd/hubd/internal/model"
	"github.com/hubd/hubd/internal/validation"
	"github.com/hubd/hubd/internal/verification"
)

// record is the union of every field any request type may carry. Fields
// unused by a given type are simply left zero.
type record struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// auth
	Account string `json:"account,omitempty"`
	Token   string `json:"token,omitempty"`

	// send_message / read_messages / archive_messages
	To      string            `json:"to,omitempty"`
	Content string            `json:"content,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
	Days    int               `json:"days,omitempty"`
	Context map[string]string `json:"context,omitempty"`

	// handoff_task
	Payload model.HandoffPayload `json:"payload,omitempty"`

	// update_task_status / report_progress
	TaskID  string `json:"taskId,omitempty"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Percent int    `json:"percent,omitempty"`

	// subscribe / unsubscribe
	Patterns []string `json:"patterns,omitempty"`

	// council_analyze / council_discussion
	Goal      string   `json:"goal,omitempty"`
	Members   []string `json:"members,omitempty"`
	Chairman  string   `json:"chairman,omitempty"`
	MaxRounds int      `json:"maxRounds,omitempty"`

	// session family
	SessionID   string `json:"sessionId,omitempty"`
	Participant string `json:"participant,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	Data        string `json:"data,omitempty"`

	// update_task_status, when Status == ready_for_review: evidence for
	// a council verification pass, if the originating handoff's
	// verifiability requires one. Reuses Members/Chairman above for the
	// reviewing/chairing accounts.
	Diff         string   `json:"diff,omitempty"`
	TestResults  string   `json:"testResults,omitempty"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	RiskNotes    string   `json:"riskNotes,omitempty"`
}

func reply(typ, requestID string, fields map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"type": typ}
	if requestID != "" {
		out["requestId"] = requestID
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func errorReply(requestID, message string, details interface{}) map[string]interface{} {
	fields := map[string]interface{}{"error": message}
	if details != nil {
		fields["details"] = details
	}
	return reply("error", requestID, fields)
}

// dispatch routes one authenticated-connection record to its handler.
// It never returns an error itself — every failure becomes an {type:
// "error"} reply per spec §7 ("validation errors ... never disconnect").
func (s *Server) dispatch(ctx context.Context, c *conn, rec record) map[string]interface{} {
	switch rec.Type {
	case "send_message":
		return s.handleSendMessage(ctx, c, rec)
	case "read_messages":
		return s.handleReadMessages(ctx, c, rec)
	case "handoff_task":
		return s.handleHandoffTask(ctx, c, rec)
	case "update_task_status":
		return s.handleUpdateTaskStatus(ctx, c, rec)
	case "report_progress":
		return s.handleReportProgress(rec)
	case "subscribe":
		return s.handleSubscribe(c, rec, true)
	case "unsubscribe":
		return s.handleSubscribe(c, rec, false)
	case "council_analyze":
		return s.handleCouncil(ctx, c, rec, council.ModeAnalysis)
	case "council_discussion":
		return s.handleCouncil(ctx, c, rec, council.ModeDiscussion)
	case "share_session":
		return s.handleShareSession(c, rec)
	case "join_session":
		return s.handleJoinSession(c, rec)
	case "session_broadcast":
		return s.handleSessionBroadcast(c, rec)
	case "session_ping":
		return s.handleSessionPing(c, rec)
	case "session_status":
		return s.handleSessionStatus(c, rec)
	case "session_history":
		return s.handleSessionHistory(c, rec)
	case "leave_session":
		return s.handleLeaveSession(c, rec)
	case "list_accounts":
		return s.handleListAccounts(rec)
	case "archive_messages":
		return s.handleArchiveMessages(ctx, rec)
	case "":
		return errorReply(rec.RequestID, "missing type", nil)
	default:
		return errorReply(rec.RequestID, fmt.Sprintf("unknown operation: %s", rec.Type), nil)
	}
}

func (s *Server) handleSendMessage(ctx context.Context, c *conn, rec record) map[string]interface{} {
	if !model.IsValidAccountName(rec.To) {
		return errorReply(rec.RequestID, "invalid recipient account", nil)
	}
	msg := model.Message{
		From: c.getAccount(), To: rec.To, Kind: model.KindMessage,
		Content: rec.Content, Timestamp: time.Now(), Context: rec.Context,
	}
	if _, err := s.messages.Add(ctx, msg); err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}

	delivered := s.isConnected(rec.To)
	if delivered {
		if peer := s.connFor(rec.To); peer != nil {
			_ = peer.writeRecord(reply("stream_event", "", map[string]interface{}{
				"event": s.bus.Emit("MESSAGE_RECEIVED", map[string]interface{}{"from": msg.From, "to": msg.To}),
			}))
		}
	}
	return reply("result", rec.RequestID, map[string]interface{}{"delivered": delivered, "queued": true})
}

func (s *Server) handleReadMessages(ctx context.Context, c *conn, rec record) map[string]interface{} {
	account := c.getAccount()
	if rec.Limit == 0 && rec.Offset == 0 {
		msgs, err := s.messages.Unread(ctx, account)
		if err != nil {
			return errorReply(rec.RequestID, err.Error(), nil)
		}
		if err := s.messages.MarkAllRead(ctx, account); err != nil {
			return errorReply(rec.RequestID, err.Error(), nil)
		}
		for i := range msgs {
			msgs[i].Read = true
		}
		return reply("result", rec.RequestID, map[string]interface{}{"messages": msgs})
	}

	msgs, err := s.messages.Paged(ctx, account, rec.Limit, rec.Offset)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleHandoffTask(ctx context.Context, c *conn, rec record) map[string]interface{} {
	if !model.IsValidAccountName(rec.To) {
		return errorReply(rec.RequestID, "invalid recipient account", nil)
	}

	result := validation.ValidateHandoff(&rec.Payload)
	if rec.Context != nil {
		ctxResult := validation.ValidateHandoffContext(rec.Context)
		result.Issues = append(result.Issues, ctxResult.Issues...)
		result.Blocked = result.Blocked || ctxResult.Blocked
	}
	if result.Blocked {
		return errorReply(rec.RequestID, "Invalid handoff payload", issueDetails(result.Issues))
	}

	specJSON, err := encodeHandoffContent(rec.Payload)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}

	msg := model.Message{
		From: c.getAccount(), To: rec.To, Kind: model.KindHandoff,
		Content: specJSON, Timestamp: time.Now(), Context: rec.Context,
	}
	handoffID, err := s.messages.Add(ctx, msg)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}

	task, err := s.tasks.CreateTask(rec.Payload.Goal, rec.Payload.Criticality, handoffID)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}

	fields := map[string]interface{}{"handoffId": handoffID, "taskId": task.ID}
	if len(result.Warnings) > 0 {
		fields["warnings"] = issueDetails(result.Warnings)
	}
	return reply("result", rec.RequestID, fields)
}

func (s *Server) handleUpdateTaskStatus(ctx context.Context, c *conn, rec record) map[string]interface{} {
	var (
		task       *model.Task
		err        error
		verifyView interface{}
	)
	switch rec.Status {
	case string(model.StatusInProgress):
		task, err = s.tasks.StartTask(rec.TaskID, c.getAccount())
	case string(model.StatusReadyForReview):
		task, err = s.tasks.SubmitTask(rec.TaskID)
		if err == nil {
			verifyView = s.maybeVerify(ctx, c, task, rec)
		}
	case string(model.StatusAccepted):
		task, err = s.tasks.AcceptTask(rec.TaskID)
		if err == nil {
			s.emitTaskVerified(ctx, task)
		}
	case string(model.StatusRejected):
		task, err = s.tasks.RejectTask(rec.TaskID, rec.Reason)
	case string(model.StatusPending):
		task, err = s.tasks.ReassignTask(rec.TaskID, rec.Reason)
	default:
		return errorReply(rec.RequestID, fmt.Sprintf("unsupported status transition: %s", rec.Status), nil)
	}
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	fields := map[string]interface{}{"task": task}
	if verifyView != nil {
		fields["verification"] = verifyView
	}
	return reply("result", rec.RequestID, fields)
}

// handleReportProgress records an agent's self-reported completion
// percentage against a task without changing its status, feeding the
// SLA ladder's unresponsive rule (internal/sla.Evaluate), which keys off
// how stale the last report is. The proactive-warning rule also reads the
// report but does not fire, since taskSnapshot leaves EstimatedDuration
// zero.
func (s *Server) handleReportProgress(rec record) map[string]interface{} {
	if rec.Percent < 0 || rec.Percent > 100 {
		return errorReply(rec.RequestID, "percent must be between 0 and 100", nil)
	}
	task, err := s.tasks.RecordProgress(rec.TaskID, rec.Percent)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"task": task})
}

// maybeVerify runs a council verification pass over task when its
// originating handoff's verifiability demands one
// (verification.NeedsCouncilVerification); auto-testable handoffs are
// left to run their own test suite and never reach an LLM call here.
// Returns nil when no pass was run (no handoff on file, auto-testable,
// or no LLM configured).
func (s *Server) maybeVerify(ctx context.Context, c *conn, task *model.Task, rec record) interface{} {
	if s.llm == nil || task.HandoffMessageID == "" {
		return nil
	}
	msg, err := s.messages.GetByID(ctx, task.HandoffMessageID)
	if err != nil {
		return nil
	}
	var payload model.HandoffPayload
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return nil
	}
	if !verification.NeedsCouncilVerification(verification.Verifiability(payload.Verifiability)) {
		return nil
	}

	members := rec.Members
	if len(members) == 0 {
		members = []string{task.Assignee}
	}
	chairman := rec.Chairman
	if chairman == "" {
		chairman = members[0]
	}

	engine := verification.NewEngine(s.llm, &teeEmitter{bus: s.bus, conn: c})
	result := engine.Verify(ctx, task.ID, members, chairman, verification.SpecSummary{
		Goal: payload.Goal, AcceptanceCriteria: payload.AcceptanceCriteria,
	}, verification.ReviewBundle{
		Diff: rec.Diff, TestResults: rec.TestResults, FilesChanged: rec.FilesChanged, RiskNotes: rec.RiskNotes,
	})
	s.bus.Emit("TASK_SUBMITTED_FOR_VERIFICATION", map[string]interface{}{"taskId": task.ID, "verdict": string(result.Verdict)})
	return result
}

func (s *Server) handleSubscribe(c *conn, rec record, add bool) map[string]interface{} {
	c.mu.Lock()
	if add {
		c.patterns = append(c.patterns, rec.Patterns...)
	} else {
		c.patterns = removePatterns(c.patterns, rec.Patterns)
	}
	patterns := append([]string(nil), c.patterns...)
	c.mu.Unlock()

	s.resubscribe(c, patterns)
	return reply("result", rec.RequestID, map[string]interface{}{"subscribed": add})
}

func (s *Server) handleCouncil(ctx context.Context, c *conn, rec record, mode council.Mode) map[string]interface{} {
	if s.llm == nil {
		return errorReply(rec.RequestID, "council engine unavailable", nil)
	}
	councilCtx, cancel := context.WithTimeout(ctx, s.councilTimeout)
	c.trackCancel(rec.RequestID, cancel)
	defer func() {
		cancel()
		c.untrackCancel(rec.RequestID)
	}()

	emitter := &teeEmitter{bus: s.bus, conn: c}
	engine := council.NewEngine(s.llm, emitter, s.councilCachePath)
	result := engine.Run(councilCtx, council.Request{
		Mode: mode, Goal: rec.Goal, Members: rec.Members, Chairman: rec.Chairman, MaxRounds: rec.MaxRounds,
	})
	return reply("result", rec.RequestID, map[string]interface{}{"result": result})
}

func (s *Server) handleShareSession(c *conn, rec record) map[string]interface{} {
	session, err := s.sessions.CreateSession(c.getAccount(), rec.Participant, rec.Workspace)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"session": session})
}

func (s *Server) handleJoinSession(c *conn, rec record) map[string]interface{} {
	session, err := s.sessions.JoinSession(rec.SessionID, c.getAccount())
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"session": session})
}

func (s *Server) handleSessionBroadcast(c *conn, rec record) map[string]interface{} {
	if err := s.sessions.AddUpdate(rec.SessionID, c.getAccount(), rec.Data); err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"broadcast": true})
}

func (s *Server) handleSessionPing(c *conn, rec record) map[string]interface{} {
	if err := s.sessions.Ping(rec.SessionID, c.getAccount()); err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"pinged": true})
}

func (s *Server) handleLeaveSession(c *conn, rec record) map[string]interface{} {
	if err := s.sessions.EndSession(rec.SessionID, c.getAccount()); err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"left": true})
}

func (s *Server) handleSessionStatus(c *conn, rec record) map[string]interface{} {
	session, err := s.sessions.Get(rec.SessionID)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"session": session})
}

func (s *Server) handleSessionHistory(c *conn, rec record) map[string]interface{} {
	updates, err := s.sessions.GetUpdates(rec.SessionID, c.getAccount())
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"updates": updates})
}

func (s *Server) handleListAccounts(rec record) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]map[string]interface{}, 0, len(s.conns))
	for name := range s.conns {
		accounts = append(accounts, map[string]interface{}{"account": name, "status": "active"})
	}
	return reply("result", rec.RequestID, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleArchiveMessages(ctx context.Context, rec record) map[string]interface{} {
	n, err := s.messages.ArchiveOld(ctx, rec.Days)
	if err != nil {
		return errorReply(rec.RequestID, err.Error(), nil)
	}
	return reply("result", rec.RequestID, map[string]interface{}{"archived": n})
}

func removePatterns(current, remove []string) []string {
	removeSet := make(map[string]struct{}, len(remove))
	for _, p := range remove {
		removeSet[p] = struct{}{}
	}
	out := current[:0]
	for _, p := range current {
		if _, drop := removeSet[p]; !drop {
			out = append(out, p)
		}
	}
	return out
}

func issueDetails(issues []validation.Issue) []map[string]interface{} {
	out := make([]map[string]interface{}, len(issues))
	for i, issue := range issues {
		out[i] = map[string]interface{}{"field": issue.Field, "message": issue.Message}
	}
	return out
}
