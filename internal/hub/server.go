// server.go is the connection server of spec §4.12: the UNIX socket
// accept loop, per-connection goroutines, and graceful shutdown.
// Grounded on the teacher's internal/rpc/server.go Server/NewServer/
// Start/Stop/handleConnection shape (bufio-framed request loop, signal-
// driven shutdown, socket file cleanup), generalized from the teacher's
// single shared SQLite handle to this daemon's set of independent
// stores/engines and from one-shot request/response to long-lived,
// subscribable, authenticated connections.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubd/hubd/internal/eventbus"
	"github.com/hubd/hubd/internal/framing"
	"github.com/hubd/hubd/internal/health"
	"github.com/hubd/hubd/internal/messagestore"
	"github.com/hubd/hubd/internal/model"
	"github.com/hubd/hubd/internal/session"
	"github.com/hubd/hubd/internal/sla"
	"github.com/hubd/hubd/internal/taskstore"
	"github.com/hubd/hubd/internal/tokenstore"
	"github.com/hubd/hubd/internal/trust"
	"github.com/hubd/hubd/internal/verification"
)

const (
	maxRecordBytes       = 1 << 20 // 1 MiB
	maxStreamChunk       = 256 << 10
	idleTimeout          = 30 * time.Minute
	simpleTimeout        = 2 * time.Second
	councilTimeout       = 10 * time.Minute
	readBufferBytes      = 64 << 10
	slaSweepInterval     = 1 * time.Minute
	sessionSweepInterval = 30 * time.Second
	sessionPurgeAfter    = 1 * time.Hour
)

// Config bundles the dependencies a Server is constructed with. Every
// field is a handle to an already-opened store or engine; Server itself
// owns no persistence logic.
type Config struct {
	SocketPath string
	PIDPath    string

	Messages *messagestore.Store
	Tasks    *taskstore.Board
	Trust    *trust.Store
	Tokens   *tokenstore.Store
	Health   *health.Monitor
	SLA      *sla.Coordinator
	Sessions *session.Manager
	Bus      *eventbus.Bus

	LLM              verification.Completer
	CouncilCachePath string
}

// Server accepts connections on a UNIX domain socket and dispatches
// authenticated requests against the configured stores and engines.
type Server struct {
	cfg Config

	messages *messagestore.Store
	tasks    *taskstore.Board
	trust    *trust.Store
	tokens   *tokenstore.Store
	health   *health.Monitor
	sla      *sla.Coordinator
	sessions *session.Manager
	bus      *eventbus.Bus

	llm              verification.Completer
	councilCachePath string
	councilTimeout   time.Duration

	mu    sync.RWMutex
	conns map[string]*conn

	listener net.Listener
	wg       sync.WaitGroup
	log      *slog.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		cfg:              cfg,
		messages:         cfg.Messages,
		tasks:            cfg.Tasks,
		trust:            cfg.Trust,
		tokens:           cfg.Tokens,
		health:           cfg.Health,
		sla:              cfg.SLA,
		sessions:         cfg.Sessions,
		bus:              cfg.Bus,
		llm:              cfg.LLM,
		councilCachePath: cfg.CouncilCachePath,
		councilTimeout:   councilTimeout,
		conns:            make(map[string]*conn),
		log:              slog.Default().With("component", "hub"),
	}
}

// Start binds the socket, writes the PID file, and begins accepting
// connections. It returns once the listener is up; the accept loop and
// the SLA, session and health sweeps run in their own goroutines until
// Stop closes the listener or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hub: removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("hub: listen: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("hub: chmod socket: %w", err)
	}
	if err := os.WriteFile(s.cfg.PIDPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("hub: writing pid file: %w", err)
	}
	s.listener = listener

	go s.acceptLoop(ctx)
	go s.runSLASweeps(ctx, slaSweepInterval)
	go s.runSessionSweeps(ctx, sessionSweepInterval)
	s.runHealthProbes(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, raw)
	}
}

// Stop stops accepting new connections, closes every live connection
// without writing anything further to it, removes the socket and PID
// file, and flushes the stores that buffer in memory. Per spec §4.12:
// "On SIGINT/SIGTERM: stop accepting, close connections (sending
// nothing), remove socket file and PID file, flush stores."
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()

	_ = os.Remove(s.cfg.SocketPath)
	_ = os.Remove(s.cfg.PIDPath)
	_ = s.messages.Close()
	_ = s.trust.Close()
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, then calls Stop.
// Grounded on the teacher's server shutdown hook, with the signal set
// named directly (syscall.SIGINT, syscall.SIGTERM) since the teacher's
// own serverSignals slice is platform-specific and not reused here.
func (s *Server) WaitForSignal(ctx context.Context, sigCh <-chan os.Signal) {
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	s.Stop()
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	defer s.wg.Done()
	c := newConn(raw)
	c.id = uuid.NewString()
	c.lastActivity = time.Now()

	defer s.forgetConn(c)

	parser := framing.NewParser(func(obj map[string]interface{}) {
		s.handleRecord(ctx, c, obj)
	})

	buf := make([]byte, readBufferBytes)
	idleTimer := time.AfterFunc(idleTimeout, func() { c.close() })
	defer idleTimer.Stop()

	for {
		_ = raw.SetReadDeadline(time.Time{})
		n, err := raw.Read(buf)
		if n > 0 {
			idleTimer.Reset(idleTimeout)
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
			parser.Feed(buf[:n])
			if parser.Buffered() > maxRecordBytes {
				_ = c.writeRecord(errorReply("", "record exceeds maximum size", nil))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) forgetConn(c *conn) {
	c.close()
	s.mu.Lock()
	if account := c.getAccount(); account != "" {
		if existing, ok := s.conns[account]; ok && existing == c {
			delete(s.conns, account)
		}
	}
	s.mu.Unlock()
	if c.hasSub {
		s.bus.Unsubscribe(c.subID)
	}
}

// handleRecord processes one decoded line. The first record on a
// connection must authenticate it; every record before that is
// silently ignored per spec §4 ("first record must be auth; anything
// else before auth is dropped, not rejected").
func (s *Server) handleRecord(ctx context.Context, c *conn, obj map[string]interface{}) {
	data, err := json.Marshal(obj)
	if err != nil {
		return
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		_ = c.writeRecord(errorReply("", "malformed record", nil))
		return
	}

	if !c.isAuthenticated() {
		if rec.Type != "auth" {
			return
		}
		s.handleAuth(c, rec)
		return
	}

	if rec.Type == "auth" {
		_ = c.writeRecord(errorReply(rec.RequestID, "already authenticated", nil))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, simpleTimeout)
	if rec.Type == "council_analyze" || rec.Type == "council_discussion" {
		cancel()
		reqCtx, cancel = context.WithTimeout(ctx, s.councilTimeout)
	}
	c.trackCancel(rec.RequestID, cancel)

	go func() {
		defer cancel()
		defer c.untrackCancel(rec.RequestID)
		out := s.dispatch(reqCtx, c, rec)
		_ = c.writeRecord(out)
	}()
}

func (s *Server) handleAuth(c *conn, rec record) {
	if !model.IsValidAccountName(rec.Account) || !s.tokens.Verify(rec.Account, rec.Token) {
		_ = c.writeRecord(reply("auth_fail", rec.RequestID, map[string]interface{}{"reason": "invalid account or token"}))
		return
	}

	s.mu.Lock()
	s.conns[rec.Account] = c
	s.mu.Unlock()

	c.setAccount(rec.Account)
	s.health.Update(rec.Account, health.Partial{Connected: boolPtr(true)})
	_ = c.writeRecord(reply("auth_ok", rec.RequestID, map[string]interface{}{"account": rec.Account}))
}

func boolPtr(b bool) *bool { return &b }

func (s *Server) isConnected(account string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[account]
	return ok
}

func (s *Server) connFor(account string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[account]
}

// resubscribe replaces c's event-bus subscription with one matching its
// current pattern set, and starts (or leaves running) the pump
// goroutine that forwards matched events to the connection as
// stream_event records.
func (s *Server) resubscribe(c *conn, patterns []string) {
	c.mu.Lock()
	if c.hasSub {
		oldID := c.subID
		c.mu.Unlock()
		s.bus.Unsubscribe(oldID)
		c.mu.Lock()
	}
	if len(patterns) == 0 {
		c.hasSub = false
		c.mu.Unlock()
		return
	}
	subID, ch := s.bus.Subscribe(patterns)
	c.subID = subID
	c.subCh = ch
	c.hasSub = true
	c.mu.Unlock()

	go s.pumpEvents(c, subID, ch)
}

func (s *Server) pumpEvents(c *conn, subID eventbus.Subscription, ch <-chan model.EventRecord) {
	for rec := range ch {
		c.mu.Lock()
		current := c.hasSub && c.subID == subID
		c.mu.Unlock()
		if !current {
			return
		}
		_ = c.writeRecord(reply("stream_event", "", map[string]interface{}{"event": truncateChunk(rec)}))
	}
}

// teeEmitter forwards council/verification progress events both onto
// the shared bus (for other subscribers) and directly to the
// requesting connection as stream_event records, so a long-running
// council call streams its phase transitions without the caller having
// to separately subscribe.
type teeEmitter struct {
	bus  *eventbus.Bus
	conn *conn
}

func (t *teeEmitter) Emit(eventType string, fields map[string]interface{}) model.EventRecord {
	rec := t.bus.Emit(eventType, fields)
	_ = t.conn.writeRecord(reply("stream_event", "", map[string]interface{}{"event": truncateChunk(rec)}))
	return rec
}

// truncateChunk caps a streamed event's content field at the per-chunk
// wire limit (spec §4.12: "stream chunks ≤ 256 KiB"). It is a defensive
// ceiling applied to any event whose "content" field is a string longer
// than maxStreamChunk; other events pass through unchanged.
func truncateChunk(rec model.EventRecord) model.EventRecord {
	content, ok := rec.Fields["content"].(string)
	if !ok || len(content) <= maxStreamChunk {
		return rec
	}
	truncated := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		truncated[k] = v
	}
	truncated["content"] = content[:maxStreamChunk]
	truncated["truncated"] = true
	rec.Fields = truncated
	return rec
}

// encodeHandoffContent serializes a handoff payload to the JSON string
// stored as a message's Content, so messagestore stays payload-agnostic.
func encodeHandoffContent(payload model.HandoffPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hub: encoding handoff payload: %w", err)
	}
	return string(data), nil
}

// emitTaskVerified computes the deterministic verification receipt for
// an accepted task's originating handoff spec and emits it as a
// TASK_VERIFIED event. Per the recorded open-question decision, this
// hashes the spec directly rather than running a full verification
// council round, so accepting a task never blocks on an LLM call. The
// hash is taken over the {goal, acceptance_criteria} of the specific
// handoff this task was created from (via HandoffMessageID), not the
// task's own title, so that two tasks handed off from the same account
// never collide on the wrong receipt.
func (s *Server) emitTaskVerified(ctx context.Context, task *model.Task) {
	var payload model.HandoffPayload
	if task.HandoffMessageID != "" {
		msg, err := s.messages.GetByID(ctx, task.HandoffMessageID)
		if err != nil {
			s.log.Warn("loading handoff for receipt", "task", task.ID, "error", err)
		} else if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
			s.log.Warn("decoding handoff payload for receipt", "task", task.ID, "error", err)
		}
	}
	if payload.Goal == "" {
		payload.Goal = task.Title
	}

	specHash, err := verification.HashSpec(map[string]interface{}{
		"goal":                payload.Goal,
		"acceptance_criteria": payload.AcceptanceCriteria,
	})
	if err != nil {
		s.log.Warn("hashing task spec for receipt", "task", task.ID, "error", err)
		return
	}
	s.bus.Emit("TASK_VERIFIED", map[string]interface{}{
		"taskId":   task.ID,
		"verifier": "council",
		"verdict":  "ACCEPT",
		"receipt": map[string]interface{}{
			"taskId":   task.ID,
			"verifier": "council",
			"verdict":  "ACCEPT",
			"specHash": specHash,
		},
	})
}

// runSLASweeps periodically evaluates every task on the board, terminal
// ones included, against the SLA thresholds and emits the resulting
// actions. Grounded on the
// teacher's periodic maintenance goroutines (e.g. the daemon's stale-
// lock sweeper): a ticker loop over a shared store, each tick producing
// zero or more events, cancellable via ctx.
func (s *Server) runSLASweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

// runSessionSweeps periodically deactivates shared sessions whose
// members have all gone silent and purges sessions that have sat
// inactive past sessionPurgeAfter, the staleness half of the
// active→inactive transition spec §3 describes (the member-initiated
// half is driven directly from handleLeaveSession). Same ticker-loop
// shape as runSLASweeps.
func (s *Server) runSessionSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range s.sessions.CleanupStale(now) {
				s.bus.Emit("SESSION_DEACTIVATED", map[string]interface{}{"sessionId": id, "reason": "stale"})
			}
			if n := s.sessions.PurgeInactive(sessionPurgeAfter, now); n > 0 {
				s.log.Info("purged inactive sessions", "count", n)
			}
		}
	}
}

func (s *Server) sweepOnce(now time.Time) {
	tasks := s.tasks.All()
	snapshots := make([]sla.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snapshots = append(snapshots, taskSnapshot(t, now))
	}
	actions := s.sla.Evaluate(snapshots, now)
	for _, action := range actions {
		fields := map[string]interface{}{"taskId": action.TaskID, "action": string(action.Type)}
		if action.Reason != "" {
			fields["reason"] = action.Reason
		}
		s.bus.Emit("SLA_ACTION", fields)
		s.applySLAAction(action)
	}
}

func (s *Server) applySLAAction(action sla.ResponseAction) {
	switch action.Type {
	case sla.ActionAutoReassign:
		if _, err := s.tasks.ReassignTask(action.TaskID, action.Reason); err != nil {
			s.log.Warn("auto-reassign failed", "task", action.TaskID, "error", err)
		}
	case sla.ActionQuarantineAgent:
		if action.Agent != "" {
			if _, err := s.trust.ApplyDelta(context.Background(), action.Agent, -25, action.Reason); err != nil {
				s.log.Warn("quarantine trust delta failed", "account", action.Agent, "error", err)
			}
		}
	}
}

// taskSnapshot projects a task's current state into the shape the SLA
// ladder evaluates. EstimatedDuration has no per-task source yet (the
// board never records one), so it is left zero, which the ladder's
// proactive-warning check treats as "no expected-progress line to
// compare against" and simply skips.
func taskSnapshot(t *model.Task, now time.Time) sla.TaskSnapshot {
	snap := sla.TaskSnapshot{
		TaskID:                       t.ID,
		Agent:                        t.Assignee,
		Status:                       t.Status,
		Criticality:                  t.Criticality,
		ReassignmentCount:            t.ReassignmentCount,
		ConsecutiveRejectionsByAgent: trailingRejectionCount(t.Events),
	}
	if t.StartedAt != nil {
		snap.ElapsedSinceStart = now.Sub(*t.StartedAt)
		snap.ElapsedSinceLastProgress = snap.ElapsedSinceStart
	}
	if t.LastProgressReport != nil {
		snap.LastProgressPercent = t.LastProgressReport.Percent
		snap.HasProgressReport = true
		snap.ElapsedSinceLastProgress = now.Sub(t.LastProgressReport.Timestamp)
	}
	return snap
}

// trailingRejectionCount counts "rejected" events at the tail of a
// task's history, reset by any "started" event (a reassignment that led
// to a fresh attempt).
func trailingRejectionCount(events []model.TaskEvent) int {
	count := 0
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case "rejected":
			count++
		case "started":
			return count
		default:
			continue
		}
	}
	return count
}

// runHealthProbes wires health.Checker to emit ACCOUNT_HEALTH events
// through the bus. Its OnCritical hook emits one more ACCOUNT_HEALTH
// event carrying the account and status; trust scores are not changed.
func (s *Server) runHealthProbes(ctx context.Context) *health.Checker {
	checker := health.NewChecker(s.health, eventEmitterAdapter{s.bus}, s.probeAccount, 30*time.Second, 5*time.Second)
	checker.OnCritical(func(account string, rec model.AccountHealth) {
		s.bus.Emit("ACCOUNT_HEALTH", map[string]interface{}{"account": account, "status": string(rec.Status)})
	})
	s.mu.RLock()
	for account := range s.conns {
		checker.Track(account)
	}
	s.mu.RUnlock()
	go checker.Run(ctx)
	return checker
}

func (s *Server) probeAccount(ctx context.Context, account string) (health.ProbeResult, error) {
	start := time.Now()
	connected := s.isConnected(account)
	return health.ProbeResult{OK: connected, LatencyMs: int(time.Since(start) / time.Millisecond)}, nil
}

type eventEmitterAdapter struct{ bus *eventbus.Bus }

func (a eventEmitterAdapter) Emit(eventType string, fields map[string]interface{}) model.EventRecord {
	return a.bus.Emit(eventType, fields)
}

