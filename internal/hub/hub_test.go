package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hubd/hubd/internal/eventbus"
	"github.com/hubd/hubd/internal/health"
	"github.com/hubd/hubd/internal/messagestore"
	"github.com/hubd/hubd/internal/session"
	"github.com/hubd/hubd/internal/sla"
	"github.com/hubd/hubd/internal/taskstore"
	"github.com/hubd/hubd/internal/tokenstore"
	"github.com/hubd/hubd/internal/trust"
	"github.com/hubd/hubd/internal/verification"
)

// testHarness wires a real Server over a real UNIX socket against
// temp-dir-backed stores, mirroring the teacher's setupTestServer
// helper style (internal/rpc/server_write_ops_test.go).
type testHarness struct {
	t      *testing.T
	server *Server
	tokens *tokenstore.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	messages, err := messagestore.Open(ctx, filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = messages.Close() })

	trustStore, err := trust.Open(ctx, filepath.Join(dir, "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trustStore.Close() })

	tasks, err := taskstore.Load(filepath.Join(dir, "tasks.json"))
	require.NoError(t, err)

	tokensDir := filepath.Join(dir, "tokens")
	require.NoError(t, os.MkdirAll(tokensDir, 0o700))
	tokens := tokenstore.New(tokensDir)
	for _, account := range []string{"alice", "bob"} {
		require.NoError(t, os.WriteFile(tokens.Path(account), []byte(account+"-secret"), 0o600))
	}

	cfg := Config{
		SocketPath: filepath.Join(dir, "hub.sock"),
		PIDPath:    filepath.Join(dir, "hub.pid"),
		Messages:   messages,
		Tasks:      tasks,
		Trust:      trustStore,
		Tokens:     tokens,
		Health:     health.NewMonitor(health.DefaultStaleness),
		SLA:        sla.New(sla.DefaultThresholds()),
		Sessions:   session.NewManager(10 * time.Minute),
		Bus:        eventbus.New(256),
	}
	server := NewServer(cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(runCtx))
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})

	return &testHarness{t: t, server: server, tokens: tokens}
}

// testClient is a thin NDJSON client over a dialed UNIX socket.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *testHarness) dial() *testClient {
	h.t.Helper()
	conn, err := net.Dial("unix", h.server.cfg.SocketPath)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: h.t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(obj map[string]interface{}) {
	c.t.Helper()
	data, err := json.Marshal(obj)
	require.NoError(c.t, err)
	data = append(data, '\n')
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *testClient) recv() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	var obj map[string]interface{}
	require.NoError(c.t, json.Unmarshal(line, &obj))
	return obj
}

// recvUntilType drains records (stream_event pushes and replies to other
// in-flight requests can interleave) until it finds one of the given types.
func (c *testClient) recvUntilType(types ...string) map[string]interface{} {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		obj := c.recv()
		for _, want := range types {
			if obj["type"] == want {
				return obj
			}
		}
	}
	c.t.Fatalf("did not see any of %v within 20 records", types)
	return nil
}

func (c *testClient) authenticate(account, token string) {
	c.t.Helper()
	c.send(map[string]interface{}{"type": "auth", "account": account, "token": token})
	reply := c.recvUntilType("auth_ok", "auth_fail")
	require.Equal(c.t, "auth_ok", reply["type"], "auth reply: %+v", reply)
}

func TestAuthThenSendAndReadMessageRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	alice := h.dial()
	bob := h.dial()

	alice.authenticate("alice", "alice-secret")
	bob.authenticate("bob", "bob-secret")

	alice.send(map[string]interface{}{"type": "send_message", "requestId": "r1", "to": "bob", "content": "hi bob"})
	sendReply := alice.recvUntilType("result", "error")
	require.Equal(t, "result", sendReply["type"], "send_message: %+v", sendReply)

	bob.send(map[string]interface{}{"type": "read_messages", "requestId": "r2"})
	readReply := bob.recvUntilType("result", "error")
	require.Equal(t, "result", readReply["type"], "read_messages: %+v", readReply)
	msgs, _ := readReply["messages"].([]interface{})
	require.Len(t, msgs, 1)
}

func TestUnauthenticatedFirstRecordMustBeAuth(t *testing.T) {
	h := newTestHarness(t)
	c := h.dial()

	// A non-auth record before authentication is dropped, not replied to.
	c.send(map[string]interface{}{"type": "send_message", "requestId": "r1", "to": "bob", "content": "hi"})
	// Authentication should still succeed: the dropped record never
	// advanced connection state.
	c.authenticate("alice", "alice-secret")
}

func TestHandoffWithEmptyAcceptanceCriteriaIsRejected(t *testing.T) {
	h := newTestHarness(t)
	alice := h.dial()
	alice.authenticate("alice", "alice-secret")

	alice.send(map[string]interface{}{
		"type": "handoff_task", "requestId": "r1", "to": "bob",
		"payload": map[string]interface{}{
			"goal":                "ship it",
			"acceptance_criteria": []string{},
		},
	})
	reply := alice.recvUntilType("result", "error")
	require.Equal(t, "error", reply["type"])
	require.Equal(t, "Invalid handoff payload", reply["error"])
	require.Contains(t, reply, "details")
}

func TestAcceptReceiptBindsToSecondHandoffsSpecHash(t *testing.T) {
	h := newTestHarness(t)
	alice := h.dial()
	bob := h.dial()
	alice.authenticate("alice", "alice-secret")
	bob.authenticate("bob", "bob-secret")

	bob.send(map[string]interface{}{"type": "subscribe", "requestId": "sub", "patterns": []string{"TASK_VERIFIED"}})
	subReply := bob.recvUntilType("result")
	require.Equal(t, true, subReply["subscribed"])

	handoff := func(goal string, criteria []string) string {
		alice.send(map[string]interface{}{
			"type": "handoff_task", "requestId": "h-" + goal, "to": "bob",
			"payload": map[string]interface{}{
				"goal": goal, "acceptance_criteria": criteria, "verifiability": "auto-testable",
				"run_commands": []string{"go test ./..."},
			},
		})
		reply := alice.recvUntilType("result", "error")
		require.Equal(t, "result", reply["type"], "handoff %q: %+v", goal, reply)
		return reply["taskId"].(string)
	}

	_ = handoff("first task", []string{"criterion one"})
	task2ID := handoff("second task", []string{"criterion two", "criterion three"})

	advance := func(taskID, status string) {
		bob.send(map[string]interface{}{"type": "update_task_status", "requestId": "u-" + status, "taskId": taskID, "status": status})
		reply := bob.recvUntilType("result", "error")
		require.Equal(t, "result", reply["type"], "transition %s: %+v", status, reply)
	}
	advance(task2ID, "in_progress")
	advance(task2ID, "ready_for_review")
	advance(task2ID, "accepted")

	event := bob.recvUntilType("stream_event")
	payload, _ := event["event"].(map[string]interface{})
	require.NotNil(t, payload, "stream_event: %+v", event)
	fields, _ := payload["fields"].(map[string]interface{})
	require.NotNil(t, fields, "event fields: %+v", payload)
	require.Equal(t, task2ID, fields["taskId"], "TASK_VERIFIED should bind to task2")

	receipt, _ := fields["receipt"].(map[string]interface{})
	require.NotNil(t, receipt)
	require.Equal(t, task2ID, receipt["taskId"])

	wantHash, err := verification.HashSpec(map[string]interface{}{
		"goal":                "second task",
		"acceptance_criteria": []string{"criterion two", "criterion three"},
	})
	require.NoError(t, err)
	require.Equal(t, wantHash, receipt["specHash"])
}

func TestReportProgressSetsLastProgressReportOnTask(t *testing.T) {
	h := newTestHarness(t)
	alice := h.dial()
	bob := h.dial()
	alice.authenticate("alice", "alice-secret")
	bob.authenticate("bob", "bob-secret")

	alice.send(map[string]interface{}{
		"type": "handoff_task", "requestId": "h1", "to": "bob",
		"payload": map[string]interface{}{
			"goal": "ship it", "acceptance_criteria": []string{"done"},
			"run_commands": []string{"go test ./..."},
		},
	})
	handoffReply := alice.recvUntilType("result", "error")
	require.Equal(t, "result", handoffReply["type"], "handoff: %+v", handoffReply)
	taskID := handoffReply["taskId"].(string)

	bob.send(map[string]interface{}{"type": "update_task_status", "requestId": "u1", "taskId": taskID, "status": "in_progress"})
	startReply := bob.recvUntilType("result", "error")
	require.Equal(t, "result", startReply["type"], "start: %+v", startReply)

	bob.send(map[string]interface{}{"type": "report_progress", "requestId": "p1", "taskId": taskID, "percent": 40})
	progressReply := bob.recvUntilType("result", "error")
	require.Equal(t, "result", progressReply["type"], "report_progress: %+v", progressReply)
	task, _ := progressReply["task"].(map[string]interface{})
	require.NotNil(t, task)
	report, _ := task["lastProgressReport"].(map[string]interface{})
	require.NotNil(t, report, "task: %+v", task)
	require.EqualValues(t, 40, report["percent"])
}

func TestReportProgressRejectsOutOfRangePercent(t *testing.T) {
	h := newTestHarness(t)
	bob := h.dial()
	bob.authenticate("bob", "bob-secret")

	bob.send(map[string]interface{}{"type": "report_progress", "requestId": "p1", "taskId": "whatever", "percent": 150})
	reply := bob.recvUntilType("result", "error")
	require.Equal(t, "error", reply["type"])
}

func TestLeaveSessionDeactivatesSession(t *testing.T) {
	h := newTestHarness(t)
	alice := h.dial()
	bob := h.dial()
	alice.authenticate("alice", "alice-secret")
	bob.authenticate("bob", "bob-secret")

	alice.send(map[string]interface{}{"type": "share_session", "requestId": "s1", "participant": "bob", "workspace": "/tmp/w"})
	shareReply := alice.recvUntilType("result", "error")
	require.Equal(t, "result", shareReply["type"], "share_session: %+v", shareReply)
	sess, _ := shareReply["session"].(map[string]interface{})
	require.NotNil(t, sess)
	sessionID := sess["id"].(string)

	alice.send(map[string]interface{}{"type": "leave_session", "requestId": "l1", "sessionId": sessionID})
	leaveReply := alice.recvUntilType("result", "error")
	require.Equal(t, "result", leaveReply["type"], "leave_session: %+v", leaveReply)
	require.Equal(t, true, leaveReply["left"])

	alice.send(map[string]interface{}{"type": "session_status", "requestId": "st1", "sessionId": sessionID})
	statusReply := alice.recvUntilType("result", "error")
	require.Equal(t, "result", statusReply["type"])
	statusSess, _ := statusReply["session"].(map[string]interface{})
	require.NotNil(t, statusSess)
	require.Equal(t, false, statusSess["active"])
}

func TestLeaveSessionUnknownIDReturnsError(t *testing.T) {
	h := newTestHarness(t)
	alice := h.dial()
	alice.authenticate("alice", "alice-secret")

	alice.send(map[string]interface{}{"type": "leave_session", "requestId": "l1", "sessionId": "no-such-session"})
	reply := alice.recvUntilType("result", "error")
	require.Equal(t, "error", reply["type"])
}

func TestUnknownRequestTypeReturnsExplicitError(t *testing.T) {
	h := newTestHarness(t)
	alice := h.dial()
	alice.authenticate("alice", "alice-secret")

	alice.send(map[string]interface{}{"type": "do_a_barrel_roll", "requestId": "r1"})
	reply := alice.recvUntilType("result", "error")
	require.Equal(t, "error", reply["type"])
}

func TestInvalidTokenFailsAuth(t *testing.T) {
	h := newTestHarness(t)
	c := h.dial()
	c.send(map[string]interface{}{"type": "auth", "account": "alice", "token": "wrong"})
	reply := c.recvUntilType("auth_ok", "auth_fail")
	require.Equal(t, "auth_fail", reply["type"])
}
