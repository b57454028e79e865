// conn.go tracks one accepted socket's lifecycle: opened, awaiting auth,
// authenticated, closed. Grounded on the teacher's internal/rpc/server.go
// handleConnection (bufio reader/writer pair, one goroutine per
// connection) generalized from one-shot request/response to a
// long-lived session that can both receive requests and push unsolicited
// stream_event records (subscriptions, council progress).
package hub

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/hubd/hubd/internal/eventbus"
	"github.com/hubd/hubd/internal/framing"
	"github.com/hubd/hubd/internal/model"
)

type connState string

const (
	stateAwaitAuth     connState = "awaitAuth"
	stateAuthenticated connState = "authenticated"
	stateClosed        connState = "closed"
)

// conn wraps one accepted connection plus its dispatch-time state.
type conn struct {
	id      string
	raw     net.Conn
	writeMu sync.Mutex
	writer  *bufio.Writer

	mu       sync.Mutex
	state    connState
	account  string
	patterns []string
	subID    eventbus.Subscription
	subCh    <-chan model.EventRecord
	hasSub   bool
	cancels  map[string]context.CancelFunc

	lastActivity time.Time
}

func newConn(raw net.Conn) *conn {
	return &conn{
		raw:     raw,
		writer:  bufio.NewWriter(raw),
		state:   stateAwaitAuth,
		cancels: make(map[string]context.CancelFunc),
	}
}

// writeRecord marshals and writes one NDJSON record. Safe for concurrent
// callers (a request's reply and an async stream_event may race).
func (c *conn) writeRecord(v interface{}) error {
	data, err := framing.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *conn) setAccount(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = account
	c.state = stateAuthenticated
}

func (c *conn) getAccount() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

func (c *conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

func (c *conn) trackCancel(requestID string, cancel context.CancelFunc) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	c.cancels[requestID] = cancel
	c.mu.Unlock()
}

func (c *conn) untrackCancel(requestID string) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	delete(c.cancels, requestID)
	c.mu.Unlock()
}

// cancelAll cancels every in-flight request on this connection; called
// on connection close per spec §5 ("connection close cancels all
// requests originating on that connection").
func (c *conn) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = make(map[string]context.CancelFunc)
}

func (c *conn) close() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.cancelAll()
	_ = c.raw.Close()
}
