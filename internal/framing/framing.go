// Package framing splits a byte stream into newline-delimited JSON records
// and encodes records back into that wire format. It mirrors the simple
// line-oriented protocol the daemon speaks on its UNIX socket (see
// internal/hub), the way the teacher's internal/rpc server reads requests
// with bufio.Reader.ReadBytes('\n').
package framing

import (
	"bytes"
	"encoding/json"
)

// Callback is invoked once per complete, valid JSON line fed to a Parser.
type Callback func(obj map[string]interface{})

// Parser incrementally splits a byte stream on '\n' and parses each line as
// a JSON object. Blank lines and lines that fail to parse as JSON are
// silently dropped; they never panic and never corrupt the buffer for
// subsequent lines.
type Parser struct {
	buf      []byte
	callback Callback
}

// NewParser creates a Parser that invokes cb for every complete JSON line.
func NewParser(cb Callback) *Parser {
	return &Parser{callback: cb}
}

// Feed appends data to the internal buffer and dispatches every complete
// line it now contains. Partial trailing bytes (no terminating '\n' yet)
// remain buffered for the next Feed call.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)

	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.dispatch(line)
	}
}

func (p *Parser) dispatch(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(line, &obj); err != nil {
		return
	}
	if p.callback != nil {
		p.callback(obj)
	}
}

// Reset discards any buffered partial line.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Buffered returns the number of bytes currently held as an incomplete
// trailing line. Callers enforcing a maximum record size should check
// this after every Feed and Reset the parser (and drop the connection)
// once it exceeds their limit, since a line with no newline yet would
// otherwise grow unbounded.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Encode marshals obj to JSON and appends a single trailing newline. The
// caller must ensure obj's JSON encoding never embeds a literal '\n' (true
// for any value produced by encoding/json, which never emits raw newlines
// inside string escapes).
func Encode(obj interface{}) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, data...)
	out = append(out, '\n')
	return out, nil
}
