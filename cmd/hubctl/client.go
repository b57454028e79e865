// hubctl is the operator CLI for the hub daemon: connection status,
// account listing, and token issuance. Grounded on the teacher's
// cmd/bd/rpc_client.go (dial-the-socket-and-speak-NDJSON pattern used
// by every bd subcommand that talks to the daemon rather than the
// database directly).
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

type hubClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialHub(socketPath string) (*hubClient, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("hubctl: connecting to %s: %w", socketPath, err)
	}
	return &hubClient{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *hubClient) Close() error {
	return c.conn.Close()
}

func (c *hubClient) send(obj map[string]interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.conn.Write(data)
	return err
}

func (c *hubClient) recv() (map[string]interface{}, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("hubctl: reading reply: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(line, &out); err != nil {
		return nil, fmt.Errorf("hubctl: decoding reply: %w", err)
	}
	return out, nil
}

func (c *hubClient) authenticate(account, token string) error {
	if err := c.send(map[string]interface{}{"type": "auth", "account": account, "token": token}); err != nil {
		return err
	}
	reply, err := c.recv()
	if err != nil {
		return err
	}
	if reply["type"] != "auth_ok" {
		return fmt.Errorf("hubctl: authentication failed: %v", reply["reason"])
	}
	return nil
}

func (c *hubClient) request(obj map[string]interface{}) (map[string]interface{}, error) {
	if err := c.send(obj); err != nil {
		return nil, err
	}
	return c.recv()
}
