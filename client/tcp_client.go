// Package client speaks the LunarStudio TCP line protocol.
package client

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"LunarStudio/internal/conversation"
)

type TCPClient struct {
	Address string
	Port    string

	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	sessionID string
}

func NewTCPClient(address, port string) *TCPClient {
	return &TCPClient{
		Address: address,
		Port:    port,
	}
}

// Connect dials the server and reads the session greeting.
func (c *TCPClient) Connect() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.Address, c.Port), 5*time.Second)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	kind, payload, err := c.readLine()
	if err != nil {
		_ = conn.Close()
		return err
	}
	switch kind {
	case "SESS":
		c.sessionID = payload
		return nil
	case "ERR":
		_ = conn.Close()
		return errors.New(payload)
	default:
		_ = conn.Close()
		return fmt.Errorf("unexpected greeting %q", kind)
	}
}

// SessionID returns the id of the session bound to this connection.
func (c *TCPClient) SessionID() string { return c.sessionID }

func (c *TCPClient) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	_ = c.send("QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SendAndReceive submits message and blocks until the turn ends, passing
// each streamed fragment to tokenCallback.
func (c *TCPClient) SendAndReceive(message string, tokenCallback func(string)) (string, error) {
	if c.conn == nil {
		return "", net.ErrClosed
	}
	if err := c.send("MSG " + base64.StdEncoding.EncodeToString([]byte(message))); err != nil {
		return "", err
	}

	kind, payload, err := c.readLine()
	if err != nil {
		return "", err
	}
	switch kind {
	case "ACK":
	case "ERR":
		return "", errors.New(payload)
	default:
		return "", fmt.Errorf("expected ACK, received %s", kind)
	}

	for {
		kind, payload, err := c.readLine()
		if err != nil {
			return "", err
		}
		switch kind {
		case "TOKN":
			if tokenCallback != nil {
				tokenCallback(payload)
			}
		case "RESP":
			return payload, nil
		case "ERR":
			return "", errors.New(payload)
		}
	}
}

// Cancel asks the server to stop the running turn. It is safe to call while
// another goroutine is inside SendAndReceive.
func (c *TCPClient) Cancel() error {
	return c.send("CANCEL")
}

// History fetches the sanitized answer history. It must not be called while
// a turn is in flight on the same connection.
func (c *TCPClient) History() ([]conversation.Message, error) {
	if err := c.send("HIST"); err != nil {
		return nil, err
	}
	kind, payload, err := c.readLine()
	if err != nil {
		return nil, err
	}
	switch kind {
	case "HIST":
		var msgs []conversation.Message
		if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		return msgs, nil
	case "ERR":
		return nil, errors.New(payload)
	default:
		return nil, fmt.Errorf("expected HIST, received %s", kind)
	}
}

func (c *TCPClient) send(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return net.ErrClosed
	}
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

func (c *TCPClient) readLine() (kind, payload string, err error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	return decodeProtocolMessage(strings.TrimRight(line, "\r\n"))
}

func decodeProtocolMessage(raw string) (kind, payload string, err error) {
	prefix, encoded, found := strings.Cut(raw, " ")
	prefix = strings.ToUpper(prefix)
	if !found {
		return prefix, "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode payload: %w", err)
	}
	return prefix, string(decoded), nil
}
