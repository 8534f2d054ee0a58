package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a minimal daemon client over one connection.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	scan *bufio.Scanner
}

// Dial connects to a running daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	scan := bufio.NewScanner(conn)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Client{conn: conn, enc: json.NewEncoder(conn), scan: scan}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and reads its response.
func (c *Client) Do(req *Request) (*Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if !c.scan.Scan() {
		if err := c.scan.Err(); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, fmt.Errorf("daemon closed the connection")
	}
	var resp Response
	if err := json.Unmarshal(c.scan.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}
