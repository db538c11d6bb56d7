package uds

import (
	"fmt"
	"net"
	"time"
)

// Client is the CLI side of the daemon socket. Every call dials a
// fresh connection; the daemon answers exactly one request per
// connection, so there is no state to pool.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout bounds dialing plus the full request/reply exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand builds a request for a protocol command and sends it.
// Commands outside the verifyd set are refused before dialing.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	if !KnownCommand(command) {
		return nil, fmt.Errorf("%q is not a verifyd command", command)
	}
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send delivers a prebuilt request. Unlike SendCommand it does not
// validate the command, so the daemon's own rejection paths stay
// reachable.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: verifyd daemon",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
