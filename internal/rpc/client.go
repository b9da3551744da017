package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Client issues one-shot calls to peer senders. Connections are not
// pooled; call volume is a handful per second at most.
type Client struct {
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return &Client{timeout: timeout}
}

// Call sends data to endpoint at addr and waits for the peer's reply.
// Any reply other than "OK" is an error.
func (c *Client) Call(ctx context.Context, addr, endpoint string, data any) error {
	raw, err := msgpack.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding rpc payload: %w", err)
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := writeFrame(conn, envelope{Endpoint: endpoint, Data: raw}); err != nil {
		return fmt.Errorf("sending %s to %s: %w", endpoint, addr, err)
	}

	body, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("reading reply from %s: %w", addr, err)
	}
	var reply string
	if err := msgpack.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("decoding reply from %s: %w", addr, err)
	}
	if reply != replyOK {
		return fmt.Errorf("%s rejected %s: %s", addr, endpoint, reply)
	}
	return nil
}
