package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"github.com/go-zeromq/zmq4/security/plain"
)

// Client is a minimal control channel client used by the command line tools
// and by tests
type Client struct {
	sock zmq4.Socket
}

// Dial connects to a control channel server. The key must match the server's
// private key; leave it empty for an unencrypted server.
func Dial(ctx context.Context, addr, key string) (*Client, error) {
	var opts []zmq4.Option
	if key != "" {
		opts = append(opts, zmq4.WithSecurity(plain.Security(plainUser, key)))
	}
	sock := zmq4.NewReq(ctx, opts...)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{sock: sock}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.sock.Close()
}

// Call sends one request and decodes the response document
func (c *Client) Call(method string, params map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(Request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := c.sock.Send(zmq4.NewMsg(data)); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	msg, err := c.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(msg.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}
