package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client is a synchronous IPC client for CLI tools. It is not safe for
// concurrent use; each tool invocation opens its own connection.
type Client struct {
	conn   net.Conn
	nextID atomic.Uint32
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect to %s (is cirrusd running?): %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends a request and decodes the expected response type. An error
// frame from the daemon becomes a Go error.
func (c *Client) call(reqType, respType MessageType, req, resp any) error {
	id := c.nextID.Add(1)

	var payload []byte
	if req != nil {
		var err error
		payload, err = Encode(req)
		if err != nil {
			return err
		}
	}
	if err := NewMessage(reqType, id, payload).Write(c.conn); err != nil {
		return fmt.Errorf("ipc: send: %w", err)
	}

	msg, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("ipc: receive: %w", err)
	}
	if msg.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(msg.Payload, &e); err != nil {
			return errors.New("ipc: daemon error")
		}
		return fmt.Errorf("daemon: %s", e.Message)
	}
	if msg.Header.Type != respType {
		return fmt.Errorf("ipc: unexpected response type %#x", msg.Header.Type)
	}
	if resp != nil {
		return Decode(msg.Payload, resp)
	}
	return nil
}

// Ping checks the daemon is alive.
func (c *Client) Ping() error {
	return c.call(MsgPing, MsgPong, nil, nil)
}

// Status fetches daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(MsgStatusRequest, MsgStatusResponse, &StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query reads view entries for a category, or a single key within it.
func (c *Client) Query(category, key string) (*QueryResponse, error) {
	var resp QueryResponse
	err := c.call(MsgQuery, MsgQueryResp, &QueryRequest{Category: category, Key: key}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Record mints a local context event through the daemon.
func (c *Client) Record(req *RecordRequest) (*RecordResponse, error) {
	var resp RecordResponse
	if err := c.call(MsgRecord, MsgRecordResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rebuild replays the event log into a fresh view.
func (c *Client) Rebuild() (*RebuildResponse, error) {
	var resp RebuildResponse
	if err := c.call(MsgRebuild, MsgRebuildResp, &RebuildRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Devices lists known devices and their trust state.
func (c *Client) Devices() (*ListDevicesResponse, error) {
	var resp ListDevicesResponse
	if err := c.call(MsgListDevices, MsgListDevicesResp, &ListDevicesRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pair confirms a pairing with a confirmation code and the candidate's
// proof signature.
func (c *Client) Pair(device, code string, proof []byte) (*PairResponse, error) {
	var resp PairResponse
	err := c.call(MsgPair, MsgPairResp, &PairRequest{Device: device, Code: code, Proof: proof}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revoke revokes a device's trust.
func (c *Client) Revoke(device string) (*RevokeResponse, error) {
	var resp RevokeResponse
	if err := c.call(MsgRevoke, MsgRevokeResp, &RevokeRequest{Device: device}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch subscribes to view updates and calls fn for each until the
// connection drops. Category empty means all categories.
func (c *Client) Watch(category string, fn func(ViewUpdateEvent)) error {
	var ack SubscribeResponse
	if err := c.call(MsgSubscribe, MsgSubscribeResp, &SubscribeRequest{Category: category}, &ack); err != nil {
		return err
	}

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return fmt.Errorf("ipc: stream: %w", err)
		}
		if msg.Header.Type != MsgViewUpdate {
			continue
		}
		var update ViewUpdateEvent
		if err := Decode(msg.Payload, &update); err != nil {
			return err
		}
		fn(update)
	}
}
