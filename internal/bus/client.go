package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Client is a thin caller for a sibling daemon's bus interface. It tolerates
// the peer not being up yet: calls retry with bounded backoff while the
// well-known name has no owner.
type Client struct {
	id     Identity
	conn   *dbus.Conn
	logger zerolog.Logger

	callTimeout time.Duration
	maxWait     time.Duration
}

// Dial connects to the session bus for the given peer identity.
func Dial(id Identity, logger zerolog.Logger) (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &Client{
		id:          id,
		conn:        conn,
		logger:      logger.With().Str("component", "bus-client").Str("peer", id.BusName).Logger(),
		callTimeout: UserDeadline,
		maxWait:     10 * time.Second,
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Call invokes a peer method with JSON-marshalled args and decodes the
// envelope. A missing peer is retried with exponential backoff for up to
// maxWait, then surfaces as an error.
func (c *Client) Call(method string, args any) (map[string]any, error) {
	raw := "{}"
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		raw = string(data)
	}

	obj := c.conn.Object(c.id.BusName, dbus.ObjectPath(c.id.ObjectPath))

	var reply string
	op := func() error {
		call := obj.Call(c.id.Interface+"."+method, 0, raw)
		if call.Err != nil {
			if isNameHasNoOwner(call.Err) {
				return call.Err // retryable: peer not up yet
			}
			return backoff.Permanent(call.Err)
		}
		return call.Store(&reply)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxWait
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("call %s.%s failed: %w", c.id.BusName, method, err)
	}

	return DecodeEnvelope(reply)
}

// Running reads the peer's Running property.
func (c *Client) Running() (bool, error) {
	obj := c.conn.Object(c.id.BusName, dbus.ObjectPath(c.id.ObjectPath))
	v, err := obj.GetProperty(c.id.Interface + ".Running")
	if err != nil {
		return false, err
	}
	running, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Running type %T", v.Value())
	}
	return running, nil
}

func isNameHasNoOwner(err error) bool {
	dbusErr, ok := err.(dbus.Error)
	if !ok {
		return false
	}
	switch dbusErr.Name {
	case "org.freedesktop.DBus.Error.NameHasNoOwner",
		"org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.NoReply":
		return true
	}
	return false
}
