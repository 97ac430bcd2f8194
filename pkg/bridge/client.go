package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/protocol"
	"github.com/teslashibe/go-skytrack/pkg/video"
)

// Aircraft executes commands on the drone side of the bridge
type Aircraft interface {
	actuator.Gimbal
	actuator.FlightController
}

// Client is the drone-side end of the bridge. It dials the Hub, executes
// incoming commands on an Aircraft and acknowledges each one.
type Client struct {
	url      string
	aircraft Aircraft
	logger   *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Dial connects to the hub at url (e.g. ws://host:8080/ws/drone/m30)
func Dial(ctx context.Context, url string, aircraft Aircraft, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge connect failed: %w", err)
	}
	return &Client{
		url:      url,
		aircraft: aircraft,
		logger:   logger.With("component", "bridge.client"),
		conn:     conn,
	}, nil
}

// Run reads commands until ctx is cancelled or the connection drops
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()
	defer c.wg.Wait()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bridge read: %w", err)
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("parse error", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeGimbal, protocol.TypeFlight, protocol.TypeCommand:
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.execute(ctx, msg)
			}()
		case protocol.TypePong:
			if pong, err := protocol.Decode[protocol.PongData](msg); err == nil {
				c.logger.Debug("pong", "latency_ms", time.Now().UnixMilli()-pong.PingTS)
			}
		}
	}
}

func (c *Client) execute(ctx context.Context, msg *protocol.Message) {
	cmd, err := DecodeCommand(msg)
	if err == nil {
		err = c.apply(ctx, cmd)
	}
	if err != nil {
		c.logger.Warn("command failed", "id", msg.ID, "type", msg.Type, "error", err)
	} else {
		c.logger.Debug("command done", "id", msg.ID, "command", cmd.String())
	}

	ack, aErr := protocol.Encode(msg.ID, protocol.AckFor(err))
	if aErr != nil {
		return
	}
	if err := c.send(ack); err != nil {
		c.logger.Debug("ack send failed", "id", msg.ID, "error", err)
	}
}

func (c *Client) apply(ctx context.Context, cmd actuator.Command) error {
	switch v := cmd.(type) {
	case actuator.GimbalRotation:
		return c.aircraft.Rotate(ctx, v)
	case actuator.FlightControl:
		return c.aircraft.SendVirtualStick(ctx, v)
	case actuator.Takeoff:
		return c.aircraft.StartTakeoff(ctx)
	case actuator.Land:
		return c.aircraft.StartLanding(ctx)
	case actuator.ConfirmLanding:
		return c.aircraft.ConfirmLanding(ctx)
	case actuator.SetVirtualStick:
		return c.aircraft.SetVirtualStickModeEnabled(ctx, v.Enabled)
	}
	return actuator.ErrUnknownCommand
}

// SendFrame streams one encoded frame to the hub
func (c *Client) SendFrame(f video.Frame) error {
	msg, err := protocol.Encode("", protocol.NewFrame(f.Width, f.Height, f.Format, f.Data, f.Seq))
	if err != nil {
		return err
	}
	return c.send(msg)
}

// SendState reports the aircraft's handles
func (c *Client) SendState(s protocol.StateData) error {
	msg, err := protocol.Encode("", s)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Ping sends a health check; the hub answers with a pong
func (c *Client) Ping(id string) error {
	msg, err := protocol.Encode("", protocol.PingData{ID: id})
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Client) send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
