package bridge

import (
	"fmt"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/protocol"
)

func encodeGimbal(r actuator.GimbalRotation) protocol.GimbalData {
	return protocol.GimbalData{
		Pitch: r.Pitch,
		Yaw:   r.Yaw,
		Roll:  r.Roll,
		Mode:  string(r.Mode),
	}
}

func encodeFlight(fc actuator.FlightControl) protocol.FlightData {
	return protocol.FlightData{
		Pitch:    fc.Pitch,
		Roll:     fc.Roll,
		Yaw:      fc.Yaw,
		Throttle: fc.Throttle,
	}
}

// DecodeCommand converts a tracker → drone message back into the command
// it carries.
func DecodeCommand(msg *protocol.Message) (actuator.Command, error) {
	switch msg.Type {
	case protocol.TypeGimbal:
		g, err := protocol.Decode[protocol.GimbalData](msg)
		if err != nil {
			return nil, err
		}
		mode := actuator.RotationMode(g.Mode)
		if mode == "" {
			mode = actuator.ModeSpeed
		}
		return actuator.GimbalRotation{Pitch: g.Pitch, Yaw: g.Yaw, Roll: g.Roll, Mode: mode}, nil

	case protocol.TypeFlight:
		f, err := protocol.Decode[protocol.FlightData](msg)
		if err != nil {
			return nil, err
		}
		return actuator.FlightControl{Pitch: f.Pitch, Roll: f.Roll, Yaw: f.Yaw, Throttle: f.Throttle}, nil

	case protocol.TypeCommand:
		c, err := protocol.Decode[protocol.CommandData](msg)
		if err != nil {
			return nil, err
		}
		cmd, ok := actuator.ParseOneShot(c.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", actuator.ErrUnknownCommand, c.Name)
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("%w: message type %q", actuator.ErrUnknownCommand, msg.Type)
}
