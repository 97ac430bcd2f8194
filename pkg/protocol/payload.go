package protocol

import (
	"encoding/base64"
	"errors"
)

// One-shot command names carried in CommandData.Name
const (
	CommandTakeoff         = "takeoff"
	CommandLand            = "land"
	CommandConfirmLanding  = "confirm_landing"
	CommandVirtualStickOn  = "virtual_stick_on"
	CommandVirtualStickOff = "virtual_stick_off"
)

// FrameData is one encoded camera frame, drone → tracker
type FrameData struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"` // jpeg or bgr24
	Data    string `json:"data"`   // base64
	FrameID uint64 `json:"frame_id,omitempty"`
}

func (FrameData) MessageType() MessageType { return TypeFrame }

// NewFrame packs raw image bytes. An empty format means jpeg.
func NewFrame(width, height int, format string, img []byte, seq uint64) FrameData {
	if format == "" {
		format = "jpeg"
	}
	return FrameData{
		Width:   width,
		Height:  height,
		Format:  format,
		Data:    base64.StdEncoding.EncodeToString(img),
		FrameID: seq,
	}
}

// Image returns the decoded image bytes
func (f FrameData) Image() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

// StateData reports which aircraft handles are usable
type StateData struct {
	GimbalConnected     bool `json:"gimbal_connected"`
	FlightConnected     bool `json:"flight_connected"`
	VirtualStickEnabled bool `json:"virtual_stick_enabled"`
	Airborne            bool `json:"airborne"`

	// Altitude above the takeoff point in meters
	Altitude float64 `json:"altitude"`
}

func (StateData) MessageType() MessageType { return TypeState }

// AckData completes the command whose ID the envelope carries
type AckData struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (AckData) MessageType() MessageType { return TypeAck }

// AckFor reports the outcome of a command. nil is success.
func AckFor(err error) AckData {
	if err == nil {
		return AckData{OK: true}
	}
	return AckData{Error: err.Error()}
}

// Err turns a failed ack back into an error
func (a AckData) Err() error {
	switch {
	case a.OK:
		return nil
	case a.Error == "":
		return errors.New("command rejected")
	default:
		return errors.New(a.Error)
	}
}

// GimbalData asks for a gimbal rotation
type GimbalData struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
	Mode  string  `json:"mode"` // speed or angle
}

func (GimbalData) MessageType() MessageType { return TypeGimbal }

// FlightData is one virtual-stick sample
type FlightData struct {
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
	Yaw      float64 `json:"yaw"`
	Throttle float64 `json:"throttle"`
}

func (FlightData) MessageType() MessageType { return TypeFlight }

// CommandData names a one-shot command
type CommandData struct {
	Name string `json:"name"`
}

func (CommandData) MessageType() MessageType { return TypeCommand }

// PingData is a liveness probe from the drone app
type PingData struct {
	ID string `json:"id"`
}

func (PingData) MessageType() MessageType { return TypePing }

// PongData answers a ping. LatencyMs is the one-way delay seen by the
// hub, so it includes clock skew between the two hosts.
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}

func (PongData) MessageType() MessageType { return TypePong }

// PongFor answers the ping envelope m at time nowMs
func PongFor(m *Message, nowMs int64) PongData {
	p := PongData{PingTS: m.Timestamp, PongTS: nowMs}
	if ping, err := Decode[PingData](m); err == nil {
		p.ID = ping.ID
	}
	if p.PingTS > 0 {
		p.LatencyMs = nowMs - p.PingTS
	}
	return p
}
