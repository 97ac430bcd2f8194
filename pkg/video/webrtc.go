package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// ErrProducerNotFound is returned when the signalling server has no
// producer with the configured name
var ErrProducerNotFound = errors.New("video: producer not found")

// WebRTCConfig configures a WebRTCSource
type WebRTCConfig struct {
	// SignallingURL is the GStreamer webrtcsink signaller (ws://host:8443)
	SignallingURL string `yaml:"signalling_url"`

	// Producer is the meta name the drone's stream registers under
	Producer string `yaml:"producer"`

	// DecodeInterval rate-limits H264 decodes
	DecodeInterval time.Duration `yaml:"decode_interval"`

	// ConnectTimeout bounds signalling and waiting for the first track
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultWebRTCConfig returns sensible defaults
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		SignallingURL:  "ws://192.168.1.10:8443",
		Producer:       "drone",
		DecodeInterval: 50 * time.Millisecond,
		ConnectTimeout: 15 * time.Second,
	}
}

// signalMessage covers the signalling messages we read
type signalMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Producers []struct {
		ID   string            `json:"id"`
		Meta map[string]string `json:"meta"`
	} `json:"producers,omitempty"`
	SDP *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"sdp,omitempty"`
	ICE *struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	} `json:"ice,omitempty"`
}

// WebRTCSource receives the drone's H264 stream over WebRTC and delivers
// decoded JPEG frames
type WebRTCSource struct {
	cfg     WebRTCConfig
	logger  *slog.Logger
	decoder *H264Decoder

	ws      *websocket.Conn
	wsMutex sync.Mutex
	pc      *webrtc.PeerConnection

	peerID     string
	producerID string
	sessionID  atomic.Value // string

	tracks chan *webrtc.TrackRemote
	track  atomic.Pointer[webrtc.TrackRemote]

	width  atomic.Int64
	height atomic.Int64
	seq    atomic.Uint64

	closeOnce sync.Once
}

// NewWebRTCSource creates a source. Call Connect before Run.
func NewWebRTCSource(cfg WebRTCConfig, logger *slog.Logger) *WebRTCSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DecodeInterval <= 0 {
		cfg.DecodeInterval = 50 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	s := &WebRTCSource{
		cfg:     cfg,
		logger:  logger.With("component", "video.webrtc"),
		decoder: NewH264Decoder(cfg.DecodeInterval),
		tracks:  make(chan *webrtc.TrackRemote, 1),
	}
	s.sessionID.Store("")
	return s
}

// Connect performs signalling and waits for the video track
func (s *WebRTCSource) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, s.cfg.SignallingURL, nil)
	if err != nil {
		return fmt.Errorf("signalling connect failed: %w", err)
	}
	s.ws = ws

	if err := s.waitForWelcome(); err != nil {
		return fmt.Errorf("welcome failed: %w", err)
	}
	if err := s.findProducer(); err != nil {
		return fmt.Errorf("find producer failed: %w", err)
	}
	s.logger.Info("found producer", "producer", s.cfg.Producer, "id", s.producerID)

	if err := s.createPeerConnection(); err != nil {
		return fmt.Errorf("peer connection failed: %w", err)
	}
	if err := s.writeJSON(map[string]string{"type": "startSession", "peerId": s.producerID}); err != nil {
		return fmt.Errorf("start session failed: %w", err)
	}

	go s.handleSignalling()

	select {
	case track := <-s.tracks:
		s.track.Store(track)
		s.logger.Info("video connected", "codec", track.Codec().MimeType)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for video: %w", ctx.Err())
	}
}

func (s *WebRTCSource) readSignal(timeout time.Duration) (signalMessage, error) {
	var msg signalMessage
	s.ws.SetReadDeadline(time.Now().Add(timeout))
	defer s.ws.SetReadDeadline(time.Time{})

	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *WebRTCSource) waitForWelcome() error {
	msg, err := s.readSignal(10 * time.Second)
	if err != nil {
		return err
	}
	if msg.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %s", msg.Type)
	}
	s.peerID = msg.PeerID
	return nil
}

func (s *WebRTCSource) findProducer() error {
	if err := s.writeJSON(map[string]string{"type": "list"}); err != nil {
		return err
	}
	msg, err := s.readSignal(5 * time.Second)
	if err != nil {
		return err
	}
	for _, p := range msg.Producers {
		if p.Meta["name"] == s.cfg.Producer {
			s.producerID = p.ID
			return nil
		}
	}
	return fmt.Errorf("%w: %q among %d producers", ErrProducerNotFound, s.cfg.Producer, len(msg.Producers))
}

func (s *WebRTCSource) createPeerConnection() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	s.pc = pc

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		select {
		case s.tracks <- track:
		default:
			s.logger.Warn("extra video track ignored", "id", track.ID())
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			s.sendICECandidate(c)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("connection state", "state", state.String())
	})
	return nil
}

func (s *WebRTCSource) handleSignalling() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.logger.Debug("signalling closed", "error", err)
			return
		}
		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("bad signalling message", "error", err)
			continue
		}

		switch msg.Type {
		case "sessionStarted":
			s.sessionID.Store(msg.SessionID)
		case "peer":
			s.handlePeerMessage(msg)
		case "endSession":
			s.logger.Info("session ended by producer")
			return
		}
	}
}

func (s *WebRTCSource) handlePeerMessage(msg signalMessage) {
	if msg.SDP != nil && msg.SDP.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP}
		if err := s.pc.SetRemoteDescription(offer); err != nil {
			s.logger.Error("set remote description", "error", err)
			return
		}
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.logger.Error("create answer", "error", err)
			return
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			s.logger.Error("set local description", "error", err)
			return
		}
		s.writeJSON(map[string]any{
			"type":      "peer",
			"sessionId": s.session(),
			"sdp":       map[string]string{"type": answer.Type.String(), "sdp": answer.SDP},
		})
	}

	if msg.ICE != nil {
		if err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     msg.ICE.Candidate,
			SDPMid:        msg.ICE.SDPMid,
			SDPMLineIndex: msg.ICE.SDPMLineIndex,
		}); err != nil {
			s.logger.Debug("add ice candidate", "error", err)
		}
	}
}

func (s *WebRTCSource) sendICECandidate(c *webrtc.ICECandidate) {
	session := s.session()
	if session == "" {
		return
	}
	init := c.ToJSON()
	s.writeJSON(map[string]any{
		"type":      "peer",
		"sessionId": session,
		"ice": map[string]any{
			"candidate":     init.Candidate,
			"sdpMid":        init.SDPMid,
			"sdpMLineIndex": init.SDPMLineIndex,
		},
	})
}

func (s *WebRTCSource) session() string {
	v, _ := s.sessionID.Load().(string)
	return v
}

func (s *WebRTCSource) writeJSON(v any) error {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return s.ws.WriteJSON(v)
}

// Run depacketizes the video track and delivers decoded frames
func (s *WebRTCSource) Run(ctx context.Context, handler FrameHandler) error {
	track := s.track.Load()
	if track == nil {
		select {
		case track = <-s.tracks:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var (
		depacketizer codecs.H264Packet
		annexB       bytes.Buffer
		pkt          = &rtp.Packet{}
		buf          = make([]byte, 1500)
	)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrStreamEnded, err)
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		nal, err := depacketizer.Unmarshal(pkt.Payload)
		if err != nil || len(nal) == 0 {
			continue
		}
		annexB.Write(nal)

		// Decode on access unit boundaries once the interval has passed
		if !pkt.Marker || !s.decoder.Due() {
			continue
		}
		jpegData, err := s.decoder.Decode(ctx, annexB.Bytes())
		annexB.Reset()
		if err != nil {
			return err
		}
		if jpegData == nil {
			continue
		}
		w, h, err := jpegSize(jpegData)
		if err != nil {
			continue
		}
		s.width.Store(int64(w))
		s.height.Store(int64(h))
		handler(Frame{
			Data:   jpegData,
			Width:  w,
			Height: h,
			Format: FormatJPEG,
			Seq:    s.seq.Add(1),
		})
	}
}

// Dimensions returns the last decoded frame size
func (s *WebRTCSource) Dimensions() (int, int) {
	return int(s.width.Load()), int(s.height.Load())
}

// Close closes the peer and signalling connections
func (s *WebRTCSource) Close() error {
	s.closeOnce.Do(func() {
		if s.pc != nil {
			s.pc.Close()
		}
		if s.ws != nil {
			s.ws.Close()
		}
	})
	return nil
}

var _ Source = (*WebRTCSource)(nil)
