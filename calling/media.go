/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// RoomConnectionState is the coarse state of the media room connection as
// reported to the CallManager.
type RoomConnectionState string

const (
	RoomStateConnected    RoomConnectionState = "connected"
	RoomStateDisconnected RoomConnectionState = "disconnected"
	RoomStateFailed       RoomConnectionState = "failed"
)

// RoomOptions configures how a media room is joined.
type RoomOptions struct {
	// EnableVideo publishes the camera track in addition to audio.
	EnableVideo bool

	// LocalMemberID identifies this participant to the media provider.
	LocalMemberID string
}

// RoomParticipant is the provider's view of one remote participant.
type RoomParticipant struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName,omitempty"`
	IsMuted     bool   `json:"isMuted"`
	IsSpeaking  bool   `json:"isSpeaking"`
}

// RoomConnection is the media transport for a call. The CallManager drives
// it with the descriptor returned by initiate/accept and reacts to its
// callbacks; it never reads provider-specific state directly.
//
// Callbacks must be registered before Connect. Implementations may invoke
// them from their own goroutines.
type RoomConnection interface {
	// Connect joins the media room described by desc.
	Connect(desc *MediaRoomDescriptor, opts RoomOptions) error

	// SetMicrophoneEnabled starts or stops publishing local audio.
	SetMicrophoneEnabled(enabled bool) error

	// SetCameraEnabled starts or stops publishing local video.
	SetCameraEnabled(enabled bool) error

	// OnParticipantConnected registers a callback for a remote participant
	// becoming reachable over media.
	OnParticipantConnected(handler func(p RoomParticipant))

	// OnParticipantDisconnected registers a callback for a remote
	// participant leaving the room.
	OnParticipantDisconnected(handler func(memberID string))

	// OnActiveSpeakersChanged registers a callback for the current set of
	// speaking participants.
	OnActiveSpeakersChanged(handler func(memberIDs []string))

	// OnConnectionQualityChanged registers a callback for per-participant
	// network quality updates.
	OnConnectionQualityChanged(handler func(memberID string, quality NetworkQuality))

	// OnConnectionStateChanged registers a callback for room connection
	// state transitions.
	OnConnectionStateChanged(handler func(state RoomConnectionState))

	// Close leaves the room and releases transport resources. Safe to call
	// more than once; no callbacks fire after Close returns.
	Close() error
}

// RoomFactory creates a RoomConnection per call. The CallManager calls it
// each time a call reaches the connecting state.
type RoomFactory func() RoomConnection

// ---- Default SFU provider ----

// sfuMessage is the wire format of the media provider's signaling channel.
type sfuMessage struct {
	Type         string                     `json:"type"`
	RoomName     string                     `json:"room_name,omitempty"`
	MemberID     string                     `json:"member_id,omitempty"`
	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Participants []sfuParticipant           `json:"participants,omitempty"`
	Speakers     []string                   `json:"speakers,omitempty"`
	Quality      map[string]string          `json:"quality,omitempty"`
	AudioMuted   *bool                      `json:"audio_muted,omitempty"`
	VideoEnabled *bool                      `json:"video_enabled,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

type sfuParticipant struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name,omitempty"`
	IsMuted     bool   `json:"is_muted"`
	IsSpeaking  bool   `json:"is_speaking"`
}

// sfuRoom is the default RoomConnection: a websocket signaling channel to
// the Koinonia SFU plus a Pion peer connection for the media itself.
type sfuRoom struct {
	mu sync.Mutex

	conn *websocket.Conn
	pc   *webrtc.PeerConnection

	writeMu sync.Mutex

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	closed  bool
	members map[string]bool

	onParticipantConnected    func(p RoomParticipant)
	onParticipantDisconnected func(memberID string)
	onActiveSpeakersChanged   func(memberIDs []string)
	onConnectionQuality       func(memberID string, quality NetworkQuality)
	onConnectionState         func(state RoomConnectionState)

	// Dialer is the websocket dialer used to reach the SFU. Tests may
	// replace it; nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// NewSFURoom creates a RoomConnection backed by the Koinonia SFU.
func NewSFURoom() RoomConnection {
	return &sfuRoom{
		members: make(map[string]bool),
	}
}

func (r *sfuRoom) OnParticipantConnected(handler func(p RoomParticipant)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onParticipantConnected = handler
}

func (r *sfuRoom) OnParticipantDisconnected(handler func(memberID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onParticipantDisconnected = handler
}

func (r *sfuRoom) OnActiveSpeakersChanged(handler func(memberIDs []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onActiveSpeakersChanged = handler
}

func (r *sfuRoom) OnConnectionQualityChanged(handler func(memberID string, quality NetworkQuality)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnectionQuality = handler
}

func (r *sfuRoom) OnConnectionStateChanged(handler func(state RoomConnectionState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnectionState = handler
}

// Connect dials the SFU's websocket, joins the room, and negotiates the
// peer connection. It returns once the offer is sent; the connected state
// is reported asynchronously via OnConnectionStateChanged.
func (r *sfuRoom) Connect(desc *MediaRoomDescriptor, opts RoomOptions) error {
	if desc == nil {
		return fmt.Errorf("media room descriptor is required")
	}
	if desc.URL == "" || desc.Token == "" {
		return fmt.Errorf("media room descriptor is incomplete")
	}

	pc, err := r.newPeerConnection(opts)
	if err != nil {
		return err
	}

	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+desc.Token)

	conn, resp, err := dialer.Dial(desc.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		pc.Close()
		return fmt.Errorf("media room connection failed: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.pc = pc
	r.mu.Unlock()

	// Trickle our candidates to the SFU as they are gathered.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = r.send(&sfuMessage{Type: "candidate", Candidate: &init})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state, ok := mapPeerConnectionState(s)
		if !ok {
			return
		}
		r.mu.Lock()
		closed := r.closed
		handler := r.onConnectionState
		r.mu.Unlock()
		if closed || handler == nil {
			return
		}
		handler(state)
	})

	if err := r.send(&sfuMessage{
		Type:     "join",
		RoomName: desc.RoomName,
		MemberID: opts.LocalMemberID,
	}); err != nil {
		r.Close()
		return fmt.Errorf("media room join failed: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		r.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		r.Close()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := r.send(&sfuMessage{Type: "offer", Offer: pc.LocalDescription()}); err != nil {
		r.Close()
		return fmt.Errorf("failed to send offer: %w", err)
	}

	go r.readLoop(conn, pc)

	return nil
}

// newPeerConnection builds the Pion peer connection with Opus audio and,
// when video is enabled, a VP8 track.
func (r *sfuRoom) newPeerConnection(opts RoomOptions) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "koinonia-call",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	if err := r.addTrack(pc, audioTrack); err != nil {
		pc.Close()
		return nil, err
	}

	var videoTrack *webrtc.TrackLocalStaticSample
	if opts.EnableVideo {
		videoTrack, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "koinonia-call",
		)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		if err := r.addTrack(pc, videoTrack); err != nil {
			pc.Close()
			return nil, err
		}
	}

	r.mu.Lock()
	r.audioTrack = audioTrack
	r.videoTrack = videoTrack
	r.mu.Unlock()

	return pc, nil
}

// addTrack attaches a local track with a sendrecv transceiver and drains
// RTCP from its sender.
func (r *sfuRoom) addTrack(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	transceiver, err := pc.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return fmt.Errorf("failed to add transceiver: %w", err)
	}

	go func() {
		sender := transceiver.Sender()
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()
	return nil
}

// send serializes one message to the SFU websocket.
func (r *sfuRoom) send(msg *sfuMessage) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("media room is not connected")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}

// readLoop processes SFU messages until the connection drops or Close is
// called.
func (r *sfuRoom) readLoop(conn *websocket.Conn, pc *webrtc.PeerConnection) {
	for {
		var msg sfuMessage
		if err := conn.ReadJSON(&msg); err != nil {
			r.mu.Lock()
			closed := r.closed
			handler := r.onConnectionState
			r.mu.Unlock()
			if !closed && handler != nil {
				handler(RoomStateDisconnected)
			}
			return
		}

		switch msg.Type {
		case "answer":
			if msg.Answer != nil {
				if err := pc.SetRemoteDescription(*msg.Answer); err != nil {
					r.fail()
					return
				}
			}

		case "candidate":
			if msg.Candidate != nil {
				_ = pc.AddICECandidate(*msg.Candidate)
			}

		case "participants":
			r.applyParticipants(msg.Participants)

		case "speakers":
			r.mu.Lock()
			handler := r.onActiveSpeakersChanged
			r.mu.Unlock()
			if handler != nil {
				handler(msg.Speakers)
			}

		case "quality":
			r.applyQuality(msg.Quality)

		case "error":
			r.fail()
			return
		}
	}
}

// applyParticipants diffs a room snapshot against the known member set and
// fires connect/disconnect callbacks for the changes.
func (r *sfuRoom) applyParticipants(snapshot []sfuParticipant) {
	r.mu.Lock()
	seen := make(map[string]bool, len(snapshot))
	var joined []RoomParticipant
	var left []string
	for _, p := range snapshot {
		seen[p.MemberID] = true
		if !r.members[p.MemberID] {
			r.members[p.MemberID] = true
			joined = append(joined, RoomParticipant{
				MemberID:    p.MemberID,
				DisplayName: p.DisplayName,
				IsMuted:     p.IsMuted,
				IsSpeaking:  p.IsSpeaking,
			})
		}
	}
	for id := range r.members {
		if !seen[id] {
			delete(r.members, id)
			left = append(left, id)
		}
	}
	onJoin := r.onParticipantConnected
	onLeave := r.onParticipantDisconnected
	r.mu.Unlock()

	if onJoin != nil {
		for _, p := range joined {
			onJoin(p)
		}
	}
	if onLeave != nil {
		for _, id := range left {
			onLeave(id)
		}
	}
}

// applyQuality maps the provider's quality strings onto NetworkQuality.
func (r *sfuRoom) applyQuality(quality map[string]string) {
	r.mu.Lock()
	handler := r.onConnectionQuality
	r.mu.Unlock()
	if handler == nil {
		return
	}
	for memberID, q := range quality {
		handler(memberID, parseNetworkQuality(q))
	}
}

func parseNetworkQuality(q string) NetworkQuality {
	switch NetworkQuality(q) {
	case QualityExcellent, QualityGood, QualityFair, QualityPoor:
		return NetworkQuality(q)
	default:
		return QualityUnknown
	}
}

// mapPeerConnectionState collapses Pion's state machine onto the three
// states the CallManager reacts to. Intermediate states report nothing.
func mapPeerConnectionState(s webrtc.PeerConnectionState) (RoomConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return RoomStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return RoomStateDisconnected, true
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return RoomStateFailed, true
	default:
		return "", false
	}
}

func (r *sfuRoom) SetMicrophoneEnabled(enabled bool) error {
	muted := !enabled
	return r.send(&sfuMessage{Type: "audio_state", AudioMuted: &muted})
}

func (r *sfuRoom) SetCameraEnabled(enabled bool) error {
	return r.send(&sfuMessage{Type: "video_state", VideoEnabled: &enabled})
}

// fail reports a terminal media failure unless already closed.
func (r *sfuRoom) fail() {
	r.mu.Lock()
	closed := r.closed
	handler := r.onConnectionState
	r.mu.Unlock()
	if !closed && handler != nil {
		handler(RoomStateFailed)
	}
}

// Close leaves the room. After Close no further callbacks are delivered.
func (r *sfuRoom) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	pc := r.pc
	r.conn = nil
	r.pc = nil
	r.mu.Unlock()

	var firstErr error
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			firstErr = err
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
