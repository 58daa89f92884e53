/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// ---- UI State & Event Enums ----

// UIState is the state of the call lifecycle as the UI should render it
type UIState string

const (
	UIStateIdle         UIState = "idle"
	UIStateOutgoing     UIState = "outgoing"
	UIStateIncoming     UIState = "incoming"
	UIStateConnecting   UIState = "connecting"
	UIStateActive       UIState = "active"
	UIStateReconnecting UIState = "reconnecting"
	UIStateEnded        UIState = "ended"
)

// CallEventKey identifies the type of call event emitted by the CallManager
type CallEventKey string

const (
	CallEventStateChanged       CallEventKey = "state_changed"
	CallEventIncomingInvite     CallEventKey = "incoming_invite"
	CallEventEnded              CallEventKey = "ended"
	CallEventDurationTick       CallEventKey = "duration_tick"
	CallEventParticipantJoined  CallEventKey = "participant_joined"
	CallEventParticipantLeft    CallEventKey = "participant_left"
	CallEventParticipantUpdated CallEventKey = "participant_updated"
	CallEventActiveSpeakers     CallEventKey = "active_speakers"
	CallEventNetworkQuality     CallEventKey = "network_quality"
	CallEventError              CallEventKey = "call_error"
)

// StateChange is the payload of a state_changed event
type StateChange struct {
	From UIState
	To   UIState
}

// EndedInfo is the payload of an ended event. Reason distinguishes the
// terminal outcomes ("no-answer" vs "rejected" vs "remote-ended" ...).
type EndedInfo struct {
	CallID          string
	Reason          EndReason
	DurationSeconds int
	Err             error
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}

// ---- Inbound Signal Types (from the signaling gateway) ----

// Signal discriminants for call signals. Each selects one handler on the
// CallManager.
const (
	SignalInvite                  = "call.invite"
	SignalAccept                  = "call.accept"
	SignalReject                  = "call.reject"
	SignalCancel                  = "call.cancel"
	SignalEnd                     = "call.end"
	SignalParticipantJoined       = "call.participant-joined"
	SignalParticipantLeft         = "call.participant-left"
	SignalParticipantMuted        = "call.participant-muted"
	SignalParticipantVideoChanged = "call.participant-video-changed"
)

// InvitePayload is the data of a call.invite signal
type InvitePayload struct {
	CallID       string   `json:"callId"`
	CallerID     string   `json:"callerId"`
	CallerName   string   `json:"callerName,omitempty"`
	CallerAvatar string   `json:"callerAvatar,omitempty"`
	CallType     CallType `json:"callType"`
	CommunityID  string   `json:"communityId,omitempty"`
	RoomName     string   `json:"roomName,omitempty"`
}

// AcceptPayload is the data of a call.accept signal
type AcceptPayload struct {
	CallID   string      `json:"callId"`
	MemberID string      `json:"memberId"`
	Call     *CallRecord `json:"call,omitempty"`
}

// RejectPayload is the data of a call.reject signal
type RejectPayload struct {
	CallID   string `json:"callId"`
	MemberID string `json:"memberId"`
	Reason   string `json:"reason,omitempty"`
}

// CancelPayload is the data of a call.cancel signal
type CancelPayload struct {
	CallID string `json:"callId"`
}

// EndPayload is the data of a call.end signal
type EndPayload struct {
	CallID          string `json:"callId"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// ParticipantJoinedPayload is the data of a call.participant-joined signal
type ParticipantJoinedPayload struct {
	CallID      string `json:"callId"`
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// ParticipantLeftPayload is the data of a call.participant-left signal
type ParticipantLeftPayload struct {
	CallID   string `json:"callId"`
	MemberID string `json:"memberId"`
}

// ParticipantMutedPayload is the data of a call.participant-muted signal
type ParticipantMutedPayload struct {
	CallID   string `json:"callId"`
	MemberID string `json:"memberId"`
	IsMuted  bool   `json:"isMuted"`
}

// ParticipantVideoPayload is the data of a call.participant-video-changed signal
type ParticipantVideoPayload struct {
	CallID         string `json:"callId"`
	MemberID       string `json:"memberId"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}
