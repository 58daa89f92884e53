/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "time"

// ---- Enums / Constants ----

// CallType indicates whether a call carries video
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the server-side status of a call record
type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// ParticipantRole distinguishes the initiator from the invited parties
type ParticipantRole string

const (
	RoleCaller ParticipantRole = "caller"
	RoleCallee ParticipantRole = "callee"
)

// NetworkQuality is the tiered connection quality reported for a participant
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
	QualityUnknown   NetworkQuality = "unknown"
)

// EndReason records why a call reached the ended state
type EndReason string

const (
	EndReasonCompleted        EndReason = "completed"
	EndReasonNoAnswer         EndReason = "no-answer"
	EndReasonRejected         EndReason = "rejected"
	EndReasonCancelled        EndReason = "cancelled"
	EndReasonRemoteEnded      EndReason = "remote-ended"
	EndReasonParticipantsLeft EndReason = "participants-left"
	EndReasonMediaFailed      EndReason = "media-failed"
)

// ---- Call Data Types ----

// Participant is one party on a call record
type Participant struct {
	MemberID string          `json:"memberId"`
	Role     ParticipantRole `json:"role"`
}

// CallRecord is the authoritative description of a call. It is owned by the
// CallManager and replaced wholesale on each authoritative signaling update.
type CallRecord struct {
	CallID          string        `json:"callId"`
	RoomName        string        `json:"roomName"`
	CommunityID     string        `json:"communityId,omitempty"`
	CallType        CallType      `json:"callType"`
	Status          CallStatus    `json:"status"`
	Participants    []Participant `json:"participants"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	DurationSeconds int           `json:"durationSeconds,omitempty"`
}

// Callees returns the participants with the callee role.
func (r *CallRecord) Callees() []Participant {
	var callees []Participant
	for _, p := range r.Participants {
		if p.Role == RoleCallee {
			callees = append(callees, p)
		}
	}
	return callees
}

// MediaRoomDescriptor locates the media room for a call: the provider URL,
// the access token, and the room name. Returned by initiate and accept.
type MediaRoomDescriptor struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	RoomName string `json:"roomName"`
}

// IncomingCallInvite describes a pending call offer received from signaling.
// It exists only while the UI state is incoming and is cleared on accept,
// reject, or cancellation.
type IncomingCallInvite struct {
	CallID       string   `json:"callId"`
	CallerID     string   `json:"callerId"`
	CallerName   string   `json:"callerName,omitempty"`
	CallerAvatar string   `json:"callerAvatar,omitempty"`
	CallType     CallType `json:"callType"`
	CommunityID  string   `json:"communityId,omitempty"`
	RoomName     string   `json:"roomName,omitempty"`
}

// LocalParticipantState holds this device's own media flags. It is mutated
// only by local toggle operations; the server is notified asynchronously and
// inbound events never drive it — the local device is authoritative for its
// own media state.
type LocalParticipantState struct {
	IsMuted         bool `json:"isMuted"`
	IsVideoEnabled  bool `json:"isVideoEnabled"`
	IsSpeakerOn     bool `json:"isSpeakerOn"`
	IsScreenSharing bool `json:"isScreenSharing"`
}

// RemoteParticipantState is one entry in the participant registry, keyed by
// member ID. Created on a participant-joined signal, removed on
// participant-left.
type RemoteParticipantState struct {
	MemberID       string         `json:"memberId"`
	DisplayName    string         `json:"displayName,omitempty"`
	Avatar         string         `json:"avatar,omitempty"`
	IsMuted        bool           `json:"isMuted"`
	IsVideoEnabled bool           `json:"isVideoEnabled"`
	IsSpeaking     bool           `json:"isSpeaking"`
	NetworkQuality NetworkQuality `json:"networkQuality"`
}

// ---- Config ----

// Config holds configuration for the Calling plugin
type Config struct {
	// RingTimeout is how long an outgoing call waits for acceptance before
	// auto-terminating with a no-answer error. It must match the signaling
	// layer's server-side ring timeout. Default: 45s.
	RingTimeout time.Duration

	// EndedDisplayDelay is how long the ended state is held before the
	// manager resets to idle, so the UI can show the outcome. Default: 1.5s.
	EndedDisplayDelay time.Duration

	// DurationTickInterval is how often the call duration is recomputed
	// and emitted while a call is active. Default: 1s.
	DurationTickInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:          45 * time.Second,
		EndedDisplayDelay:    1500 * time.Millisecond,
		DurationTickInterval: time.Second,
	}
}
